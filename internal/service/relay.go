package service

import (
	"context"
	"fmt"

	"deployer/internal/session"
	"deployer/util"
)

// Relay copies bytes between the session's connection and its local
// I/O endpoints.  It is what an attached client runs.
type Relay struct{}

// Handle shuttles bytes until the remote side closes or the context is
// cancelled.
func (r *Relay) Handle(ctx context.Context, sess *session.Session) error {
	if sess.Conn == nil {
		return fmt.Errorf("relay: session has no connection")
	}
	return util.BidirectionalCopy(ctx, sess.Conn, sess.In, sess.Out)
}
