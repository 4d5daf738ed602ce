// Package service defines what runs inside a session.  The root
// service is the interactive shell; Relay is the client-side
// counterpart that shuttles a local terminal to a remote session.
package service

import (
	"context"

	"deployer/internal/session"
)

// Service handles one session.  Handle blocks until the client is done
// or the context is cancelled.
type Service interface {
	Handle(ctx context.Context, sess *session.Session) error
}

// Func adapts a function to the Service interface.
type Func func(ctx context.Context, sess *session.Session) error

// Handle calls f.
func (f Func) Handle(ctx context.Context, sess *session.Session) error { return f(ctx, sess) }
