// Package transport opens connections to session sockets.  A transport
// handles how bytes reach a session server (a local unix socket, or an
// SSH-forwarded one on another host) independent of the handshake that
// runs over the connection.
package transport

import (
	"context"
	"net"
)

// Dialer opens connections to session addresses.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}
