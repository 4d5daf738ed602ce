// Package tunnel reaches session sockets on another host over SSH.
//
// The remote sshd forwards each Dial to a unix socket on its side
// (OpenSSH direct-streamlocal), so a session started on a build host
// can be attached from a workstation without exposing a TCP port.
package tunnel

import (
	"context"
	"net"
)

// Tunnel is an encrypted channel through which socket connections can
// be forwarded.
type Tunnel interface {
	// Connect establishes the tunnel to the gateway.
	Connect(ctx context.Context) error

	// Dial opens a connection to address on the far side.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close tears down the tunnel and frees resources.
	Close() error

	// IsAlive reports whether the underlying connection is still up.
	IsAlive() bool
}
