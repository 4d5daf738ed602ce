package transport

import (
	"context"
	"net"
	"time"
)

// UnixDialer connects to session sockets on this host.
type UnixDialer struct {
	Timeout time.Duration
}

// Dial connects to address.  network is normally "unix"; it is passed
// through so tests can point the dialer at other socket types.
func (d *UnixDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if network == "" {
		network = "unix"
	}
	dialer := net.Dialer{Timeout: d.Timeout}
	return dialer.DialContext(ctx, network, address)
}

// Close is a no-op for the stateless unix dialer.
func (d *UnixDialer) Close() error { return nil }
