// Package protocol is the handshake spoken on a session socket.
//
// Each connection opens with exactly one request frame from the client
// and one response frame from the server.  A frame is a 4-byte
// big-endian payload length followed by a CBOR payload.  After a
// successful attach the connection carries raw terminal bytes in both
// directions; after info the server closes it.
package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Actions a client can request.
const (
	ActionAttach = "attach"
	ActionInfo   = "info"
)

// frameHeaderLength is the size of the length prefix.
const frameHeaderLength = 4

// MaxFrameLength caps a single handshake payload.
const MaxFrameLength = 64 * 1024

// Request is the first frame on every connection.
type Request struct {
	Action string `cbor:"action"`
	Path   string `cbor:"path,omitempty"`
	TTY    bool   `cbor:"tty,omitempty"`
	Width  int    `cbor:"width,omitempty"`
	Height int    `cbor:"height,omitempty"`
}

// Response answers a Request.
type Response struct {
	OK    bool         `cbor:"ok"`
	Error string       `cbor:"error,omitempty"`
	Info  *SessionInfo `cbor:"info,omitempty"`
}

// SessionInfo is what a live server reports about itself.
type SessionInfo struct {
	Address                  string    `cbor:"address"`
	PID                      int       `cbor:"pid"`
	Daemonized               bool      `cbor:"daemonized"`
	ShutdownOnLastDisconnect bool      `cbor:"shutdown_on_last_disconnect"`
	Interactive              bool      `cbor:"interactive"`
	Started                  time.Time `cbor:"started"`
	Clients                  int64     `cbor:"clients"`
	TotalClients             int64     `cbor:"total_clients"`
}

// Uptime is the time since the server started, rounded to seconds.
func (i SessionInfo) Uptime(now time.Time) time.Duration {
	return now.Sub(i.Started).Round(time.Second)
}

// WriteFrame encodes v and writes it as one frame.
func WriteFrame(w io.Writer, v any) error {
	payload, err := marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrameLength {
		return fmt.Errorf("frame length %d exceeds maximum %d", len(payload), MaxFrameLength)
	}
	buf := make([]byte, frameHeaderLength+len(payload))
	binary.BigEndian.PutUint32(buf[:frameHeaderLength], uint32(len(payload)))
	copy(buf[frameHeaderLength:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r and decodes it into v.  It
// never reads past the end of the frame, so r can be handed on to a
// raw byte relay afterwards.
func ReadFrame(r io.Reader, v any) error {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameLength {
		return fmt.Errorf("frame length %d exceeds maximum %d", length, MaxFrameLength)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// RoundTrip sends req on conn and reads the response.  The exchange is
// bounded by timeout; the deadline is cleared again on success so the
// connection can continue as a stream.
func RoundTrip(conn net.Conn, req Request, timeout time.Duration) (Response, error) {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout)) //nolint:errcheck
		defer conn.SetDeadline(time.Time{})       //nolint:errcheck
	}
	if err := WriteFrame(conn, req); err != nil {
		return Response{}, err
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Dialer is the subset of transport.Dialer that Probe needs.
type Dialer interface {
	Dial(ctx context.Context, network, address string) (net.Conn, error)
}

// Probe asks the server at addr to describe itself.  A nil error means a
// live server answered.
func Probe(ctx context.Context, d Dialer, addr string, timeout time.Duration) (*SessionInfo, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := d.Dial(ctx, "unix", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline) //nolint:errcheck
	}
	resp, err := RoundTrip(conn, Request{Action: ActionInfo}, 0)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("info refused: %s", resp.Error)
	}
	if resp.Info == nil {
		return nil, fmt.Errorf("info response carried no session info")
	}
	return resp.Info, nil
}
