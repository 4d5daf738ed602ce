package util

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
)

// DefaultBufSize is the standard buffer size for session I/O (32 KiB).
const DefaultBufSize = 32 * 1024

// closeWriter is implemented by *net.TCPConn and *net.UnixConn.
type closeWriter interface {
	CloseWrite() error
}

// BidirectionalCopy shuffles data between a session connection and a
// local reader/writer pair (typically the terminal) until the remote
// side closes or the context is cancelled.
//
// The reader → network direction is not waited for once the remote side
// is done: a goroutine blocked reading a terminal cannot be interrupted,
// and it exits on its next read or write.
func BidirectionalCopy(ctx context.Context, conn net.Conn, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	downErr := make(chan error, 1)
	upErr := make(chan error, 1)

	// network → writer
	wg.Add(1)
	go func() {
		defer wg.Done()
		downErr <- copyBuffered(w, conn)
		cancel()
	}()

	// reader → network
	go func() {
		err := copyBuffered(conn, r)
		// Half-close the write side so the remote knows we're done
		// sending, but keep the read side open to drain any remaining
		// output (the writer goroutine handles that).
		if cw, ok := conn.(closeWriter); ok {
			cw.CloseWrite() //nolint:errcheck
		}
		upErr <- err
		// A normal EOF from the reader must not tear down the
		// connection before the remote finishes sending.
		if err != nil {
			cancel()
		}
	}()

	<-ctx.Done()
	conn.Close() // unblock any pending reads/writes
	wg.Wait()

	if err := <-downErr; err != nil && !isHarmless(err) {
		return err
	}
	select {
	case err := <-upErr:
		if err != nil && !isHarmless(err) {
			return err
		}
	default:
	}
	return nil
}

// copyBuffered is io.CopyBuffer with a pooled buffer.
func copyBuffered(dst io.Writer, src io.Reader) error {
	buf := getRelayBuf()
	defer putRelayBuf(buf)
	_, err := io.CopyBuffer(dst, src, *buf)
	return err
}

// isHarmless returns true for errors that are expected during shutdown.
func isHarmless(err error) bool {
	return err == nil || IsExpectedCloseError(err)
}

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, closed pipe, broken pipe, or
// connection reset.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
