// Package rawsplice implements the raw byte-splicing handoff that takes
// over a connection once the interception race has settled (every
// interceptor instance has either matched and changed protocol, or given
// up): two plain, concurrent io.Copy loops. Each direction's source is an
// io.Reader rather than the socket itself so the interception engine can
// prepend whatever it had already buffered (and recover a socket read it
// still had in flight) before the splice reads the wire directly.
package rawsplice

import (
	"errors"
	"io"
	"net"
	"sync"
)

// halfCloser is implemented by net.Conn and satisfied by every transport
// this package is used with (TCP, TLS); it lets one direction's EOF signal
// the peer without tearing down the whole connection.
type halfCloser interface {
	CloseWrite() error
}

// Splice relays bytes between a and b until both directions reach EOF or
// error: everything read from toA is written to a, everything read from
// toB is written to b. Callers that have nothing buffered pass the peer
// connection itself as the source; the interception engine passes its
// residual-then-socket readers. Returns the first error encountered by
// either direction, or nil on a clean mutual close.
func Splice(a, b net.Conn, toA, toB io.Reader) error {
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- copyDirection(a, toA)
	}()
	go func() {
		defer wg.Done()
		errs <- copyDirection(b, toB)
	}()
	wg.Wait()
	close(errs)

	var first error
	for err := range errs {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// copyDirection relays everything read from src to dst until src reaches
// EOF, at which point it half-closes dst (if supported) so the peer sees
// EOF on its read side without the whole connection being forced closed.
func copyDirection(dst net.Conn, src io.Reader) error {
	_, err := io.Copy(dst, src)
	if hc, ok := dst.(halfCloser); ok {
		hc.CloseWrite()
	} else {
		dst.Close()
	}
	if err != nil && (errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)) {
		// The peer direction finished first and closed the conn under us:
		// a normal teardown ordering, not a relay failure.
		return nil
	}
	return err
}

// Reset closes conn abruptly: on TCP, SO_LINGER 0 makes the close send RST
// instead of FIN, so a peer of a connection aborted mid-stream sees a hard
// failure rather than a clean end of data.
func Reset(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetLinger(0)
	}
	conn.Close()
}
