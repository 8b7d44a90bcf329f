package intercept

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/streamrelay/streamrelay/pkg/logging"
	"github.com/streamrelay/streamrelay/pkg/shadowbuf"
)

func newTestConn(t *testing.T, registry Registry) *Conn {
	t.Helper()
	clientSide, cSock := net.Pipe()
	upstreamSide, sSock := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		upstreamSide.Close()
		cSock.Close()
		sSock.Close()
	})
	logger := logging.New(logging.Options{})
	return NewConn("test", sSock, cSock, registry, logger)
}

// TestInstanceIdentifiedCancelsSiblings: at most one interceptor per
// connection ever reaches matched, and every sibling is cancelled the
// instant it does.
func TestInstanceIdentifiedCancelsSiblings(t *testing.T) {
	conn := newTestConn(t, StaticRegistry{})
	a := newInstance(context.Background(), conn, "a", conn.logger.Named("a"))
	b := newInstance(context.Background(), conn, "b", conn.logger.Named("b"))
	conn.mu.Lock()
	conn.instances[a] = struct{}{}
	conn.instances[b] = struct{}{}
	conn.mu.Unlock()

	a.Identified()

	select {
	case <-b.Done():
	default:
		t.Fatal("sibling instance should have been cancelled once a won the race")
	}
	select {
	case <-a.Done():
		t.Fatal("the winning instance must not be cancelled by its own Identified call")
	default:
	}
	if !a.Matched() {
		t.Fatal("a.Matched() should be true after Identified")
	}
	if b.Matched() {
		t.Fatal("b.Matched() should remain false: it never called Identified")
	}
}

func TestInstanceProtocolChangedPanicsBeforeIdentified(t *testing.T) {
	conn := newTestConn(t, StaticRegistry{})
	inst := newInstance(context.Background(), conn, "x", conn.logger.Named("x"))

	defer func() {
		if recover() == nil {
			t.Fatal("expected ProtocolChanged to panic before Identified was called")
		}
	}()
	inst.ProtocolChanged("y")
}

func TestInstanceCancelIsIdempotent(t *testing.T) {
	conn := newTestConn(t, StaticRegistry{})
	inst := newInstance(context.Background(), conn, "x", conn.logger.Named("x"))

	inst.Cancel()
	inst.Cancel() // must not panic or deadlock on the second call

	select {
	case <-inst.Done():
	default:
		t.Fatal("Done() should be closed after Cancel")
	}
}

// TestCompetingParsersOnlyOneIdentifies drives a real Conn.Run race between
// two parsers over net.Pipe sockets: only the one whose predicate matches
// the first byte ever reaches Identified.
func TestCompetingParsersOnlyOneIdentifies(t *testing.T) {
	matched := make(chan string, 2)
	makeParser := func(name string, want byte) Factory {
		return Factory{Name: name, New: func() Parser {
			return ParserFunc(func(ctx context.Context, inst *Instance, c, s *shadowbuf.Wrapper) error {
				_, _, err := c.Match(ctx, 0, func(b byte, i int) bool { return b == want }, 1, 1, false)
				if err != nil {
					return err
				}
				inst.Identified()
				matched <- name
				<-ctx.Done()
				return ctx.Err()
			})
		}}
	}
	registry := StaticRegistry{makeParser("a", 'A'), makeParser("b", 'B')}

	clientSide, cSock := net.Pipe()
	upstreamSide, sSock := net.Pipe()
	defer clientSide.Close()
	// Held open but silent: this test only drives the client direction.
	// Closing it instead would fire the wrappers' EOF hooks and cancel
	// both racers before either saw a byte.
	defer upstreamSide.Close()

	logger := logging.New(logging.Options{})
	conn := NewConn("race", sSock, cSock, registry, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	go clientSide.Write([]byte("A"))

	select {
	case name := <-matched:
		if name != "a" {
			t.Fatalf("matched = %q, want \"a\"", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no parser identified the stream in time")
	}

	select {
	case name := <-matched:
		t.Fatalf("a second parser (%q) identified the same stream", name)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestNoParserMatchesHandsOffResidualBytes exercises the fallback path: when
// every parser reports a mismatch, Run returns cleanly with whatever bytes
// had already arrived so the caller can raw-splice them onward.
func TestNoParserMatchesHandsOffResidualBytes(t *testing.T) {
	registry := StaticRegistry{{Name: "only", New: func() Parser {
		return ParserFunc(func(ctx context.Context, inst *Instance, c, s *shadowbuf.Wrapper) error {
			_, _, err := c.Match(ctx, 0, func(b byte, i int) bool { return b == 'Z' }, 1, 1, false)
			return err
		})
	}}}

	clientSide, cSock := net.Pipe()
	upstreamSide, sSock := net.Pipe()
	defer clientSide.Close()
	defer upstreamSide.Close()

	logger := logging.New(logging.Options{})
	conn := NewConn("nomatch", sSock, cSock, registry, logger)

	type result struct {
		toS, toC []byte
		err      error
	}
	resCh := make(chan result, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		toS, toC, err := conn.Run(ctx)
		resCh <- result{toS, toC, err}
	}()

	go clientSide.Write([]byte("Q"))

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("Run returned an error: %v", res.err)
		}
		if string(res.toS) != "Q" {
			t.Fatalf("toS = %q, want %q (the unmatched byte handed to raw splice)", res.toS, "Q")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not settle after every parser mismatched")
	}
}
