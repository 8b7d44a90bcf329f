package httpintercept

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/streamrelay/streamrelay/pkg/intercept"
	"github.com/streamrelay/streamrelay/pkg/logging"
	"github.com/streamrelay/streamrelay/pkg/shadowbuf"
)

func newPair() (*shadowbuf.Buffer, *shadowbuf.Buffer) {
	a, b := shadowbuf.New(), shadowbuf.New()
	shadowbuf.SetPeer(a, b)
	return a, b
}

func TestParseRequestLineBasic(t *testing.T) {
	buf, _ := newPair()
	w := shadowbuf.NewWrapper(buf)
	buf.Feed([]byte("GET /index.html HTTP/1.1\r\n"))

	ctx := context.Background()
	next, method, target, version, err := parseRequestLine(ctx, w, 0)
	if err != nil {
		t.Fatalf("parseRequestLine: %v", err)
	}
	if method != "GET" || target != "/index.html" || version != "HTTP/1.1" {
		t.Fatalf("got method=%q target=%q version=%q", method, target, version)
	}
	if int(next) != len("GET /index.html HTTP/1.1\r\n") {
		t.Fatalf("next = %d, want %d", next, len("GET /index.html HTTP/1.1\r\n"))
	}
}

func TestParseRequestLineRejectsLowercaseMethod(t *testing.T) {
	buf, _ := newPair()
	w := shadowbuf.NewWrapper(buf)
	buf.Feed([]byte("get / HTTP/1.1\r\n"))

	if _, _, _, _, err := parseRequestLine(context.Background(), w, 0); err != shadowbuf.ErrMismatch {
		t.Fatalf("parseRequestLine(lowercase method) = %v, want ErrMismatch", err)
	}
}

func TestParseHeaderSimpleAndEndOfBlock(t *testing.T) {
	buf, _ := newPair()
	w := shadowbuf.NewWrapper(buf)
	buf.Feed([]byte("Host: example.com\r\n\r\n"))

	ctx := context.Background()
	next, hdr, err := parseHeader(ctx, w, 0)
	if err != nil {
		t.Fatalf("parseHeader: %v", err)
	}
	if hdr == nil || hdr.Name != "Host" || hdr.Value != "example.com" {
		t.Fatalf("hdr = %+v", hdr)
	}

	_, hdr2, err := parseHeader(ctx, w, next)
	if err != nil {
		t.Fatalf("second parseHeader: %v", err)
	}
	if hdr2 != nil {
		t.Fatalf("expected nil header at end of block, got %+v", hdr2)
	}
}

// TestParseHeaderObsFold exercises the header-continuation path: a
// subsequent line starting with a space folds into the previous header's
// value, with no separator inserted between the folded segments (matching
// the reference parser's byte-for-byte accumulation).
func TestParseHeaderObsFold(t *testing.T) {
	buf, _ := newPair()
	w := shadowbuf.NewWrapper(buf)
	buf.Feed([]byte("X-Long: part1\r\n part2\r\n\r\n"))

	next, hdr, err := parseHeader(context.Background(), w, 0)
	if err != nil {
		t.Fatalf("parseHeader: %v", err)
	}
	if hdr == nil || hdr.Name != "X-Long" || hdr.Value != "part1part2" {
		t.Fatalf("hdr = %+v, want Value %q", hdr, "part1part2")
	}
	_ = next
}

func TestParseHeaderQuotedJSONValue(t *testing.T) {
	buf, _ := newPair()
	w := shadowbuf.NewWrapper(buf)
	buf.Feed([]byte("X-Note: \"hello world\"\r\n\r\n"))

	_, hdr, err := parseHeader(context.Background(), w, 0)
	if err != nil {
		t.Fatalf("parseHeader: %v", err)
	}
	if hdr == nil || hdr.Value != "hello world" {
		t.Fatalf("hdr = %+v, want Value %q", hdr, "hello world")
	}
}

func TestParseHeaderObsFoldWithoutPrecedingHeaderFails(t *testing.T) {
	buf, _ := newPair()
	w := shadowbuf.NewWrapper(buf)
	buf.Feed([]byte(" stray continuation\r\n"))

	if _, _, err := parseHeader(context.Background(), w, 0); err == nil {
		t.Fatal("expected an error for a leading obs-fold line with no preceding header")
	}
}

func TestParseContentRange(t *testing.T) {
	cases := []struct {
		value      string
		wantOK     bool
		start, end int64
		hasLength  bool
		length     int64
	}{
		{"bytes 0-99/200", true, 0, 100, true, 200},
		{"bytes 100-199/*", true, 100, 200, false, 0},
		{"not-bytes 0-99/200", false, 0, 0, false, 0},
		{"bytes 100-50/200", false, 0, 0, false, 0},
		{"bytes 0-199/100", false, 0, 0, false, 0},
	}
	for _, c := range cases {
		start, end, length, ok := parseContentRange(c.value)
		if ok != c.wantOK {
			t.Errorf("parseContentRange(%q) ok = %v, want %v", c.value, ok, c.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if start != c.start || end != c.end {
			t.Errorf("parseContentRange(%q) = (%d,%d), want (%d,%d)", c.value, start, end, c.start, c.end)
		}
		if c.hasLength && (length == nil || *length != c.length) {
			t.Errorf("parseContentRange(%q) length = %v, want %d", c.value, length, c.length)
		}
		if !c.hasLength && length != nil {
			t.Errorf("parseContentRange(%q) length = %v, want nil", c.value, *length)
		}
	}
}

// TestInterceptPlainRequestRoundTrip is the end-to-end happy path: a plain
// HTTP/1.1 GET with a short response body passes through untouched, and
// the interceptor claims the connection.
func TestInterceptPlainRequestRoundTrip(t *testing.T) {
	registry := intercept.StaticRegistry{{Name: "http", New: New}}

	client, cSock := net.Pipe()
	upstream, sSock := net.Pipe()
	defer client.Close()
	defer upstream.Close()

	logger := logging.New(logging.Options{})
	conn := intercept.NewConn("s1", sSock, cSock, registry, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		conn.Run(ctx)
		close(done)
	}()

	request := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	response := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"

	clientReadDone := make(chan string, 1)
	go func() {
		buf := make([]byte, len(response))
		n, _ := readFull(client, buf)
		clientReadDone <- string(buf[:n])
	}()
	// The fake server answers only after the full request arrives, like a
	// real one: a response on the wire before the request has been consumed
	// is exactly the silence violation the engine cancels parsers for.
	upstreamReadDone := make(chan string, 1)
	go func() {
		buf := make([]byte, len(request))
		n, _ := readFull(upstream, buf)
		upstreamReadDone <- string(buf[:n])
		upstream.Write([]byte(response))
	}()

	go client.Write([]byte(request))

	select {
	case got := <-upstreamReadDone:
		if got != request {
			t.Fatalf("upstream received %q, want %q", got, request)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received the forwarded request")
	}

	select {
	case got := <-clientReadDone:
		if got != response {
			t.Fatalf("client received %q, want %q", got, response)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the forwarded response")
	}
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
