package httpintercept

import (
	"bytes"
	"context"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/streamrelay/streamrelay/pkg/logging"
	"github.com/streamrelay/streamrelay/pkg/shadowbuf"
)

func collectResponseContent(t *testing.T, wire []byte, transferEncoding, contentEncoding []string, contentLength int) (string, bool, error) {
	t.Helper()
	buf, _ := newPair()
	w := shadowbuf.NewWrapper(buf)
	if err := buf.Feed(wire); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	buf.MarkEOF(nil)

	var decoded bytes.Buffer
	o := uint32(0)
	hasTrailer, err := readResponseContent(context.Background(), w, &o, transferEncoding, contentEncoding, contentLength, logging.New(logging.Options{}), func(chunk []byte) error {
		decoded.Write(chunk)
		return nil
	})
	return decoded.String(), hasTrailer, err
}

func TestReadResponseContentChunked(t *testing.T) {
	body, hasTrailer, err := collectResponseContent(t, []byte("5\r\nhello\r\n0\r\n\r\n"), []string{"chunked"}, nil, 0)
	if err != nil {
		t.Fatalf("readResponseContent: %v", err)
	}
	if body != "hello" {
		t.Fatalf("decoded body = %q, want %q", body, "hello")
	}
	if !hasTrailer {
		t.Fatal("chunked framing must report a pending trailer block")
	}
}

func TestReadResponseContentGzip(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte("abc"))
	zw.Close()

	body, hasTrailer, err := collectResponseContent(t, gz.Bytes(), nil, []string{"gzip"}, gz.Len())
	if err != nil {
		t.Fatalf("readResponseContent: %v", err)
	}
	if body != "abc" {
		t.Fatalf("decoded body = %q, want %q", body, "abc")
	}
	if hasTrailer {
		t.Fatal("a Content-Length body has no trailer block")
	}
}

func TestReadResponseContentChunkedGzipChain(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte("chained"))
	zw.Close()

	var wire bytes.Buffer
	wire.WriteString(hexLen(gz.Len()))
	wire.WriteString("\r\n")
	wire.Write(gz.Bytes())
	wire.WriteString("\r\n0\r\n\r\n")

	body, _, err := collectResponseContent(t, wire.Bytes(), []string{"chunked", "gzip"}, nil, 0)
	if err != nil {
		t.Fatalf("readResponseContent: %v", err)
	}
	if body != "chained" {
		t.Fatalf("decoded body = %q, want %q", body, "chained")
	}
}

func hexLen(n int) string {
	const digits = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var out []byte
	for n > 0 {
		out = append([]byte{digits[n%16]}, out...)
		n /= 16
	}
	return string(out)
}

func TestReadResponseContentRejectsNonChunkedFirstToken(t *testing.T) {
	_, _, err := collectResponseContent(t, []byte("irrelevant"), []string{"gzip"}, nil, 0)
	if err == nil {
		t.Fatal("expected a protocol violation when the first Transfer-Encoding token is not chunked")
	}
}

func TestReadResponseContentRejectsUnknownEncoding(t *testing.T) {
	_, _, err := collectResponseContent(t, []byte("abc"), nil, []string{"zstd"}, 3)
	if err == nil {
		t.Fatal("expected a protocol violation for an unrecognized content encoding")
	}
}

func TestReadResponseContentReadsToEOFWithoutLength(t *testing.T) {
	body, hasTrailer, err := collectResponseContent(t, []byte("until the end"), nil, nil, 0)
	if err != nil {
		t.Fatalf("readResponseContent: %v", err)
	}
	if body != "until the end" {
		t.Fatalf("decoded body = %q, want %q", body, "until the end")
	}
	if hasTrailer {
		t.Fatal("a read-to-EOF body has no trailer block")
	}
}
