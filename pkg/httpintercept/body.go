package httpintercept

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	"github.com/streamrelay/streamrelay/pkg/errors"
	"github.com/streamrelay/streamrelay/pkg/logging"
	"github.com/streamrelay/streamrelay/pkg/shadowbuf"
)

// readContentLength reads exactly remaining bytes starting at *o in chunks
// of up to 4096, advancing *o and invoking sink for each chunk in order.
func readContentLength(ctx context.Context, X *shadowbuf.Wrapper, o *uint32, remaining int, sink func([]byte) error) error {
	for remaining > 0 {
		chunkSize := remaining
		if chunkSize > 4096 {
			chunkSize = 4096
		}
		chunk, next, err := X.Read(ctx, *o, uint32(chunkSize), uint32(chunkSize), true)
		if err != nil {
			return err
		}
		*o = next
		remaining -= len(chunk)
		if err := sink(chunk); err != nil {
			return err
		}
	}
	return nil
}

// readToEOF reads until the direction hits end of stream, invoking sink for
// each chunk read.
func readToEOF(ctx context.Context, X *shadowbuf.Wrapper, o *uint32, sink func([]byte) error) error {
	for {
		chunk, next, err := X.Read(ctx, *o, 1, 4096, true)
		if err != nil {
			if stderrors.Is(err, shadowbuf.ErrEOF) {
				return nil
			}
			return err
		}
		*o = next
		if err := sink(chunk); err != nil {
			return err
		}
	}
}

// readChunks reads a chunked-transfer body: "HEX-SIZE CRLF BYTES CRLF"
// repeated until a zero-size chunk, invoking sink for each content chunk.
func readChunks(ctx context.Context, X *shadowbuf.Wrapper, o *uint32, sink func([]byte) error) error {
	for {
		end, sizeBytes, err := X.Match(ctx, *o, isChunkSizeChar, 8, 1, true)
		if err != nil {
			return err
		}
		size, convErr := strconv.ParseInt(string(sizeBytes), 16, 64)
		if convErr != nil {
			return errors.NewProtocolViolationError("httpintercept", "malformed chunk size", convErr)
		}
		end, err = X.MatchCRLF(ctx, end)
		if err != nil {
			return err
		}
		*o = end
		if size == 0 {
			return nil
		}
		if err := readContentLength(ctx, X, o, int(size), sink); err != nil {
			return err
		}
		end, err = X.MatchCRLF(ctx, *o)
		if err != nil {
			return err
		}
		*o = end
	}
}

var bodyDecoders = map[string]func(io.Reader) (io.Reader, error){
	"gzip": func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) },
	"deflate": func(r io.Reader) (io.Reader, error) {
		return flate.NewReader(r), nil
	},
	"br": func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil },
}

func pipeSink(w *io.PipeWriter) func([]byte) error {
	return func(chunk []byte) error {
		_, err := w.Write(chunk)
		return err
	}
}

// readResponseContent reads a response body per the framing priority
// (chunked, then Content-Length, then read-to-EOF), applies the
// Transfer-Encoding/Content-Encoding decoder chain, and invokes sink with
// the fully decoded bytes in order. Reports whether a chunked trailer
// header block follows.
func readResponseContent(ctx context.Context, S *shadowbuf.Wrapper, o *uint32, transferEncoding, contentEncoding []string, contentLength int, logger *logging.Logger, sink func([]byte) error) (hasTrailer bool, err error) {
	chunked := false
	te := transferEncoding
	if len(te) > 0 {
		if !strings.EqualFold(te[0], "chunked") {
			return false, errors.NewProtocolViolationError("httpintercept", `first Transfer-Encoding token is not "chunked"`, nil)
		}
		hasTrailer = true
		chunked = true
		te = te[1:]
	}

	chain := make([]string, 0, len(te)+len(contentEncoding))
	chain = append(chain, te...)
	chain = append(chain, contentEncoding...)

	pr, pw := io.Pipe()
	defer func() {
		// Unblocks the producer goroutine if we return before it reaches
		// EOF on its own (a decoder or sink error cutting the read short).
		pr.CloseWithError(err)
	}()
	go func() {
		var ferr error
		switch {
		case chunked:
			ferr = readChunks(ctx, S, o, pipeSink(pw))
		case contentLength > 0:
			ferr = readContentLength(ctx, S, o, contentLength, pipeSink(pw))
		default:
			ferr = readToEOF(ctx, S, o, pipeSink(pw))
		}
		pw.CloseWithError(ferr)
	}()

	var reader io.Reader = pr
	for _, enc := range chain {
		enc = strings.ToLower(strings.TrimSpace(enc))
		if enc == "identity" {
			continue
		}
		build, ok := bodyDecoders[enc]
		if !ok {
			logger.Info("unsupported encoding", logging.String("encoding", enc))
			return hasTrailer, errors.NewProtocolViolationError("httpintercept", fmt.Sprintf("unsupported encoding %q", enc), nil)
		}
		decoded, derr := build(reader)
		if derr != nil {
			return hasTrailer, errors.NewProtocolViolationError("httpintercept", fmt.Sprintf("%s stream could not start", enc), derr)
		}
		reader = decoded
	}

	buf := make([]byte, 4096)
	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			if serr := sink(buf[:n]); serr != nil {
				return hasTrailer, serr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return hasTrailer, nil
			}
			return hasTrailer, errors.NewProtocolViolationError("httpintercept", "compressed data incomplete", rerr)
		}
	}
}
