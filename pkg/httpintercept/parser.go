// Package httpintercept implements the reference HTTP/1.x interceptor: a
// read-only observer of request/response traffic that never rewrites the
// stream, used both as a real interceptor plugin and as the grammar other
// plugins (a future Upgrade handler, for instance) can take over from via
// ProtocolChanged.
package httpintercept

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"

	"github.com/streamrelay/streamrelay/pkg/bodysink"
	"github.com/streamrelay/streamrelay/pkg/errors"
	"github.com/streamrelay/streamrelay/pkg/intercept"
	"github.com/streamrelay/streamrelay/pkg/logging"
	"github.com/streamrelay/streamrelay/pkg/shadowbuf"
)

// Parser implements intercept.Parser for HTTP/1.x. Sink, if set, receives
// the decoded body of every successful (2xx) response.
type Parser struct {
	Sink bodysink.Sink
}

// New returns a factory constructor suitable for intercept.Factory.New.
func New() intercept.Parser { return &Parser{} }

// NewWithSink returns a factory constructor whose Parser saves response
// bodies through sink.
func NewWithSink(sink bodysink.Sink) func() intercept.Parser {
	return func() intercept.Parser { return &Parser{Sink: sink} }
}

// Intercept races this connection for HTTP/1.x: parses the first request
// line, claims the connection via inst.Identified once it matches, then
// transparently observes every request/response pair on the connection
// until EOF, a CONNECT tunnel, or a protocol Upgrade hands the connection
// to a fresh interceptor generation.
func (p *Parser) Intercept(ctx context.Context, inst *intercept.Instance, C, S *shadowbuf.Wrapper) error {
	co := C.Replied()
	so := S.Replied()

	// We never rewrite traffic, so every byte can be released to its
	// destination as soon as it arrives instead of waiting on an explicit
	// Reply call.
	C.SetTransparent(true)
	S.SetTransparent(true)

	// Request half: bytes are expected from the client, none from the server.
	C.ExpectSilence(false)
	S.ExpectSilence(true)

	co, method, target, cversion, err := parseRequestLine(ctx, C, co)
	if err != nil {
		return err
	}
	inst.Identified()

	if err := p.serveRequests(ctx, inst, C, S, co, so, method, target, cversion); err != nil {
		if stderrors.Is(err, shadowbuf.ErrMismatch) {
			return errors.NewProtocolViolationError("httpintercept", "stream stopped conforming to HTTP/1.x after being matched", err)
		}
		return err
	}
	return nil
}

func (p *Parser) serveRequests(ctx context.Context, inst *intercept.Instance, C, S *shadowbuf.Wrapper, co, so uint32, method, target, cversion string) error {
	logger := inst.Logger()
	first := true

	for {
		if !first {
			C.ExpectSilence(false)
			S.ExpectSilence(true)
			var err error
			co, method, target, cversion, err = parseRequestLine(ctx, C, co)
			if err != nil {
				return err
			}
		}
		first = false
		inst.Identified()
		logger.Debug("request", logging.String("method", method), logging.String("target", target), logging.String("version", cversion))

		host := ""
		upgrade := ""
		requestContentLength := 0

		for {
			var h *Header
			var err error
			co, h, err = parseHeader(ctx, C, co)
			if err != nil {
				return err
			}
			if h == nil {
				break
			}
			switch strings.ToLower(h.Name) {
			case "upgrade":
				upgrade = h.Value
			case "host":
				host = h.Value
			case "content-length":
				requestContentLength, err = strconv.Atoi(h.Value)
				if err != nil {
					return errors.NewProtocolViolationError("httpintercept", "malformed request Content-Length", err)
				}
			}
		}

		if err := readContentLength(ctx, C, &co, requestContentLength, func([]byte) error { return nil }); err != nil {
			return err
		}

		C.ExpectSilence(true)
		S.ExpectSilence(false)

		var code int
		var reason string
		var responseContentLength int
		var transferEncoding, contentEncoding []string
		var hasContentRange bool
		var crStart, crEnd int64
		var crLength *int64

		for {
			responseContentLength = 0
			transferEncoding = nil
			contentEncoding = nil
			hasContentRange = false

			var sversion string
			var err error
			so, sversion, code, reason, err = parseResponseLine(ctx, S, so)
			if err != nil {
				return err
			}
			logger.Debug("response", logging.Int("code", code), logging.String("version", sversion), logging.String("reason", reason))

			if method == "CONNECT" && code/100 == 2 {
				inst.ProtocolChanged("")
				return nil
			}

			for {
				var h *Header
				so, h, err = parseHeader(ctx, S, so)
				if err != nil {
					return err
				}
				if h == nil {
					break
				}
				lname := strings.ToLower(h.Name)
				switch lname {
				case "content-length":
					responseContentLength, err = strconv.Atoi(h.Value)
					if err != nil {
						return errors.NewProtocolViolationError("httpintercept", "malformed response Content-Length", err)
					}
				case "transfer-encoding":
					for _, tok := range strings.Split(h.Value, ",") {
						transferEncoding = append(transferEncoding, strings.TrimSpace(tok))
					}
				case "content-encoding":
					for _, tok := range strings.Split(h.Value, ",") {
						contentEncoding = append(contentEncoding, strings.TrimSpace(tok))
					}
				}
				if code == 206 && lname == "content-range" && strings.HasPrefix(h.Value, "bytes ") {
					if start, end, length, ok := parseContentRange(h.Value); ok {
						hasContentRange = true
						crStart, crEnd, crLength = start, end, length
					}
				}
			}

			if upgrade != "" && code == 101 {
				inst.ProtocolChanged(upgrade)
				return nil
			}
			upgrade = ""

			if code/100 != 1 {
				break
			}
		}

		var sink bodysink.Writer
		if code/100 == 2 && p.Sink != nil {
			var rng *bodysink.Range
			if hasContentRange {
				rng = &bodysink.Range{Start: crStart, End: crEnd}
				if crLength != nil {
					rng.Full = *crLength
					rng.HasFull = true
				}
			}
			w, err := p.Sink.Start(host, target, rng)
			if err != nil {
				logger.Warn("body sink failed to start", logging.Err(err))
			} else {
				sink = w
			}
		}

		hasTrailer, err := readResponseContent(ctx, S, &so, transferEncoding, contentEncoding, responseContentLength, logger, func(chunk []byte) error {
			if sink == nil {
				return nil
			}
			if _, werr := sink.Write(chunk); werr != nil {
				logger.Warn("body sink write failed", logging.Err(werr))
				sink.Close()
				sink = nil
			}
			return nil
		})
		if sink != nil {
			sink.Close()
		}
		if err != nil {
			return err
		}

		if hasTrailer {
			for {
				var h *Header
				var terr error
				so, h, terr = parseHeader(ctx, S, so)
				if terr != nil {
					return terr
				}
				if h == nil {
					break
				}
			}
		}

		logger.Debug("request done")
	}
}
