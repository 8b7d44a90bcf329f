package httpintercept

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/streamrelay/streamrelay/pkg/errors"
	"github.com/streamrelay/streamrelay/pkg/shadowbuf"
)

// Header is one parsed request or response header, post obs-fold and
// JSON-string-value handling.
type Header struct {
	Name  string
	Value string
}

const maxHeaderValue = 1024 * 8

// parseHeader reads one header starting at o, or nil at the end of the
// header block (a line beginning with CR or LF). It peeks one byte at a
// time: a line starting with space is an obs-fold continuation of the
// header parsed by an earlier iteration of this call's loop, so a single
// call folds every continuation line into one Header before returning.
func parseHeader(ctx context.Context, X *shadowbuf.Wrapper, o uint32) (next uint32, hdr *Header, err error) {
	var name string
	var value []byte
	have := false

	for {
		c, peeked, err := X.Read(ctx, o, 1, 1, false)
		if err != nil {
			return o, nil, err
		}
		b := c[0]

		if b == ' ' {
			if err := X.Consume(peeked); err != nil {
				return o, nil, err
			}
			if !have {
				return o, nil, errors.NewProtocolViolationError("httpintercept", "obs-fold continuation with no preceding header", nil)
			}
			end, cont, err := X.Match(ctx, peeked, isPrintable, maxHeaderValue-len(value), 1, true)
			if err != nil {
				return o, nil, err
			}
			value = append(value, cont...)
			end, err = X.MatchCRLF(ctx, end)
			if err != nil {
				return o, nil, err
			}
			o = end
			continue
		}

		if have {
			hdr, err := finalizeHeader(name, value)
			if err != nil {
				return o, nil, err
			}
			return o, hdr, nil
		}

		if err := X.Consume(peeked); err != nil {
			return o, nil, err
		}
		if b == '\r' {
			end, err := X.MatchBytes(ctx, peeked, []byte{'\n'}, true)
			if err != nil {
				return o, nil, err
			}
			return end, nil, nil
		}
		if b == '\n' {
			return peeked, nil, nil
		}

		if b < 33 || b > 126 {
			return o, nil, errors.NewProtocolViolationError("httpintercept", "header name starts with a non-printable byte", nil)
		}
		end, rest, err := X.Match(ctx, peeked, isTokenChar, 255, 1, true)
		if err != nil {
			return o, nil, err
		}
		name = string(b) + string(rest)
		end, err = X.MatchBytes(ctx, end, []byte{':'}, true)
		if err != nil {
			return o, nil, err
		}
		end, v, err := X.Match(ctx, end, isPrintable, maxHeaderValue, 1, true)
		if err != nil {
			return o, nil, err
		}
		value = v
		end, err = X.MatchCRLF(ctx, end)
		if err != nil {
			return o, nil, err
		}
		have = true
		o = end
	}
}

// finalizeHeader trims the accumulated value and decodes it as a JSON
// string literal when it is `"`-delimited.
func finalizeHeader(name string, value []byte) (*Header, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, errors.NewProtocolViolationError("httpintercept", "malformed JSON-string header value", err)
		}
		return &Header{Name: name, Value: s}, nil
	}
	return &Header{Name: name, Value: string(trimmed)}, nil
}
