package httpintercept

import (
	"context"
	"strconv"

	"github.com/streamrelay/streamrelay/pkg/errors"
	"github.com/streamrelay/streamrelay/pkg/shadowbuf"
)

// parseRequestLine matches "METHOD SP REQUEST-TARGET SP HTTP/1.(0|1) CRLF"
// starting at o, returning the offset just past the terminator.
func parseRequestLine(ctx context.Context, C *shadowbuf.Wrapper, o uint32) (next uint32, method, target, version string, err error) {
	end, m, err := C.Match(ctx, o, isUpperAlpha, 10, 3, true)
	if err != nil {
		return o, "", "", "", err
	}
	end, err = C.MatchBytes(ctx, end, []byte{' '}, true)
	if err != nil {
		return o, "", "", "", err
	}
	end, t, err := C.Match(ctx, end, isPrintableNonSpace, 2048, 1, true)
	if err != nil {
		return o, "", "", "", err
	}
	end, err = C.MatchBytes(ctx, end, []byte(" HTTP/1."), true)
	if err != nil {
		return o, "", "", "", err
	}
	end, v, err := C.Match(ctx, end, isVersionDigit, 1, 1, true)
	if err != nil {
		return o, "", "", "", err
	}
	end, err = C.MatchCRLF(ctx, end)
	if err != nil {
		return o, "", "", "", err
	}
	return end, string(m), string(t), "HTTP/1." + string(v), nil
}

// parseResponseLine matches "HTTP/1.(0|1) SP STATUS-CODE SP REASON CRLF"
// starting at o.
func parseResponseLine(ctx context.Context, S *shadowbuf.Wrapper, o uint32) (next uint32, version string, code int, reason string, err error) {
	end, err := S.MatchBytes(ctx, o, []byte("HTTP/1."), true)
	if err != nil {
		return o, "", 0, "", err
	}
	end, v, err := S.Match(ctx, end, isVersionDigit, 1, 1, true)
	if err != nil {
		return o, "", 0, "", err
	}
	end, err = S.MatchBytes(ctx, end, []byte{' '}, true)
	if err != nil {
		return o, "", 0, "", err
	}
	end, codeBytes, err := S.Match(ctx, end, isStatusDigit, 3, 1, true)
	if err != nil {
		return o, "", 0, "", err
	}
	end, err = S.MatchBytes(ctx, end, []byte{' '}, true)
	if err != nil {
		return o, "", 0, "", err
	}
	end, reasonBytes, err := S.Match(ctx, end, isPrintable, 2048, 0, true)
	if err != nil {
		return o, "", 0, "", err
	}
	end, err = S.MatchCRLF(ctx, end)
	if err != nil {
		return o, "", 0, "", err
	}
	codeNum, convErr := strconv.Atoi(string(codeBytes))
	if convErr != nil {
		return o, "", 0, "", errors.NewProtocolViolationError("httpintercept", "malformed status code", convErr)
	}
	return end, "HTTP/1." + string(v), codeNum, string(reasonBytes), nil
}
