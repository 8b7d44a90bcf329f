package httpintercept

import (
	"regexp"
	"strconv"
	"strings"
)

var contentRangeRe = regexp.MustCompile(`^([0-9]+)-([0-9]+)/([0-9]+|\*)$`)

// parseContentRange parses a "bytes <start>-<end>/<length|*>" Content-Range
// value into the half-open range [start, end) and, when present, the total
// length. ok is false for anything that doesn't parse or whose bounds don't
// make sense; a bad range is ignored, never a protocol error.
func parseContentRange(value string) (start, end int64, length *int64, ok bool) {
	if !strings.HasPrefix(value, "bytes ") {
		return 0, 0, nil, false
	}
	m := contentRangeRe.FindStringSubmatch(strings.TrimSpace(value[len("bytes "):]))
	if m == nil {
		return 0, 0, nil, false
	}
	start, _ = strconv.ParseInt(m[1], 10, 64)
	endIncl, _ := strconv.ParseInt(m[2], 10, 64)
	end = endIncl + 1
	if m[3] != "*" {
		l, _ := strconv.ParseInt(m[3], 10, 64)
		length = &l
	}
	if !(start < end && (length == nil || end <= *length)) {
		return 0, 0, nil, false
	}
	return start, end, length, true
}
