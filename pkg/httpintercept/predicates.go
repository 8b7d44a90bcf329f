package httpintercept

func isUpperAlpha(b byte, _ int) bool      { return b >= 'A' && b <= 'Z' }
func isPrintableNonSpace(b byte, _ int) bool { return b >= 33 && b <= 126 }
func isVersionDigit(b byte, _ int) bool    { return b == '0' || b == '1' }
func isStatusDigit(b byte, _ int) bool     { return b >= '0' && b <= '9' }
func isPrintable(b byte, _ int) bool       { return b >= 32 && b <= 126 }

// isTokenChar matches a header-name byte: any printable ASCII except colon.
func isTokenChar(b byte, _ int) bool { return b >= 33 && b <= 126 && b != ':' }

// isChunkSizeChar accepts any ASCII alphanumeric rather than strictly
// [0-9A-Fa-f]; a non-hex letter is only caught later, when
// strconv.ParseInt rejects it.
func isChunkSizeChar(b byte, _ int) bool {
	return (b >= '0' && b <= '9') || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}
