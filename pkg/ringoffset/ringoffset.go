// Package ringoffset implements modular comparison over the 32-bit stream
// position ring used throughout the interception engine. Every shadow
// buffer, wrapper, and read-job compares positions this way instead of with
// plain integer comparison, so that a connection transferring more than
// 4 GiB on one side still behaves correctly: only the relative distance
// within the live (<10 KiB) window is ever meaningful.
package ringoffset

// Offset is an absolute position in the notional infinite byte stream,
// represented modulo 2^32.
type Offset = uint32

// Delta returns the unsigned forward distance from b to a, i.e. how many
// bytes you'd need to advance from b to reach a, wrapping through 2^32.
func Delta(a, b Offset) uint32 {
	return a - b
}

// Ahead reports whether a is ahead of (or equal to) b in ring order: the
// forward distance from b to a is less than half the ring. This is the only
// comparison the engine ever performs between two offsets; plain `a < b`
// is never safe once wraparound is in play.
func Ahead(a, b Offset) bool {
	return Delta(a, b) < 0x80000000
}

// Add returns o advanced by n bytes, wrapping as needed. n is a byte count,
// never itself a ring position.
func Add(o Offset, n uint32) Offset {
	return o + n
}

// Less reports whether a sits strictly before b relative to origin: used to
// order read-jobs by how soon their target will be reached from the
// buffer's current offset.
func Less(a, b, origin Offset) bool {
	return Delta(a, origin) < Delta(b, origin)
}
