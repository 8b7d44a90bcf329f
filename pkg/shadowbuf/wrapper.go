package shadowbuf

import (
	"context"
	"sync"

	"github.com/streamrelay/streamrelay/pkg/ringoffset"
)

// Wrapper is one interceptor instance's view onto a Buffer: its own
// consumed/replied bookmarks, independent of every other interceptor racing
// the same direction, plus the transparent and silence-expectation flags
// the scheduler and ValidateSilence check.
type Wrapper struct {
	mu sync.Mutex

	buf *Buffer

	consumed uint32 // how far this interceptor has read
	replied  uint32 // how far this interceptor has committed bytes as forwardable

	transparent     bool // true while consuming also advances replied (pass-through, no rewriting)
	silenceExpected bool // true while this interceptor asserts no bytes should arrive

	waiting bool // true while the owning parser is suspended inside Read

	// onEOF is invoked once when this wrapper's buffer reaches end of
	// stream: by default the owning interceptor is cancelled rather than
	// left blocked on a direction that can never produce more bytes.
	onEOF func()
}

// NewWrapper attaches a fresh view onto buf, starting at its current
// offset. silenceExpected starts true: an interceptor that has just
// started racing assumes the direction should stay quiet until it says
// otherwise.
func NewWrapper(buf *Buffer) *Wrapper {
	w := buf.Attach(&Wrapper{})
	w.silenceExpected = true
	return w
}

// SetTransparent marks this wrapper as pass-through: once set, any further
// Consume also advances Reply by the same amount automatically, and it may
// never become PreFlush's sole survivor while true. Going transparent also
// immediately catches replied up to consumed.
func (w *Wrapper) SetTransparent(v bool) {
	w.mu.Lock()
	w.transparent = v
	if v && ringoffset.Ahead(w.consumed, w.replied) {
		w.replied = w.consumed
	}
	w.mu.Unlock()
}

// Transparent reports the current transparent flag.
func (w *Wrapper) Transparent() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transparent
}

// SetOnEOF installs the hook invoked when this wrapper's direction hits
// end of stream. The scheduler points it at the owning interceptor's
// Cancel; Cancel's idempotence makes a hook firing during unwind harmless.
func (w *Wrapper) SetOnEOF(f func()) {
	w.mu.Lock()
	w.onEOF = f
	w.mu.Unlock()
}

func (w *Wrapper) eofHook() func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.onEOF
}

// Waiting reports whether the owning parser is currently suspended inside
// a Read on this wrapper — i.e. quiescent, with its expectation flags
// settled. The scheduler's silence validation only judges suspended
// parsers; a parser mid-flight between reads may be about to change its
// expectations.
func (w *Wrapper) Waiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waiting
}

// ExpectSilence sets whether this interceptor currently asserts that no
// further bytes should arrive on this direction (e.g. while waiting for a
// downstream process to finish, or between a request and its response).
func (w *Wrapper) ExpectSilence(v bool) {
	w.mu.Lock()
	w.silenceExpected = v
	w.mu.Unlock()
}

// ValidateSilence reports whether this wrapper's silence expectation (if
// any) currently holds: no bytes arrived past its consumed pointer. A
// negative pending count should never occur and is asserted against rather
// than tolerated.
func (w *Wrapper) ValidateSilence() bool {
	w.mu.Lock()
	expect := w.silenceExpected
	consumed := w.consumed
	w.mu.Unlock()
	if !expect {
		return true
	}
	w.buf.mu.Lock()
	pending := int64(len(w.buf.data)) - int64(ringoffset.Delta(consumed, w.buf.offset))
	w.buf.mu.Unlock()
	if pending < 0 {
		panic("shadowbuf: validate_silence: pending byte count went negative")
	}
	return pending == 0
}

// Consumed returns how far this wrapper has read.
func (w *Wrapper) Consumed() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.consumed
}

// Replied returns how far this wrapper has committed bytes as forwardable.
func (w *Wrapper) Replied() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.replied
}

// Reply advances this wrapper's replied bookmark to o. A backward or
// no-op move is silently ignored; advancing it by MaxLiveWindow or more
// past its current position is reported as ErrBufferOverflow. Releases whatever
// is now collectively unneeded across every wrapper on the buffer.
func (w *Wrapper) Reply(o uint32) error {
	w.mu.Lock()
	if !ringoffset.Ahead(o, w.replied) || o == w.replied {
		w.mu.Unlock()
		return nil
	}
	if ringoffset.Delta(o, w.replied) >= MaxLiveWindow {
		w.mu.Unlock()
		return ErrBufferOverflow
	}
	w.replied = o
	w.mu.Unlock()
	w.buf.moveToReplyQueue()
	return nil
}

// consume advances this wrapper's consumed bookmark to o, bounds-checked
// against the live window, and carries replied along for free when this
// wrapper is transparent.
func (w *Wrapper) consume(o uint32) error {
	w.mu.Lock()
	if !ringoffset.Ahead(o, w.consumed) {
		w.mu.Unlock()
		return nil
	}
	if ringoffset.Delta(o, w.consumed) >= MaxLiveWindow {
		w.mu.Unlock()
		return ErrBufferOverflow
	}
	w.consumed = o
	transparent := w.transparent
	w.mu.Unlock()
	if transparent {
		return w.Reply(o)
	}
	return nil
}

// Consume advances this wrapper's consumed bookmark to o directly, without
// reading: the exported form of consume, for parsers that have already
// obtained bytes via a non-consuming Read or Match and now want to commit
// to them without re-reading.
func (w *Wrapper) Consume(o uint32) error {
	return w.consume(o)
}

// Read waits for at least min bytes (and at most max) to be available past
// o, returning them and the offset just past what was returned. If consume
// is true, this wrapper's consumed bookmark advances to cover the bytes
// read (and, if transparent, replied follows). Blocks until satisfied,
// cancelled via ctx, or the direction hits EOF or overflows its live
// window.
func (w *Wrapper) Read(ctx context.Context, o, min, max uint32, consume bool) ([]byte, uint32, error) {
	w.mu.Lock()
	w.waiting = true
	w.mu.Unlock()
	err := w.buf.awaitable(o, min, ctx.Done())
	w.mu.Lock()
	w.waiting = false
	w.mu.Unlock()
	if err != nil {
		return nil, o, err
	}
	data := w.buf.slice(o, max)
	next := ringoffset.Add(o, uint32(len(data)))
	if consume {
		if err := w.consume(next); err != nil {
			return nil, o, err
		}
	}
	return data, next, nil
}

// MatchPredicate tests whether the byte at position i (0-based, relative to
// a Match call's starting offset) continues to satisfy the running match.
type MatchPredicate func(b byte, i int) bool

// Match reads forward from o while pred holds for each successive byte,
// stopping at the first byte for which it returns false — that byte is the
// match's terminator and is not included in the returned bytes — or once
// maxLen bytes have all satisfied pred. If pred fails before minLen bytes
// were accepted, the stream does not have the expected shape and
// ErrMismatch is returned (a protocol-mismatch verdict, not a fatal error).
// minLen is always explicit: 0 is a legitimate minimum (e.g. a response
// reason phrase, which may be empty), not a request to default to maxLen.
func (w *Wrapper) Match(ctx context.Context, o uint32, pred MatchPredicate, maxLen, minLen int, consume bool) (uint32, []byte, error) {
	i := 0
	need := minLen
	var buf []byte
	for i < maxLen {
		chunk, _, err := w.Read(ctx, ringoffset.Add(o, uint32(i)), uint32(need-i), uint32(maxLen), false)
		if err != nil {
			return o, nil, err
		}
		buf = append(buf, chunk...)
		for i < len(buf) && i < maxLen {
			if !pred(buf[i], i) {
				if i < minLen {
					return o, nil, ErrMismatch
				}
				matched := append([]byte(nil), buf[:i]...)
				end := ringoffset.Add(o, uint32(i))
				if consume {
					if err := w.consume(end); err != nil {
						return o, nil, err
					}
				}
				return end, matched, nil
			}
			i++
		}
		need = i + 1
	}
	matched := append([]byte(nil), buf[:i]...)
	end := ringoffset.Add(o, uint32(i))
	if consume {
		if err := w.consume(end); err != nil {
			return o, nil, err
		}
	}
	return end, matched, nil
}

// MatchBytes matches a literal byte sequence starting at o: every byte of
// want must appear verbatim, or ErrMismatch is returned.
func (w *Wrapper) MatchBytes(ctx context.Context, o uint32, want []byte, consume bool) (uint32, error) {
	end, _, err := w.Match(ctx, o, func(b byte, i int) bool { return b == want[i] }, len(want), len(want), consume)
	return end, err
}

// MatchCRLF matches one line terminator starting at o: a lone '\n'
// suffices (deliberately lenient, not tightened to require a preceding
// '\r'), but a leading '\r' strictly requires a following '\n' or the
// stream is rejected as a mismatch. It returns only the offset just past
// the terminator, not the line content, since the line content (the bytes
// before the terminator) is recovered by the caller via a separate Read
// against the starting offset.
func (w *Wrapper) MatchCRLF(ctx context.Context, o uint32) (uint32, error) {
	end, matched, err := w.Match(ctx, o, func(b byte, i int) bool { return b == '\r' || b == '\n' }, 1, 1, true)
	if err != nil {
		return o, err
	}
	if matched[0] == '\r' {
		return w.MatchBytes(ctx, end, []byte{'\n'}, true)
	}
	return end, nil
}

// ReadLine reads a full CRLF-terminated line starting at o: the line
// content (without its terminator) and the offset just past the
// terminator. A convenience built from Match + MatchCRLF.
func (w *Wrapper) ReadLine(ctx context.Context, o uint32, maxLine uint32) ([]byte, uint32, error) {
	end, line, err := w.Match(ctx, o, func(b byte, _ int) bool { return b != '\r' && b != '\n' }, int(maxLine), 0, true)
	if err != nil {
		return nil, o, err
	}
	end, err = w.MatchCRLF(ctx, end)
	if err != nil {
		return nil, o, err
	}
	return line, end, nil
}

// Send injects buf as synthesized output on this wrapper's own direction
// (the queue bound to this buffer's physical destination socket), after the
// splice-point precondition is satisfied on the peer (see Buffer.Send /
// PreFlush).
func (w *Wrapper) Send(buf []byte) {
	w.buf.Send(buf)
}

// Discard drops bytes up to o without forwarding them, snapping this
// wrapper's replied to o (see Buffer.Discard / PreFlush).
func (w *Wrapper) Discard(o uint32) {
	w.buf.Discard(w, o)
	w.mu.Lock()
	w.replied = o
	w.mu.Unlock()
}

// Detach removes this wrapper from its buffer, e.g. on cancellation.
func (w *Wrapper) Detach() {
	w.buf.Detach(w)
}
