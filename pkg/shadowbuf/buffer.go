// Package shadowbuf implements the engine's core data structure: a shadow
// copy of one direction of a duplex byte stream, held just long enough for
// competing interceptors to race parsers over it before the bytes are
// released toward their destination.
//
// The package owns no sockets. The external I/O loop (pkg/intercept) reads
// from and writes to the real connection and pushes the results through
// Feed/MarkEOF/Sent; everything here is pure bookkeeping, which is what
// makes it unit-testable without a network.
package shadowbuf

import (
	"sync"

	"github.com/streamrelay/streamrelay/pkg/ringoffset"
)

// MaxLiveWindow is the hard cap, in bytes, on how much of a direction's
// stream the engine will hold unacknowledged at once. A read-job or pending
// wrapper distance that would require more is a fatal protocol violation,
// not something to buffer through.
const MaxLiveWindow = 10 * 1024

// Buffer is one direction's shadow copy (named S or C at the call site,
// never here): the bytes received on this direction's real socket but not
// yet forwarded, plus the bytes queued to be written out this direction's
// real socket.
type Buffer struct {
	mu sync.Mutex

	data   []byte // unforwarded bytes received on this direction, data[0] is at offset
	offset uint32 // ring position of data[0]
	eof    bool
	eofErr error // non-nil only when eof was caused by a socket error, not clean close

	toBeSent []byte // bytes approved for transmission out this direction's own socket

	jobs []*readJob

	wrappers []*Wrapper // one per live interceptor instance observing this buffer

	// peer is the other direction's Buffer. Bytes this buffer receives are
	// released into peer.toBeSent; Send/PreFlush operate across this link
	// too. Set once, by the owning engine, before any interceptor attaches.
	peer *Buffer

	// Notify, if set, is called after any state change that could affect
	// RecvReady/SendReady: new data, EOF, a new pending read-job, bytes
	// sent, or a wrapper attaching/detaching. The owning engine wires this
	// to its scheduling wakeup — one signal, re-evaluate everything.
	Notify func()
}

func (b *Buffer) notify() {
	if b.Notify != nil {
		b.Notify()
	}
}

// New returns an empty Buffer. SetPeer must be called once before use.
func New() *Buffer {
	return &Buffer{}
}

// SetPeer links two Buffers as a duplex pair. Must be called exactly once
// per pair, before either side receives data.
func SetPeer(a, b *Buffer) {
	a.peer = b
	b.peer = a
}

// Offset returns the current ring position of data[0] (the oldest byte this
// buffer still holds).
func (b *Buffer) Offset() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}

// Residual returns the raw, unreleased bytes still held in data: used only
// during handoff to raw splicing, once every interceptor has detached, to
// recover whatever was read from the wire but never forwarded.
func (b *Buffer) Residual() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// WrapperCount reports how many interceptors are still observing this
// buffer.
func (b *Buffer) WrapperCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.wrappers)
}

// Len returns how many live bytes this buffer currently holds.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// EOF reports whether this direction has seen end of stream, and the cause
// if it was a socket error rather than a clean close.
func (b *Buffer) EOF() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eof, b.eofErr
}

// Attach registers w as observing this buffer and returns it, for chaining.
func (b *Buffer) Attach(w *Wrapper) *Wrapper {
	b.mu.Lock()
	w.buf = b
	w.consumed = b.offset
	w.replied = b.offset
	b.wrappers = append(b.wrappers, w)
	b.mu.Unlock()
	b.notify()
	return w
}

// Detach removes w from this buffer's observer set, e.g. when its
// interceptor is cancelled or the engine transfers protocol.
func (b *Buffer) Detach(w *Wrapper) {
	b.mu.Lock()
	found := false
	for i, other := range b.wrappers {
		if other == w {
			b.wrappers = append(b.wrappers[:i], b.wrappers[i+1:]...)
			found = true
			break
		}
	}
	b.mu.Unlock()
	if found {
		b.notify()
	}
}

// Feed appends newly received bytes (read by the engine's I/O loop from the
// real socket) and wakes any read-jobs now satisfied. Enforces the live
// window: growing past MaxLiveWindow is reported as ErrBufferOverflow and
// the caller should treat the connection as unrecoverable.
func (b *Buffer) Feed(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	b.mu.Lock()
	if len(b.data)+len(chunk) > MaxLiveWindow {
		b.mu.Unlock()
		return ErrBufferOverflow
	}
	b.data = append(b.data, chunk...)
	b.wakeSatisfiedLocked()
	b.mu.Unlock()
	b.notify()
	return nil
}

// MarkEOF records end of stream (err is nil for a clean close, or the
// underlying socket error), cancels every pending read-job — a read that
// can never be satisfied must return rather than hang forever — and fires
// each attached wrapper's onEOF hook.
func (b *Buffer) MarkEOF(err error) {
	b.mu.Lock()
	if b.eof {
		b.mu.Unlock()
		return
	}
	b.eof = true
	b.eofErr = err
	jobs := b.jobs
	b.jobs = nil
	wrappers := append([]*Wrapper(nil), b.wrappers...)
	b.mu.Unlock()
	for _, j := range jobs {
		j.done <- eofErrFor(err)
	}
	for _, w := range wrappers {
		if hook := w.eofHook(); hook != nil {
			hook()
		}
	}
	b.notify()
}

func eofErrFor(err error) error {
	if err != nil {
		return err
	}
	return ErrEOF
}

// wakeSatisfiedLocked pops and signals every job whose target is now within
// the held data, in order. Caller must hold b.mu.
func (b *Buffer) wakeSatisfiedLocked() {
	for len(b.jobs) > 0 {
		j := b.jobs[0]
		need := ringoffset.Delta(j.target, b.offset)
		if need > uint32(len(b.data)) {
			break
		}
		b.jobs = b.jobs[1:]
		j.done <- nil
	}
}

// awaitable blocks the caller until either at least min bytes are available
// past o, eof is reached, or cancel fires. It does not itself read data;
// callers re-check after it returns nil.
func (b *Buffer) awaitable(o, min uint32, cancel <-chan struct{}) error {
	b.mu.Lock()
	if int(ringoffset.Delta(o, b.offset))+int(min) <= len(b.data) {
		b.mu.Unlock()
		return nil
	}
	if b.eof {
		err := b.eofErr
		b.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrEOF
	}
	if uint32(ringoffset.Delta(o, b.offset))+min > MaxLiveWindow {
		b.mu.Unlock()
		return ErrBufferOverflow
	}
	j := &readJob{target: ringoffset.Add(o, min), done: make(chan error, 1)}
	b.jobs = insertJob(b.jobs, j, b.offset)
	b.mu.Unlock()
	b.notify()

	select {
	case err := <-j.done:
		return err
	case <-cancel:
		b.mu.Lock()
		b.jobs = removeJob(b.jobs, j)
		b.mu.Unlock()
		return ErrCancelled
	}
}

// slice returns a copy of up to max bytes starting at ring offset o, never
// blocking: callers must have already awaited sufficient data.
func (b *Buffer) slice(o, max uint32) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := ringoffset.Delta(o, b.offset)
	if start > uint32(len(b.data)) {
		return nil
	}
	end := start + max
	if end > uint32(len(b.data)) {
		end = uint32(len(b.data))
	}
	out := make([]byte, end-start)
	copy(out, b.data[start:end])
	return out
}

// PendingSend returns the bytes currently queued for transmission out this
// direction's own socket, without removing them.
func (b *Buffer) PendingSend() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.toBeSent) == 0 {
		return nil
	}
	out := make([]byte, len(b.toBeSent))
	copy(out, b.toBeSent)
	return out
}

// Sent trims n bytes off the front of the pending-send queue after the
// engine's I/O loop has written them (a short write trims less than the
// full queue, matching flush_some's tolerance for partial sends).
func (b *Buffer) Sent(n int) {
	b.mu.Lock()
	if n >= len(b.toBeSent) {
		b.toBeSent = b.toBeSent[:0]
	} else {
		b.toBeSent = b.toBeSent[n:]
	}
	b.mu.Unlock()
	b.notify()
}

// SendReady reports whether this direction has bytes waiting to go out.
func (b *Buffer) SendReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.toBeSent) > 0
}

// RecvReady reports whether the engine should issue a read for this
// direction: not at eof, at least one interceptor still observing it, and
// either currently empty or actively wanted by a pending read-job. This
// last condition is what keeps the engine from greedily refilling the
// buffer past what any parser has actually asked for.
func (b *Buffer) RecvReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.eof || len(b.wrappers) == 0 {
		return false
	}
	if len(b.data) >= MaxLiveWindow {
		return false
	}
	return len(b.data) == 0 || len(b.jobs) != 0
}

// releasableLocked returns how many bytes from the front of data are no
// longer needed by any attached wrapper: the minimum, across every wrapper
// on this buffer, of its distance-from-offset for both consumed and
// replied. Zero wrappers (no interceptor left observing, handoff pending)
// releases nothing; the caller that detaches the last wrapper is
// responsible for draining the remainder explicitly.
func (b *Buffer) releasableLocked() uint32 {
	if len(b.wrappers) == 0 {
		return 0
	}
	min := uint32(len(b.data))
	for _, w := range b.wrappers {
		w.mu.Lock()
		dc := ringoffset.Delta(w.consumed, b.offset)
		dr := ringoffset.Delta(w.replied, b.offset)
		w.mu.Unlock()
		if dc < min {
			min = dc
		}
		if dr < min {
			min = dr
		}
	}
	return min
}

// moveToReplyQueue releases every byte no wrapper still needs into the
// peer's outgoing queue, advancing this buffer's offset past them.
func (b *Buffer) moveToReplyQueue() {
	b.mu.Lock()
	n := b.releasableLocked()
	if n == 0 {
		b.mu.Unlock()
		return
	}
	chunk := make([]byte, n)
	copy(chunk, b.data[:n])
	b.data = b.data[n:]
	b.offset = ringoffset.Add(b.offset, n)
	b.mu.Unlock()

	b.peer.mu.Lock()
	b.peer.toBeSent = append(b.peer.toBeSent, chunk...)
	b.peer.mu.Unlock()
}

// Drain releases whatever bytes no attached wrapper still needs into the
// peer's outgoing queue. The engine's I/O loop calls this once per
// iteration on both directions, independent of PreFlush's stricter
// single-wrapper precondition.
func (b *Buffer) Drain() {
	b.moveToReplyQueue()
}

// PreFlush is the splice-point precondition: exactly one interceptor may
// still be observing this buffer, and it must not be transparent. It snaps
// that wrapper's replied forward to its consumed (everything it has read is
// now committed to being forwarded) and drains the buffer accordingly. It
// panics if the precondition does not hold, since violating it means the
// scheduler let two interceptors race past the point where only one may
// touch the wire.
func (b *Buffer) PreFlush() {
	b.mu.Lock()
	if len(b.wrappers) != 1 {
		n := len(b.wrappers)
		b.mu.Unlock()
		panic(errPreFlushCount(n))
	}
	w := b.wrappers[0]
	b.mu.Unlock()

	w.mu.Lock()
	if w.transparent {
		w.mu.Unlock()
		panic(errPreFlushTransparent)
	}
	if ringoffset.Ahead(w.consumed, w.replied) {
		w.replied = w.consumed
	}
	w.mu.Unlock()

	b.moveToReplyQueue()
}

// Send appends buf to this buffer's own outgoing queue — the one bound to
// this buffer's physical destination socket — after invoking the peer's
// PreFlush so that any of the peer's own already-arrived bytes are released
// first and ordering between the two directions is preserved.
func (b *Buffer) Send(buf []byte) {
	b.peer.PreFlush()
	b.mu.Lock()
	b.toBeSent = append(b.toBeSent, buf...)
	b.mu.Unlock()
	b.notify()
}

// Discard drops bytes up to newOffset without forwarding them, advancing
// this buffer's offset and the caller wrapper's consumed pointer. Used by
// parsers that rewrite the stream (e.g. stripping a header) rather than
// passing it through byte for byte.
func (b *Buffer) Discard(caller *Wrapper, newOffset uint32) {
	b.PreFlush()

	b.mu.Lock()
	n := ringoffset.Delta(newOffset, b.offset)
	if int(n) > len(b.data) {
		n = uint32(len(b.data))
	}
	b.data = b.data[n:]
	b.offset = newOffset
	b.mu.Unlock()

	caller.mu.Lock()
	if ringoffset.Ahead(newOffset, caller.consumed) {
		caller.consumed = newOffset
	}
	caller.mu.Unlock()
}
