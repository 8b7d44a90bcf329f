package intercept

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	perrors "github.com/streamrelay/streamrelay/pkg/errors"
	"github.com/streamrelay/streamrelay/pkg/logging"
	"github.com/streamrelay/streamrelay/pkg/metrics"
	"github.com/streamrelay/streamrelay/pkg/shadowbuf"
)

// errPanic wraps a recovered non-error panic value so callers can still
// treat a parser crash as an ordinary error return.
func errPanic(r interface{}) error {
	return fmt.Errorf("intercept: parser panic: %v", r)
}

const recvChunkSize = 4096

// pump drives blocking reads off a real socket, one at a time, only when
// the engine asks for one: the Go stand-in for select()'s read-readiness
// check, since Go has no portable non-blocking "is this socket readable"
// primitive. The engine only ever has one read in flight per direction.
type pump struct {
	reqCh chan struct{}
	resCh chan pumpResult
}

type pumpResult struct {
	data []byte
	err  error
}

func startPump(r io.Reader) *pump {
	p := &pump{reqCh: make(chan struct{}, 1), resCh: make(chan pumpResult, 1)}
	go func() {
		buf := make([]byte, recvChunkSize)
		for range p.reqCh {
			n, err := r.Read(buf)
			var chunk []byte
			if n > 0 {
				chunk = append([]byte(nil), buf[:n]...)
			}
			p.resCh <- pumpResult{chunk, err}
		}
	}()
	return p
}

// pumpReader recovers a pump's in-flight read during the raw-splice
// handoff: if the engine exited with a socket read outstanding, the bytes
// that read eventually produces belong to the spliced stream, not to a
// goroutine nobody is listening to. Yields that one chunk (blocking until
// it lands) and then reports EOF so a MultiReader falls through to the
// socket itself.
type pumpReader struct {
	p        *pump
	inFlight bool
	fetched  bool
	buf      []byte
}

func (r *pumpReader) Read(p []byte) (int, error) {
	if !r.fetched {
		r.fetched = true
		if r.inFlight {
			res := <-r.p.resCh
			r.buf = res.data
		}
	}
	if len(r.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Conn is one accepted connection's interceptor engine. It owns the two
// shadow buffers and schedules every racing Instance over them until the
// race settles (one parser claims the connection and later hands off, or
// none do).
type Conn struct {
	ID string

	S, C *shadowbuf.Buffer

	sSock io.ReadWriter
	cSock io.ReadWriter

	registry Registry
	logger   *logging.Logger

	mu        sync.Mutex
	instances map[*Instance]struct{}

	quit  bool  // suppress raw-splice handoff even if the race finishes cleanly
	fatal error // first unrecoverable failure (buffer overflow); forces an abort

	// wakeCh carries state-change notifications into Run's loop. A single
	// buffered token suffices: the loop re-evaluates everything on every
	// wakeup. A channel rather than a sync.Cond so the same signal can
	// also interrupt the loop while it waits on a socket read.
	wakeCh chan struct{}

	sPump, cPump         *pump
	sInFlight, cInFlight bool
	residS, residC       []byte
}

// NewConn builds a Conn over sSock (the upstream/server-facing socket) and
// cSock (the client-facing socket), ready to run once started.
func NewConn(id string, sSock, cSock io.ReadWriter, registry Registry, logger *logging.Logger) *Conn {
	c := &Conn{
		ID:        id,
		S:         shadowbuf.New(),
		C:         shadowbuf.New(),
		sSock:     sSock,
		cSock:     cSock,
		registry:  registry,
		logger:    logger,
		instances: make(map[*Instance]struct{}),
		wakeCh:    make(chan struct{}, 1),
	}
	shadowbuf.SetPeer(c.S, c.C)
	c.S.Notify = c.wake
	c.C.Notify = c.wake
	return c
}

func (c *Conn) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// SetQuit marks the connection to skip the raw-splice fallback once Run
// returns, even if it returns cleanly: used when a fatal protocol violation
// means the connection must simply be closed, not handed off.
func (c *Conn) SetQuit(v bool) {
	c.mu.Lock()
	c.quit = v
	c.mu.Unlock()
}

// Quit reports whether SetQuit(true) was called.
func (c *Conn) Quit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quit
}

// setFatal records the first unrecoverable failure. Run notices on its
// next iteration and aborts the connection instead of handing it off.
func (c *Conn) setFatal(err error) {
	c.mu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.mu.Unlock()
	c.wake()
}

func (c *Conn) fatalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// startInstances starts a new generation of interceptors: every currently
// registered parser if name is "", or only the one named (a protocol
// handover targeting a specific parser). The registry is re-read every
// call, so a reload in between takes effect immediately.
func (c *Conn) startInstances(name string) {
	for _, f := range c.registry.Snapshot() {
		if name != "" && f.Name != name {
			continue
		}
		parser := f.New()
		inst := newInstance(context.Background(), c, f.Name, c.logger.Named(f.Name))
		c.mu.Lock()
		c.instances[inst] = struct{}{}
		c.mu.Unlock()
		c.wake()
		go c.runInstance(inst, parser)
	}
}

func (c *Conn) runInstance(inst *Instance, parser Parser) {
	err := c.safeIntercept(inst, parser)

	inst.C.Detach()
	inst.S.Detach()

	c.mu.Lock()
	delete(c.instances, inst)
	c.mu.Unlock()
	c.wake()

	switch {
	case err == nil:
		inst.logger.Info("done")
	case errors.Is(err, context.Canceled), errors.Is(err, shadowbuf.ErrCancelled):
		// cancelled mid-race or mid-handover: expected, nothing to log
	case errors.Is(err, shadowbuf.ErrBufferOverflow):
		// an interceptor ran past the live window: broken engine or
		// hostile stream, either way the connection cannot be trusted to
		// raw splicing
		inst.logger.Error("live window exceeded", logging.Err(err))
		c.setFatal(err)
	case perrors.GetErrorType(err) == perrors.ErrorTypeProtocolViolation:
		// checked before the mismatch sentinel: a violation often wraps
		// the mismatch that revealed it, and must not be demoted to a
		// silent non-match
		inst.logger.Error("protocol violation", logging.Err(err))
		metrics.ProtocolViolations.WithLabelValues(inst.name).Inc()
	case errors.Is(err, shadowbuf.ErrEOF):
		inst.logger.Debug("eof")
	case errors.Is(err, shadowbuf.ErrMismatch):
		inst.logger.Debug("mismatch")
	default:
		if inst.Matched() {
			inst.logger.Error("interceptor error", logging.Err(err))
			metrics.ProtocolViolations.WithLabelValues(inst.name).Inc()
		}
	}
}

func (c *Conn) safeIntercept(inst *Instance, parser Parser) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = errPanic(r)
			}
		}
	}()
	return parser.Intercept(inst.ctx, inst, inst.C, inst.S)
}

// cancelExcept cancels every instance other than keep.
func (c *Conn) cancelExcept(keep *Instance) {
	c.mu.Lock()
	insts := make([]*Instance, 0, len(c.instances))
	for inst := range c.instances {
		if inst != keep {
			insts = append(insts, inst)
		}
	}
	c.mu.Unlock()
	for _, inst := range insts {
		inst.Cancel()
	}
}

func (c *Conn) cancelAll() {
	c.cancelExcept(nil)
}

func (c *Conn) instanceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}

// shouldAct reports whether the engine has something to do right now:
// either there is nothing left racing (time to check for exit), or a
// direction wants to receive or has output queued.
func (c *Conn) shouldAct() bool {
	c.mu.Lock()
	idle := len(c.instances) == 0
	c.mu.Unlock()
	if idle {
		return true
	}
	return c.S.SendReady() || c.C.SendReady() || c.S.RecvReady() || c.C.RecvReady()
}

func (c *Conn) waitForWork(ctx context.Context) {
	for !c.shouldAct() {
		select {
		case <-c.wakeCh:
		case <-ctx.Done():
			return
		}
	}
}

// awaitSettled blocks until every instance goroutine has finished
// unwinding, so the residual snapshot cannot race a cancelled parser's
// final consume.
func (c *Conn) awaitSettled(ctx context.Context) error {
	for c.instanceCount() > 0 {
		select {
		case <-c.wakeCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run drives the interceptor race to completion: starts the initial
// generation of parsers and loops until either every instance has finished
// and nothing remains queued to send, or ctx is cancelled. Returns the
// bytes each direction still had buffered but unsent at the end — residual
// data the raw-splice handoff must write first. The same residuals (plus
// any socket read still in flight) are available as streams via
// Serverbound/Clientbound.
func (c *Conn) Run(ctx context.Context) (toS, toC []byte, err error) {
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	c.startInstances("")

	c.sPump = startPump(c.sSock)
	c.cPump = startPump(c.cSock)
	defer close(c.sPump.reqCh)
	defer close(c.cPump.reqCh)

	for {
		if ctx.Err() != nil {
			c.cancelAll()
			return nil, nil, ctx.Err()
		}

		c.waitForWork(ctx)
		if ctx.Err() != nil {
			c.cancelAll()
			return nil, nil, ctx.Err()
		}
		if err := c.fatalErr(); err != nil {
			c.cancelAll()
			return nil, nil, err
		}

		c.S.Drain()
		c.C.Drain()

		if c.instanceCount() == 0 && !c.S.SendReady() && !c.C.SendReady() {
			break
		}

		wantS := c.S.RecvReady() && !c.C.SendReady()
		wantC := c.C.RecvReady() && !c.S.SendReady()
		sendS := c.S.SendReady()
		sendC := c.C.SendReady()

		if !wantS && !wantC && !sendS && !sendC {
			break
		}

		if sendS {
			c.flush(c.sSock, c.S)
		}
		if sendC {
			c.flush(c.cSock, c.C)
		}

		if wantS && !c.sInFlight {
			c.sInFlight = true
			c.sPump.reqCh <- struct{}{}
		}
		if wantC && !c.cInFlight {
			c.cInFlight = true
			c.cPump.reqCh <- struct{}{}
		}

		if c.sInFlight || c.cInFlight {
			select {
			case res := <-c.sPump.resCh:
				c.sInFlight = false
				c.handleRecv(c.S, res)
			case res := <-c.cPump.resCh:
				c.cInFlight = false
				c.handleRecv(c.C, res)
			case <-c.wakeCh:
				// an instance finished or buffer state changed while a
				// socket read was outstanding; re-evaluate before blocking
				// again so a settled race is not held hostage by a silent
				// socket
			case <-ctx.Done():
				c.cancelAll()
				return nil, nil, ctx.Err()
			}
		}

		c.validateSilence()
	}

	c.logger.Info("done with connection, handing off to raw splice")
	c.cancelAll()
	if err := c.awaitSettled(ctx); err != nil {
		return nil, nil, err
	}
	c.S.Drain()
	c.C.Drain()

	toS = append(c.S.PendingSend(), c.C.Residual()...)
	toC = append(c.C.PendingSend(), c.S.Residual()...)
	c.residS, c.residC = toS, toC
	return toS, toC, nil
}

// Serverbound returns, after Run, the full remaining client-to-server byte
// stream: the residual bytes the engine never forwarded, then whatever an
// in-flight client-socket read eventually produced, then the client socket
// itself. Hand this to the raw splicer as the source for the upstream
// direction.
func (c *Conn) Serverbound() io.Reader {
	return io.MultiReader(
		bytes.NewReader(c.residS),
		&pumpReader{p: c.cPump, inFlight: c.cInFlight},
		c.cSock,
	)
}

// Clientbound is Serverbound's mirror: residual, then any in-flight
// upstream-socket read, then the upstream socket.
func (c *Conn) Clientbound() io.Reader {
	return io.MultiReader(
		bytes.NewReader(c.residC),
		&pumpReader{p: c.sPump, inFlight: c.sInFlight},
		c.sSock,
	)
}

func (c *Conn) flush(sock io.Writer, buf *shadowbuf.Buffer) {
	pending := buf.PendingSend()
	if len(pending) == 0 {
		return
	}
	n, err := sock.Write(pending)
	if n > 0 {
		buf.Sent(n)
		// buf's to_be_sent queue is written to its peer's destination
		// socket: c.S's queue carries client-to-server bytes, c.C's
		// queue carries server-to-client bytes.
		direction := "s_to_c"
		if buf == c.S {
			direction = "c_to_s"
		}
		metrics.BytesRelayed.WithLabelValues(direction).Add(float64(n))
	}
	if err != nil {
		buf.MarkEOF(err)
	}
}

func (c *Conn) handleRecv(buf *shadowbuf.Buffer, res pumpResult) {
	if len(res.data) == 0 {
		buf.MarkEOF(eofCause(res.err))
		return
	}
	if err := buf.Feed(res.data); err != nil {
		// Feed only fails on a live-window overflow, which is fatal for
		// the whole connection, not just this direction.
		c.setFatal(err)
		buf.MarkEOF(err)
		return
	}
	if res.err != nil {
		buf.MarkEOF(eofCause(res.err))
	}
}

func eofCause(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// validateSilence checks every live instance's silence expectation on both
// directions and cancels any whose expectation was violated. Instances
// that are not currently suspended in a read are skipped: a parser
// mid-flight between two reads may be about to flip phases, and judging it
// by the old flags would cancel it spuriously. A violation is therefore
// judged only against a parser that is parked, with settled flags.
func (c *Conn) validateSilence() {
	c.mu.Lock()
	insts := make([]*Instance, 0, len(c.instances))
	for inst := range c.instances {
		insts = append(insts, inst)
	}
	c.mu.Unlock()
	for _, inst := range insts {
		if !inst.C.Waiting() && !inst.S.Waiting() {
			continue
		}
		if !inst.C.ValidateSilence() || !inst.S.ValidateSilence() {
			inst.logger.Debug("got data while expecting silence")
			if inst.Matched() {
				metrics.ProtocolViolations.WithLabelValues(inst.name).Inc()
			}
			inst.Cancel()
		}
	}
}
