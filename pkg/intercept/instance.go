package intercept

import (
	"context"
	"sync"

	"github.com/streamrelay/streamrelay/pkg/logging"
	"github.com/streamrelay/streamrelay/pkg/metrics"
	"github.com/streamrelay/streamrelay/pkg/shadowbuf"
)

// Instance is one running Parser racing its siblings over a connection's
// two shadow buffers.
type Instance struct {
	name   string
	conn   *Conn
	C, S   *shadowbuf.Wrapper
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu      sync.Mutex
	matched bool
}

func newInstance(parent context.Context, conn *Conn, name string, logger *logging.Logger) *Instance {
	ctx, cancel := context.WithCancel(parent)
	inst := &Instance{
		name:   name,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	inst.C = shadowbuf.NewWrapper(conn.C)
	inst.S = shadowbuf.NewWrapper(conn.S)
	inst.C.SetOnEOF(inst.Cancel)
	inst.S.SetOnEOF(inst.Cancel)
	return inst
}

// Name returns the parser's registered name.
func (i *Instance) Name() string { return i.name }

// Logger returns this instance's per-interceptor logger.
func (i *Instance) Logger() *logging.Logger { return i.logger }

// Matched reports whether Identified has already been called.
func (i *Instance) Matched() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.matched
}

// Identified claims the connection for this instance's protocol: every
// other still-running instance on the same connection is cancelled. Only
// the first call has any effect; later calls (including from a nested
// protocol-changed handler) are no-ops.
func (i *Instance) Identified() {
	i.mu.Lock()
	if i.matched {
		i.mu.Unlock()
		return
	}
	i.matched = true
	i.mu.Unlock()
	i.logger.Info("match")
	metrics.InterceptorMatches.WithLabelValues(i.name).Inc()
	i.conn.cancelExcept(i)
}

// ProtocolChanged hands the connection to a fresh generation of
// interceptors after this instance negotiated a protocol change (a CONNECT
// tunnel established, or an Upgrade took effect): every sibling is
// cancelled, a new generation is started — every currently registered
// parser if name is empty, or only the one named — and this instance then
// cancels itself. Panics if called before Identified: only the instance
// that has already won the race may hand it off.
func (i *Instance) ProtocolChanged(name string) {
	if !i.Matched() {
		panic("intercept: ProtocolChanged called before Identified")
	}
	metrics.ProtocolHandovers.WithLabelValues(name).Inc()
	i.conn.cancelExcept(i)
	i.conn.startInstances(name)
	i.Cancel()
}

// Cancel aborts this instance. Idempotent and safe to call re-entrantly,
// including from within the instance's own unwinding: a plugin may cancel
// itself while already being cancelled.
func (i *Instance) Cancel() {
	i.once.Do(func() {
		i.logger.Debug("cancel")
		i.cancel()
	})
}

// Done returns a channel closed once this instance is cancelled.
func (i *Instance) Done() <-chan struct{} {
	return i.ctx.Done()
}
