package shadowbuf

import (
	stderrors "errors"
	"fmt"

	"github.com/streamrelay/streamrelay/pkg/errors"
)

// ErrBufferOverflow is returned (and should otherwise surface as a fatal
// connection-reset condition) when a wrapper or the shadow buffer itself
// would need to hold more than MaxLiveWindow bytes of unacknowledged data.
// Not recoverable: the connection must be torn down, not eased back into
// raw proxying.
var ErrBufferOverflow = errors.NewBufferOverflowError(MaxLiveWindow)

// ErrCancelled is delivered to a pending read-job when its owning
// interceptor is cancelled (by another interceptor's identified(), by an
// explicit cancel(), or by EOF on the direction it depends on).
var ErrCancelled = errors.NewValidationError("read cancelled")

// ErrEOF is returned by reads that run off the end of a cleanly closed
// direction with no underlying socket error to report. A socket error
// encountered mid-read is folded into MarkEOF's cause instead of being
// returned separately, so callers only need to check this one sentinel
// (via errors.Is) plus whatever MarkEOF was given.
var ErrEOF = stderrors.New("shadowbuf: end of stream")

// ErrMismatch is the verdict a Match call returns when the predicate fails
// before the minimum required length — "this is not the shape I expected",
// not a fatal error. Callers translate it into a protocol-mismatch verdict
// at the interceptor level.
var ErrMismatch = errors.NewProtocolMismatchError("shadowbuf.Match", nil)

// errPreFlushTransparent signals PreFlush was invoked while the sole
// remaining wrapper is still marked transparent: Send and Discard are only
// valid for a race winner that has switched its wrapper out of pass-through
// mode.
var errPreFlushTransparent = stderrors.New("shadowbuf: pre-flush on transparent wrapper")

func errPreFlushCount(n int) error {
	return fmt.Errorf("shadowbuf: pre-flush requires exactly one wrapper, have %d", n)
}
