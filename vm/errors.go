package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error Types
// ---------------------------------------------------------------------------

var (
	ErrOutOfMemory        = errors.New("out of memory")
	ErrTooManyDescriptors = errors.New("too many descriptors")
	ErrCorruptSnapshot    = errors.New("corrupt descriptor snapshot")
	ErrCorruptLayout      = errors.New("corrupt descriptor layout")
)

// InvariantViolation reports a broken descriptor array contract. It is a
// programming error in the caller and is only raised when debug checks are on.
type InvariantViolation struct {
	Op  string
	Msg string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("%s: invariant violation: %s", e.Op, e.Msg)
}

// check panics with an InvariantViolation when debug checks are enabled and
// cond is false.
func (h *Heap) check(cond bool, op string, format string, args ...any) {
	if cond || !h.debugChecks {
		return
	}
	panic(&InvariantViolation{Op: op, Msg: fmt.Sprintf(format, args...)})
}
