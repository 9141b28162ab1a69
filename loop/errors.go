package loop

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors, in the spirit of the teacher's ring-level ErrSQFull /
// ErrRingClosed: callers match these with errors.Is.
var (
	// ErrSubmitQueueFull is returned by an enqueue call when the SQ was
	// already full and a forced submit() still returned zero consumed
	// entries (spec §4.1 "enqueue" step 1, §7 SubmitQueueFull).
	ErrSubmitQueueFull = errors.New("loop: submission queue full")

	// ErrLoopShuttingDown names the shutting-down state for callers. No
	// function in this package returns it: enqueue calls made after
	// Shutdown are not rejected.
	ErrLoopShuttingDown = errors.New("loop: event loop is shutting down")

	// ErrRingClosed names the torn-down-ring state for callers. No function
	// in this package returns it; an operation on a closed loop reports
	// whatever error the iouring layer gives.
	ErrRingClosed = errors.New("loop: ring closed")
)

// SubmitFailedError wraps a negative io_uring_enter return (spec §7
// SubmitFailed(errno)). The loop logs it at Warn and retries after a
// cool-down sleep; callers that see it returned directly from Submit can
// inspect Errno.
type SubmitFailedError struct {
	Errno error
}

func (e *SubmitFailedError) Error() string {
	return fmt.Sprintf("loop: io_uring_enter failed: %v", e.Errno)
}

func (e *SubmitFailedError) Unwrap() error { return e.Errno }

// PartialSubmitError describes a submit in which the kernel consumed fewer
// SQEs than were offered (spec §7 PartialSubmit). No function in this
// package produces it: submit and submitAndWait do not compare the
// consumed count with the number offered, and the loop logs nothing for a
// partial consume.
type PartialSubmitError struct {
	Requested int
	Consumed  int
}

func (e *PartialSubmitError) Error() string {
	return fmt.Sprintf("loop: partial submit: requested %d, consumed %d", e.Requested, e.Consumed)
}
