package loop

import (
	"time"

	"github.com/sderr/uringloop/iouring"
)

// timeoutUserData and timeoutRemoveUserData are the fixed user-data words
// used for the loop's single standing TIMEOUT/TIMEOUT_REMOVE pair. There is never more than one
// armed deadline at a time (spec §4.6 "Timeouts"): the loop always arms
// the single nearest deadline across every scheduled task, so fd and mask
// carry no information here and are always zero.
var (
	timeoutUserData       = encodeUserData(0, opTimeout, 0)
	timeoutRemoveUserData = encodeUserData(0, opTimeoutRemove, 0)
)

// noDeadline is the sentinel "nothing scheduled" value for curDeadline,
// matching wakeupNone's convention of a negative sentinel against
// non-negative real deadlines.
const noDeadline int64 = -1

// timer owns the single in-flight TIMEOUT SQE representing the loop's
// nearest scheduled deadline (spec §4.6). Re-arming a sooner deadline
// always removes the outstanding TIMEOUT first: io_uring does not let two
// TIMEOUTs share one user-data word, and submitting a second TIMEOUT
// without removing the first would leak the original until it naturally
// expires.
type timer struct {
	curDeadline  int64 // absolute nanoseconds, or noDeadline
	removePending bool  // a TIMEOUT_REMOVE for curDeadline is in flight
}

func newTimer() *timer {
	return &timer{curDeadline: noDeadline}
}

// arm schedules deadline (nanoseconds on the same clock as monotonicNanos)
// as the next wake-up, submitting a TIMEOUT_REMOVE for any previously-
// armed deadline first (spec §4-step-4: re-arm always removes before
// adding). No-op if deadline equals the currently armed one. Any other
// deadline replaces the armed TIMEOUT, whether it is sooner (a new nearer
// task was scheduled) or later (the previously-nearest task fired or was
// cancelled, so the next-nearest moved back).
//
// The TIMEOUT SQE itself carries a relative duration rather than
// IORING_TIMEOUT_ABS: the loop's deadlines live on whatever clock
// monotonicNanos reports, which need not agree with the kernel's
// CLOCK_MONOTONIC reference for IORING_TIMEOUT_ABS, so converting to "time
// remaining" at arm time sidesteps any clock-domain mismatch.
func (t *timer) arm(sq *submissionQueue, deadline int64) error {
	if t.curDeadline == deadline {
		return nil
	}
	if t.removePending {
		// A TIMEOUT_REMOVE for the previously-armed deadline is still in
		// flight; submitting a new TIMEOUT under the same user-data word
		// now would leave two outstanding TIMEOUTs indistinguishable on
		// completion. Wait for onTimeoutRemoveComplete and retry on the
		// next call instead.
		return nil
	}
	if t.curDeadline != noDeadline {
		if err := sq.addTimeoutRemove(timeoutUserData, timeoutRemoveUserData); err != nil {
			return err
		}
		t.removePending = true
	}
	remaining := deadline - monotonicNanos()
	if remaining < 0 {
		remaining = 0
	}
	ts := &iouring.Timespec{
		Sec:  remaining / int64(time.Second),
		Nsec: remaining % int64(time.Second),
	}
	if err := sq.addTimeout(ts, timeoutUserData, false); err != nil {
		return err
	}
	t.curDeadline = deadline
	return nil
}

// cancel clears any armed deadline, submitting a TIMEOUT_REMOVE if one is
// outstanding. Used by EventLoop.armNextDeadline when no scheduled task
// remains (spec §4.6) and by the fixed-buffer pause protocol.
func (t *timer) cancel(sq *submissionQueue) error {
	if t.curDeadline == noDeadline {
		return nil
	}
	if err := sq.addTimeoutRemove(timeoutUserData, timeoutRemoveUserData); err != nil {
		return err
	}
	t.removePending = true
	t.curDeadline = noDeadline
	return nil
}

// onTimeoutComplete handles a CQE for the standing TIMEOUT (op ==
// opTimeout): the deadline fired naturally, so there is nothing left
// armed until the caller schedules a new one.
func (t *timer) onTimeoutComplete() {
	t.curDeadline = noDeadline
}

// onTimeoutRemoveComplete handles a CQE for a TIMEOUT_REMOVE (op ==
// opTimeoutRemove). -ENOENT/-EALREADY here mean the TIMEOUT had already
// fired before the removal reached it — not an error, per spec §7's
// idempotent-completion handling; the loop logs at Debug and moves on.
func (t *timer) onTimeoutRemoveComplete() {
	t.removePending = false
}
