package loop

import (
	"encoding/binary"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Sentinels for wakeup.nextWakeupNanos (spec §3 "Wake-up state"). Real
// deadlines are always non-negative absolute nanoseconds, so both
// sentinels are negative.
const (
	wakeupNone  int64 = -1
	wakeupAwake int64 = -2
)

// wakeup is the cross-thread wake-up subsystem (spec §4.3 "Wakeup
// protocol"). It owns the eventfd and the single atomic word that lets
// external threads post a wake-up without touching SQ/CQ memory.
//
// eventfd creation uses golang.org/x/sys/unix, matching the pack's
// convention for raw Linux syscalls (gvisor, go-ublk, momentics-hioload-ws
// all depend on golang.org/x/sys directly for this class of call) rather
// than hand-rolling the eventfd(2) syscall the way iouring/internal/sys
// hand-rolls the io_uring-specific syscalls (those have no x/sys
// equivalent; eventfd does).
type wakeup struct {
	fd              int
	nextWakeupNanos atomic.Int64
	pendingWakeup   atomic.Bool
	readBuf         [8]byte // scratch for the permanently-posted eventfd READ
}

func newWakeup() (*wakeup, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	w := &wakeup{fd: fd}
	w.nextWakeupNanos.Store(wakeupNone)
	return w, nil
}

func (w *wakeup) close() error {
	return unix.Close(w.fd)
}

// signal implements the producer side of wakeup(inEventLoop) (spec §4.3).
// When called off the event-loop thread it atomically sets
// nextWakeupNanos to AWAKE and, iff the prior value was not already
// AWAKE, writes 1 to the eventfd — guaranteeing at most one pending wake
// write per idle epoch. When called on the event-loop thread (e.g. by a
// channel operation scheduling itself inline) it only updates the atomic
// word: the loop is already executing, so there is nothing to wake.
func (w *wakeup) signal(inEventLoop bool) {
	prev := w.nextWakeupNanos.Swap(wakeupAwake)
	if inEventLoop || prev == wakeupAwake {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(w.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// armDeadline publishes cur (spec §4.3 step 4 "next_wakeup_nanos ←
// cur_deadline (release)"). Pass wakeupNone when no task is scheduled.
func (w *wakeup) armDeadline(cur int64) {
	w.nextWakeupNanos.Store(cur)
}

// observeWake implements spec §4.3 step 6: after the loop returns from
// submitAndWait, CAS nextWakeupNanos to AWAKE; whether it already was
// AWAKE or just became so, an idle epoch is ending and the eventfd READ
// will need re-arming once its completion is observed.
func (w *wakeup) observeWake() {
	w.nextWakeupNanos.Store(wakeupAwake)
	w.pendingWakeup.Store(true)
}

// onEventfdComplete handles the completion of the permanently-posted
// eventfd READ (spec §4.3 "If op = READ and fd = eventfd_fd: clear
// pending_wakeup; re-submit the eventfd READ."). The caller re-submits via
// armEventfdRead, which checks pendingWakeup before doing so.
func (w *wakeup) onEventfdComplete() {
	w.pendingWakeup.Store(false)
}
