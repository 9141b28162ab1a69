package loop

import (
	"syscall"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/sderr/uringloop/iouring"
)

// submissionQueue wraps a *iouring.Ring with the loop's user-data encoding
// and in-flight bookkeeping (spec §4.1 "Submission Queue"). No SQE slot is
// reserved for the wake-up eventfd's blocking READ: it draws on the same
// SQ capacity as every addXxx call here.
type submissionQueue struct {
	ring *iouring.Ring
	// ioInFlight counts outstanding reads/writes/writev/accepts/connects
	// only (spec §4.1, §4.5, §8 "in_flight equals the count of outstanding
	// non-poll, non-eventfd, non-timeout operations"). addClose, the
	// poll/timeout/cancel family, and the standing eventfd READ never
	// touch it.
	ioInFlight int64
}

func newSubmissionQueue(ring *iouring.Ring) *submissionQueue {
	return &submissionQueue{ring: ring}
}

// enqueue runs fn, which should call exactly one Prep* on the ring, and
// counts the operation as in-flight. If fn reports ErrSQFull, enqueue
// forces a submit() to make room and retries once (spec §4.1 "enqueue"
// step 1). A second failure is reported as ErrSubmitQueueFull.
//
// Only reads/writes/writev/accept/connect route through this counted path
// (spec §4.1 "Increments in-flight"; §4.5 "poll and timeout are exempt").
// addClose, the poll/timeout/cancel family, and the standing eventfd READ
// go through enqueueUncounted instead, since §8's testable invariant
// defines in_flight as outstanding non-poll, non-eventfd, non-timeout
// operations only.
func (s *submissionQueue) enqueue(fn func() error) error {
	if err := s.enqueueUncounted(fn); err != nil {
		return err
	}
	s.ioInFlight++
	return nil
}

// enqueueUncounted runs fn with the same full-queue retry behavior as
// enqueue, but without touching ioInFlight.
func (s *submissionQueue) enqueueUncounted(fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if !errors.Is(err, iouring.ErrSQFull) {
		return err
	}
	if _, serr := s.submit(); serr != nil {
		return serr
	}
	if err := fn(); err != nil {
		if errors.Is(err, iouring.ErrSQFull) {
			return ErrSubmitQueueFull
		}
		return err
	}
	return nil
}

func (s *submissionQueue) addRead(fd int32, buf []byte, offset uint64) error {
	ud := encodeUserData(fd, opRead, 0)
	return s.enqueue(func() error { return s.ring.PrepRead(int(fd), buf, offset, ud) })
}

func (s *submissionQueue) addWrite(fd int32, buf []byte, offset uint64) error {
	ud := encodeUserData(fd, opWrite, 0)
	return s.enqueue(func() error { return s.ring.PrepWrite(int(fd), buf, offset, ud) })
}

func (s *submissionQueue) addWritev(fd int32, iovecs []syscall.Iovec, offset uint64) error {
	ud := encodeUserData(fd, opWrite, 0)
	return s.enqueue(func() error { return s.ring.PrepWritev(int(fd), iovecs, offset, ud) })
}

func (s *submissionQueue) addAccept(fd int32) error {
	ud := encodeUserData(fd, opAccept, 0)
	return s.enqueue(func() error { return s.ring.PrepAccept(int(fd), nil, nil, 0, ud) })
}

func (s *submissionQueue) addConnect(fd int32, addr unsafe.Pointer, addrLen uint32) error {
	ud := encodeUserData(fd, opConnect, 0)
	return s.enqueue(func() error {
		return s.ring.PrepConnect(int(fd), addr, addrLen, ud)
	})
}

// addClose is fire-and-forget: it does not count as in-flight (spec §4.1
// "addClose ... does not count as in-flight").
func (s *submissionQueue) addClose(fd int32) error {
	ud := encodeUserData(fd, opClose, 0)
	return s.enqueueUncounted(func() error { return s.ring.PrepClose(int(fd), ud) })
}

// addPoll arms a one-shot POLL_ADD for the bits in mask. mask is carried
// verbatim in the low 16 bits of the user-data word so the completion
// handler knows which bits were requested without a side lookup (spec §3
// "User-data word"). Poll is exempt from in-flight accounting (spec §4.5).
func (s *submissionQueue) addPoll(fd int32, mask uint16) error {
	ud := encodeUserData(fd, opPollAdd, mask)
	return s.enqueueUncounted(func() error { return s.ring.PrepPollAdd(int(fd), uint32(mask), ud) })
}

func (s *submissionQueue) addPollRemove(fd int32, targetUserData uint64) error {
	ud := encodeUserData(fd, opPollRemove, 0)
	return s.enqueueUncounted(func() error { return s.ring.PrepPollRemove(targetUserData, ud) })
}

func (s *submissionQueue) addReadCancel(fd int32, targetUserData uint64) error {
	ud := encodeUserData(fd, opReadCancel, 0)
	return s.enqueueUncounted(func() error { return s.ring.PrepCancel(targetUserData, 0, ud) })
}

// addTimeout is exempt from in-flight accounting (spec §4.5 "poll and
// timeout are exempt").
func (s *submissionQueue) addTimeout(ts *iouring.Timespec, userData uint64, absolute bool) error {
	var flags uint32
	if absolute {
		flags = timeoutAbsFlag
	}
	return s.enqueueUncounted(func() error { return s.ring.PrepTimeout(ts, 0, flags, userData) })
}

func (s *submissionQueue) addTimeoutRemove(targetUserData, userData uint64) error {
	return s.enqueueUncounted(func() error { return s.ring.PrepTimeoutRemove(targetUserData, userData) })
}

// addEventfdRead (re)submits the permanently-posted blocking READ against
// the wake-up eventfd (spec §4.3 "Wakeup protocol"). It is exempt from
// in-flight accounting, same as poll and timeout (spec §4.5, §8): the
// standing eventfd READ is always outstanding by design and must never
// block the fixed-buffer reconciliation gate. Unlike every other addXxx
// call, a full queue here is not transient backpressure — the loop must
// always be able to keep this slot armed — so it returns PrepRead's
// iouring.ErrSQFull directly without enqueue's single extra submit+retry
// escape hatch consuming a wakeup cycle; the caller is expected to retry
// next busy-phase iteration.
func (s *submissionQueue) addEventfdRead(fd int32, buf []byte, userData uint64) error {
	return s.ring.PrepRead(int(fd), buf, 0, userData)
}

// submit flushes pending SQEs without waiting for completions (spec §4.1
// "submit()"). The consumed count is returned as the kernel reports it; a
// partial consume is neither detected nor reported as an error.
func (s *submissionQueue) submit() (int, error) {
	n, err := s.ring.Submit()
	if err != nil {
		return n, &SubmitFailedError{Errno: err}
	}
	return n, nil
}

// submitAndWait flushes pending SQEs and blocks until at least want
// completions are ready or the kernel otherwise returns.
func (s *submissionQueue) submitAndWait(want uint32) (int, error) {
	n, err := s.ring.SubmitAndWait(want)
	if err != nil {
		return n, &SubmitFailedError{Errno: err}
	}
	return n, nil
}

// pending reports the number of SQEs ready to submit (teacher's SQReady,
// reused verbatim per SPEC_FULL.md §4 "pending()/ready()").
func (s *submissionQueue) pending() uint32 {
	return s.ring.SQReady()
}

const timeoutAbsFlag = 1 << 0 // IORING_TIMEOUT_ABS, mirrored from iouring/internal/sys to avoid an internal import
