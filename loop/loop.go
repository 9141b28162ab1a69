package loop

import (
	"sort"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/sderr/uringloop/iouring"
)

// pollMask bits, carried in the low 16 bits of a POLL_ADD user-data word
// and matched against the CQE result's revents (spec §3 "User-data word").
const (
	PollIn    uint16 = 0x001 // POLLIN
	PollOut   uint16 = 0x004 // POLLOUT
	PollRdHup uint16 = 0x2000
)

// scheduledTask is a single-shot deadline callback registered via
// EventLoop.ScheduleAt. The loop always arms the single nearest deadline
// across every scheduledTask (spec §4.6).
type scheduledTask struct {
	deadline int64
	fn       func()
}

// EventLoop is the single-threaded io_uring-backed event loop (spec §4.3).
// All but a handful of methods (those explicitly documented as safe for
// external threads: ScheduleAt, ScheduleTask via the embedded TaskQueue,
// and Shutdown) must only be called from the goroutine running Run.
type EventLoop struct {
	ring       *iouring.Ring
	sq         *submissionQueue
	cq         *completionQueue
	wake       *wakeup
	timer      *timer
	registry   *channelRegistry
	tasks      *TaskQueue
	fixedBufs  *fixedBuffers
	log        *logger

	scheduledMu sync.Mutex
	scheduled   []*scheduledTask

	// armedPolls tracks the mask each fd's currently outstanding POLL_ADD
	// was armed with, so fixed-buffer reconciliation's pause protocol
	// (spec §4.5) knows which POLL_REMOVE calls to issue. Loop-thread only.
	armedPolls map[int32]uint16

	shuttingDown bool
	stopped      chan struct{}
}

// New constructs an EventLoop and its backing ring. The ring is not yet
// running; call Run to start the busy/block cycle.
func New(opts ...Option) (*EventLoop, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	ring, err := iouring.New(cfg.entries)
	if err != nil {
		return nil, err
	}

	wake, err := newWakeup()
	if err != nil {
		ring.Close()
		return nil, err
	}

	el := &EventLoop{
		ring:       ring,
		sq:         newSubmissionQueue(ring),
		cq:         newCompletionQueue(ring),
		wake:       wake,
		timer:      newTimer(),
		registry:   newChannelRegistry(),
		tasks:      NewTaskQueue(),
		fixedBufs:  newFixedBuffers(ring),
		log:        newLogger(cfg.log),
		armedPolls: make(map[int32]uint16),
		stopped:    make(chan struct{}),
	}
	if len(cfg.fixedBuffers) > 0 {
		el.fixedBufs.set(cfg.fixedBuffers)
	}
	return el, nil
}

// Register adds ch to the channel registry so its fd's completions are
// routed to it (spec §4.4).
func (el *EventLoop) Register(ch Channel) { el.registry.add(ch) }

// Unregister removes ch from the registry (spec §4.4 fd-reuse
// reconciliation). Safe to call even if a newer channel has already taken
// ch's fd.
func (el *EventLoop) Unregister(ch Channel) bool {
	delete(el.armedPolls, int32(ch.Fd()))
	return el.registry.remove(ch)
}

// ScheduleTask enqueues fn to run on the next busy-phase iteration,
// waking the loop if necessary. Safe to call from any goroutine.
func (el *EventLoop) ScheduleTask(fn func()) {
	el.tasks.Push(fn)
	el.wake.signal(false)
}

// ScheduleAt arms fn to run at or after deadline (absolute nanoseconds on
// the monotonicNanos clock, which by default is time.Now().UnixNano()).
// Safe to call from any goroutine.
func (el *EventLoop) ScheduleAt(deadline int64, fn func()) {
	el.scheduledMu.Lock()
	el.scheduled = append(el.scheduled, &scheduledTask{deadline: deadline, fn: fn})
	sort.Slice(el.scheduled, func(i, j int) bool { return el.scheduled[i].deadline < el.scheduled[j].deadline })
	el.scheduledMu.Unlock()
	el.wake.signal(false)
}

// Shutdown requests cooperative shutdown: every registered channel is
// closed, and the loop exits once none remain and no I/O is in flight
// (spec §5 "Shutdown is cooperative"). Safe to call from any goroutine.
func (el *EventLoop) Shutdown() {
	el.tasks.Push(func() {
		if el.shuttingDown {
			return
		}
		el.shuttingDown = true
		for _, ch := range el.registry.all() {
			ch.Close()
			delete(el.armedPolls, int32(ch.Fd()))
			el.registry.remove(ch)
		}
	})
	el.wake.signal(false)
}

// Stats is a read-only snapshot for embedders' own metrics systems
// (SPEC_FULL.md §4 "EventLoop.Stats()").
type Stats struct {
	SQReady       uint32
	CQReady       uint32
	IOInFlight    int64
	RegisteredFds int
	ArmedDeadline int64 // noDeadline if none armed
}

func (el *EventLoop) Stats() Stats {
	return Stats{
		SQReady:       el.sq.pending(),
		CQReady:       el.cq.ready(),
		IOInFlight:    el.sq.ioInFlight,
		RegisteredFds: el.registry.len(),
		ArmedDeadline: el.timer.curDeadline,
	}
}

// EnqueueRead submits a READ against fd at offset; the result reaches the
// registered channel's ReadComplete. Loop-thread only (spec §5).
func (el *EventLoop) EnqueueRead(fd int32, buf []byte, offset uint64) error {
	return el.sq.addRead(fd, buf, offset)
}

// EnqueueWrite submits a WRITE against fd at offset; the result reaches
// the registered channel's WriteComplete. Loop-thread only.
func (el *EventLoop) EnqueueWrite(fd int32, buf []byte, offset uint64) error {
	return el.sq.addWrite(fd, buf, offset)
}

// EnqueueWritev submits a vectored WRITE; iovecs must remain valid until
// the completion arrives. Loop-thread only.
func (el *EventLoop) EnqueueWritev(fd int32, iovecs []syscall.Iovec, offset uint64) error {
	return el.sq.addWritev(fd, iovecs, offset)
}

// EnqueueAccept submits an ACCEPT on the listening fd; the new connection
// fd (or -errno) reaches the registered channel's ReadComplete, per spec
// §4.3's dispatch table treating ACCEPT as a READ-shaped completion. Loop-
// thread only.
func (el *EventLoop) EnqueueAccept(fd int32) error {
	return el.sq.addAccept(fd)
}

// EnqueueConnect submits a CONNECT against fd; the result reaches the
// registered channel's ConnectComplete. Loop-thread only.
func (el *EventLoop) EnqueueConnect(fd int32, addr unsafe.Pointer, addrLen uint32) error {
	return el.sq.addConnect(fd, addr, addrLen)
}

// EnqueueClose submits a CLOSE for fd. Loop-thread only.
func (el *EventLoop) EnqueueClose(fd int32) error {
	return el.sq.addClose(fd)
}

// EnqueuePoll arms a one-shot POLL_ADD for the bits in mask (PollIn,
// PollOut, PollRdHup); the registered channel's matching PollXxx methods
// fire once the poll completes. Loop-thread only.
func (el *EventLoop) EnqueuePoll(fd int32, mask uint16) error {
	if err := el.sq.addPoll(fd, mask); err != nil {
		return err
	}
	el.armedPolls[fd] = mask
	return nil
}

// EnqueuePollRemove cancels a previously armed poll, identified by the
// user-data word the original EnqueuePoll's completion carried. Loop-
// thread only.
func (el *EventLoop) EnqueuePollRemove(fd int32, targetUserData uint64) error {
	delete(el.armedPolls, fd)
	return el.sq.addPollRemove(fd, targetUserData)
}

// EnqueueReadCancel requests cancellation of a previously submitted READ,
// identified by its user-data word. Loop-thread only.
func (el *EventLoop) EnqueueReadCancel(fd int32, targetUserData uint64) error {
	return el.sq.addReadCancel(fd, targetUserData)
}

// Done returns a channel closed once Run has returned, for embedders
// that want to await shutdown without inspecting Run's error directly.
func (el *EventLoop) Done() <-chan struct{} { return el.stopped }

// Close tears down the ring and eventfd. Call only after Run has
// returned.
func (el *EventLoop) Close() error {
	el.wake.close()
	return el.ring.Close()
}

// Run executes the busy/block cycle until Shutdown has been observed with
// no channels or in-flight I/O remaining (spec §4.3). It must be called
// from a single, dedicated goroutine for the lifetime of the loop.
func (el *EventLoop) Run() error {
	defer close(el.stopped)

	if err := el.armEventfdRead(); err != nil {
		return err
	}

	for {
		for {
			n := el.busyPhase()
			if n == 0 {
				break
			}
		}

		if el.shuttingDown && el.registry.len() == 0 && el.sq.ioInFlight == 0 {
			// The standing eventfd READ, polls, and timeouts are all exempt
			// from ioInFlight (spec §4.5, §8), so 0 here means every
			// non-poll op has completed, not that the loop has gone idle.
			return nil
		}

		if err := el.fixedBufs.reconcile(el); err != nil {
			el.log.warn("fixed buffer reconciliation failed", zap.Error(err))
		}

		el.armNextDeadline()

		// Block only if no task is queued and the CQ is empty; otherwise go
		// straight back to the busy phase.
		if !el.tasks.Empty() || el.cq.ready() > 0 {
			continue
		}

		if _, err := el.sq.submitAndWait(1); err != nil {
			el.log.warn("submit failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		el.wake.observeWake()
	}
}

// busyPhase drains every ready completion and runs every ready task,
// returning the total amount of work done (spec §4.3 step 1: "repeat while
// either step reports non-zero work"). A panic raised by a handler or task
// is recovered, logged at Warn, and followed by a one-second sleep; the
// work counted before the panic is returned.
func (el *EventLoop) busyPhase() (n int) {
	defer func() {
		if r := recover(); r != nil {
			el.log.warn("recovered panic in event loop busy phase", zap.Any("panic", r))
			time.Sleep(time.Second)
		}
	}()
	n = el.cq.process(el.handleCompletion)
	n += el.tasks.Drain()
	n += el.runDueScheduled()
	return n
}

// runDueScheduled runs and removes every scheduled task whose deadline has
// already passed, measured against monotonicNanos.
func (el *EventLoop) runDueScheduled() int {
	now := monotonicNanos()
	el.scheduledMu.Lock()
	i := 0
	for i < len(el.scheduled) && el.scheduled[i].deadline <= now {
		i++
	}
	due := el.scheduled[:i]
	el.scheduled = el.scheduled[i:]
	el.scheduledMu.Unlock()

	for _, t := range due {
		t.fn()
	}
	return len(due)
}

// armNextDeadline arms the timer for the nearest pending scheduled task,
// or cancels it if none remain (spec §4.6).
func (el *EventLoop) armNextDeadline() {
	if el.fixedBufs.draining {
		// The pause protocol (spec §4.5) just removed the pending timeout
		// on purpose; don't immediately re-arm it out from under reconcile.
		return
	}

	el.scheduledMu.Lock()
	var next int64 = noDeadline
	if len(el.scheduled) > 0 {
		next = el.scheduled[0].deadline
	}
	el.scheduledMu.Unlock()

	if next == noDeadline {
		if err := el.timer.cancel(el.sq); err != nil {
			el.log.warn("timer cancel failed", zap.Error(err))
		}
		el.wake.armDeadline(wakeupNone)
		return
	}
	if err := el.timer.arm(el.sq, next); err != nil {
		el.log.warn("timer arm failed", zap.Error(err))
	}
	el.wake.armDeadline(next)
}

// armEventfdRead (re)submits the standing blocking READ against the
// wake-up eventfd (spec §4.3 "Wakeup protocol"), unless one is already
// outstanding (spec §3 "pending_wakeup tracks whether an eventfd read has
// been submitted but not yet completed"): submitting a second one under
// the same user-data word would leave two outstanding reads
// indistinguishable on completion.
func (el *EventLoop) armEventfdRead() error {
	if el.wake.pendingWakeup.Load() {
		return nil
	}
	ud := encodeUserData(int32(el.wake.fd), opRead, 0)
	if err := el.sq.addEventfdRead(int32(el.wake.fd), el.wake.readBuf[:], ud); err != nil {
		return err
	}
	el.wake.pendingWakeup.Store(true)
	return nil
}

// pauseForFixedBufferReconcile issues the quiescing half of the §4.5
// pause protocol: POLL_REMOVE for every channel's armed poll (each
// induces a -ECANCELED completion, on which handlePollComplete re-arms the
// poll of a still-active channel straight away), cancellation of the
// standing eventfd READ (re-armed as soon as its completion arrives), and
// removal of the pending timeout — then submits all of it. None of these
// count toward ioInFlight, so this alone never drains it. Only the
// timeout stays removed until reconciliation finishes, because
// armNextDeadline does not re-arm it while draining is set.
func (el *EventLoop) pauseForFixedBufferReconcile() {
	for fd, mask := range el.armedPolls {
		target := encodeUserData(fd, opPollAdd, mask)
		if err := el.sq.addPollRemove(fd, target); err != nil {
			el.log.warn("failed to enqueue poll remove for fixed buffer reconciliation", zap.Error(err))
		}
	}

	eventfdTarget := encodeUserData(int32(el.wake.fd), opRead, 0)
	if err := el.sq.addReadCancel(int32(el.wake.fd), eventfdTarget); err != nil {
		el.log.warn("failed to cancel eventfd read for fixed buffer reconciliation", zap.Error(err))
	}

	if err := el.timer.cancel(el.sq); err != nil {
		el.log.warn("failed to cancel timer for fixed buffer reconciliation", zap.Error(err))
	}

	if _, err := el.sq.submit(); err != nil {
		el.log.warn("failed to submit fixed buffer reconciliation pause", zap.Error(err))
	}
}

// handleCompletion routes a single CQE to the owning channel or internal
// subsystem (spec §4.3 "completion dispatch").
func (el *EventLoop) handleCompletion(userData uint64, res int32, flags uint32) {
	fd, o, mask := decodeUserData(userData)

	if int(fd) == el.wake.fd && o == opRead {
		// eventfd READ is exempt from in-flight accounting (spec §4.5, §8).
		el.wake.onEventfdComplete()
		if err := el.armEventfdRead(); err != nil {
			el.log.warn("failed to re-arm eventfd read", zap.Error(err))
		}
		return
	}

	switch o {
	case opNop:
		// used only by tests to exercise submit/wait plumbing; nothing to do.
	case opTimeout:
		// exempt from in-flight accounting (spec §4.5 "poll and timeout are exempt").
		if res != -int32(syscall.ECANCELED) {
			el.timer.onTimeoutComplete()
			el.runDueScheduled()
		}
	case opTimeoutRemove:
		if res == -int32(syscall.ENOENT) || res == -int32(syscall.EALREADY) {
			el.log.debug("timeout remove found no pending timeout", zap.Int32("res", res))
		}
		el.timer.onTimeoutRemoveComplete()
	case opPollAdd:
		// exempt from in-flight accounting (spec §4.5).
		el.handlePollComplete(fd, mask, res)
	case opPollRemove, opReadCancel:
		// -ENOENT/-EALREADY mean the target already completed or was
		// already removed; idempotent, logged at Debug only (spec §7).
		if res == -int32(syscall.ENOENT) || res == -int32(syscall.EALREADY) {
			el.log.debug("cancel target already gone", zap.Int32("fd", fd), zap.Int32("res", res))
		}
	default:
		// opRead/opWrite/opAccept/opConnect were counted on submission
		// (spec §4.1); opClose was not (spec §4.1 "addClose ... does not
		// count as in-flight").
		if o != opClose {
			el.sq.ioInFlight--
		}
		ch, ok := el.registry.get(int(fd))
		if !ok {
			return
		}
		switch o {
		case opRead, opAccept:
			ch.ReadComplete(res)
		case opWrite:
			ch.WriteComplete(res)
		case opConnect:
			ch.ConnectComplete(res)
		case opClose:
			// nothing further to deliver
		}
		ch.ProcessDelayedClose()
	}
}

// handlePollComplete dispatches a POLL_ADD completion per set bit, and
// re-arms the poll if the channel is still active and the completion was
// a kernel-issued cancellation rather than an application close (spec
// §4.3 completion dispatch, §4.4). Tracks armedPolls so fixed-buffer
// reconciliation's pause protocol (spec §4.5) knows which polls to issue
// POLL_REMOVE against.
func (el *EventLoop) handlePollComplete(fd int32, mask uint16, res int32) {
	delete(el.armedPolls, fd)

	ch, ok := el.registry.get(int(fd))
	if !ok {
		return
	}
	if res == -int32(syscall.ECANCELED) {
		if ch.Active() {
			if err := el.sq.addPoll(fd, mask); err != nil {
				el.log.warn("failed to re-arm poll", zap.Error(err))
			} else {
				el.armedPolls[fd] = mask
			}
		}
		return
	}
	if res < 0 {
		return
	}
	revents := uint16(res)
	if revents&PollIn != 0 {
		ch.PollIn()
	}
	if revents&PollOut != 0 {
		ch.PollOut()
	}
	if revents&PollRdHup != 0 {
		ch.PollRdHup()
	}
	ch.ProcessDelayedClose()
}

// monotonicNanos is the clock ScheduleAt/armNextDeadline measure against.
// A package variable rather than a direct time.Now call so tests can
// substitute a deterministic clock.
var monotonicNanos = func() int64 { return time.Now().UnixNano() }
