package loop

import (
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/sderr/uringloop/iouring"
)

// fixedBuffers owns the event loop's optional REGISTER_BUFFERS set (spec
// §4.5 "Fixed-buffer reconciliation"). dirty is set whenever a channel
// operation wants to swap the registered set and cleared once the busy
// phase has actually re-registered it with the kernel.
//
// Before (re)registering, all non-poll SQEs must have completed (spec
// §4.5: "reads/writes/accepts/connects/writev increment, their
// completions decrement; poll and timeout are exempt"), which reconcile
// checks against submissionQueue.ioInFlight. While dirty and in-flight is
// still non-zero, draining records that the pause protocol (poll removal,
// eventfd cancellation, timeout removal — EventLoop.
// pauseForFixedBufferReconcile) has already been issued, so it is not
// re-submitted every busy-phase iteration while waiting for the drain.
type fixedBuffers struct {
	bufs       [][]byte
	dirty      atomic.Bool
	draining   bool // loop-thread only; pause protocol issued, waiting for ioInFlight==0
	registered bool
	supported  bool
}

func newFixedBuffers(ring *iouring.Ring) *fixedBuffers {
	return &fixedBuffers{supported: ring.SupportsFixedBuffers()}
}

// set replaces the buffer set and marks it dirty for reconciliation on the
// next busy-phase iteration (spec §4.5). Only dirty is atomic; bufs is a
// plain field, so set is called from the loop thread (or, as New does,
// before Run starts).
func (fb *fixedBuffers) set(bufs [][]byte) {
	fb.bufs = bufs
	fb.dirty.Store(true)
}

// reconcile re-registers the buffer set with the kernel if it was changed
// since the last reconciliation and the kernel supports fixed buffers at
// all (SPEC_FULL.md §4 "Probe-gated fixed buffers"). No-op, logged at
// Debug, on kernels that predate REGISTER_BUFFERS.
//
// If non-poll I/O is still in flight when a change is pending, reconcile
// issues the pause protocol (spec §4.5 "enqueue POLL_REMOVE for every
// channel ..., cancel the eventfd READ, remove the pending timeout, and
// submit") exactly once and defers registration to a later call, once
// el.sq.ioInFlight has drained to zero.
func (fb *fixedBuffers) reconcile(el *EventLoop) error {
	if !fb.dirty.Load() {
		return nil
	}
	if !fb.supported {
		el.log.debug("fixed buffers requested but kernel does not support REGISTER_BUFFERS; skipping")
		fb.dirty.Store(false)
		fb.draining = false
		return nil
	}
	if el.sq.ioInFlight > 0 {
		if !fb.draining {
			el.pauseForFixedBufferReconcile()
			fb.draining = true
		}
		return nil
	}

	fb.draining = false
	ring := el.ring
	if fb.registered {
		if err := ring.UnregisterBuffers(); err != nil {
			if !errors.Is(err, syscall.ENXIO) {
				return err
			}
			el.log.debug("UNREGISTER_BUFFERS returned ENXIO; nothing was registered")
		}
	}
	if len(fb.bufs) > 0 {
		if err := ring.RegisterBuffers(fb.bufs); err != nil {
			fb.registered = false
			return err
		}
		fb.registered = true
	} else {
		fb.registered = false
	}
	fb.dirty.Store(false)
	return nil
}
