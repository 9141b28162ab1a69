package loop

import "github.com/sderr/uringloop/iouring"

// completionQueue wraps a *iouring.Ring's CQ side with the strict head-
// release ordering spec §4.2 requires: k_head must be released before the
// per-entry callback runs, so that a callback which itself submits new
// SQEs (as every handler in this loop does) never observes its own
// just-consumed slot as still occupied. The teacher's ForEachCQE/DrainCQEs
// defer the head release until after the whole batch, which is the wrong
// shape for that requirement; PeekCQE+SeenCQE, called back to back per
// entry, gives the right one.
type completionQueue struct {
	ring *iouring.Ring
}

func newCompletionQueue(ring *iouring.Ring) *completionQueue {
	return &completionQueue{ring: ring}
}

// ready reports the number of completions currently available without
// consuming any of them (teacher's CQReady, reused per SPEC_FULL.md §4).
func (c *completionQueue) ready() uint32 {
	return c.ring.CQReady()
}

// process drains every currently-ready completion, releasing each CQE's
// slot (via SeenCQE) before invoking fn, and returns the count processed
// (spec §4.2 "process(callback)").
func (c *completionQueue) process(fn func(userData uint64, res int32, flags uint32)) int {
	n := 0
	for {
		userData, res, flags, ok := c.ring.PeekCQE()
		if !ok {
			return n
		}
		c.ring.SeenCQE()
		fn(userData, res, flags)
		n++
	}
}
