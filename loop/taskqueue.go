package loop

import "sync/atomic"

// TaskQueue is a lock-free multi-producer/single-consumer queue of
// zero-argument actions (spec §9 "Task queue"). Any number of goroutines
// may call Push concurrently; only the event-loop thread may call Drain.
//
// The implementation is a Michael & Scott style intrusive singly linked
// list with a dummy head node, generalized from the single-producer
// cursor/sequence designs in the pack (JoshuaSkootsky wait-free-write-
// buffer, gravitational-teleport/concurrentqueue) to the multi-producer
// case the spec requires: producers CAS the tail pointer forward, the
// single consumer walks from head without any synchronization against
// other consumers since there are none.
type TaskQueue struct {
	head atomic.Pointer[taskNode]
	tail atomic.Pointer[taskNode]
}

type taskNode struct {
	next atomic.Pointer[taskNode]
	fn   func()
}

// NewTaskQueue returns an empty queue ready for concurrent Push and
// single-consumer Drain.
func NewTaskQueue() *TaskQueue {
	dummy := &taskNode{}
	q := &TaskQueue{}
	q.head.Store(dummy)
	q.tail.Store(dummy)
	return q
}

// Push enqueues fn. Safe for concurrent use by any number of goroutines.
func (q *TaskQueue) Push(fn func()) {
	n := &taskNode{fn: fn}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tail, n)
				return
			}
		} else {
			// Tail fell behind; help it along before retrying.
			q.tail.CompareAndSwap(tail, next)
		}
	}
}

// pop removes and returns the head action, or (nil, false) if the queue
// was empty at the moment of the call. Must only be called from the
// single consumer (the event-loop thread).
func (q *TaskQueue) pop() (func(), bool) {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return nil, false
	}
	q.head.Store(next)
	fn := next.fn
	next.fn = nil
	return fn, true
}

// Drain runs every task currently queued, in FIFO order, and returns the
// count executed. Used by the event loop's busy phase (spec §4.3 step 1
// "run all ready user tasks"). A task enqueued by Push concurrently with
// a Drain may or may not be observed by that Drain call; it is always
// observed by a subsequent one.
func (q *TaskQueue) Drain() int {
	n := 0
	for {
		fn, ok := q.pop()
		if !ok {
			return n
		}
		fn()
		n++
	}
}

// Empty reports whether no tasks are currently queued. Racy with
// concurrent Push by design: EventLoop.Run checks it after publishing the
// next deadline and before blocking, and a Push not yet visible there is
// covered by that producer's own eventfd write.
func (q *TaskQueue) Empty() bool {
	head := q.head.Load()
	return head.next.Load() == nil
}
