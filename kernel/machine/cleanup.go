package machine

import "sync/atomic"

const cleanupSlots = 8

// Cleanup is an action deferred past a switch. It runs on the core that
// completed the switch, before any code of the incoming context.
type Cleanup func(c *Core)

// CleanupQueue is a fixed-size FIFO of deferred actions, one per core.
// Only the thread of control currently holding the core touches it: the
// outgoing context pushes, the incoming one drains.
type CleanupQueue struct {
	_     [0]func() // prevent accidental copying.
	head  atomic.Uint32
	tail  atomic.Uint32
	slots [cleanupSlots]Cleanup
}

// TryPush enqueues fn, returning false if the queue is full.
func (q *CleanupQueue) TryPush(fn Cleanup) bool {
	head := q.head.Load()
	if head-q.tail.Load() >= cleanupSlots {
		return false
	}
	q.slots[head%cleanupSlots] = fn
	q.head.Store(head + 1)
	return true
}

// Push enqueues fn. A full queue means a switch never drained it, which is a fault.
func (q *CleanupQueue) Push(fn Cleanup) {
	if !q.TryPush(fn) {
		panic("machine: cleanup queue overflow")
	}
}

// TryPop dequeues the oldest action, returning false if empty.
func (q *CleanupQueue) TryPop() (Cleanup, bool) {
	tail := q.tail.Load()
	if tail == q.head.Load() {
		return nil, false
	}
	fn := q.slots[tail%cleanupSlots]
	q.slots[tail%cleanupSlots] = nil
	q.tail.Store(tail + 1)
	return fn, true
}

// Len returns the number of pending actions.
func (q *CleanupQueue) Len() int {
	return int(q.head.Load() - q.tail.Load())
}

// Drain runs pending actions in FIFO order on c, including any they push.
func (q *CleanupQueue) Drain(c *Core) {
	for {
		fn, ok := q.TryPop()
		if !ok {
			return
		}
		fn(c)
	}
}
