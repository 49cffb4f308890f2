// Package queue buffers outbound commands while the agent connection is
// down and hands them to the sender in strict enqueue order.
package queue

import (
	"container/list"
	"sync"

	"github.com/ashureev/agentbridge/internal/wire"
)

// Queue is an ordered buffer of not-yet-sent commands. Enqueue never blocks
// and never drops; entries leave the queue only on a successful send. A
// command popped for a send that then fails must be restored with
// RequeueFront to preserve FIFO order.
type Queue struct {
	mu      sync.Mutex
	entries *list.List
	signal  chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		entries: list.New(),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue appends a command at the tail and wakes the drain loop.
func (q *Queue) Enqueue(cmd wire.Command) {
	q.mu.Lock()
	q.entries.PushBack(cmd)
	q.mu.Unlock()

	q.wake()
}

// PopFront removes and returns the head command. The second return is false
// when the queue is empty.
func (q *Queue) PopFront() (wire.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.entries.Front()
	if front == nil {
		return wire.Command{}, false
	}
	q.entries.Remove(front)
	return front.Value.(wire.Command), true
}

// RequeueFront restores a command at the head after a failed send attempt,
// so the original order survives a connection drop mid-drain.
func (q *Queue) RequeueFront(cmd wire.Command) {
	q.mu.Lock()
	q.entries.PushFront(cmd)
	q.mu.Unlock()

	q.wake()
}

// Len returns the number of buffered commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// Signal returns a channel that receives after entries are added. The
// channel is buffered with capacity 1; a drain loop should re-check the
// queue after each receive.
func (q *Queue) Signal() <-chan struct{} {
	return q.signal
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
