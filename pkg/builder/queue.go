package builder

import (
	"sync"

	"gitlab.elettra.eu/cs/inau/pkg/types"
)

// queue is an unbounded FIFO of jobs. Closing it stops intake but lets
// the consumer drain what was already accepted, which is exactly the
// retirement contract workers rely on.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []types.Job
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends a job; it reports false once the queue is closed.
func (q *queue) push(j types.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, j)
	q.cond.Signal()
	return true
}

// pop blocks until a job is available or the queue is closed and
// drained; ok is false only in the latter case.
func (q *queue) pop() (types.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return types.Job{}, false
	}
	j := q.items[0]
	q.items = q.items[1:]
	return j, true
}

// close stops intake; pending jobs remain poppable.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
