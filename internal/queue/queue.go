package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
)

// ErrClosed is returned by Push after Close and by Pop once a closed queue is empty.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of jobs. Push never blocks; Pop blocks only its caller.
type Queue struct {
	mu     sync.Mutex
	items  []*domain.Job
	wake   chan struct{}
	closed bool
}

func New() *Queue {
	return &Queue{wake: make(chan struct{})}
}

// Push appends job and returns its 1-based position among waiting jobs.
func (q *Queue) Push(job *domain.Job) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	q.items = append(q.items, job)
	q.signalLocked()
	return len(q.items), nil
}

// Pop removes the oldest job, waiting until one is available, the queue is closed and
// drained, or ctx is done.
func (q *Queue) Pop(ctx context.Context) (*domain.Job, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return job, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops admission. Waiting jobs can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}

// Drain removes and returns every waiting job.
func (q *Queue) Drain() []*domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len is the number of waiting jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// signalLocked wakes every waiting Pop by closing the current channel.
func (q *Queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
