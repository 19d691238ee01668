package subscription

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Add after Destroy.
var ErrQueueClosed = errors.New("partitioned queue closed")

// PartitionedQueue runs tasks sequentially per key and concurrently across keys.
// Add blocks while the number of unfinished tasks reaches the limit.
type PartitionedQueue struct {
	slots chan struct{}

	mu     sync.Mutex
	lanes  map[string][]func()
	closed bool
	wg     sync.WaitGroup
}

// NewPartitionedQueue bounds unfinished tasks to maxPending.
func NewPartitionedQueue(maxPending int) *PartitionedQueue {
	if maxPending <= 0 {
		maxPending = 1
	}
	return &PartitionedQueue{
		slots: make(chan struct{}, maxPending),
		lanes: make(map[string][]func()),
	}
}

// Add schedules task behind every earlier task with the same key.
func (q *PartitionedQueue) Add(ctx context.Context, key string, task func()) error {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		<-q.slots
		return ErrQueueClosed
	}
	q.wg.Add(1)
	lane, running := q.lanes[key]
	q.lanes[key] = append(lane, task)
	if !running {
		go q.drain(key)
	}
	return nil
}

func (q *PartitionedQueue) drain(key string) {
	for {
		q.mu.Lock()
		lane := q.lanes[key]
		if len(lane) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		task := lane[0]
		lane[0] = nil
		q.lanes[key] = lane[1:]
		q.mu.Unlock()

		task()
		<-q.slots
		q.wg.Done()
	}
}

// Pending returns the number of unfinished tasks.
func (q *PartitionedQueue) Pending() int { return len(q.slots) }

// Wait blocks until every task added so far has finished.
func (q *PartitionedQueue) Wait() { q.wg.Wait() }

// Destroy rejects new tasks and waits for the queued ones.
func (q *PartitionedQueue) Destroy() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
