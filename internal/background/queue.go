// Package background runs best-effort tasks outside the indexing write path.
package background

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/skyindex/internal/metrics"
	"github.com/and161185/skyindex/internal/repository"
)

// Task is a unit of work bound to the store. Returned errors are logged, never retried.
type Task func(ctx context.Context, store repository.Store) error

// DefaultWorkers is the worker pool size used when Options.Workers is zero.
const DefaultWorkers = 8

// Options configures a Queue.
type Options struct {
	Workers int
	Buffer  int
	Metrics *metrics.Collector
}

// Queue is an unordered task runner with a fixed worker pool.
// Add after Destroy is a silent no-op.
type Queue struct {
	store   repository.Store
	log     *zap.Logger
	metrics *metrics.Collector

	tasks chan Task
	done  chan struct{}

	mu     sync.RWMutex // guards closed and sends on tasks
	closed bool

	pmu     sync.Mutex
	pending int
	idle    chan struct{} // closed while pending == 0
}

// New starts the worker pool. Tasks run with a context detached from Destroy
// so queued work still completes during shutdown.
func New(store repository.Store, log *zap.Logger, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Buffer <= 0 {
		opts.Buffer = opts.Workers * 64
	}
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		store:   store,
		log:     log,
		metrics: opts.Metrics,
		tasks:   make(chan Task, opts.Buffer),
		done:    make(chan struct{}),
		idle:    idle,
	}

	var wg sync.WaitGroup
	wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go func() {
			defer wg.Done()
			for task := range q.tasks {
				q.run(task)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(q.done)
	}()
	return q
}

// Add enqueues task. It blocks while the buffer is full.
func (q *Queue) Add(task Task) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	q.begin()
	q.tasks <- task
}

func (q *Queue) begin() {
	q.pmu.Lock()
	if q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending++
	q.pmu.Unlock()
	q.metrics.BackgroundPending(1)
}

func (q *Queue) finish() {
	q.pmu.Lock()
	q.pending--
	if q.pending == 0 {
		close(q.idle)
	}
	q.pmu.Unlock()
	q.metrics.BackgroundPending(-1)
}

func (q *Queue) run(task Task) {
	defer q.finish()
	defer func() {
		if p := recover(); p != nil {
			q.metrics.BackgroundFailed()
			q.log.Error("background task panicked", zap.Error(fmt.Errorf("panic: %v", p)))
		}
	}()
	if err := task(context.Background(), q.store); err != nil {
		q.metrics.BackgroundFailed()
		q.log.Error("background task failed", zap.Error(err))
	}
}

// ProcessAll blocks until no task is queued or running. The queue keeps accepting work.
func (q *Queue) ProcessAll(ctx context.Context) error {
	q.pmu.Lock()
	idle := q.idle
	q.pmu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy stops accepting tasks and waits until every accepted task has finished.
func (q *Queue) Destroy(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
