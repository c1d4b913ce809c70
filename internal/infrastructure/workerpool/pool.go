package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
)

// ErrPoolClosed is returned by Submit after Shutdown
var ErrPoolClosed = errors.New("worker pool is shut down")

// Task is one unit of work. Its context is detached from the submitter's
// cancellation and carries only the submission timeout.
type Task func(ctx context.Context) (any, error)

// Stats is a point-in-time view of pool usage
type Stats struct {
	Workers   int
	Busy      int64
	Queued    int
	Submitted uint64
	Completed uint64
	Abandoned uint64
}

type job struct {
	ctx    context.Context
	task   Task
	future *Future
}

// Pool runs tasks on a fixed set of goroutines
type Pool struct {
	jobs    chan job
	workers int
	wg      sync.WaitGroup

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	busy      atomic.Int64
	submitted atomic.Uint64
	completed atomic.Uint64
	abandoned atomic.Uint64
}

func newPool(workers, queueSize int) *Pool {
	p := &Pool{
		jobs:    make(chan job, queueSize),
		workers: workers,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	ctx, cancel := context.WithDeadline(j.ctx, j.future.deadline)
	defer cancel()

	var (
		value any
		err   error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = apperrors.NewInternalError("task panicked", fmt.Errorf("%v", r))
			}
		}()
		value, err = j.task(ctx)
	}()

	j.future.complete(value, err)
	p.completed.Add(1)
	if j.future.abandoned.Load() {
		p.abandoned.Add(1)
	}
}

// Submit queues task and returns a handle to its result. It blocks while the
// queue is full, bounded by ctx. The timeout starts at submission.
func (p *Pool) Submit(ctx context.Context, task Task, timeout time.Duration) (*Future, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("submit timeout must be positive, got %s", timeout)
	}

	f := &Future{
		done:     make(chan struct{}),
		deadline: time.Now().Add(timeout),
	}
	j := job{
		ctx:    context.WithoutCancel(ctx),
		task:   task,
		future: f,
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	select {
	case p.jobs <- j:
		p.submitted.Add(1)
		return f, nil
	case <-ctx.Done():
		return nil, apperrors.NewTimeoutError("worker pool saturated", ctx.Err())
	}
}

// Shutdown stops accepting work and waits for queued and running tasks
// until ctx ends. Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool drain interrupted with %d busy workers: %w", p.busy.Load(), ctx.Err())
	}
}

// Stats returns current usage counters
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Busy:      p.busy.Load(),
		Queued:    len(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Abandoned: p.abandoned.Load(),
	}
}

// Future is the handle to a submitted task
type Future struct {
	done      chan struct{}
	deadline  time.Time
	value     any
	err       error
	abandoned atomic.Bool
}

func (f *Future) complete(value any, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Await waits for the task result until the submission timeout or ctx ends.
// Giving up does not stop the task; it keeps its worker until it returns.
func (f *Future) Await(ctx context.Context) (any, error) {
	timer := time.NewTimer(time.Until(f.deadline))
	defer timer.Stop()

	select {
	case <-f.done:
		return f.value, f.err
	case <-timer.C:
	case <-ctx.Done():
	}

	// A result that landed together with the deadline still counts
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}

	f.abandoned.Store(true)
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewTimeoutError("stopped waiting for task", err)
	}
	return nil, apperrors.NewTimeoutError("task exceeded its timeout", context.DeadlineExceeded)
}
