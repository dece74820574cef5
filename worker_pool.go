package elbus

import (
	"context"
	"errors"
	"sync"

	"github.com/creachadair/taskgroup"
)

// DefaultWorkers is the default worker pool size.
const DefaultWorkers = 4

// ErrPoolClosed is returned by Submit after the pool was closed.
var ErrPoolClosed = errors.New("elbus: worker pool closed")

// WorkerPool runs tasks on a fixed number of goroutines.
type WorkerPool struct {
	tasks chan func()
	done  chan struct{}
	g     *taskgroup.Group
	size  int

	closeOnce sync.Once
	onPanic   func(any)
}

// NewWorkerPool starts a pool with size workers. A size of zero or less
// uses DefaultWorkers.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = DefaultWorkers
	}
	p := &WorkerPool{
		tasks: make(chan func()),
		done:  make(chan struct{}),
		g:     taskgroup.New(nil),
		size:  size,
	}
	for range size {
		p.g.Go(p.worker)
	}
	return p
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int {
	return p.size
}

// OnPanic sets a function called with the recovered value when a task panics.
// It must be set before tasks are submitted.
func (p *WorkerPool) OnPanic(fn func(any)) {
	p.onPanic = fn
}

func (p *WorkerPool) worker() error {
	for {
		select {
		case <-p.done:
			return nil
		case task := <-p.tasks:
			p.run(task)
		}
	}
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(r)
		}
	}()
	task()
}

// Submit hands task to a free worker. It blocks until a worker takes the
// task, ctx ends or the pool is closed.
func (p *WorkerPool) Submit(ctx context.Context, task func()) error {
	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit hands task to a worker only if one is idle right now.
func (p *WorkerPool) TrySubmit(task func()) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Close stops the workers and waits for running tasks to finish.
func (p *WorkerPool) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return p.g.Wait()
}
