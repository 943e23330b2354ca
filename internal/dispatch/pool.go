// ============================================================================
// Dispatch Pool - concurrent effect executor
// ============================================================================
//
// A fixed set of worker goroutines shares one buffered task channel. Every task carries
// its own reply channel, so concurrent dispatchers never read each other's results.
//
//   Dispatcher --Submit()--> taskCh --> Worker 1..n --> task.reply
//
// Lifecycle:
//   1. NewPool(bufferSize)
//   2. Start(n, handler)
//   3. Submit(ctx, task) -> reply channel
//   4. Stop() closes taskCh; queued tasks still run and reply before workers exit
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/procjournal/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolClosed means the pool was stopped.
	ErrPoolClosed = errors.New("dispatch: worker pool is closed")
	// ErrPoolNotStarted means Submit was called before Start.
	ErrPoolNotStarted = errors.New("dispatch: worker pool not started")
)

// ============================================================================
// Data structures
// ============================================================================

// Task is one effect execution queued on the pool.
type Task struct {
	Ctx     context.Context
	Request Request
	Timeout time.Duration // zero means no per-effect timeout

	reply chan Result
}

// Result is what a worker reports for a task.
type Result struct {
	EffectID   types.EffectID
	Resolution Resolution
	Err        error
	TimedOut   bool // the per-effect timeout fired before the handler returned
	Cancelled  bool // the caller's context was done when the handler returned
	Duration   time.Duration
}

// Pool runs tasks on a fixed number of workers.
type Pool struct {
	workers []*Worker
	taskCh  chan Task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex
}

// ============================================================================
// Lifecycle
// ============================================================================

// NewPool creates a pool whose task channel holds bufferSize queued tasks.
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, bufferSize),
		stopCh:  make(chan struct{}),
	}
}

// Start launches workerCount workers running h.
func (p *Pool) Start(workerCount int, h handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("dispatch: pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, h)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}
	p.started = true
	return nil
}

// Submit queues task and returns the channel its single Result arrives on.
//
// The mutex is held across the send so Stop can never close taskCh underneath it; a full
// queue therefore blocks Stop until the task is accepted or ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) (<-chan Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil, ErrPoolNotStarted
	}
	if p.stopped {
		return nil, ErrPoolClosed
	}
	task.reply = make(chan Result, 1)
	select {
	case p.taskCh <- task:
		return task.reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop closes the pool and waits for every queued task to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Done is closed when the pool stops.
func (p *Pool) Done() <-chan struct{} { return p.stopCh }
