// ============================================================================
// procjournal Worker Pool - Background Run Resumption
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Fixed set of Worker goroutines resuming runs handed to Submit
//
// Architecture:
//   ┌─────────────┐
//   │   Driver    │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool()        - create channels
//   2. Start(n)         - start n Worker goroutines
//   3. Submit(task)     - queue a run
//   4. ReceiveResult()  - read one Result
//   5. Stop()           - close stopCh, wait for in-flight resumptions
//
// taskCh is never closed. Workers and Submit both select on stopCh, so a
// Submit racing Stop returns ErrPoolClosed instead of sending on a closed
// channel.
//
// ============================================================================

package worker

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/procjournal/internal/logging"
)

var log = logging.Component("worker")

var (
	// ErrPoolClosed indicates the pool was stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted indicates Submit before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool manages the resumption workers.
type Pool struct {
	runner   Runner
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool creates a pool whose workers resume runs through runner.
func NewPool(runner Runner, bufferSize int) *Pool {
	return &Pool{
		runner:   runner,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.runner, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit queues a task. It blocks while the buffer is full.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult returns the next result, or ErrPoolClosed once the pool stopped.
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result := <-p.resultCh:
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop signals the workers and waits for in-flight resumptions to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
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
