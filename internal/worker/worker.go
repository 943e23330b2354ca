// ============================================================================
// procjournal Worker - Run Resumption Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Each Worker runs in its own goroutine and resumes one run at a time
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task from taskCh         │   │
//   │  │   ├─ Context (deadline opt.) │   │
//   │  │   ├─ runner.Run(runID)       │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// The context is not derived from the pool's lifetime. Stopping the pool lets
// in-flight resumptions finish so that running effects are resolved normally
// rather than as Cancelled.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/procjournal/internal/controller"
)

// Worker represents a work execution unit
type Worker struct {
	id       int
	runner   Runner
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, runner Runner, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		runner:   runner,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker. It returns once stopCh is closed; queued tasks
// that no worker picked up are dropped.
func (w *Worker) Run() {
	for {
		var task Task
		select {
		case <-w.stopCh:
			return
		case task = <-w.taskCh:
		}
		start := time.Now()

		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		it, err := w.execute(ctx, task)
		cancel()

		result := Result{
			RunID:     task.RunID,
			Iteration: it,
			Err:       err,
			Duration:  time.Since(start),
		}

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			log.Debug("Pool stopped, dropping result", "worker", w.id, "runID", task.RunID)
			return
		}
	}
}

// execute converts a panic in the runner into an error so the worker survives it.
func (w *Worker) execute(ctx context.Context, task Task) (it *controller.Iteration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: panic while resuming %s: %v", w.id, task.RunID, r)
		}
	}()
	return w.runner.Run(ctx, task.RunID)
}
