// ============================================================================
// Dispatch Worker - effect execution unit
// ============================================================================
//
// Each worker is a goroutine draining the pool's task channel:
//   1. receive a task (blocking)
//   2. derive the execution context (per-effect timeout when set)
//   3. run the handler, recovering a panic into an ExecutorPanic resolution
//   4. reply on the task's own channel
// until the task channel is closed.
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/procjournal/pkg/types"
)

// handler executes one request inside a worker.
type handler func(ctx context.Context, req Request) (Resolution, error)

// Worker is one execution goroutine of the pool.
type Worker struct {
	id     int
	taskCh <-chan Task
	handle handler
}

func newWorker(id int, taskCh <-chan Task, handle handler) *Worker {
	return &Worker{id: id, taskCh: taskCh, handle: handle}
}

// Run processes tasks until the task channel is closed.
func (w *Worker) Run() {
	for task := range w.taskCh {
		task.reply <- w.execute(task)
	}
}

func (w *Worker) execute(task Task) Result {
	start := time.Now()
	parent := task.Ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := parent, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
	}
	res, err := w.safeHandle(ctx, task.Request)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil
	cancel()

	return Result{
		EffectID:   task.Request.EffectID,
		Resolution: res,
		Err:        err,
		TimedOut:   timedOut,
		Cancelled:  parent.Err() != nil,
		Duration:   time.Since(start),
	}
}

func (w *Worker) safeHandle(ctx context.Context, req Request) (res Resolution, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("executor panic", "worker", w.id, "effectID", req.EffectID, "kind", req.Kind, "panic", r)
			res = Resolution{
				Status: types.ResultError,
				Error: &types.ErrorInfo{
					Name:    types.ErrNameExecutorPanic,
					Message: fmt.Sprintf("panic: %v", r),
					Stack:   string(debug.Stack()),
				},
			}
			err = nil
		}
	}()
	return w.handle(ctx, req)
}
