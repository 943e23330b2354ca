package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/ChuLiYu/procjournal/internal/journal"
	"github.com/ChuLiYu/procjournal/internal/state"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// ExecStatus is the result class of one execution of a process function.
type ExecStatus string

const (
	ExecCompleted ExecStatus = "completed" // function returned a value
	ExecFailed    ExecStatus = "failed"    // function returned an error (or panicked)
	ExecSuspended ExecStatus = "suspended" // function stopped at a pending effect
)

// Env is everything one execution reads and writes.
type Env struct {
	RunID      types.RunID
	Projection *state.Projection
	Appender   Appender
	Blobs      journal.BlobStore

	// NewEffectID overrides UUIDv7 effect ids (tests).
	NewEffectID func() types.EffectID
}

// Execution reports what one execution did.
type Execution struct {
	Status    ExecStatus
	Output    json.RawMessage  // ExecCompleted
	Error     *types.ErrorInfo // ExecFailed
	Requested []journal.EffectRequested
	Pending   []types.EffectID // previously requested effects it stopped on
}

// Execute invokes the process function once against the projection.
//
// The returned error is reserved for aborts (nondeterminism, journal or blob failures);
// such an execution must not be turned into a run outcome.
func Execute(ctx context.Context, env Env, proc Process, inputs json.RawMessage) (*Execution, error) {
	newID := env.NewEffectID
	if newID == nil {
		newID = newEffectID
	}
	pc := &Context{
		ctx:       ctx,
		runID:     env.RunID,
		processID: proc.ID,
		ledger:    &env.Projection.Ledger,
		appender:  env.Appender,
		blobs:     env.Blobs,
		newID:     newID,
		store:     make(map[string]json.RawMessage),
		stateSets: make(map[string]int),
		keys:      make(map[string]bool),
	}

	value, runErr := invoke(pc, proc, inputs)

	if pc.fatal != nil {
		return nil, pc.fatal
	}
	exec := &Execution{Requested: pc.requested, Pending: pc.pending}

	// The suspended flag wins over whatever the function returned.
	if pc.suspended {
		exec.Status = ExecSuspended
		return exec, nil
	}
	if errors.Is(runErr, ErrSuspended) {
		return nil, fmt.Errorf("runtime: process %s returned ErrSuspended without a pending effect", proc.ID)
	}
	if runErr != nil {
		exec.Status = ExecFailed
		exec.Error = errorInfo(runErr)
		return exec, nil
	}
	out, err := json.Marshal(value)
	if err != nil {
		exec.Status = ExecFailed
		exec.Error = types.NewErrorInfo(types.ErrNameProcess, fmt.Errorf("marshal output: %w", err))
		return exec, nil
	}
	exec.Status = ExecCompleted
	exec.Output = out
	return exec, nil
}

func invoke(pc *Context, proc Process, inputs json.RawMessage) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return proc.Fn(pc, inputs)
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// errorInfo maps an unhandled process error to the RUN_FAILED description. Effect errors
// keep their own name so a rejected breakpoint fails the run as "Rejected".
func errorInfo(err error) *types.ErrorInfo {
	var ee *EffectError
	if errors.As(err, &ee) {
		info := ee.Info
		info.Message = err.Error()
		return &info
	}
	var pe *panicError
	if errors.As(err, &pe) {
		return &types.ErrorInfo{Name: types.ErrNameProcess, Message: pe.Error(), Stack: pe.stack}
	}
	var info *types.ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	return types.NewErrorInfo(types.ErrNameProcess, err)
}
