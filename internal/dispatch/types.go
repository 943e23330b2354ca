package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ChuLiYu/procjournal/pkg/types"
)

// ErrDeferred is returned by an executor that has no outcome yet. Nothing is resolved and
// the effect stays pending until a later resumption dispatches it again.
var ErrDeferred = errors.New("dispatch: outcome deferred")

// Request is one effect handed to an executor. Def and Inputs are the blobs behind
// taskDefRef and inputsRef.
type Request struct {
	RunID         types.RunID
	EffectID      types.EffectID
	InvocationKey string
	StepID        string
	TaskID        string
	Kind          string
	Label         string
	Def           json.RawMessage
	Inputs        json.RawMessage
}

// Resolution is the terminal outcome of one execution.
type Resolution struct {
	Status     types.ResultStatus
	Result     json.RawMessage  // ok
	Error      *types.ErrorInfo // error
	Stdout     []byte
	Stderr     []byte
	StartedAt  time.Time
	FinishedAt time.Time
}

// OK builds an ok resolution from any JSON-marshalable value.
func OK(v any) (Resolution, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return Resolution{Status: types.ResultOK, Result: raw}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Status: types.ResultOK, Result: data}, nil
}

// Failure builds an error resolution.
func Failure(name, message string) Resolution {
	return Resolution{Status: types.ResultError, Error: &types.ErrorInfo{Name: name, Message: message}}
}

// Executor runs one effect to completion. A returned error other than ErrDeferred is
// recorded as an ExecutorError resolution.
type Executor interface {
	Execute(ctx context.Context, req Request) (Resolution, error)
}

// Idempotent is implemented by executors whose side effect may safely run twice. Only
// those are re-dispatched when a crash left their effect pending.
type Idempotent interface {
	Idempotent() bool
}

// Resumable is implemented by executors whose re-dispatch only re-attaches to an outcome
// held elsewhere, such as a stored approval. They are re-dispatched under every pending policy.
type Resumable interface {
	Resumable() bool
}

// Timeouter overrides the dispatcher's effect timeout for one executor. Zero disables it.
type Timeouter interface {
	Timeout() time.Duration
}

// Wrapper is implemented by executors that decorate another executor. Capability checks
// look through the chain, so a wrapper only has to implement what it changes.
type Wrapper interface {
	Unwrap() Executor
}

// capability returns the first executor of the wrap chain of ex that implements T.
func capability[T any](ex Executor) (T, bool) {
	for ex != nil {
		if c, ok := ex.(T); ok {
			return c, true
		}
		w, ok := ex.(Wrapper)
		if !ok {
			break
		}
		ex = w.Unwrap()
	}
	var zero T
	return zero, false
}

// Guard decides whether an effect may run at all.
type Guard interface {
	Allow(ctx context.Context, req Request) (allowed bool, reason string, err error)
}

// Observer receives one callback per finished execution.
type Observer interface {
	EffectExecuted(kind string, status types.ResultStatus, d time.Duration)
}

// Completion pairs a request with what DispatchAll got for it. Err is ErrDeferred or an
// infrastructure error; Resolution is meaningful only when Err is nil.
type Completion struct {
	Request    Request
	Resolution Resolution
	Err        error
}
