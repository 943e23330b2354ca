package executor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ChuLiYu/procjournal/internal/dispatch"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// Func adapts an in-process function. A returned *types.ErrorInfo keeps its name; any
// other error resolves as ExecutorError.
type Func func(ctx context.Context, inputs json.RawMessage) (any, error)

func (f Func) Execute(ctx context.Context, req dispatch.Request) (dispatch.Resolution, error) {
	v, err := f(ctx, req.Inputs)
	if err != nil {
		if ctx.Err() != nil {
			return dispatch.Resolution{}, ctx.Err()
		}
		var info *types.ErrorInfo
		if errors.As(err, &info) {
			return dispatch.Resolution{Status: types.ResultError, Error: info}, nil
		}
		return dispatch.Failure(types.ErrNameExecutor, err.Error()), nil
	}
	return dispatch.OK(v)
}

type idempotent struct{ dispatch.Executor }

func (idempotent) Idempotent() bool { return true }

func (i idempotent) Unwrap() dispatch.Executor { return i.Executor }

// Retryable marks ex as safe to re-run when a crash left its effect pending. The other
// capabilities of ex, such as its timeout, still apply.
func Retryable(ex dispatch.Executor) dispatch.Executor { return idempotent{ex} }
