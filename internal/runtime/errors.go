package runtime

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/procjournal/pkg/types"
)

var (
	// ErrSuspended is returned by process functions that stop at a pending effect.
	ErrSuspended = errors.New("runtime: suspended on pending effect")

	// ErrProcessNotFound indicates no process is registered under the id
	ErrProcessNotFound = errors.New("runtime: process not found")

	// ErrProcessExists indicates a second registration under the same id
	ErrProcessExists = errors.New("runtime: process already registered")

	// ErrMissingKey indicates a task call without a stable key
	ErrMissingKey = errors.New("runtime: task key is required")
)

// EffectError is a failed effect outcome raised at its call site.
type EffectError struct {
	EffectID types.EffectID
	Key      string
	Info     types.ErrorInfo
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("effect %s (%s) failed: %s", e.Key, e.EffectID, e.Info.Error())
}

// Name returns the structured error name, e.g. "Rejected".
func (e *EffectError) Name() string { return e.Info.Name }

// IsRejected reports whether err is a rejected breakpoint.
func IsRejected(err error) bool {
	var ee *EffectError
	return errors.As(err, &ee) && ee.Info.Name == types.ErrNameRejected
}

// NondeterminismError reports a replay that reached a recorded call site with different
// arguments. The resumption is abandoned without writing anything.
type NondeterminismError struct {
	InvocationKey string
	EffectID      types.EffectID
	Field         string
	Recorded      string
	Replayed      string
}

func (e *NondeterminismError) Error() string {
	return fmt.Sprintf("runtime: nondeterministic replay at %s (effect %s): %s recorded %q, replayed %q",
		e.InvocationKey, e.EffectID, e.Field, e.Recorded, e.Replayed)
}
