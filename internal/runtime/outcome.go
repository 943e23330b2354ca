package runtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/procjournal/pkg/types"
)

// OutcomeState tags an Outcome.
type OutcomeState int

const (
	OutcomeReady     OutcomeState = iota // value available
	OutcomeSuspended                     // waiting on at least one effect
	OutcomeFailed                        // effect (or group) resolved with an error
)

func (s OutcomeState) String() string {
	switch s {
	case OutcomeReady:
		return "ready"
	case OutcomeSuspended:
		return "suspended"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("OutcomeState(%d)", int(s))
}

// Outcome is the tagged result of an effect call.
type Outcome struct {
	State     OutcomeState
	EffectIDs []types.EffectID
	Value     json.RawMessage
	err       error
}

func ready(ids []types.EffectID, value json.RawMessage) Outcome {
	return Outcome{State: OutcomeReady, EffectIDs: ids, Value: value}
}

func suspended(ids ...types.EffectID) Outcome {
	return Outcome{State: OutcomeSuspended, EffectIDs: ids}
}

func failed(ids []types.EffectID, err error) Outcome {
	return Outcome{State: OutcomeFailed, EffectIDs: ids, err: err}
}

// Ready reports whether a value is available.
func (o Outcome) Ready() bool { return o.State == OutcomeReady }

// Suspended reports whether the call is waiting on an effect.
func (o Outcome) Suspended() bool { return o.State == OutcomeSuspended }

// Err returns the raised error of a failed outcome, nil otherwise.
func (o Outcome) Err() error { return o.err }

// Decode unmarshals the value of a ready outcome.
func (o Outcome) Decode(v any) error {
	if o.State != OutcomeReady {
		return fmt.Errorf("runtime: decode %s outcome", o.State)
	}
	if len(o.Value) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(o.Value, v)
}

// Result collapses the outcome for straight-line process code:
// ErrSuspended when suspended, the effect error when failed, otherwise Decode(v).
//
//	if err := pc.Task(spec).Result(&out); err != nil {
//		return nil, err
//	}
func (o Outcome) Result(v any) error {
	switch o.State {
	case OutcomeSuspended:
		return ErrSuspended
	case OutcomeFailed:
		return o.err
	}
	return o.Decode(v)
}

// Errors returns the individual errors of a failed group outcome.
func (o Outcome) Errors() []error {
	if o.err == nil {
		return nil
	}
	if j, ok := o.err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{o.err}
}

// joinErrors keeps the single error unwrapped so errors.As on one failure stays trivial.
func joinErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}
