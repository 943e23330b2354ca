package runtime

// ============================================================================
// Effect interception
// Every effect call is looked up in the ledger by invocation key:
//   resolved ok    -> Ready(cached value), no new event
//   resolved error -> Failed(EffectError) raised at the call site
//   pending        -> Suspended
//   new            -> EFFECT_REQUESTED appended, then Suspended
// After the first Suspended every later call is Suspended with no side effect.
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ChuLiYu/procjournal/internal/journal"
	"github.com/ChuLiYu/procjournal/internal/state"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// Appender is the write side the runtime needs. *journal.Journal satisfies it.
type Appender interface {
	Append(ctx context.Context, p journal.Payload) (journal.Record, error)
}

// TaskSpec describes one effect call.
type TaskSpec struct {
	// Key is the caller-supplied stable identity of the call site within the process.
	Key    string
	Kind   string
	Label  string
	TaskID string // defaults to Key
	Def    any    // task definition, stored as taskDefRef
	Inputs any    // stored as inputsRef
}

// BreakpointRequest is the definition of a breakpoint effect.
type BreakpointRequest struct {
	Question    string   `json:"question"`
	Context     any      `json:"context,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// BreakpointDecision is the result of an approved breakpoint.
type BreakpointDecision struct {
	Approved  bool   `json:"approved"`
	Comment   string `json:"comment,omitempty"`
	DecidedBy string `json:"decidedBy,omitempty"`
}

// Context is handed to a process function for one execution.
type Context struct {
	ctx       context.Context
	runID     types.RunID
	processID string
	ledger    *state.Ledger
	appender  Appender
	blobs     journal.BlobStore
	newID     func() types.EffectID

	store     map[string]json.RawMessage // process-local state as replayed so far
	stateSets map[string]int
	keys      map[string]bool
	calls     int

	suspended bool
	fatal     error
	pending   []types.EffectID
	requested []journal.EffectRequested
}

func newEffectID() types.EffectID {
	return types.EffectID(uuid.Must(uuid.NewV7()).String())
}

// RunID returns the id of the run being executed.
func (c *Context) RunID() types.RunID { return c.runID }

// Context returns the context of the current resumption.
func (c *Context) Context() context.Context { return c.ctx }

// Suspended reports whether this execution has stopped at a pending effect.
func (c *Context) Suspended() bool { return c.suspended }

// Task performs (or replays) one effect.
func (c *Context) Task(spec TaskSpec) Outcome {
	if c.suspended || c.fatal != nil {
		return suspended()
	}
	call, err := c.prepare(spec)
	if err != nil {
		return failed(nil, err)
	}
	if out, done := c.replay(call); done {
		return out
	}
	if err := c.request(call); err != nil {
		c.abort(err)
		return suspended()
	}
	c.suspended = true
	return suspended(call.effectID)
}

// Parallel fans out several effects at once. New requests are all appended before the
// group suspends, so every branch reaches the dispatcher in the same resumption.
// The group is Ready only when every branch is ok; Failed joins every branch error
// once all branches are resolved.
func (c *Context) Parallel(specs ...TaskSpec) Outcome {
	if c.suspended || c.fatal != nil {
		return suspended()
	}
	calls := make([]*call, 0, len(specs))
	for _, spec := range specs {
		call, err := c.prepare(spec)
		if err != nil {
			return failed(nil, err)
		}
		calls = append(calls, call)
	}

	var (
		ids      []types.EffectID
		values   []json.RawMessage
		errs     []error
		waiting  []types.EffectID
		newCalls []*call
	)
	// Pass 1: look everything up before writing anything.
	for _, call := range calls {
		if c.fatal != nil {
			return suspended()
		}
		eff, found := c.ledger.Lookup(call.invocationKey)
		if !found {
			newCalls = append(newCalls, call)
			continue
		}
		out, _ := c.fromLedger(call, eff)
		switch out.State {
		case OutcomeReady:
			ids = append(ids, eff.EffectID)
			values = append(values, out.Value)
		case OutcomeFailed:
			ids = append(ids, eff.EffectID)
			errs = append(errs, out.err)
		case OutcomeSuspended:
			if c.fatal != nil {
				return suspended()
			}
			waiting = append(waiting, eff.EffectID)
		}
	}
	// Pass 2: append the new branches.
	for _, call := range newCalls {
		if err := c.request(call); err != nil {
			c.abort(err)
			return suspended()
		}
		waiting = append(waiting, call.effectID)
	}
	if len(waiting) > 0 {
		c.suspended = true
		return suspended(waiting...)
	}
	if len(errs) > 0 {
		return failed(ids, joinErrors(errs))
	}
	group, err := json.Marshal(values)
	if err != nil {
		return failed(ids, err)
	}
	return ready(ids, group)
}

// Breakpoint asks for a human decision. A rejection fails with an EffectError named
// "Rejected".
func (c *Context) Breakpoint(key string, req BreakpointRequest) Outcome {
	return c.Task(TaskSpec{Key: key, Kind: types.KindBreakpoint, Label: key, Def: req})
}

// SetState records value under key in the run's process-local store. It is an effect of
// kind "state", so the value survives resumptions.
func (c *Context) SetState(key string, value any) Outcome {
	n := c.stateSets[key]
	c.stateSets[key] = n + 1
	out := c.Task(TaskSpec{
		Key:    fmt.Sprintf("state/%s/%d", key, n),
		Kind:   types.KindState,
		Label:  key,
		Def:    map[string]string{"key": key},
		Inputs: value,
	})
	if out.Ready() {
		c.store[key] = out.Value
	}
	return out
}

// State decodes the value most recently set under key at this point of the execution.
// It reports false when no earlier SetState for key has resolved. Reads follow replay
// order, so a value set later in the run is never visible early.
func (c *Context) State(key string, v any) (bool, error) {
	raw, ok := c.store[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// ============================================================================
// internals
// ============================================================================

type call struct {
	spec          TaskSpec
	invocationKey string
	stepID        string
	defJSON       []byte
	defRef        string
	inputsJSON    []byte
	inputsRef     string
	effectID      types.EffectID
}

func (c *Context) prepare(spec TaskSpec) (*call, error) {
	if spec.Key == "" {
		return nil, ErrMissingKey
	}
	if spec.Kind == "" {
		return nil, fmt.Errorf("runtime: task %q has no kind", spec.Key)
	}
	invocationKey := c.processID + ":" + spec.Key
	if c.keys[invocationKey] {
		return nil, &EffectError{Key: spec.Key, Info: types.ErrorInfo{
			Name:    types.ErrNameDuplicateKey,
			Message: fmt.Sprintf("task key %q used twice in one execution", spec.Key),
		}}
	}
	c.keys[invocationKey] = true
	c.calls++

	defJSON, err := journal.CanonicalizeValue(spec.Def)
	if err != nil {
		return nil, fmt.Errorf("runtime: task %q definition: %w", spec.Key, err)
	}
	cl := &call{
		spec:          spec,
		invocationKey: invocationKey,
		stepID:        fmt.Sprintf("S%04d", c.calls),
		defJSON:       defJSON,
		defRef:        journal.BlobRef(defJSON),
	}
	if spec.Inputs != nil {
		inputsJSON, err := journal.CanonicalizeValue(spec.Inputs)
		if err != nil {
			return nil, fmt.Errorf("runtime: task %q inputs: %w", spec.Key, err)
		}
		cl.inputsJSON = inputsJSON
		cl.inputsRef = journal.BlobRef(inputsJSON)
	}
	return cl, nil
}

// replay answers a call from the ledger. done is false for calls never seen before.
func (c *Context) replay(cl *call) (Outcome, bool) {
	eff, found := c.ledger.Lookup(cl.invocationKey)
	if !found {
		return Outcome{}, false
	}
	out, _ := c.fromLedger(cl, eff)
	if out.State == OutcomeSuspended {
		c.suspended = true
	}
	return out, true
}

func (c *Context) fromLedger(cl *call, eff *state.Effect) (Outcome, bool) {
	if err := checkDeterminism(cl, eff); err != nil {
		c.abort(err)
		return suspended(), false
	}
	ids := []types.EffectID{eff.EffectID}
	if eff.Pending() {
		c.pending = append(c.pending, eff.EffectID)
		return suspended(eff.EffectID), true
	}
	res := eff.Result
	if res.Status == types.ResultError {
		info := types.ErrorInfo{Name: types.ErrNameExecutor}
		if res.Error != nil {
			info = *res.Error
		}
		return failed(ids, &EffectError{EffectID: eff.EffectID, Key: cl.spec.Key, Info: info}), true
	}
	if res.ResultRef == "" {
		return ready(ids, nil), true
	}
	value, err := c.blobs.GetBlob(c.ctx, res.ResultRef)
	if err != nil {
		c.abort(fmt.Errorf("runtime: load result of %s: %w", eff.EffectID, err))
		return suspended(), false
	}
	return ready(ids, value), true
}

func checkDeterminism(cl *call, eff *state.Effect) error {
	mismatch := func(field, recorded, replayed string) error {
		return &NondeterminismError{InvocationKey: cl.invocationKey, EffectID: eff.EffectID, Field: field, Recorded: recorded, Replayed: replayed}
	}
	switch {
	case eff.Kind != cl.spec.Kind:
		return mismatch("kind", eff.Kind, cl.spec.Kind)
	case eff.TaskDefRef != cl.defRef:
		return mismatch("taskDefRef", eff.TaskDefRef, cl.defRef)
	case eff.InputsRef != cl.inputsRef:
		return mismatch("inputsRef", eff.InputsRef, cl.inputsRef)
	}
	return nil
}

func (c *Context) request(cl *call) error {
	if _, err := c.blobs.PutBlob(c.ctx, cl.defJSON); err != nil {
		return err
	}
	if cl.inputsJSON != nil {
		if _, err := c.blobs.PutBlob(c.ctx, cl.inputsJSON); err != nil {
			return err
		}
	}
	taskID := cl.spec.TaskID
	if taskID == "" {
		taskID = cl.spec.Key
	}
	cl.effectID = c.newID()
	req := journal.EffectRequested{
		EffectID:      cl.effectID,
		InvocationKey: cl.invocationKey,
		StepID:        cl.stepID,
		TaskID:        taskID,
		Kind:          cl.spec.Kind,
		Label:         cl.spec.Label,
		TaskDefRef:    cl.defRef,
		InputsRef:     cl.inputsRef,
	}
	if _, err := c.appender.Append(c.ctx, req); err != nil {
		return err
	}
	c.requested = append(c.requested, req)
	return nil
}

// abort stops the execution; the error is reported by Execute instead of a run outcome.
func (c *Context) abort(err error) {
	if c.fatal == nil {
		c.fatal = err
	}
	c.suspended = true
}
