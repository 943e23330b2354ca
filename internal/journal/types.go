package journal

// ============================================================================
// Journal Type Definitions
// Responsibility: the closed set of five event variants and their payloads
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChuLiYu/procjournal/pkg/types"
)

// EventType is the tag of the event union.
type EventType string

const (
	EventRunCreated      EventType = "RUN_CREATED"      // first event, exactly once
	EventEffectRequested EventType = "EFFECT_REQUESTED" // intent to perform a side effect
	EventEffectResolved  EventType = "EFFECT_RESOLVED"  // terminal outcome of one request
	EventRunCompleted    EventType = "RUN_COMPLETED"    // terminal
	EventRunFailed       EventType = "RUN_FAILED"       // terminal
)

// Terminal reports whether the event type ends a run.
func (t EventType) Terminal() bool {
	return t == EventRunCompleted || t == EventRunFailed
}

// Event is one immutable journal record as it appears on the wire.
//
// The position of an event is not part of it; stores assign positions at append time and
// return them alongside the event in a Record.
type Event struct {
	Type       EventType       `json:"type"`
	RecordedAt time.Time       `json:"recordedAt"`
	Data       json.RawMessage `json:"data"`
	Checksum   string          `json:"checksum"`
}

// Record pairs an event with the position the store assigned to it.
type Record struct {
	Seq   uint64
	Event Event
}

// Payload is implemented by exactly the five variant types below.
type Payload interface {
	EventType() EventType
	validate() error
}

// RunCreated opens a run.
type RunCreated struct {
	RunID           types.RunID `json:"runId"`
	ProcessID       string      `json:"processId"`
	ProcessRevision string      `json:"processRevision,omitempty"`
	Entrypoint      string      `json:"entrypoint"`
	InputsRef       string      `json:"inputsRef,omitempty"`
}

// EffectRequested records the intent to perform one side effect.
type EffectRequested struct {
	EffectID      types.EffectID `json:"effectId"`
	InvocationKey string         `json:"invocationKey"`
	StepID        string         `json:"stepId"`
	TaskID        string         `json:"taskId"`
	Kind          string         `json:"kind"`
	Label         string         `json:"label,omitempty"`
	TaskDefRef    string         `json:"taskDefRef"`
	InputsRef     string         `json:"inputsRef,omitempty"`
}

// EffectResolved records the terminal outcome of exactly one prior request.
type EffectResolved struct {
	EffectID   types.EffectID     `json:"effectId"`
	Status     types.ResultStatus `json:"status"`
	ResultRef  string             `json:"resultRef,omitempty"`
	Error      *types.ErrorInfo   `json:"error,omitempty"`
	StdoutRef  string             `json:"stdoutRef,omitempty"`
	StderrRef  string             `json:"stderrRef,omitempty"`
	StartedAt  *time.Time         `json:"startedAt,omitempty"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
}

// RunCompleted ends a run successfully.
type RunCompleted struct {
	OutputRef string `json:"outputRef,omitempty"`
}

// RunFailed ends a run with an error.
type RunFailed struct {
	Error types.ErrorInfo `json:"error"`
}

func (RunCreated) EventType() EventType      { return EventRunCreated }
func (EffectRequested) EventType() EventType { return EventEffectRequested }
func (EffectResolved) EventType() EventType  { return EventEffectResolved }
func (RunCompleted) EventType() EventType    { return EventRunCompleted }
func (RunFailed) EventType() EventType       { return EventRunFailed }

func (p RunCreated) validate() error {
	if p.RunID == "" || p.ProcessID == "" || p.Entrypoint == "" {
		return fmt.Errorf("%w: RUN_CREATED requires runId, processId and entrypoint", ErrInvalidPayload)
	}
	return nil
}

func (p EffectRequested) validate() error {
	if p.EffectID == "" || p.InvocationKey == "" || p.StepID == "" || p.TaskID == "" || p.Kind == "" || p.TaskDefRef == "" {
		return fmt.Errorf("%w: EFFECT_REQUESTED requires effectId, invocationKey, stepId, taskId, kind and taskDefRef", ErrInvalidPayload)
	}
	return nil
}

func (p EffectResolved) validate() error {
	if p.EffectID == "" {
		return fmt.Errorf("%w: EFFECT_RESOLVED requires effectId", ErrInvalidPayload)
	}
	switch p.Status {
	case types.ResultOK:
	case types.ResultError:
		if p.Error == nil || p.Error.Name == "" {
			return fmt.Errorf("%w: EFFECT_RESOLVED with status error requires error.name", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: EFFECT_RESOLVED status %q", ErrInvalidPayload, p.Status)
	}
	return nil
}

func (RunCompleted) validate() error { return nil }

func (p RunFailed) validate() error {
	if p.Error.Name == "" {
		return fmt.Errorf("%w: RUN_FAILED requires error.name", ErrInvalidPayload)
	}
	return nil
}

// NewEvent serializes a payload into an event stamped at the given time.
// RecordedAt is kept in UTC with millisecond precision so it survives a JSON round trip.
func NewEvent(p Payload, at time.Time) (Event, error) {
	if err := p.validate(); err != nil {
		return Event{}, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("journal: marshal %s: %w", p.EventType(), err)
	}
	ev := Event{
		Type:       p.EventType(),
		RecordedAt: at.UTC().Truncate(time.Millisecond),
		Data:       data,
	}
	sum, err := CalculateChecksum(ev)
	if err != nil {
		return Event{}, err
	}
	ev.Checksum = sum
	return ev, nil
}

// Decode returns the typed payload of the event.
func (e Event) Decode() (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch e.Type {
	case EventRunCreated:
		var v RunCreated
		err = json.Unmarshal(e.Data, &v)
		p = v
	case EventEffectRequested:
		var v EffectRequested
		err = json.Unmarshal(e.Data, &v)
		p = v
	case EventEffectResolved:
		var v EffectResolved
		err = json.Unmarshal(e.Data, &v)
		p = v
	case EventRunCompleted:
		var v RunCompleted
		err = json.Unmarshal(e.Data, &v)
		p = v
	case EventRunFailed:
		var v RunFailed
		err = json.Unmarshal(e.Data, &v)
		p = v
	default:
		return nil, &IntegrityError{Reason: fmt.Sprintf("unknown event type %q", e.Type)}
	}
	if err != nil {
		return nil, &CorruptionError{Cause: fmt.Errorf("decode %s data: %w", e.Type, err)}
	}
	if err := p.validate(); err != nil {
		return nil, &IntegrityError{Reason: err.Error()}
	}
	return p, nil
}
