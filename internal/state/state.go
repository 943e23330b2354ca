// Package state derives RunState and the effect ledger from a journal.
//
// Everything here is a pure fold over journal events: no clock reads, no randomness,
// no I/O. Projecting the same events twice yields byte-identical JSON.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/procjournal/internal/journal"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// Effect is the ledger entry of one requested effect.
type Effect struct {
	EffectID      types.EffectID     `json:"effectId"`
	InvocationKey string             `json:"invocationKey"`
	StepID        string             `json:"stepId"`
	TaskID        string             `json:"taskId"`
	Kind          string             `json:"kind"`
	Label         string             `json:"label,omitempty"`
	TaskDefRef    string             `json:"taskDefRef"`
	InputsRef     string             `json:"inputsRef,omitempty"`
	Status        types.EffectStatus `json:"status"`
	RequestedAt   time.Time          `json:"requestedAt"`
	RequestSeq    uint64             `json:"requestSeq"`
	Result        *Result            `json:"result,omitempty"`
}

// Result is the resolved outcome of an effect.
type Result struct {
	Status     types.ResultStatus `json:"status"`
	ResultRef  string             `json:"resultRef,omitempty"`
	Error      *types.ErrorInfo   `json:"error,omitempty"`
	StdoutRef  string             `json:"stdoutRef,omitempty"`
	StderrRef  string             `json:"stderrRef,omitempty"`
	StartedAt  *time.Time         `json:"startedAt,omitempty"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
	ResolvedAt time.Time          `json:"resolvedAt"`
	ResolveSeq uint64             `json:"resolveSeq"`
}

// Pending reports whether the effect is requested and unresolved.
func (e *Effect) Pending() bool { return e.Status == types.EffectRequested }

// Ledger indexes effects by id and by invocation key.
type Ledger struct {
	Effects      map[types.EffectID]*Effect `json:"effects"`
	ByInvocation map[string]types.EffectID  `json:"byInvocation"`
	Order        []types.EffectID           `json:"order"`
}

// Get returns the effect with the given id.
func (l *Ledger) Get(id types.EffectID) (*Effect, bool) {
	e, ok := l.Effects[id]
	return e, ok
}

// Lookup returns the effect recorded for an invocation key.
func (l *Ledger) Lookup(invocationKey string) (*Effect, bool) {
	id, ok := l.ByInvocation[invocationKey]
	if !ok {
		return nil, false
	}
	return l.Get(id)
}

// Pending returns unresolved effects in request order.
func (l *Ledger) Pending() []*Effect {
	var out []*Effect
	for _, id := range l.Order {
		if e := l.Effects[id]; e.Pending() {
			out = append(out, e)
		}
	}
	return out
}

// Metrics are counts and times derived from event timestamps.
type Metrics struct {
	StartTime        time.Time  `json:"startTime"`
	EndTime          *time.Time `json:"endTime,omitempty"`
	EffectsRequested int        `json:"effectsRequested"`
	EffectsResolved  int        `json:"effectsResolved"`
	EffectsFailed    int        `json:"effectsFailed"`
	EffectsPending   int        `json:"effectsPending"`
	Events           int        `json:"events"`
}

// RunState is the derived state of one run.
type RunState struct {
	RunID           types.RunID               `json:"runId"`
	ProcessID       string                    `json:"processId"`
	ProcessRevision string                    `json:"processRevision,omitempty"`
	Entrypoint      string                    `json:"entrypoint"`
	Status          types.RunStatus           `json:"status"`
	Iteration       int                       `json:"iteration"`
	InputsRef       string                    `json:"inputsRef,omitempty"`
	OutputRef       string                    `json:"outputRef,omitempty"`
	Error           *types.ErrorInfo          `json:"error,omitempty"`
	Store           map[string]string         `json:"store"`
	Results         map[types.EffectID]string `json:"results"`
	Metrics         Metrics                   `json:"metrics"`
}

// Projection is the pair produced by the fold plus the identity of the prefix it covers.
type Projection struct {
	State        RunState `json:"state"`
	Ledger       Ledger   `json:"ledger"`
	Events       int      `json:"events"`
	LastChecksum string   `json:"lastChecksum"`
	ChainHash    string   `json:"chainHash"`
}

// New returns the projection of an empty journal.
func New() *Projection {
	return &Projection{
		State: RunState{
			Store:   make(map[string]string),
			Results: make(map[types.EffectID]string),
		},
		Ledger: Ledger{
			Effects:      make(map[types.EffectID]*Effect),
			ByInvocation: make(map[string]types.EffectID),
			Order:        []types.EffectID{},
		},
	}
}

// Project folds every record from the start.
func Project(records []journal.Record) (*Projection, error) {
	p := New()
	if err := p.ApplyAll(records); err != nil {
		return nil, err
	}
	return p, nil
}

// ApplyAll folds records in order.
func (p *Projection) ApplyAll(records []journal.Record) error {
	for _, r := range records {
		if err := p.Apply(r); err != nil {
			return err
		}
	}
	return nil
}

// Apply folds one record. Structural violations return *journal.IntegrityError.
func (p *Projection) Apply(r journal.Record) error {
	payload, err := r.Event.Decode()
	if err != nil {
		return err
	}
	fail := func(format string, args ...any) error {
		return &journal.IntegrityError{Seq: r.Seq, Reason: fmt.Sprintf(format, args...)}
	}

	st := &p.State
	if st.Status.Terminal() {
		return fail("%s after terminal event", r.Event.Type)
	}
	if p.Events == 0 && r.Event.Type != journal.EventRunCreated {
		return fail("first event must be RUN_CREATED, got %s", r.Event.Type)
	}

	switch v := payload.(type) {
	case journal.RunCreated:
		if p.Events > 0 {
			return fail("RUN_CREATED appears more than once")
		}
		st.RunID = v.RunID
		st.ProcessID = v.ProcessID
		st.ProcessRevision = v.ProcessRevision
		st.Entrypoint = v.Entrypoint
		st.InputsRef = v.InputsRef
		st.Status = types.RunRunning
		st.Metrics.StartTime = r.Event.RecordedAt

	case journal.EffectRequested:
		if _, dup := p.Ledger.Effects[v.EffectID]; dup {
			return fail("effect %s requested twice", v.EffectID)
		}
		if prev, dup := p.Ledger.ByInvocation[v.InvocationKey]; dup {
			return fail("invocation key %q already used by effect %s", v.InvocationKey, prev)
		}
		p.Ledger.Effects[v.EffectID] = &Effect{
			EffectID:      v.EffectID,
			InvocationKey: v.InvocationKey,
			StepID:        v.StepID,
			TaskID:        v.TaskID,
			Kind:          v.Kind,
			Label:         v.Label,
			TaskDefRef:    v.TaskDefRef,
			InputsRef:     v.InputsRef,
			Status:        types.EffectRequested,
			RequestedAt:   r.Event.RecordedAt,
			RequestSeq:    r.Seq,
		}
		p.Ledger.ByInvocation[v.InvocationKey] = v.EffectID
		p.Ledger.Order = append(p.Ledger.Order, v.EffectID)
		st.Metrics.EffectsRequested++
		st.Metrics.EffectsPending++
		st.Status = types.RunPaused

	case journal.EffectResolved:
		eff, ok := p.Ledger.Effects[v.EffectID]
		if !ok {
			return fail("effect %s resolved without request", v.EffectID)
		}
		if !eff.Pending() {
			return fail("effect %s resolved twice", v.EffectID)
		}
		eff.Status = types.EffectResolved
		eff.Result = &Result{
			Status:     v.Status,
			ResultRef:  v.ResultRef,
			Error:      v.Error,
			StdoutRef:  v.StdoutRef,
			StderrRef:  v.StderrRef,
			StartedAt:  v.StartedAt,
			FinishedAt: v.FinishedAt,
			ResolvedAt: r.Event.RecordedAt,
			ResolveSeq: r.Seq,
		}
		st.Metrics.EffectsResolved++
		st.Metrics.EffectsPending--
		if v.Status == types.ResultOK {
			st.Results[v.EffectID] = v.ResultRef
			if eff.Kind == types.KindState && eff.Label != "" {
				st.Store[eff.Label] = v.ResultRef
			}
		} else {
			st.Metrics.EffectsFailed++
		}
		if st.Metrics.EffectsPending == 0 {
			st.Status = types.RunRunning
			st.Iteration++
		}

	case journal.RunCompleted:
		st.Status = types.RunCompleted
		st.OutputRef = v.OutputRef
		end := r.Event.RecordedAt
		st.Metrics.EndTime = &end

	case journal.RunFailed:
		st.Status = types.RunFailed
		errInfo := v.Error
		st.Error = &errInfo
		end := r.Event.RecordedAt
		st.Metrics.EndTime = &end
	}

	p.Events++
	st.Metrics.Events = p.Events
	p.LastChecksum = r.Event.Checksum
	p.ChainHash = ChainNext(p.ChainHash, r.Event.Checksum)
	return nil
}

// ChainNext extends the running hash of event checksums.
func ChainNext(prev, checksum string) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte{0x00})
	h.Write([]byte(checksum))
	return hex.EncodeToString(h.Sum(nil))
}

// ChainOf returns the chain hash of the first n records.
func ChainOf(records []journal.Record, n int) string {
	chain := ""
	for _, r := range records[:n] {
		chain = ChainNext(chain, r.Event.Checksum)
	}
	return chain
}

// PendingIDs returns the ids of unresolved effects, sorted.
func (p *Projection) PendingIDs() []types.EffectID {
	pending := p.Ledger.Pending()
	ids := make([]types.EffectID, 0, len(pending))
	for _, e := range pending {
		ids = append(ids, e.EffectID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
