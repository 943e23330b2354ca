// ============================================================================
// Run Controller
// ============================================================================
//
// Package: internal/controller
//
// The controller drives runs. Each resumption:
//   1. opens the run's journal as its single writer
//   2. projects RunState and the ledger (from a verified snapshot when possible)
//   3. settles effects left pending by earlier resumptions (pending policy)
//   4. invokes the process function once when nothing is outstanding
//   5. dispatches the effects the function requested and appends their resolutions
//   6. saves a snapshot of the new projection
//
// Crash recovery is implicit: every resumption starts from the journal alone.
// A crash before an append loses nothing the journal knew; a crash after
// EFFECT_REQUESTED leaves the effect pending, and step 3 either re-dispatches it
// (idempotent executors under retry-idempotent, resumable executors always) or
// reports it as needing intervention.
//
// Concurrency:
//   - one iteration per run at a time within the process (active map)
//   - runs never share locks; the mutex only guards the active map
//   - Cancel appends RUN_FAILED through the active journal and cancels dispatch
//
// ============================================================================

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/procjournal/internal/dispatch"
	"github.com/ChuLiYu/procjournal/internal/journal"
	"github.com/ChuLiYu/procjournal/internal/logging"
	"github.com/ChuLiYu/procjournal/internal/metrics"
	"github.com/ChuLiYu/procjournal/internal/runtime"
	"github.com/ChuLiYu/procjournal/internal/snapshot"
	"github.com/ChuLiYu/procjournal/internal/state"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

var log = logging.Component("controller")

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrRunBusy indicates an iteration of the run is already in progress in this process
	ErrRunBusy = errors.New("controller: run is busy")

	// ErrRunTerminal indicates the run already ended
	ErrRunTerminal = errors.New("controller: run is terminal")

	// ErrNotPending indicates an external resolution for an effect that is unknown or resolved
	ErrNotPending = errors.New("controller: effect is not pending")

	// ErrRunCancelled is the cancellation cause of an iteration stopped by Cancel
	ErrRunCancelled = errors.New("controller: run cancelled")
)

// ============================================================================
// Configuration
// ============================================================================

// PendingPolicy decides what a resumption does with effects a crash left pending.
type PendingPolicy string

const (
	// PolicyRetryIdempotent re-dispatches effects whose executor declares itself idempotent.
	PolicyRetryIdempotent PendingPolicy = "retry-idempotent"
	// PolicyManual leaves every non-resumable pending effect to an operator.
	PolicyManual PendingPolicy = "manual"
)

// ParsePendingPolicy validates a configured policy. Empty means retry-idempotent.
func ParsePendingPolicy(s string) (PendingPolicy, error) {
	switch PendingPolicy(s) {
	case "", PolicyRetryIdempotent:
		return PolicyRetryIdempotent, nil
	case PolicyManual:
		return PolicyManual, nil
	}
	return "", fmt.Errorf("controller: unknown pending policy %q", s)
}

// Config wires a Controller.
type Config struct {
	Backend       journal.Backend
	Registry      *runtime.Registry
	Dispatcher    *dispatch.Dispatcher
	PendingPolicy PendingPolicy

	// SnapshotDir holds <runId>.snapshot.json files. Empty disables snapshots.
	SnapshotDir string

	// Metrics is optional.
	Metrics *metrics.Collector

	// NewRunID and NewEffectID override UUIDv7 ids (tests).
	NewRunID    func() types.RunID
	NewEffectID func() types.EffectID

	// Clock stamps events. Defaults to time.Now.
	Clock func() time.Time
}

// ============================================================================
// Results
// ============================================================================

// Outcome classifies what an iteration left behind.
type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"          // RUN_COMPLETED appended
	OutcomeFailed            Outcome = "failed"             // RUN_FAILED appended
	OutcomeProgressed        Outcome = "progressed"         // effects resolved, function can run again
	OutcomeWaiting           Outcome = "waiting"            // deferred effects, poll again later
	OutcomeNeedsIntervention Outcome = "needs_intervention" // pending effects an operator must resolve
)

// Iteration reports one resumption.
type Iteration struct {
	RunID             types.RunID      `json:"runId"`
	Status            types.RunStatus  `json:"status"`
	Outcome           Outcome          `json:"outcome"`
	Executed          bool             `json:"executed"`
	Requested         []types.EffectID `json:"requested,omitempty"`
	Resolved          []types.EffectID `json:"resolved,omitempty"`
	Deferred          []types.EffectID `json:"deferred,omitempty"`
	NeedsIntervention []types.EffectID `json:"needsIntervention,omitempty"`
	Output            json.RawMessage  `json:"output,omitempty"`
	Error             *types.ErrorInfo `json:"error,omitempty"`

	ended bool // this iteration appended the terminal event
}

// Terminal reports whether the run ended.
func (it *Iteration) Terminal() bool { return it.Status.Terminal() }

// Blocked reports whether another iteration right now would make no progress.
func (it *Iteration) Blocked() bool {
	return it.Outcome == OutcomeWaiting || it.Outcome == OutcomeNeedsIntervention
}

// CreateRequest opens a run.
type CreateRequest struct {
	RunID     types.RunID // generated when empty
	ProcessID string
	Inputs    json.RawMessage
}

// ============================================================================
// Controller
// ============================================================================

// Controller drives runs against a journal backend.
type Controller struct {
	mu        sync.Mutex
	config    Config
	projector *state.Projector
	active    map[types.RunID]*activeRun
}

type activeRun struct {
	journal *journal.Journal
	cancel  context.CancelCauseFunc
}

// NewController validates config and fills defaults.
func NewController(config Config) (*Controller, error) {
	if config.Backend == nil {
		return nil, fmt.Errorf("controller: journal backend is required")
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("controller: process registry is required")
	}
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("controller: dispatcher is required")
	}
	policy, err := ParsePendingPolicy(string(config.PendingPolicy))
	if err != nil {
		return nil, err
	}
	config.PendingPolicy = policy
	if config.NewRunID == nil {
		config.NewRunID = func() types.RunID { return types.RunID(uuid.Must(uuid.NewV7()).String()) }
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	pr := &state.Projector{}
	if config.Metrics != nil {
		pr.Observer = config.Metrics
	}
	return &Controller{
		config:    config,
		projector: pr,
		active:    make(map[types.RunID]*activeRun),
	}, nil
}

// CreateRun appends RUN_CREATED for a registered process and returns the run id.
func (c *Controller) CreateRun(ctx context.Context, req CreateRequest) (types.RunID, error) {
	proc, err := c.config.Registry.Get(req.ProcessID)
	if err != nil {
		return "", err
	}
	runID := req.RunID
	if runID == "" {
		runID = c.config.NewRunID()
	}

	store, err := c.config.Backend.Create(ctx, runID)
	if err != nil {
		return "", err
	}
	defer store.Close()

	j, err := journal.Open(ctx, store, journal.WithClock(c.config.Clock))
	if err != nil {
		return "", err
	}
	ev := journal.RunCreated{
		RunID:           runID,
		ProcessID:       proc.ID,
		ProcessRevision: proc.Revision,
		Entrypoint:      proc.Entrypoint,
	}
	if len(req.Inputs) > 0 {
		ref, err := putJSON(ctx, store, req.Inputs)
		if err != nil {
			return "", fmt.Errorf("controller: store inputs: %w", err)
		}
		ev.InputsRef = ref
	}
	if _, err := j.Append(ctx, ev); err != nil {
		return "", err
	}
	if c.config.Metrics != nil {
		c.config.Metrics.RecordRunCreated()
	}
	log.Info("Run created", "runID", runID, "processID", proc.ID)
	return runID, nil
}

// Run iterates until the run is terminal or blocked on deferred or unresolvable effects.
func (c *Controller) Run(ctx context.Context, runID types.RunID) (*Iteration, error) {
	for {
		it, err := c.Iterate(ctx, runID)
		if err != nil {
			return it, err
		}
		if it.Terminal() || it.Blocked() {
			return it, nil
		}
		// An iteration that neither executed nor resolved anything would repeat forever.
		if !it.Executed && len(it.Resolved) == 0 {
			return it, nil
		}
		if err := ctx.Err(); err != nil {
			return it, err
		}
	}
}

// Iterate performs one resumption of the run.
func (c *Controller) Iterate(ctx context.Context, runID types.RunID) (*Iteration, error) {
	start := time.Now()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	store, err := c.config.Backend.Open(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	j, err := journal.Open(ctx, store, journal.WithClock(c.config.Clock))
	if err != nil {
		if journal.IsIntegrity(err) {
			log.Error("Journal failed integrity checks", "runID", runID, "error", err)
		}
		return nil, err
	}
	if err := c.enter(runID, j, cancel); err != nil {
		return nil, err
	}
	defer c.leave(runID)

	snap := c.snapshotFor(runID)
	proj, hit, err := c.projector.Project(j.Records(), snap)
	if err != nil {
		log.Error("Projection failed", "runID", runID, "error", err)
		return nil, err
	}
	log.Debug("Run projected", "runID", runID, "events", proj.Events, "snapshot", hit, "duration", time.Since(start))

	it := &Iteration{RunID: runID, Status: proj.State.Status}
	if proj.State.Status.Terminal() {
		it.Outcome = terminalOutcome(proj.State.Status)
		it.Error = proj.State.Error
		return it, nil
	}

	// Step 1: settle what earlier resumptions left pending.
	if pending := proj.Ledger.Pending(); len(pending) > 0 {
		var retry []*state.Effect
		for _, eff := range pending {
			if c.mayRedispatch(eff.Kind) {
				retry = append(retry, eff)
			} else {
				it.NeedsIntervention = append(it.NeedsIntervention, eff.EffectID)
			}
		}
		if len(retry) > 0 {
			log.Info("Re-dispatching pending effects", "runID", runID, "count", len(retry))
			reqs, err := c.requestsFor(ctx, runID, store, retry)
			if err != nil {
				return nil, err
			}
			if err := c.dispatchAndRecord(ctx, j, store, reqs, it); err != nil {
				return it, err
			}
		}
		if err := proj.ApplyAll(j.Records()[proj.Events:]); err != nil {
			return nil, err
		}
	}

	// Step 2: run the function once nothing is outstanding.
	if !proj.State.Status.Terminal() && len(proj.Ledger.Pending()) == 0 {
		if err := c.execute(ctx, j, store, proj, it); err != nil {
			return it, err
		}
	}

	final, err := state.Project(j.Records())
	if err != nil {
		return nil, err
	}
	c.saveSnapshot(snap, final)
	c.finish(it, final)

	log.Info("Iteration finished",
		"runID", runID,
		"outcome", it.Outcome,
		"requested", len(it.Requested),
		"resolved", len(it.Resolved),
		"duration", time.Since(start))
	return it, nil
}

// execute invokes the process function and dispatches what it requested.
func (c *Controller) execute(ctx context.Context, j *journal.Journal, store journal.Store, proj *state.Projection, it *Iteration) error {
	proc, err := c.config.Registry.Get(proj.State.ProcessID)
	if err != nil {
		return err
	}
	var inputs json.RawMessage
	if ref := proj.State.InputsRef; ref != "" {
		if inputs, err = store.GetBlob(ctx, ref); err != nil {
			return fmt.Errorf("controller: load run inputs: %w", err)
		}
	}

	env := runtime.Env{
		RunID:       proj.State.RunID,
		Projection:  proj,
		Appender:    j,
		Blobs:       store,
		NewEffectID: c.config.NewEffectID,
	}
	exec, err := runtime.Execute(ctx, env, proc, inputs)
	if errors.Is(err, journal.ErrTerminal) {
		// Cancelled while the function was running.
		return nil
	}
	if err != nil {
		var nd *runtime.NondeterminismError
		if errors.As(err, &nd) {
			log.Error("Replay diverged from the journal", "runID", proj.State.RunID, "invocationKey", nd.InvocationKey, "field", nd.Field)
		}
		return err
	}
	it.Executed = true

	switch exec.Status {
	case runtime.ExecCompleted:
		ev := journal.RunCompleted{}
		if len(exec.Output) > 0 {
			if ev.OutputRef, err = putJSON(ctx, store, exec.Output); err != nil {
				return fmt.Errorf("controller: store output: %w", err)
			}
		}
		return c.end(ctx, j, ev, it, exec.Output)

	case runtime.ExecFailed:
		return c.end(ctx, j, journal.RunFailed{Error: *exec.Error}, it, nil)
	}

	// Suspended: hand every new request of this execution to the dispatcher.
	reqs := make([]dispatch.Request, 0, len(exec.Requested))
	for _, r := range exec.Requested {
		it.Requested = append(it.Requested, r.EffectID)
		if c.config.Metrics != nil {
			c.config.Metrics.RecordRequested(r.Kind)
		}
		req, err := c.request(ctx, proj.State.RunID, store, r.EffectID, r.InvocationKey, r.StepID, r.TaskID, r.Kind, r.Label, r.TaskDefRef, r.InputsRef)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}
	return c.dispatchAndRecord(ctx, j, store, reqs, it)
}

// end appends the terminal event produced by the function. Losing the race to Cancel is
// not an error.
func (c *Controller) end(ctx context.Context, j *journal.Journal, ev journal.Payload, it *Iteration, output json.RawMessage) error {
	_, err := j.Append(ctx, ev)
	if errors.Is(err, journal.ErrTerminal) {
		return nil
	}
	if err != nil {
		return err
	}
	it.ended = true
	it.Output = output
	return nil
}

// dispatchAndRecord runs reqs concurrently and appends each resolution as it is known.
// Siblings of a failed effect still run to completion.
//
// A Cancelled resolution is recorded only when Cancel stopped the iteration. When the
// caller's context ended instead, the host was interrupted: the effect stays pending and
// ctx.Err() is returned, as if the dispatch never happened.
func (c *Controller) dispatchAndRecord(ctx context.Context, j *journal.Journal, store journal.Store, reqs []dispatch.Request, it *Iteration) error {
	var firstErr error
	completions := c.config.Dispatcher.DispatchAll(ctx, reqs)
	interrupted := ctx.Err() != nil && !errors.Is(context.Cause(ctx), ErrRunCancelled)
	for _, done := range completions {
		id := done.Request.EffectID
		switch {
		case errors.Is(done.Err, dispatch.ErrDeferred):
			it.Deferred = append(it.Deferred, id)
			continue
		case interrupted && cancelledResolution(done.Resolution) && done.Err == nil:
			log.Warn("Dispatch interrupted, effect stays pending", "runID", done.Request.RunID, "effectID", id, "error", ctx.Err())
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			continue
		case done.Err != nil:
			log.Error("Dispatch failed, effect stays pending", "runID", done.Request.RunID, "effectID", id, "error", done.Err)
			if firstErr == nil {
				firstErr = done.Err
			}
			continue
		}
		audited, err := c.record(ctx, j, store, id, done.Request.Kind, done.Resolution)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !audited {
			it.Resolved = append(it.Resolved, id)
		}
	}
	return firstErr
}

func cancelledResolution(res dispatch.Resolution) bool {
	return res.Status == types.ResultError && res.Error != nil && res.Error.Name == types.ErrNameCancelled
}

// record appends EFFECT_RESOLVED. When the run turned terminal meanwhile the event goes to
// the audit side-log instead, and audited is true.
func (c *Controller) record(ctx context.Context, j *journal.Journal, store journal.Store, id types.EffectID, kind string, res dispatch.Resolution) (audited bool, err error) {
	ev, err := resolvedEvent(context.WithoutCancel(ctx), store, id, res)
	if err != nil {
		return false, err
	}
	_, err = j.Append(context.WithoutCancel(ctx), ev)
	if errors.Is(err, journal.ErrTerminal) {
		log.Warn("Resolution arrived after terminal event, writing to audit log", "effectID", id)
		return true, j.AppendAudit(context.WithoutCancel(ctx), ev)
	}
	if err != nil {
		return false, err
	}
	if c.config.Metrics != nil {
		c.config.Metrics.RecordResolved(kind, ev.Status)
	}
	log.Debug("Effect resolved", "effectID", id, "kind", kind, "status", ev.Status)
	return false, nil
}

// resolvedEvent stores the blobs of res and builds the event.
func resolvedEvent(ctx context.Context, store journal.BlobStore, id types.EffectID, res dispatch.Resolution) (journal.EffectResolved, error) {
	ev := journal.EffectResolved{EffectID: id, Status: res.Status, Error: res.Error}
	var err error
	if res.Status == types.ResultOK && len(res.Result) > 0 {
		if ev.ResultRef, err = putJSON(ctx, store, res.Result); err != nil {
			return ev, fmt.Errorf("controller: store result of %s: %w", id, err)
		}
	}
	if len(res.Stdout) > 0 {
		if ev.StdoutRef, err = putText(ctx, store, res.Stdout); err != nil {
			return ev, err
		}
	}
	if len(res.Stderr) > 0 {
		if ev.StderrRef, err = putText(ctx, store, res.Stderr); err != nil {
			return ev, err
		}
	}
	if !res.StartedAt.IsZero() {
		t := res.StartedAt.UTC()
		ev.StartedAt = &t
	}
	if !res.FinishedAt.IsZero() {
		t := res.FinishedAt.UTC()
		ev.FinishedAt = &t
	}
	return ev, nil
}

// ============================================================================
// Operator entry points
// ============================================================================

// Cancel ends the run with RUN_FAILED{Cancelled}. An iteration in progress has its
// dispatch context cancelled; resolutions it still produces go to the audit log.
func (c *Controller) Cancel(ctx context.Context, runID types.RunID, reason string) error {
	msg := "run cancelled"
	if reason != "" {
		msg += ": " + reason
	}
	ev := journal.RunFailed{Error: types.ErrorInfo{Name: types.ErrNameCancelled, Message: msg}}

	c.mu.Lock()
	if ar := c.active[runID]; ar != nil {
		// The iteration holds the writer role; append through its journal. Holding mu
		// keeps the iteration from closing the store underneath.
		_, err := ar.journal.Append(ctx, ev)
		ar.cancel(ErrRunCancelled)
		c.mu.Unlock()
		if errors.Is(err, journal.ErrTerminal) {
			return ErrRunTerminal
		}
		if err == nil {
			c.recordFinished(types.RunFailed)
			log.Info("Run cancelled during iteration", "runID", runID)
		}
		return err
	}
	c.mu.Unlock()

	store, err := c.config.Backend.Open(ctx, runID)
	if err != nil {
		return err
	}
	defer store.Close()
	j, err := journal.Open(ctx, store, journal.WithClock(c.config.Clock))
	if err != nil {
		return err
	}
	if _, err := j.Append(ctx, ev); err != nil {
		if errors.Is(err, journal.ErrTerminal) {
			return ErrRunTerminal
		}
		return err
	}
	c.recordFinished(types.RunFailed)
	log.Info("Run cancelled", "runID", runID)
	return nil
}

// ResolveEffect appends an operator-supplied resolution for a pending effect. A second
// resolution of the same effect fails with ErrNotPending. On a terminal run the
// resolution is kept in the audit log only.
func (c *Controller) ResolveEffect(ctx context.Context, runID types.RunID, effectID types.EffectID, res dispatch.Resolution) error {
	if res.Status == types.ResultError && (res.Error == nil || res.Error.Name == "") {
		return fmt.Errorf("%w: error resolution needs an error name", journal.ErrInvalidPayload)
	}

	c.mu.Lock()
	busy := c.active[runID] != nil
	c.mu.Unlock()
	if busy {
		return ErrRunBusy
	}

	store, err := c.config.Backend.Open(ctx, runID)
	if err != nil {
		return err
	}
	defer store.Close()
	j, err := journal.Open(ctx, store, journal.WithClock(c.config.Clock))
	if err != nil {
		return err
	}
	if !j.IsPending(effectID) {
		return fmt.Errorf("%w: %s", ErrNotPending, effectID)
	}
	proj, err := state.Project(j.Records())
	if err != nil {
		return err
	}
	eff, _ := proj.Ledger.Get(effectID)

	if res.FinishedAt.IsZero() {
		res.FinishedAt = c.config.Clock()
	}
	audited, err := c.record(ctx, j, store, effectID, eff.Kind, res)
	if err != nil {
		return err
	}
	log.Info("Effect resolved externally", "runID", runID, "effectID", effectID, "status", res.Status, "audited", audited)
	return nil
}

// Status projects the run without taking the writer role.
func (c *Controller) Status(ctx context.Context, runID types.RunID) (*state.Projection, error) {
	records, err := c.Events(ctx, runID)
	if err != nil {
		return nil, err
	}
	proj, _, err := c.projector.Project(records, c.snapshotFor(runID))
	return proj, err
}

// Events returns the validated records of a run.
func (c *Controller) Events(ctx context.Context, runID types.RunID) ([]journal.Record, error) {
	store, err := c.config.Backend.OpenReader(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	j, err := journal.Open(ctx, store)
	if err != nil {
		return nil, err
	}
	return j.Records(), nil
}

// Audit returns the audit side-log of a run.
func (c *Controller) Audit(ctx context.Context, runID types.RunID) ([]journal.Event, error) {
	store, err := c.config.Backend.OpenReader(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.ReadAudit(ctx)
}

// Blob loads a referenced payload of a run.
func (c *Controller) Blob(ctx context.Context, runID types.RunID, ref string) ([]byte, error) {
	store, err := c.config.Backend.OpenReader(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.GetBlob(ctx, ref)
}

// Verify re-reads every event of the run, checking checksums, positions and structure.
// It returns the number of valid events.
func (c *Controller) Verify(ctx context.Context, runID types.RunID) (int, error) {
	store, err := c.config.Backend.OpenReader(ctx, runID)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	n, err := journal.Verify(ctx, store)
	if err != nil {
		log.Error("Journal verification failed", "runID", runID, "error", err)
	}
	return n, err
}

// Runs lists the runs of the backend.
func (c *Controller) Runs(ctx context.Context) ([]types.RunID, error) {
	return c.config.Backend.List(ctx)
}

// ============================================================================
// Helpers
// ============================================================================

func (c *Controller) enter(runID types.RunID, j *journal.Journal, cancel context.CancelCauseFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[runID]; busy {
		return ErrRunBusy
	}
	c.active[runID] = &activeRun{journal: j, cancel: cancel}
	return nil
}

func (c *Controller) leave(runID types.RunID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, runID)
}

// mayRedispatch applies the pending policy. Unknown kinds are re-dispatched because the
// dispatcher resolves them as UnknownKind without running anything.
func (c *Controller) mayRedispatch(kind string) bool {
	table := c.config.Dispatcher.Table()
	if _, ok := table.Lookup(kind); !ok {
		return true
	}
	if table.IsResumable(kind) {
		return true
	}
	return c.config.PendingPolicy == PolicyRetryIdempotent && table.IsIdempotent(kind)
}

func (c *Controller) requestsFor(ctx context.Context, runID types.RunID, store journal.BlobStore, effects []*state.Effect) ([]dispatch.Request, error) {
	reqs := make([]dispatch.Request, 0, len(effects))
	for _, e := range effects {
		req, err := c.request(ctx, runID, store, e.EffectID, e.InvocationKey, e.StepID, e.TaskID, e.Kind, e.Label, e.TaskDefRef, e.InputsRef)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func (c *Controller) request(ctx context.Context, runID types.RunID, store journal.BlobStore, id types.EffectID, invocationKey, stepID, taskID, kind, label, defRef, inputsRef string) (dispatch.Request, error) {
	req := dispatch.Request{
		RunID:         runID,
		EffectID:      id,
		InvocationKey: invocationKey,
		StepID:        stepID,
		TaskID:        taskID,
		Kind:          kind,
		Label:         label,
	}
	var err error
	if req.Def, err = store.GetBlob(ctx, defRef); err != nil {
		return req, fmt.Errorf("controller: load definition of %s: %w", id, err)
	}
	if inputsRef != "" {
		if req.Inputs, err = store.GetBlob(ctx, inputsRef); err != nil {
			return req, fmt.Errorf("controller: load inputs of %s: %w", id, err)
		}
	}
	return req, nil
}

func (c *Controller) snapshotFor(runID types.RunID) *snapshot.Manager {
	if c.config.SnapshotDir == "" {
		return nil
	}
	return snapshot.NewManager(filepath.Join(c.config.SnapshotDir, string(runID)+".snapshot.json"))
}

// saveSnapshot is best effort: a lost snapshot only costs a full replay.
func (c *Controller) saveSnapshot(snap *snapshot.Manager, p *state.Projection) {
	if snap == nil {
		return
	}
	if err := state.Save(snap, p); err != nil {
		log.Warn("Failed to save snapshot", "path", snap.GetPath(), "error", err)
	}
}

func (c *Controller) finish(it *Iteration, p *state.Projection) {
	it.Status = p.State.Status
	it.Error = p.State.Error
	if c.config.Metrics != nil {
		c.config.Metrics.SetPending(p.State.Metrics.EffectsPending)
	}
	switch {
	case p.State.Status.Terminal():
		it.Outcome = terminalOutcome(p.State.Status)
		if it.ended {
			c.recordFinished(p.State.Status)
		}
	case len(it.NeedsIntervention) > 0:
		it.Outcome = OutcomeNeedsIntervention
	case len(it.Deferred) > 0:
		it.Outcome = OutcomeWaiting
	default:
		it.Outcome = OutcomeProgressed
	}
}

func (c *Controller) recordFinished(status types.RunStatus) {
	if c.config.Metrics != nil {
		c.config.Metrics.RecordRunFinished(status)
	}
}

func terminalOutcome(s types.RunStatus) Outcome {
	if s == types.RunCompleted {
		return OutcomeCompleted
	}
	return OutcomeFailed
}

func putJSON(ctx context.Context, store journal.BlobStore, raw json.RawMessage) (string, error) {
	canon, err := journal.Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return store.PutBlob(ctx, canon)
}

// putText stores captured output as a JSON string so every blob is a JSON document.
func putText(ctx context.Context, store journal.BlobStore, b []byte) (string, error) {
	raw, err := json.Marshal(string(b))
	if err != nil {
		return "", err
	}
	return store.PutBlob(ctx, raw)
}
