// ============================================================================
// procjournal Recovery Test Suite
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Purpose: End-to-end restart behavior on the SQLite stack
//
// Every phase builds a fresh stack (journal backend, approval store sharing
// the journal database, dispatcher, controller) on the same database file,
// the way a restarted process would. Nothing survives between phases except
// the file.
//
// TestRestartResumesFromJournal:
//   1. phase A runs two work effects and stops at a breakpoint
//   2. the approval is decided while no process is running
//   3. phase B resumes; work effects are replayed, not re-executed
//
// TestRestartWithPendingEffectManualPolicy:
//   1. phase A appends EFFECT_REQUESTED and "crashes" before dispatch
//   2. phase B under the manual policy reports needs_intervention
//   3. an operator resolution lets phase C continue to the breakpoint
//
// ============================================================================

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/procjournal/internal/approval"
	"github.com/ChuLiYu/procjournal/internal/breakpoint"
	"github.com/ChuLiYu/procjournal/internal/controller"
	"github.com/ChuLiYu/procjournal/internal/dispatch"
	"github.com/ChuLiYu/procjournal/internal/executor"
	"github.com/ChuLiYu/procjournal/internal/journal"
	"github.com/ChuLiYu/procjournal/internal/metrics"
	"github.com/ChuLiYu/procjournal/internal/runtime"
	"github.com/ChuLiYu/procjournal/internal/state"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// stack is one process lifetime.
type stack struct {
	backend   *journal.SQLiteBackend
	approvals *approval.SQLite
	ctrl      *controller.Controller
	close     func()
}

type env struct {
	t        *testing.T
	dbPath   string
	snapDir  string
	registry *runtime.Registry
	work     atomic.Int32
}

func newEnv(t *testing.T) *env {
	dir := t.TempDir()
	e := &env{
		t:        t,
		dbPath:   filepath.Join(dir, "procjournal.db"),
		snapDir:  filepath.Join(dir, "snapshots"),
		registry: runtime.NewRegistry(),
	}
	e.registry.MustRegister(runtime.Process{ID: "pipeline", Revision: "1", Fn: pipeline})
	return e
}

// pipeline runs two work steps and asks for approval before finishing.
func pipeline(pc *runtime.Context, _ json.RawMessage) (any, error) {
	var a, b int
	if err := pc.Task(runtime.TaskSpec{Key: "step-a", Kind: "work", Inputs: 1}).Result(&a); err != nil {
		return nil, err
	}
	if err := pc.Task(runtime.TaskSpec{Key: "step-b", Kind: "work", Inputs: a + 1}).Result(&b); err != nil {
		return nil, err
	}
	var verdict runtime.BreakpointDecision
	if err := pc.Breakpoint("publish", runtime.BreakpointRequest{Question: fmt.Sprintf("Publish %d?", b)}).Result(&verdict); err != nil {
		return nil, err
	}
	return map[string]any{"value": b, "by": verdict.DecidedBy}, nil
}

func (e *env) start(policy controller.PendingPolicy) *stack {
	e.t.Helper()
	backend, err := journal.NewSQLiteBackend(e.dbPath)
	require.NoError(e.t, err)
	approvals, err := approval.NewSQLite(backend.DB())
	require.NoError(e.t, err)

	table := dispatch.NewTable()
	table.MustRegister("work", executor.Func(func(_ context.Context, in json.RawMessage) (any, error) {
		e.work.Add(1)
		var n int
		if err := json.Unmarshal(in, &n); err != nil {
			return nil, err
		}
		return n * 10, nil
	}))
	table.MustRegister(types.KindBreakpoint, breakpoint.NewCoordinator(approvals, breakpoint.ModeDeferred,
		breakpoint.WithPolling(5*time.Millisecond, 20*time.Millisecond)))

	d, err := dispatch.New(table, dispatch.WithWorkers(2), dispatch.WithTimeout(5*time.Second))
	require.NoError(e.t, err)

	ctrl, err := controller.NewController(controller.Config{
		Backend:       backend,
		Registry:      e.registry,
		Dispatcher:    d,
		PendingPolicy: policy,
		SnapshotDir:   e.snapDir,
		Metrics:       metrics.NewCollector(nil),
	})
	require.NoError(e.t, err)

	closed := false
	s := &stack{backend: backend, approvals: approvals, ctrl: ctrl}
	s.close = func() {
		if closed {
			return
		}
		closed = true
		d.Close()
		require.NoError(e.t, backend.Close())
	}
	e.t.Cleanup(s.close)
	return s
}

func eventTypes(t *testing.T, s *stack, runID types.RunID) []journal.EventType {
	t.Helper()
	records, err := s.ctrl.Events(context.Background(), runID)
	require.NoError(t, err)
	out := make([]journal.EventType, 0, len(records))
	for _, r := range records {
		out = append(out, r.Event.Type)
	}
	return out
}

func TestRestartResumesFromJournal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Phase A: run until the breakpoint blocks.
	a := e.start(controller.PolicyRetryIdempotent)
	runID, err := a.ctrl.CreateRun(ctx, controller.CreateRequest{RunID: "p-1", ProcessID: "pipeline"})
	require.NoError(t, err)
	it, err := a.ctrl.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, controller.OutcomeWaiting, it.Outcome)
	assert.Equal(t, int32(2), e.work.Load())
	before := eventTypes(t, a, runID)
	a.close()

	// Between lifetimes: a reviewer decides through a separate handle on the same file.
	reviewer, err := approval.OpenSQLite(e.dbPath)
	require.NoError(t, err)
	pending, err := reviewer.List(ctx, breakpoint.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Publish 110?", pending[0].Question)
	_, err = reviewer.Decide(ctx, pending[0].ID, breakpoint.Decision{Approved: true, DecidedBy: "grace"})
	require.NoError(t, err)
	require.NoError(t, reviewer.Close())

	// Phase B: a new process finishes the run without repeating work.
	b := e.start(controller.PolicyRetryIdempotent)
	it, err = b.ctrl.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, it.Status)
	assert.JSONEq(t, `{"value":110,"by":"grace"}`, string(it.Output))
	assert.Equal(t, int32(2), e.work.Load(), "resolved effects are replayed from the journal")

	after := eventTypes(t, b, runID)
	assert.Equal(t, before, after[:len(before)], "history is append-only across restarts")
	assert.Equal(t, journal.EventRunCompleted, after[len(after)-1])

	n, err := b.ctrl.Verify(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, len(after), n)

	// The breakpoint approval was reused, not recreated.
	all, err := b.approvals.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRestartWithPendingEffectManualPolicy(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Phase A: append the first request, then stop before dispatching it.
	a := e.start(controller.PolicyManual)
	runID, err := a.ctrl.CreateRun(ctx, controller.CreateRequest{RunID: "p-2", ProcessID: "pipeline"})
	require.NoError(t, err)
	crashAfterRequest(t, a, runID)
	a.close()
	require.Equal(t, int32(0), e.work.Load())

	// Phase B: the manual policy refuses to guess whether the work ran.
	b := e.start(controller.PolicyManual)
	it, err := b.ctrl.Iterate(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, controller.OutcomeNeedsIntervention, it.Outcome)
	require.Len(t, it.NeedsIntervention, 1)
	assert.Equal(t, int32(0), e.work.Load())

	// The operator knows step-a did run and records its result.
	require.NoError(t, b.ctrl.ResolveEffect(ctx, runID, it.NeedsIntervention[0],
		dispatch.Resolution{Status: types.ResultOK, Result: json.RawMessage(`10`)}))
	err = b.ctrl.ResolveEffect(ctx, runID, it.NeedsIntervention[0], dispatch.Resolution{Status: types.ResultOK})
	assert.ErrorIs(t, err, controller.ErrNotPending)
	b.close()

	// Phase C: the run continues from the operator's answer.
	c := e.start(controller.PolicyManual)
	it, err = c.ctrl.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, controller.OutcomeWaiting, it.Outcome)
	assert.Equal(t, int32(1), e.work.Load(), "only step-b executed")

	pending, err := c.approvals.List(ctx, breakpoint.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Publish 110?", pending[0].Question)
}

// crashAfterRequest executes the process once and appends its requests without
// dispatching them, leaving the journal as a crash right after the append would.
func crashAfterRequest(t *testing.T, s *stack, runID types.RunID) {
	t.Helper()
	ctx := context.Background()
	store, err := s.backend.Open(ctx, runID)
	require.NoError(t, err)
	defer store.Close()
	j, err := journal.Open(ctx, store)
	require.NoError(t, err)

	proj, err := state.Project(j.Records())
	require.NoError(t, err)
	exec, err := runtime.Execute(ctx, runtime.Env{
		RunID:      runID,
		Projection: proj,
		Appender:   j,
		Blobs:      store,
	}, runtime.Process{ID: "pipeline", Revision: "1", Fn: pipeline}, nil)
	require.NoError(t, err)
	require.Equal(t, runtime.ExecSuspended, exec.Status)
	require.Len(t, exec.Requested, 1)
}
