package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/procjournal/internal/journal"
	"github.com/ChuLiYu/procjournal/internal/state"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// harness drives executions against a real file journal.
type harness struct {
	t   *testing.T
	j   *journal.Journal
	ids int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b, err := journal.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	s, err := b.Create(context.Background(), "run-1")
	require.NoError(t, err)
	j, err := journal.Open(context.Background(), s)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	_, err = j.Append(context.Background(), journal.RunCreated{RunID: "run-1", ProcessID: "demo", Entrypoint: "main"})
	require.NoError(t, err)
	return &harness{t: t, j: j}
}

func (h *harness) exec(fn ProcessFunc) (*Execution, error) {
	h.t.Helper()
	p, err := state.Project(h.j.Records())
	require.NoError(h.t, err)
	env := Env{
		RunID:      "run-1",
		Projection: p,
		Appender:   h.j,
		Blobs:      h.j.Store(),
		NewEffectID: func() types.EffectID {
			h.ids++
			return types.EffectID(fmt.Sprintf("e%d", h.ids))
		},
	}
	return Execute(context.Background(), env, Process{ID: "demo", Fn: fn}, nil)
}

func (h *harness) resolveOK(id types.EffectID, value any) {
	h.t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(h.t, err)
	ref, err := h.j.Store().PutBlob(context.Background(), raw)
	require.NoError(h.t, err)
	_, err = h.j.Append(context.Background(), journal.EffectResolved{EffectID: id, Status: types.ResultOK, ResultRef: ref})
	require.NoError(h.t, err)
}

func (h *harness) resolveErr(id types.EffectID, name string) {
	h.t.Helper()
	_, err := h.j.Append(context.Background(), journal.EffectResolved{
		EffectID: id, Status: types.ResultError, Error: &types.ErrorInfo{Name: name, Message: "boom"},
	})
	require.NoError(h.t, err)
}

func (h *harness) requests() int {
	n := 0
	for _, r := range h.j.Records() {
		if r.Event.Type == journal.EventEffectRequested {
			n++
		}
	}
	return n
}

func build(pc *Context, _ json.RawMessage) (any, error) {
	var out struct{ Artifact string }
	if err := pc.Task(TaskSpec{Key: "build", Kind: types.KindShell, Def: map[string]string{"cmd": "make"}}).Result(&out); err != nil {
		return nil, err
	}
	return map[string]string{"artifact": out.Artifact}, nil
}

func TestNewEffectSuspendsAndReplayShortCircuits(t *testing.T) {
	h := newHarness(t)

	exec, err := h.exec(build)
	require.NoError(t, err)
	assert.Equal(t, ExecSuspended, exec.Status)
	require.Len(t, exec.Requested, 1)
	assert.Equal(t, types.EffectID("e1"), exec.Requested[0].EffectID)
	assert.Equal(t, "demo:build", exec.Requested[0].InvocationKey)

	// Crash before resolution: resumption waits on e1 without a second request.
	exec, err = h.exec(build)
	require.NoError(t, err)
	assert.Equal(t, ExecSuspended, exec.Status)
	assert.Empty(t, exec.Requested)
	assert.Equal(t, []types.EffectID{"e1"}, exec.Pending)
	assert.Equal(t, 1, h.requests())

	h.resolveOK("e1", map[string]string{"Artifact": "bin/app"})
	exec, err = h.exec(build)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, exec.Status)
	assert.JSONEq(t, `{"artifact":"bin/app"}`, string(exec.Output))
	assert.Equal(t, 1, h.requests())
}

func TestEffectErrorRaisedAtCallSite(t *testing.T) {
	h := newHarness(t)
	var seen error
	fn := func(pc *Context, _ json.RawMessage) (any, error) {
		out := pc.Task(TaskSpec{Key: "flaky", Kind: types.KindShell})
		if out.Suspended() {
			return nil, ErrSuspended
		}
		seen = out.Err()
		return "recovered", nil
	}
	_, err := h.exec(fn)
	require.NoError(t, err)
	h.resolveErr("e1", types.ErrNameExecutor)

	exec, err := h.exec(fn)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, exec.Status)
	var ee *EffectError
	require.ErrorAs(t, seen, &ee)
	assert.Equal(t, types.ErrNameExecutor, ee.Name())
	assert.Equal(t, types.EffectID("e1"), ee.EffectID)
}

func TestBreakpointRejectionFailsRun(t *testing.T) {
	h := newHarness(t)
	fn := func(pc *Context, _ json.RawMessage) (any, error) {
		var d BreakpointDecision
		if err := pc.Breakpoint("ship-it", BreakpointRequest{Question: "Ship?"}).Result(&d); err != nil {
			return nil, err
		}
		return d, nil
	}
	exec, err := h.exec(fn)
	require.NoError(t, err)
	require.Len(t, exec.Requested, 1)
	assert.Equal(t, types.KindBreakpoint, exec.Requested[0].Kind)
	assert.Equal(t, "ship-it", exec.Requested[0].Label)

	h.resolveErr("e1", types.ErrNameRejected)
	exec, err = h.exec(fn)
	require.NoError(t, err)
	assert.Equal(t, ExecFailed, exec.Status)
	assert.Equal(t, types.ErrNameRejected, exec.Error.Name)
}

func TestNothingHappensAfterFirstSuspension(t *testing.T) {
	h := newHarness(t)
	var second Outcome
	fn := func(pc *Context, _ json.RawMessage) (any, error) {
		first := pc.Task(TaskSpec{Key: "a", Kind: types.KindShell})
		second = pc.Task(TaskSpec{Key: "b", Kind: types.KindShell})
		if first.Suspended() {
			return "ignored", nil
		}
		return nil, nil
	}
	exec, err := h.exec(fn)
	require.NoError(t, err)
	assert.Equal(t, ExecSuspended, exec.Status, "suspended flag wins over the returned value")
	assert.True(t, second.Suspended())
	assert.Empty(t, second.EffectIDs)
	assert.Equal(t, 1, h.requests())
}

func TestParallelGroupSemantics(t *testing.T) {
	h := newHarness(t)
	var group Outcome
	fn := func(pc *Context, _ json.RawMessage) (any, error) {
		group = pc.Parallel(
			TaskSpec{Key: "one", Kind: types.KindShell},
			TaskSpec{Key: "two", Kind: types.KindShell},
			TaskSpec{Key: "three", Kind: types.KindShell},
		)
		if group.Suspended() {
			return nil, ErrSuspended
		}
		return nil, group.Err()
	}

	exec, err := h.exec(fn)
	require.NoError(t, err)
	assert.Len(t, exec.Requested, 3, "all branches requested in one resumption")
	assert.ElementsMatch(t, []types.EffectID{"e1", "e2", "e3"}, group.EffectIDs)

	h.resolveOK("e1", 1)
	h.resolveErr("e2", types.ErrNameExecutor)
	exec, err = h.exec(fn)
	require.NoError(t, err)
	assert.Equal(t, ExecSuspended, exec.Status, "e3 still pending")
	assert.Equal(t, []types.EffectID{"e3"}, exec.Pending)
	assert.Empty(t, exec.Requested)

	h.resolveOK("e3", 3)
	exec, err = h.exec(fn)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, group.State)
	require.Len(t, group.Errors(), 1)
	assert.Equal(t, ExecFailed, exec.Status)
	assert.Equal(t, types.ErrNameExecutor, exec.Error.Name)
	assert.Equal(t, 3, h.requests())
}

func TestParallelReadyCollectsValuesInOrder(t *testing.T) {
	h := newHarness(t)
	fn := func(pc *Context, _ json.RawMessage) (any, error) {
		var vals []int
		err := pc.Parallel(TaskSpec{Key: "x", Kind: "k"}, TaskSpec{Key: "y", Kind: "k"}).Result(&vals)
		return vals, err
	}
	_, err := h.exec(fn)
	require.NoError(t, err)
	h.resolveOK("e2", 20)
	h.resolveOK("e1", 10)

	exec, err := h.exec(fn)
	require.NoError(t, err)
	assert.JSONEq(t, `[10,20]`, string(exec.Output))
}

func TestNondeterministicReplayAborts(t *testing.T) {
	h := newHarness(t)
	arg := "v1"
	fn := func(pc *Context, _ json.RawMessage) (any, error) {
		return nil, pc.Task(TaskSpec{Key: "fetch", Kind: types.KindAgent, Inputs: map[string]string{"q": arg}}).Result(nil)
	}
	_, err := h.exec(fn)
	require.NoError(t, err)
	before := len(h.j.Records())

	arg = "v2"
	exec, err := h.exec(fn)
	assert.Nil(t, exec)
	var nd *NondeterminismError
	require.ErrorAs(t, err, &nd)
	assert.Equal(t, "inputsRef", nd.Field)
	assert.Equal(t, "demo:fetch", nd.InvocationKey)
	assert.Len(t, h.j.Records(), before)
}

func TestDuplicateKeyFailsCall(t *testing.T) {
	h := newHarness(t)
	fn := func(pc *Context, _ json.RawMessage) (any, error) {
		if err := pc.Task(TaskSpec{Key: "same", Kind: types.KindShell}).Result(nil); err != nil {
			return nil, err
		}
		return nil, pc.Task(TaskSpec{Key: "same", Kind: types.KindShell}).Err()
	}
	_, err := h.exec(fn)
	require.NoError(t, err)
	h.resolveOK("e1", "done")

	exec, err := h.exec(fn)
	require.NoError(t, err)
	assert.Equal(t, ExecFailed, exec.Status)
	assert.Equal(t, types.ErrNameDuplicateKey, exec.Error.Name)
	assert.Equal(t, 1, h.requests())

	out := (&Context{keys: map[string]bool{}, processID: "demo"}).Task(TaskSpec{Kind: "k"})
	assert.ErrorIs(t, out.Err(), ErrMissingKey)
}

func TestProcessPanicFailsRun(t *testing.T) {
	h := newHarness(t)
	exec, err := h.exec(func(pc *Context, _ json.RawMessage) (any, error) {
		panic("kaboom")
	})
	require.NoError(t, err)
	assert.Equal(t, ExecFailed, exec.Status)
	assert.Equal(t, types.ErrNameProcess, exec.Error.Name)
	assert.Contains(t, exec.Error.Message, "kaboom")
	assert.NotEmpty(t, exec.Error.Stack)
}

func TestReturningErrSuspendedWithoutPendingIsAnAbort(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec(func(pc *Context, _ json.RawMessage) (any, error) {
		return nil, fmt.Errorf("wrapped: %w", ErrSuspended)
	})
	assert.Error(t, err)
}

func TestStateSurvivesResumptions(t *testing.T) {
	h := newHarness(t)
	var seen []int
	fn := func(pc *Context, _ json.RawMessage) (any, error) {
		var n int
		if _, err := pc.State("counter", &n); err != nil {
			return nil, err
		}
		seen = append(seen, n)
		if err := pc.SetState("counter", n+1).Result(nil); err != nil {
			return nil, err
		}
		var after int
		if _, err := pc.State("counter", &after); err != nil {
			return nil, err
		}
		return after, nil
	}

	exec, err := h.exec(fn)
	require.NoError(t, err)
	require.Len(t, exec.Requested, 1)
	assert.Equal(t, types.KindState, exec.Requested[0].Kind)
	assert.Equal(t, "counter", exec.Requested[0].Label)

	// The state executor echoes the inputs.
	h.resolveOK("e1", 1)
	exec, err = h.exec(fn)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, exec.Status)
	assert.Equal(t, []int{0, 0}, seen, "reads follow replay order")
	assert.JSONEq(t, `1`, string(exec.Output))

	p, err := state.Project(h.j.Records())
	require.NoError(t, err)
	assert.Contains(t, p.State.Store, "counter")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Process{ID: "b", Fn: build}))
	require.NoError(t, r.Register(Process{ID: "a", Fn: build, Revision: "r1"}))
	assert.ErrorIs(t, r.Register(Process{ID: "a", Fn: build}), ErrProcessExists)
	assert.Error(t, r.Register(Process{ID: "c"}))

	p, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "main", p.Entrypoint)
	assert.Equal(t, "r1", p.Revision)

	_, err = r.Get("zzz")
	assert.ErrorIs(t, err, ErrProcessNotFound)
	assert.Equal(t, []string{"a", "b"}, r.IDs())
}
