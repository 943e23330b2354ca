package breakpoint_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/procjournal/internal/approval"
	"github.com/ChuLiYu/procjournal/internal/breakpoint"
	"github.com/ChuLiYu/procjournal/internal/dispatch"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

func request(effect string) dispatch.Request {
	def, _ := json.Marshal(breakpoint.Definition{Question: "Ship it?", Context: json.RawMessage(`{"pr":7}`)})
	return dispatch.Request{RunID: "run-1", EffectID: types.EffectID(effect), Kind: types.KindBreakpoint, Def: def}
}

func decideWith(d breakpoint.Decision) breakpoint.Prompter {
	return breakpoint.PrompterFunc(func(context.Context, *breakpoint.Approval) (breakpoint.Decision, error) {
		return d, nil
	})
}

// withoutTimes strips timestamps, which legitimately differ between runs.
func withoutTimes(res dispatch.Resolution) dispatch.Resolution {
	res.StartedAt, res.FinishedAt = time.Time{}, time.Time{}
	return res
}

func TestInlineApprove(t *testing.T) {
	svc := approval.NewMemory()
	c := breakpoint.NewCoordinator(svc, breakpoint.ModeInline,
		breakpoint.WithPrompter(decideWith(breakpoint.Decision{Approved: true, Comment: "lgtm", DecidedBy: "bob"})))

	res, err := c.Execute(context.Background(), request("e1"))
	require.NoError(t, err)
	assert.Equal(t, types.ResultOK, res.Status)
	assert.JSONEq(t, `{"approved":true,"comment":"lgtm","decidedBy":"bob"}`, string(res.Result))
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	list, err := svc.List(context.Background(), breakpoint.StatusApproved)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Ship it?", list[0].Question)
}

func TestInlineReject(t *testing.T) {
	c := breakpoint.NewCoordinator(approval.NewMemory(), breakpoint.ModeInline,
		breakpoint.WithPrompter(decideWith(breakpoint.Decision{Approved: false, Comment: "too risky"})))

	res, err := c.Execute(context.Background(), request("e1"))
	require.NoError(t, err)
	assert.Equal(t, types.ResultError, res.Status)
	assert.Equal(t, types.ErrNameRejected, res.Error.Name)
	assert.Equal(t, "breakpoint rejected: too risky", res.Error.Message)
	assert.JSONEq(t, `{"approved":false,"comment":"too risky"}`, string(res.Error.Data))
}

func TestDeferredWaitElapses(t *testing.T) {
	svc := approval.NewMemory()
	c := breakpoint.NewCoordinator(svc, breakpoint.ModeDeferred, breakpoint.WithPolling(5*time.Millisecond, 30*time.Millisecond))

	_, err := c.Execute(context.Background(), request("e1"))
	assert.ErrorIs(t, err, dispatch.ErrDeferred)

	pending, err := svc.List(context.Background(), breakpoint.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// a second dispatch re-attaches to the same approval
	_, err = c.Execute(context.Background(), request("e1"))
	assert.ErrorIs(t, err, dispatch.ErrDeferred)
	all, _ := svc.List(context.Background(), "")
	assert.Len(t, all, 1)
}

func TestDeferredDecisionDuringWait(t *testing.T) {
	svc := approval.NewMemory()
	c := breakpoint.NewCoordinator(svc, breakpoint.ModeDeferred, breakpoint.WithPolling(5*time.Millisecond, 2*time.Second))

	go func() {
		for {
			list, _ := svc.List(context.Background(), breakpoint.StatusPending)
			if len(list) == 1 {
				_, _ = svc.Decide(context.Background(), list[0].ID, breakpoint.Decision{Approved: true, DecidedBy: "carol"})
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	res, err := c.Execute(context.Background(), request("e1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"approved":true,"decidedBy":"carol"}`, string(res.Result))
}

func TestInlineAndDeferredResolutionsMatch(t *testing.T) {
	decisions := []breakpoint.Decision{
		{Approved: true, Comment: "ok", DecidedBy: "dana"},
		{Approved: false, Comment: "no", DecidedBy: "dana"},
	}
	for _, d := range decisions {
		inline := breakpoint.NewCoordinator(approval.NewMemory(), breakpoint.ModeInline, breakpoint.WithPrompter(decideWith(d)))
		inlineRes, err := inline.Execute(context.Background(), request("e1"))
		require.NoError(t, err)

		svc := approval.NewMemory()
		deferred := breakpoint.NewCoordinator(svc, breakpoint.ModeDeferred, breakpoint.WithPolling(time.Millisecond, 10*time.Millisecond))
		_, err = deferred.Execute(context.Background(), request("e1"))
		require.ErrorIs(t, err, dispatch.ErrDeferred)
		pending, _ := svc.List(context.Background(), breakpoint.StatusPending)
		require.Len(t, pending, 1)
		_, err = svc.Decide(context.Background(), pending[0].ID, d)
		require.NoError(t, err)
		deferredRes, err := deferred.Execute(context.Background(), request("e1"))
		require.NoError(t, err)

		assert.Equal(t, withoutTimes(inlineRes), withoutTimes(deferredRes))
	}
}

func TestInlineDecidedElsewhere(t *testing.T) {
	svc := approval.NewMemory()
	prompter := breakpoint.PrompterFunc(func(ctx context.Context, a *breakpoint.Approval) (breakpoint.Decision, error) {
		_, err := svc.Decide(ctx, a.ID, breakpoint.Decision{Approved: false, DecidedBy: "web"})
		require.NoError(t, err)
		return breakpoint.Decision{Approved: true, DecidedBy: "terminal"}, nil
	})
	c := breakpoint.NewCoordinator(svc, breakpoint.ModeInline, breakpoint.WithPrompter(prompter))

	res, err := c.Execute(context.Background(), request("e1"))
	require.NoError(t, err)
	assert.Equal(t, types.ErrNameRejected, res.Error.Name, "the first recorded decision wins")
}

func TestInlinePromptError(t *testing.T) {
	failing := breakpoint.PrompterFunc(func(context.Context, *breakpoint.Approval) (breakpoint.Decision, error) {
		return breakpoint.Decision{}, errors.New("stdin closed")
	})
	svc := approval.NewMemory()
	c := breakpoint.NewCoordinator(svc, breakpoint.ModeInline, breakpoint.WithPrompter(failing))
	_, err := c.Execute(context.Background(), request("e1"))
	assert.ErrorIs(t, err, dispatch.ErrDeferred)

	pending, err := svc.List(context.Background(), breakpoint.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "a failed prompt is not a decision")
}

// flakyService fails the next n calls of the named operation.
type flakyService struct {
	breakpoint.Service
	op string
	n  int
}

func (f *flakyService) fail(op string) error {
	if f.op == op && f.n > 0 {
		f.n--
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyService) Create(ctx context.Context, req breakpoint.CreateRequest) (*breakpoint.Approval, error) {
	if err := f.fail("create"); err != nil {
		return nil, err
	}
	return f.Service.Create(ctx, req)
}

func (f *flakyService) Get(ctx context.Context, id string) (*breakpoint.Approval, error) {
	if err := f.fail("get"); err != nil {
		return nil, err
	}
	return f.Service.Get(ctx, id)
}

func TestServiceFailureDefers(t *testing.T) {
	for _, op := range []string{"create", "get"} {
		t.Run(op, func(t *testing.T) {
			mem := approval.NewMemory()
			svc := &flakyService{Service: mem, op: op, n: 1}
			c := breakpoint.NewCoordinator(svc, breakpoint.ModeDeferred, breakpoint.WithPolling(time.Millisecond, 10*time.Millisecond))

			_, err := c.Execute(context.Background(), request("e1"))
			assert.ErrorIs(t, err, dispatch.ErrDeferred)

			// the outage is over; a decision made meanwhile is picked up
			_, err = c.Execute(context.Background(), request("e1"))
			require.ErrorIs(t, err, dispatch.ErrDeferred)
			pending, err := mem.List(context.Background(), breakpoint.StatusPending)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			_, err = mem.Decide(context.Background(), pending[0].ID, breakpoint.Decision{Approved: true, DecidedBy: "ops"})
			require.NoError(t, err)

			res, err := c.Execute(context.Background(), request("e1"))
			require.NoError(t, err)
			assert.Equal(t, types.ResultOK, res.Status)
		})
	}
}

func TestCancelledContextIsNotDeferred(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := &flakyService{Service: approval.NewMemory(), op: "create", n: 1}
	c := breakpoint.NewCoordinator(svc, breakpoint.ModeDeferred)

	_, err := c.Execute(ctx, request("e1"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTerminalPrompter(t *testing.T) {
	var out bytes.Buffer
	p := &breakpoint.TerminalPrompter{In: strings.NewReader("maybe\nn\nneeds tests\n"), Out: &out, Name: "erin"}

	d, err := p.Prompt(context.Background(), &breakpoint.Approval{ID: "apv-1", Question: "Merge?", Attachments: []string{"diff.patch"}})
	require.NoError(t, err)
	assert.Equal(t, breakpoint.Decision{Approved: false, Comment: "needs tests", DecidedBy: "erin"}, d)
	assert.Contains(t, out.String(), "Merge?")
	assert.Contains(t, out.String(), "attachment: diff.patch")
}

func TestTerminalPrompterAfterAbandonedPrompt(t *testing.T) {
	in, w := io.Pipe()
	defer w.Close()
	p := &breakpoint.TerminalPrompter{In: in, Out: io.Discard, Name: "erin"}
	a := &breakpoint.Approval{ID: "apv-1", Question: "Merge?"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Prompt(ctx, a)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() { _, _ = io.WriteString(w, "y\nok\n") }()
	d, err := p.Prompt(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, breakpoint.Decision{Approved: true, Comment: "ok", DecidedBy: "erin"}, d)
}

func TestTerminalPrompterClosedInput(t *testing.T) {
	p := &breakpoint.TerminalPrompter{In: strings.NewReader("maybe"), Out: io.Discard}
	_, err := p.Prompt(context.Background(), &breakpoint.Approval{ID: "apv-1", Question: "Merge?"})
	assert.ErrorIs(t, err, io.EOF)
}

func TestResolutionOfPendingApproval(t *testing.T) {
	_, err := breakpoint.Resolution(&breakpoint.Approval{ID: "apv-1", Status: breakpoint.StatusPending})
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := breakpoint.ParseMode("inline")
	require.NoError(t, err)
	assert.Equal(t, breakpoint.ModeInline, m)
	m, err = breakpoint.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, breakpoint.ModeDeferred, m)
	_, err = breakpoint.ParseMode("sometimes")
	assert.Error(t, err)
}
