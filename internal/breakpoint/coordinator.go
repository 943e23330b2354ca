package breakpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/procjournal/internal/dispatch"
	"github.com/ChuLiYu/procjournal/internal/logging"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

var log = logging.Component("breakpoint")

// Mode selects the resolution path.
type Mode string

const (
	ModeInline   Mode = "inline"
	ModeDeferred Mode = "deferred"
)

// ParseMode validates a configured mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeInline, ModeDeferred:
		return Mode(s), nil
	case "":
		return ModeDeferred, nil
	}
	return "", fmt.Errorf("breakpoint: unknown mode %q", s)
}

// Definition is the task definition of a breakpoint effect.
type Definition struct {
	Question    string          `json:"question"`
	Context     json.RawMessage `json:"context,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
}

// Coordinator is the dispatch executor for kind "breakpoint".
type Coordinator struct {
	service  Service
	prompter Prompter
	mode     Mode
	interval time.Duration
	maxWait  time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPrompter sets the inline prompter.
func WithPrompter(p Prompter) Option { return func(c *Coordinator) { c.prompter = p } }

// WithPolling bounds the deferred wait.
func WithPolling(interval, maxWait time.Duration) Option {
	return func(c *Coordinator) {
		c.interval = interval
		c.maxWait = maxWait
	}
}

// NewCoordinator creates a coordinator over svc.
func NewCoordinator(svc Service, mode Mode, opts ...Option) *Coordinator {
	c := &Coordinator{
		service:  svc,
		mode:     mode,
		interval: time.Second,
		maxWait:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute opens (or re-attaches to) the approval for the effect and resolves it once a
// decision exists. A failing approval service or prompt defers the effect: only a human
// decision resolves a breakpoint, and the next dispatch re-attaches through Create.
func (c *Coordinator) Execute(ctx context.Context, req dispatch.Request) (dispatch.Resolution, error) {
	var def Definition
	if len(req.Def) > 0 {
		if err := json.Unmarshal(req.Def, &def); err != nil {
			return dispatch.Failure(types.ErrNameExecutor, fmt.Sprintf("decode breakpoint definition: %v", err)), nil
		}
	}
	approval, err := c.service.Create(ctx, CreateRequest{
		RunID:       req.RunID,
		EffectID:    req.EffectID,
		Question:    def.Question,
		Context:     def.Context,
		Attachments: def.Attachments,
	})
	if err != nil {
		return c.unavailable(ctx, req, fmt.Errorf("create approval: %w", err))
	}
	log.Info("breakpoint open", "approvalID", approval.ID, "effectID", req.EffectID, "mode", c.mode)

	if approval.Pending() && c.mode == ModeInline && c.prompter != nil {
		approval, err = c.decideInline(ctx, approval)
		if err != nil {
			return c.unavailable(ctx, req, err)
		}
	}
	if approval.Pending() {
		approval, err = Wait(ctx, c.service, approval.ID, c.interval, c.maxWait)
		if errors.Is(err, dispatch.ErrDeferred) {
			return dispatch.Resolution{}, err
		}
		if err != nil {
			return c.unavailable(ctx, req, err)
		}
	}
	return Resolution(approval)
}

// unavailable keeps the effect pending after a failure that is not a decision. The end
// of ctx is returned as is so the dispatcher can classify it.
func (c *Coordinator) unavailable(ctx context.Context, req dispatch.Request, err error) (dispatch.Resolution, error) {
	if ctx.Err() != nil {
		return dispatch.Resolution{}, ctx.Err()
	}
	log.Warn("breakpoint left pending", "effectID", req.EffectID, "error", err)
	return dispatch.Resolution{}, dispatch.ErrDeferred
}

func (c *Coordinator) decideInline(ctx context.Context, approval *Approval) (*Approval, error) {
	d, err := c.prompter.Prompt(ctx, approval)
	if err != nil {
		return nil, fmt.Errorf("prompt: %w", err)
	}
	decided, err := c.service.Decide(ctx, approval.ID, d)
	if errors.Is(err, ErrAlreadyDecided) {
		// decided elsewhere while we were asking; that decision wins
		return c.service.Get(ctx, approval.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("record decision: %w", err)
	}
	return decided, nil
}

// Timeout disables the dispatcher's effect timeout; waits are bounded by WithPolling.
func (c *Coordinator) Timeout() time.Duration { return 0 }

// Idempotent is true: re-dispatching re-attaches to the same approval.
func (c *Coordinator) Idempotent() bool { return true }

// Resumable is true for the same reason, so pending breakpoints are polled under the
// manual pending policy as well.
func (c *Coordinator) Resumable() bool { return true }

// Wait polls svc until the approval is decided, ctx is done, or maxWait elapses. When the
// wait elapses it returns dispatch.ErrDeferred.
func Wait(ctx context.Context, svc Service, id string, interval, maxWait time.Duration) (*Approval, error) {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a, err := svc.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !a.Pending() {
			return a, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, dispatch.ErrDeferred
		case <-ticker.C:
		}
	}
}
