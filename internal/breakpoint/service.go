// Package breakpoint resolves breakpoint effects through an approval service.
//
// An approval moves pending -> approved | rejected exactly once. Two paths lead there:
//   - inline: a Prompter asks the operator while the effect is being dispatched
//   - deferred: the executor polls the service for a bounded time and reports
//     dispatch.ErrDeferred when no decision arrived yet
//
// Both paths build the resolution with the same function, so the EFFECT_RESOLVED
// payloads are indistinguishable.
package breakpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ChuLiYu/procjournal/pkg/types"
)

var (
	// ErrNotFound means no approval has the requested id.
	ErrNotFound = errors.New("breakpoint: approval not found")
	// ErrAlreadyDecided means a decision was submitted for an approval that is not pending.
	ErrAlreadyDecided = errors.New("breakpoint: approval is not pending")
)

// Status is the review state of an approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Approval is one review record.
type Approval struct {
	ID          string          `json:"id"`
	RunID       types.RunID     `json:"runId"`
	EffectID    types.EffectID  `json:"effectId"`
	Question    string          `json:"question"`
	Context     json.RawMessage `json:"context,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
	Status      Status          `json:"status"`
	Comment     string          `json:"comment,omitempty"`
	DecidedBy   string          `json:"decidedBy,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	DecidedAt   *time.Time      `json:"decidedAt,omitempty"`
}

// Pending reports whether no decision was recorded yet.
func (a *Approval) Pending() bool { return a.Status == StatusPending }

// CreateRequest opens an approval for one breakpoint effect.
type CreateRequest struct {
	RunID       types.RunID     `json:"runId"`
	EffectID    types.EffectID  `json:"effectId"`
	Question    string          `json:"question"`
	Context     json.RawMessage `json:"context,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
}

// Decision is a reviewer's verdict.
type Decision struct {
	Approved  bool   `json:"approved"`
	Comment   string `json:"comment,omitempty"`
	DecidedBy string `json:"decidedBy,omitempty"`
}

// Service is the approval-service boundary.
//
// Create is idempotent per effect id: a second Create for the same effect returns the
// existing approval. Decide on a non-pending approval fails with ErrAlreadyDecided.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Approval, error)
	Get(ctx context.Context, id string) (*Approval, error)
	Decide(ctx context.Context, id string, d Decision) (*Approval, error)
}

// Lister is implemented by services that can enumerate approvals. An empty status lists all.
type Lister interface {
	List(ctx context.Context, status Status) ([]*Approval, error)
}
