// Package approval implements the breakpoint approval service: in-memory and SQLite
// stores, an echo HTTP surface with a websocket change stream, a gRPC surface, and
// clients for both.
package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/procjournal/internal/breakpoint"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

func newApprovalID() string {
	return "apv-" + uuid.Must(uuid.NewV7()).String()
}

// Memory is an in-process approval service.
type Memory struct {
	mu       sync.Mutex
	byID     map[string]*breakpoint.Approval
	byEffect map[types.EffectID]string
	now      func() time.Time
}

// NewMemory returns an empty in-memory service.
func NewMemory() *Memory {
	return &Memory{
		byID:     make(map[string]*breakpoint.Approval),
		byEffect: make(map[types.EffectID]string),
		now:      time.Now,
	}
}

func (m *Memory) Create(_ context.Context, req breakpoint.CreateRequest) (*breakpoint.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byEffect[req.EffectID]; ok {
		return clone(m.byID[id]), nil
	}
	a := &breakpoint.Approval{
		ID:          newApprovalID(),
		RunID:       req.RunID,
		EffectID:    req.EffectID,
		Question:    req.Question,
		Context:     req.Context,
		Attachments: req.Attachments,
		Status:      breakpoint.StatusPending,
		CreatedAt:   m.now().UTC(),
	}
	m.byID[a.ID] = a
	m.byEffect[a.EffectID] = a.ID
	return clone(a), nil
}

func (m *Memory) Get(_ context.Context, id string) (*breakpoint.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, breakpoint.ErrNotFound
	}
	return clone(a), nil
}

func (m *Memory) Decide(_ context.Context, id string, d breakpoint.Decision) (*breakpoint.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, breakpoint.ErrNotFound
	}
	if !a.Pending() {
		return nil, breakpoint.ErrAlreadyDecided
	}
	applyDecision(a, d, m.now().UTC())
	return clone(a), nil
}

func (m *Memory) List(_ context.Context, status breakpoint.Status) ([]*breakpoint.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*breakpoint.Approval, 0, len(m.byID))
	for _, a := range m.byID {
		if status == "" || a.Status == status {
			out = append(out, clone(a))
		}
	}
	sortApprovals(out)
	return out, nil
}

func applyDecision(a *breakpoint.Approval, d breakpoint.Decision, at time.Time) {
	a.Status = breakpoint.StatusRejected
	if d.Approved {
		a.Status = breakpoint.StatusApproved
	}
	a.Comment = d.Comment
	a.DecidedBy = d.DecidedBy
	a.DecidedAt = &at
}

func clone(a *breakpoint.Approval) *breakpoint.Approval {
	c := *a
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		c.DecidedAt = &t
	}
	c.Attachments = append([]string(nil), a.Attachments...)
	return &c
}

func sortApprovals(list []*breakpoint.Approval) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
