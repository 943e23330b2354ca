package journal

// ============================================================================
// Journal
// Responsibility:
// 1. Serialize appends for one run (the single-writer discipline)
// 2. Refuse appends that would break the structural rules of the event sequence
// 3. Keep the in-memory copy of the records for replay
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/procjournal/pkg/types"
)

// Journal guards a Store with the structural rules of the event sequence:
//   - RUN_CREATED is first and appears once
//   - every EFFECT_RESOLVED refers to a requested, unresolved effect
//   - nothing follows RUN_COMPLETED or RUN_FAILED
type Journal struct {
	mu      sync.Mutex
	store   Store
	guard   *Guard
	records []Record
	now     func() time.Time
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// Open loads every record of the store and validates the sequence.
func Open(ctx context.Context, store Store, opts ...Option) (*Journal, error) {
	j := &Journal{store: store, guard: NewGuard(), now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	records, err := store.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		p, err := r.Event.Decode()
		if err != nil {
			return nil, withSeq(err, r.Seq)
		}
		if err := j.guard.Apply(p); err != nil {
			if errors.Is(err, ErrTerminal) {
				err = &IntegrityError{Reason: fmt.Sprintf("%s after terminal event", p.EventType())}
			}
			return nil, withSeq(err, r.Seq)
		}
	}
	j.records = records
	return j, nil
}

// Append validates p against the current sequence and writes it durably.
func (j *Journal) Append(ctx context.Context, p Payload) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.guard.Check(p); err != nil {
		return Record{}, err
	}
	ev, err := NewEvent(p, j.now())
	if err != nil {
		return Record{}, err
	}
	seq, err := j.store.Append(ctx, ev)
	if err != nil {
		return Record{}, err
	}
	// Check passed above, so Apply cannot fail here.
	_ = j.guard.Apply(p)
	rec := Record{Seq: seq, Event: ev}
	j.records = append(j.records, rec)
	return rec, nil
}

// AppendAudit writes p to the audit side-log. The ordered journal is untouched.
func (j *Journal) AppendAudit(ctx context.Context, p Payload) error {
	ev, err := NewEvent(p, j.now())
	if err != nil {
		return err
	}
	return j.store.AppendAudit(ctx, ev)
}

// Records returns a copy of every record appended so far.
func (j *Journal) Records() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Record, len(j.records))
	copy(out, j.records)
	return out
}

// Len returns the number of records.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

// Terminal reports whether a terminal event has been appended.
func (j *Journal) Terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.guard.terminal
}

// IsPending reports whether effectID is requested and unresolved.
func (j *Journal) IsPending(effectID types.EffectID) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.guard.effects[effectID] == types.EffectRequested
}

// Store returns the underlying store, for blob access.
func (j *Journal) Store() Store { return j.store }

// Close closes the underlying store.
func (j *Journal) Close() error { return j.store.Close() }

// ============================================================================
// Guard
// ============================================================================

// Guard tracks just enough of the sequence to validate the next event.
type Guard struct {
	created  bool
	terminal bool
	effects  map[types.EffectID]types.EffectStatus
	keys     map[string]types.EffectID
}

// NewGuard returns a guard for an empty journal.
func NewGuard() *Guard {
	return &Guard{
		effects: make(map[types.EffectID]types.EffectStatus),
		keys:    make(map[string]types.EffectID),
	}
}

// Check reports whether p may be appended next.
func (g *Guard) Check(p Payload) error {
	if g.terminal {
		return fmt.Errorf("%w: cannot append %s", ErrTerminal, p.EventType())
	}
	if !g.created {
		if p.EventType() != EventRunCreated {
			return &IntegrityError{Reason: fmt.Sprintf("first event must be RUN_CREATED, got %s", p.EventType())}
		}
		return nil
	}
	switch v := p.(type) {
	case RunCreated:
		return &IntegrityError{Reason: "RUN_CREATED appears more than once"}
	case EffectRequested:
		if _, seen := g.effects[v.EffectID]; seen {
			return &IntegrityError{Reason: fmt.Sprintf("effect %s requested twice", v.EffectID)}
		}
		if prev, seen := g.keys[v.InvocationKey]; seen {
			return &IntegrityError{Reason: fmt.Sprintf("invocation key %q already used by effect %s", v.InvocationKey, prev)}
		}
	case EffectResolved:
		switch g.effects[v.EffectID] {
		case types.EffectRequested:
		case types.EffectResolved:
			return &IntegrityError{Reason: fmt.Sprintf("effect %s resolved twice", v.EffectID)}
		default:
			return &IntegrityError{Reason: fmt.Sprintf("effect %s resolved without request", v.EffectID)}
		}
	}
	return nil
}

// Apply checks p and records its effect on the sequence.
func (g *Guard) Apply(p Payload) error {
	if err := g.Check(p); err != nil {
		return err
	}
	switch v := p.(type) {
	case RunCreated:
		g.created = true
	case EffectRequested:
		g.effects[v.EffectID] = types.EffectRequested
		g.keys[v.InvocationKey] = v.EffectID
	case EffectResolved:
		g.effects[v.EffectID] = types.EffectResolved
	case RunCompleted, RunFailed:
		g.terminal = true
	}
	return nil
}

// withSeq attaches a position to errors raised while replaying stored records.
func withSeq(err error, seq uint64) error {
	switch e := err.(type) {
	case *IntegrityError:
		if e.Seq == 0 {
			e.Seq = seq
		}
	case *CorruptionError:
		if e.Seq == 0 {
			e.Seq = seq
		}
	default:
		return fmt.Errorf("seq=%d: %w", seq, err)
	}
	return err
}

// Verify reads the whole store and validates checksums, positions and structure.
// It returns the number of valid records.
func Verify(ctx context.Context, store Store) (int, error) {
	j, err := Open(ctx, store)
	if err != nil {
		return 0, err
	}
	return len(j.records), nil
}
