package dispatch

import (
	"fmt"
	"sort"
	"time"
)

// Table maps effect kinds to executors. It is built once and handed to the dispatcher;
// there is no package-level registry.
type Table struct {
	executors map[string]Executor
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{executors: make(map[string]Executor)}
}

// Register binds kind to ex. A kind can be bound once.
func (t *Table) Register(kind string, ex Executor) error {
	if kind == "" || ex == nil {
		return fmt.Errorf("dispatch: register needs a kind and an executor")
	}
	if _, dup := t.executors[kind]; dup {
		return fmt.Errorf("dispatch: kind %q already registered", kind)
	}
	t.executors[kind] = ex
	return nil
}

// MustRegister is Register for static wiring.
func (t *Table) MustRegister(kind string, ex Executor) *Table {
	if err := t.Register(kind, ex); err != nil {
		panic(err)
	}
	return t
}

// Timeout returns the effect timeout the executor for kind declares, if any.
func (t *Table) Timeout(kind string) (time.Duration, bool) {
	ex, ok := t.executors[kind]
	if !ok {
		return 0, false
	}
	to, ok := capability[Timeouter](ex)
	if !ok {
		return 0, false
	}
	return to.Timeout(), true
}

// Lookup returns the executor bound to kind.
func (t *Table) Lookup(kind string) (Executor, bool) {
	ex, ok := t.executors[kind]
	return ex, ok
}

// IsIdempotent reports whether the executor for kind may be re-run after a crash.
func (t *Table) IsIdempotent(kind string) bool {
	ex, ok := t.executors[kind]
	if !ok {
		return false
	}
	i, ok := capability[Idempotent](ex)
	return ok && i.Idempotent()
}

// IsResumable reports whether re-dispatching kind re-attaches instead of re-running.
func (t *Table) IsResumable(kind string) bool {
	ex, ok := t.executors[kind]
	if !ok {
		return false
	}
	r, ok := capability[Resumable](ex)
	return ok && r.Resumable()
}

// Kinds returns the registered kinds, sorted.
func (t *Table) Kinds() []string {
	kinds := make([]string, 0, len(t.executors))
	for k := range t.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
