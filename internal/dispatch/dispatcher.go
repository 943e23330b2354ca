// Package dispatch hands requested effects to executors chosen by kind.
//
// Guarantees:
//   - an effectId is executed by at most one goroutine at a time (singleflight)
//   - every dispatched effect ends in exactly one Resolution or ErrDeferred
//   - siblings of a DispatchAll group run to completion regardless of each other
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/procjournal/internal/logging"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

var log = logging.Component("dispatch")

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the pool size.
func WithWorkers(n int) Option { return func(d *Dispatcher) { d.workers = n } }

// WithTimeout sets the default per-effect timeout. Zero disables it.
func WithTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.timeout = t } }

// WithGuard installs a policy guard evaluated before every execution.
func WithGuard(g Guard) Option { return func(d *Dispatcher) { d.guard = g } }

// WithObserver reports execution metrics.
func WithObserver(o Observer) Option { return func(d *Dispatcher) { d.observer = o } }

// WithClock overrides the clock used for StartedAt/FinishedAt.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// Dispatcher executes effect requests on a worker pool.
type Dispatcher struct {
	table    *Table
	pool     *Pool
	group    singleflight.Group
	workers  int
	timeout  time.Duration
	guard    Guard
	observer Observer
	now      func() time.Time
}

// New creates a dispatcher over table and starts its pool.
func New(table *Table, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		table:   table,
		workers: 4,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.pool = NewPool(d.workers * 4)
	if err := d.pool.Start(d.workers, d.handle); err != nil {
		return nil, err
	}
	return d, nil
}

// Table returns the executor table.
func (d *Dispatcher) Table() *Table { return d.table }

// Close stops the pool after queued effects finish.
func (d *Dispatcher) Close() {
	d.pool.Stop()
}

// Dispatch executes req and waits for its resolution. Concurrent calls for the same
// effectId share one execution. The error is ErrDeferred, ErrPoolClosed or a context
// error from queueing; executor failures come back as error resolutions.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Resolution, error) {
	v, err, shared := d.group.Do(string(req.EffectID), func() (any, error) {
		return d.run(ctx, req)
	})
	if shared {
		log.Debug("joined in-flight execution", "effectID", req.EffectID)
	}
	if err != nil {
		return Resolution{}, err
	}
	return v.(Resolution), nil
}

// DispatchAll executes every request concurrently and returns when all have finished.
// A failing sibling never cancels the others.
func (d *Dispatcher) DispatchAll(ctx context.Context, reqs []Request) []Completion {
	out := make([]Completion, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			res, err := d.Dispatch(ctx, req)
			out[i] = Completion{Request: req, Resolution: res, Err: err}
		}(i, req)
	}
	wg.Wait()
	return out
}

func (d *Dispatcher) run(ctx context.Context, req Request) (Resolution, error) {
	timeout := d.timeout
	if t, ok := d.table.Timeout(req.Kind); ok {
		timeout = t
	}
	reply, err := d.pool.Submit(ctx, Task{Ctx: ctx, Request: req, Timeout: timeout})
	if err != nil {
		return Resolution{}, err
	}
	result := <-reply
	if errors.Is(result.Err, ErrDeferred) {
		log.Debug("effect deferred", "effectID", req.EffectID, "kind", req.Kind)
		return Resolution{}, ErrDeferred
	}
	res := d.finish(req, result, timeout)
	if d.observer != nil {
		d.observer.EffectExecuted(req.Kind, res.Status, result.Duration)
	}
	log.Info("effect executed", "effectID", req.EffectID, "kind", req.Kind, "status", res.Status, "duration", result.Duration)
	return res, nil
}

// finish classifies a worker result into a well-formed resolution.
func (d *Dispatcher) finish(req Request, r Result, timeout time.Duration) Resolution {
	res := r.Resolution
	failedRun := r.Err != nil || res.Status != types.ResultOK
	switch {
	case failedRun && r.TimedOut:
		res = withOutput(Failure(types.ErrNameTimeout, fmt.Sprintf("effect exceeded %s", timeout)), res)
	case failedRun && r.Cancelled:
		res = withOutput(Failure(types.ErrNameCancelled, "dispatch cancelled"), res)
	case r.Err != nil:
		res = withOutput(Failure(types.ErrNameExecutor, r.Err.Error()), res)
	case res.Status == types.ResultError && res.Error == nil:
		res.Error = &types.ErrorInfo{Name: types.ErrNameExecutor, Message: "executor reported an error without a description"}
	case res.Status != types.ResultOK && res.Status != types.ResultError:
		res = withOutput(Failure(types.ErrNameExecutor, fmt.Sprintf("executor returned status %q", res.Status)), res)
	}
	if res.Status == types.ResultOK {
		res.Error = nil
	}
	finished := d.now()
	if res.FinishedAt.IsZero() {
		res.FinishedAt = finished
	}
	if res.StartedAt.IsZero() {
		res.StartedAt = res.FinishedAt.Add(-r.Duration)
	}
	return res
}

func withOutput(res, from Resolution) Resolution {
	res.Stdout, res.Stderr = from.Stdout, from.Stderr
	res.StartedAt, res.FinishedAt = from.StartedAt, from.FinishedAt
	return res
}

// handle runs inside a worker.
func (d *Dispatcher) handle(ctx context.Context, req Request) (Resolution, error) {
	ex, ok := d.table.Lookup(req.Kind)
	if !ok {
		return Failure(types.ErrNameUnknownKind, fmt.Sprintf("no executor for kind %q", req.Kind)), nil
	}
	if d.guard != nil {
		allowed, reason, err := d.guard.Allow(ctx, req)
		if err != nil {
			log.Error("policy evaluation failed", "effectID", req.EffectID, "error", err)
			return Failure(types.ErrNamePolicyBlocked, "policy evaluation failed: "+err.Error()), nil
		}
		if !allowed {
			return Failure(types.ErrNamePolicyBlocked, reason), nil
		}
	}
	return ex.Execute(ctx, req)
}
