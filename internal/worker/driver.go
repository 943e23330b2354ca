package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/procjournal/pkg/types"
)

// Driver polls a RunSource and keeps every open run resumed, one resumption per run at
// a time.
type Driver struct {
	pool     *Pool
	source   RunSource
	interval time.Duration
	timeout  time.Duration

	// OnResult, when set, is called for every finished resumption.
	OnResult func(Result)

	mu       sync.Mutex
	inFlight map[types.RunID]bool
}

// NewDriver creates a driver. timeout bounds one resumption; zero means none.
func NewDriver(pool *Pool, source RunSource, interval, timeout time.Duration) *Driver {
	return &Driver{
		pool:     pool,
		source:   source,
		interval: interval,
		timeout:  timeout,
		inFlight: make(map[types.RunID]bool),
	}
}

// Run polls until ctx is done. The pool must be started. Run does not stop it, and
// results keep being collected until the pool stops.
func (d *Driver) Run(ctx context.Context) {
	go d.collect()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Driver) tick(ctx context.Context) {
	ids, err := d.source.Poll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("Failed to poll runs", "error", err)
		}
		return
	}
	for _, id := range ids {
		if !d.claim(id) {
			continue
		}
		if err := d.pool.Submit(Task{RunID: id, Timeout: d.timeout}); err != nil {
			d.release(id)
			if !errors.Is(err, ErrPoolClosed) {
				log.Error("Failed to submit run", "runID", id, "error", err)
			}
			return
		}
		log.Debug("Run submitted", "runID", id)
	}
}

func (d *Driver) collect() {
	for {
		r, err := d.pool.ReceiveResult()
		if err != nil {
			return
		}
		d.release(r.RunID)
		if r.Err != nil {
			log.Warn("Resumption failed", "runID", r.RunID, "error", r.Err, "duration", r.Duration)
		} else {
			log.Info("Run resumed", "runID", r.RunID, "status", r.Iteration.Status,
				"outcome", r.Iteration.Outcome, "duration", r.Duration)
		}
		if d.OnResult != nil {
			d.OnResult(r)
		}
	}
}

func (d *Driver) claim(id types.RunID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[id] {
		return false
	}
	d.inFlight[id] = true
	return true
}

func (d *Driver) release(id types.RunID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, id)
}

// InFlight reports the number of runs currently submitted.
func (d *Driver) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}
