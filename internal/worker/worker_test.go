package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent resumption, deadlines, graceful shutdown, driver dedup
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/procjournal/internal/controller"
	"github.com/ChuLiYu/procjournal/internal/state"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// fakeRunner completes every run after delay, or waits for the deadline.
type fakeRunner struct {
	delay   time.Duration
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
	panics  bool
}

func (r *fakeRunner) Run(ctx context.Context, runID types.RunID) (*controller.Iteration, error) {
	r.calls.Add(1)
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		m := r.maxSeen.Load()
		if n <= m || r.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if r.panics {
		panic("boom")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(r.delay):
	}
	return &controller.Iteration{RunID: runID, Status: types.RunCompleted, Outcome: controller.OutcomeCompleted}, nil
}

// ============================================================================
// Pool
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(&fakeRunner{}, 10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(&fakeRunner{}, 10)

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.Error(t, pool.Start(4))
	pool.Stop()
}

func TestWorkerExecution(t *testing.T) {
	runner := &fakeRunner{delay: time.Millisecond}
	pool := NewPool(runner, 10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	const taskCount = 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(Task{RunID: types.RunID(fmt.Sprintf("run-%d", i))}))
	}

	results := make(map[types.RunID]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.RunID] = result
	}
	assert.Len(t, results, taskCount)
	for id, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, id, r.Iteration.RunID)
		assert.Equal(t, types.RunCompleted, r.Iteration.Status)
	}
}

func TestTimeout(t *testing.T) {
	pool := NewPool(&fakeRunner{delay: time.Second}, 10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{RunID: "slow", Timeout: time.Millisecond}))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)

	assert.Nil(t, result.Iteration)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
}

func TestPanicBecomesError(t *testing.T) {
	pool := NewPool(&fakeRunner{panics: true}, 10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{RunID: "bad"}))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "panic")

	// the worker survived
	require.NoError(t, pool.Submit(Task{RunID: "bad-again"}))
	_, err = pool.ReceiveResult()
	require.NoError(t, err)
}

func TestConcurrency(t *testing.T) {
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	pool := NewPool(runner, 100)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(Task{RunID: types.RunID(fmt.Sprintf("run-%d", i))}))
	}
	for i := 0; i < 20; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, runner.maxSeen.Load(), int32(4))
	assert.Greater(t, runner.maxSeen.Load(), int32(1))
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(&fakeRunner{}, 100)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, pool.Submit(Task{RunID: types.RunID(fmt.Sprintf("g%d-%d", g, i))}))
			}
		}(g)
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

func TestGracefulShutdown(t *testing.T) {
	runner := &fakeRunner{delay: 50 * time.Millisecond}
	goroutinesBefore := goruntime.NumGoroutine()

	pool := NewPool(runner, 10)
	require.NoError(t, pool.Start(2))
	require.NoError(t, pool.Submit(Task{RunID: "a"}))
	require.NoError(t, pool.Submit(Task{RunID: "b"}))
	require.Eventually(t, func() bool { return runner.active.Load() == 2 }, time.Second, time.Millisecond)

	pool.Stop()
	assert.Equal(t, int32(0), runner.active.Load(), "Stop waits for in-flight resumptions")

	assert.Eventually(t, func() bool {
		return goruntime.NumGoroutine() <= goroutinesBefore
	}, time.Second, 10*time.Millisecond)
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(&fakeRunner{}, 10)
	pool.Stop()
	assert.False(t, pool.IsStarted())
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(&fakeRunner{}, 10)
	assert.ErrorIs(t, pool.Submit(Task{RunID: "x"}), ErrPoolNotStarted)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(&fakeRunner{}, 10)
	require.NoError(t, pool.Start(1))
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(Task{RunID: "x"}), ErrPoolClosed)
	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestSubmitRacingStop(t *testing.T) {
	for i := 0; i < 20; i++ {
		pool := NewPool(&fakeRunner{}, 1)
		require.NoError(t, pool.Start(1))
		go func() {
			for j := 0; j < 10; j++ {
				_ = pool.Submit(Task{RunID: "r"})
			}
		}()
		pool.Stop()
	}
}

// ============================================================================
// Driver
// ============================================================================

type fakeCatalog struct {
	mu     sync.Mutex
	status map[types.RunID]types.RunStatus
	broken map[types.RunID]bool
}

func (c *fakeCatalog) Runs(context.Context) ([]types.RunID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []types.RunID
	for id := range c.status {
		ids = append(ids, id)
	}
	for id := range c.broken {
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *fakeCatalog) Status(_ context.Context, id types.RunID) (*state.Projection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken[id] {
		return nil, errors.New("corrupt")
	}
	p := state.New()
	p.State.Status = c.status[id]
	return p, nil
}

func TestOpenRunsSkipsTerminalAndUnreadable(t *testing.T) {
	cat := &fakeCatalog{
		status: map[types.RunID]types.RunStatus{
			"open":   types.RunRunning,
			"done":   types.RunCompleted,
			"failed": types.RunFailed,
		},
		broken: map[types.RunID]bool{"bad": true},
	}
	ids, err := OpenRuns(cat).Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.RunID{"open"}, ids)
}

func TestDriverResumesOpenRunsOnce(t *testing.T) {
	runner := &fakeRunner{delay: 30 * time.Millisecond}
	pool := NewPool(runner, 10)
	require.NoError(t, pool.Start(2))
	defer pool.Stop()

	source := RunSourceFunc(func(context.Context) ([]types.RunID, error) {
		return []types.RunID{"r1", "r2"}, nil
	})
	d := NewDriver(pool, source, time.Millisecond, 0)

	var mu sync.Mutex
	seen := map[types.RunID]int{}
	d.OnResult = func(r Result) {
		mu.Lock()
		seen[r.RunID]++
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["r1"] >= 1 && seen["r2"] >= 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	// ticks every millisecond, but a run is never resumed twice at the same time
	assert.LessOrEqual(t, runner.maxSeen.Load(), int32(2))
}
