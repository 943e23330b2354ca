package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/procjournal/pkg/types"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector.runsCreated)
	assert.NotNil(t, collector.effectsResolved)
	assert.NotNil(t, collector.replayDuration)
	assert.NotNil(t, collector.gatherer)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestRunCounters(t *testing.T) {
	c := NewCollector(nil)

	c.RecordRunCreated()
	c.RecordRunCreated()
	c.RecordRunFinished(types.RunCompleted)
	c.RecordRunFinished(types.RunFailed)
	c.RecordRunFinished(types.RunFailed)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsFinished.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsFinished.WithLabelValues("failed")))
}

func TestEffectCounters(t *testing.T) {
	c := NewCollector(nil)

	c.RecordRequested("shell")
	c.RecordRequested("shell")
	c.RecordRequested("breakpoint")
	c.RecordResolved("shell", types.ResultOK)
	c.RecordResolved("shell", types.ResultError)
	c.SetPending(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.effectsRequested.WithLabelValues("shell")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.effectsRequested.WithLabelValues("breakpoint")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.effectsResolved.WithLabelValues("shell", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.effectsPending))
}

func TestObservers(t *testing.T) {
	c := NewCollector(nil)

	c.EffectExecuted("node", types.ResultOK, 150*time.Millisecond)
	c.ObserveReplay(2*time.Millisecond, 42)
	c.SnapshotHit()
	c.SnapshotMiss()
	c.SnapshotMiss()

	assert.Equal(t, 1, testutil.CollectAndCount(c.effectDuration))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.replayEvents))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.snapshotHits))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.snapshotMisses))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordRunCreated()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "procjournal_runs_created_total 1"))
}
