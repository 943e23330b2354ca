// ============================================================================
// Metrics - Prometheus collector
// ============================================================================
//
// Counters (monotonic):
//   - procjournal_runs_created_total
//   - procjournal_runs_finished_total{status}          completed | failed
//   - procjournal_effects_requested_total{kind}
//   - procjournal_effects_resolved_total{kind,status}  ok | error
//   - procjournal_snapshot_hits_total / _misses_total
//
// Histograms:
//   - procjournal_effect_duration_seconds{kind}
//   - procjournal_replay_duration_seconds
//
// Gauges:
//   - procjournal_effects_pending                      after the last iteration
//   - procjournal_replay_events                        events folded by the last replay
//
// Example queries:
//   rate(procjournal_effects_resolved_total{status="error"}[5m])
//   histogram_quantile(0.95, rate(procjournal_effect_duration_seconds_bucket[5m]))
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/procjournal/pkg/types"
)

const namespace = "procjournal"

// Collector holds every metric. It satisfies state.Observer and dispatch.Observer.
type Collector struct {
	runsCreated      prometheus.Counter
	runsFinished     *prometheus.CounterVec
	effectsRequested *prometheus.CounterVec
	effectsResolved  *prometheus.CounterVec
	snapshotHits     prometheus.Counter
	snapshotMisses   prometheus.Counter

	effectDuration *prometheus.HistogramVec
	replayDuration prometheus.Histogram

	effectsPending prometheus.Gauge
	replayEvents   prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them on reg. A nil reg uses a fresh
// registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		runsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_created_total",
			Help:      "Total number of runs created",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of runs that reached a terminal event",
		}, []string{"status"}),
		effectsRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "effects_requested_total",
			Help:      "Total number of EFFECT_REQUESTED events appended",
		}, []string{"kind"}),
		effectsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "effects_resolved_total",
			Help:      "Total number of EFFECT_RESOLVED events appended",
		}, []string{"kind", "status"}),
		snapshotHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_hits_total",
			Help:      "Projections that started from a verified snapshot",
		}),
		snapshotMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_misses_total",
			Help:      "Projections that fell back to a full replay",
		}),
		effectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "effect_duration_seconds",
			Help:      "Executor run time per effect",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		replayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_duration_seconds",
			Help:      "Time spent projecting a journal",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		effectsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "effects_pending",
			Help:      "Pending effects of the last iterated run",
		}),
		replayEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_events",
			Help:      "Events folded by the last replay",
		}),
	}
	reg.MustRegister(
		c.runsCreated, c.runsFinished, c.effectsRequested, c.effectsResolved,
		c.snapshotHits, c.snapshotMisses, c.effectDuration, c.replayDuration,
		c.effectsPending, c.replayEvents,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// RecordRunCreated counts a new run.
func (c *Collector) RecordRunCreated() { c.runsCreated.Inc() }

// RecordRunFinished counts a terminal event.
func (c *Collector) RecordRunFinished(status types.RunStatus) {
	c.runsFinished.WithLabelValues(string(status)).Inc()
}

// RecordRequested counts an appended request.
func (c *Collector) RecordRequested(kind string) {
	c.effectsRequested.WithLabelValues(kind).Inc()
}

// RecordResolved counts an appended resolution.
func (c *Collector) RecordResolved(kind string, status types.ResultStatus) {
	c.effectsResolved.WithLabelValues(kind, string(status)).Inc()
}

// SetPending records the pending effects left after an iteration.
func (c *Collector) SetPending(n int) { c.effectsPending.Set(float64(n)) }

// EffectExecuted implements dispatch.Observer.
func (c *Collector) EffectExecuted(kind string, _ types.ResultStatus, d time.Duration) {
	c.effectDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveReplay implements state.Observer.
func (c *Collector) ObserveReplay(d time.Duration, events int) {
	c.replayDuration.Observe(d.Seconds())
	c.replayEvents.Set(float64(events))
}

// SnapshotHit implements state.Observer.
func (c *Collector) SnapshotHit() { c.snapshotHits.Inc() }

// SnapshotMiss implements state.Observer.
func (c *Collector) SnapshotMiss() { c.snapshotMisses.Inc() }

// Handler serves the registry the collector was registered on.
func (c *Collector) Handler() http.Handler {
	if c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until the listener fails.
func (c *Collector) StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
