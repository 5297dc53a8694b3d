package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/flashkv/pkg/kvstore"
	"github.com/marmos91/flashkv/pkg/metrics"
)

func init() {
	metrics.RegisterKVMetricsConstructor(func() kvstore.Metrics {
		return NewKVMetrics()
	})
}

// kvMetrics is the Prometheus implementation of kvstore.Metrics.
type kvMetrics struct {
	sets           *prometheus.CounterVec
	commits        prometheus.Counter
	commitWrites   *prometheus.CounterVec
	commitDuration prometheus.Histogram
	dirtyEntries   prometheus.Gauge
}

// NewKVMetrics creates a new Prometheus-backed key-value cache metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewKVMetrics() *kvMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &kvMetrics{
		sets: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashkv_kv_set_operations_total",
				Help: "Total number of set operations by key and whether the value changed",
			},
			[]string{"key", "changed"},
		),
		commits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "flashkv_kv_commits_total",
				Help: "Total number of commit passes",
			},
		),
		commitWrites: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashkv_kv_commit_writes_total",
				Help: "Entries persisted by commit, by outcome",
			},
			[]string{"status"}, // "ok", "failed"
		),
		commitDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "flashkv_kv_commit_duration_milliseconds",
				Help: "Duration of commit passes in milliseconds",
				Buckets: []float64{
					0.1, // nothing dirty
					1,
					5,
					25,
					100, // several files rewritten
					500,
					2000,
				},
			},
		),
		dirtyEntries: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "flashkv_kv_dirty_entries",
				Help: "Entries changed since the last commit",
			},
		),
	}
}

// ObserveSet records a set call.
func (m *kvMetrics) ObserveSet(key string, changed bool) {
	if m == nil {
		return
	}
	c := "false"
	if changed {
		c = "true"
	}
	m.sets.WithLabelValues(key, c).Inc()
}

// ObserveCommit records a commit pass.
func (m *kvMetrics) ObserveCommit(written, failed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.commits.Inc()
	m.commitWrites.WithLabelValues("ok").Add(float64(written))
	m.commitWrites.WithLabelValues("failed").Add(float64(failed))
	m.commitDuration.Observe(float64(duration.Microseconds()) / 1000)
}

// SetDirtyEntries records the current dirty entry count.
func (m *kvMetrics) SetDirtyEntries(n int) {
	if m == nil {
		return
	}
	m.dirtyEntries.Set(float64(n))
}
