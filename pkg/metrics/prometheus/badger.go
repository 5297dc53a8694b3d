package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/flashkv/pkg/credstore"
	"github.com/marmos91/flashkv/pkg/metrics"
)

// badgerMetrics is the Prometheus implementation for the credential
// vault's BadgerDB cache metrics.
type badgerMetrics struct {
	cacheHitRatio *prometheus.GaugeVec
	cacheMisses   *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec

	mu   sync.Mutex
	last map[string]credstore.CacheStats
}

// NewBadgerMetrics creates a new Prometheus-backed BadgerDB metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewBadgerMetrics() *badgerMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &badgerMetrics{
		cacheHitRatio: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flashkv_badger_cache_hit_ratio",
				Help: "BadgerDB cache hit ratio (0.0 to 1.0) by cache type",
			},
			[]string{"cache_type"}, // "block", "index"
		),
		cacheMisses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashkv_badger_cache_misses_total",
				Help: "Total number of BadgerDB cache misses by cache type",
			},
			[]string{"cache_type"},
		),
		cacheHits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashkv_badger_cache_hits_total",
				Help: "Total number of BadgerDB cache hits by cache type",
			},
			[]string{"cache_type"},
		),
		last: make(map[string]credstore.CacheStats),
	}
}

// Record publishes a snapshot from credstore.BadgerStore.CacheStats.
// Counters advance by the difference from the previous snapshot.
func (m *badgerMetrics) Record(stats map[string]credstore.CacheStats) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for cacheType, s := range stats {
		prev := m.last[cacheType]
		if s.Hits >= prev.Hits {
			m.cacheHits.WithLabelValues(cacheType).Add(float64(s.Hits - prev.Hits))
		}
		if s.Misses >= prev.Misses {
			m.cacheMisses.WithLabelValues(cacheType).Add(float64(s.Misses - prev.Misses))
		}
		m.cacheHitRatio.WithLabelValues(cacheType).Set(s.Ratio)
		m.last[cacheType] = s
	}
}
