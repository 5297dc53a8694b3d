package metrics

import (
	"github.com/marmos91/flashkv/pkg/kvstore"
)

// NewKVMetrics creates a Prometheus-backed kvstore.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewKVMetrics() kvstore.Metrics {
	if !IsEnabled() || newPrometheusKVMetrics == nil {
		return nil
	}
	return newPrometheusKVMetrics()
}

var newPrometheusKVMetrics func() kvstore.Metrics

// RegisterKVMetricsConstructor registers the Prometheus key-value metrics constructor.
func RegisterKVMetricsConstructor(constructor func() kvstore.Metrics) {
	newPrometheusKVMetrics = constructor
}
