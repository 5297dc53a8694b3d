package metrics

import (
	"github.com/marmos91/flashkv/pkg/flash"
)

// NewFlashMetrics creates a Prometheus-backed flash.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
// Pass the result straight to flash.WithMetrics; a nil sink costs nothing.
//
//	metrics.InitRegistry()
//	s := flash.New(periph, flash.WithMetrics(metrics.NewFlashMetrics()))
func NewFlashMetrics() flash.Metrics {
	if !IsEnabled() || newPrometheusFlashMetrics == nil {
		return nil
	}
	return newPrometheusFlashMetrics()
}

// newPrometheusFlashMetrics is set by pkg/metrics/prometheus so that this
// package does not import the implementation.
var newPrometheusFlashMetrics func() flash.Metrics

// RegisterFlashMetricsConstructor registers the Prometheus flash metrics constructor.
// Called by pkg/metrics/prometheus during package initialization.
func RegisterFlashMetricsConstructor(constructor func() flash.Metrics) {
	newPrometheusFlashMetrics = constructor
}
