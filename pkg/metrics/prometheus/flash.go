package prometheus

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/flashkv/pkg/flash"
	"github.com/marmos91/flashkv/pkg/metrics"
)

func init() {
	metrics.RegisterFlashMetricsConstructor(func() flash.Metrics {
		return NewFlashMetrics()
	})
}

// flashMetrics is the Prometheus implementation of flash.Metrics.
type flashMetrics struct {
	operations       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	bytes            *prometheus.CounterVec
	readLatency      prometheus.Histogram
	events           *prometheus.CounterVec
}

// NewFlashMetrics creates a new Prometheus-backed flash metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewFlashMetrics() *flashMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &flashMetrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashkv_flash_operations_total",
				Help: "Total number of flash erase and write operations by outcome",
			},
			[]string{"kind", "status"}, // status: "ok", "failed", "faulted", "protocol"
		),
		operationLatency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "flashkv_flash_operation_duration_milliseconds",
				Help: "Time from Begin to completion of flash operations in milliseconds",
				Buckets: []float64{
					0.05, // in-memory simulation
					0.5,
					1,
					5,   // typical page program
					20,  // typical block erase
					100, // large erase
					500,
					2000,
				},
			},
			[]string{"kind"},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashkv_flash_bytes_total",
				Help: "Total bytes moved through the flash by direction",
			},
			[]string{"direction"}, // "read", "write"
		),
		readLatency: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flashkv_flash_read_duration_milliseconds",
				Help:    "Duration of flash reads in milliseconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		),
		events: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashkv_flash_events_total",
				Help: "Completion events delivered by the peripheral",
			},
			[]string{"event", "expected"},
		),
	}
}

// ObserveOperation records a finished erase or write.
func (m *flashMetrics) ObserveOperation(kind flash.Kind, bytes int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind.String(), operationStatus(err)).Inc()
	m.operationLatency.WithLabelValues(kind.String()).Observe(float64(duration.Microseconds()) / 1000)
	if kind == flash.KindWrite && err == nil {
		m.bytes.WithLabelValues("write").Add(float64(bytes))
	}
}

// ObserveRead records a synchronous read.
func (m *flashMetrics) ObserveRead(bytes int, duration time.Duration) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues("read").Add(float64(bytes))
	m.readLatency.Observe(float64(duration.Microseconds()) / 1000)
}

// ObserveEvent records a completion event.
func (m *flashMetrics) ObserveEvent(ev flash.Event, expected bool) {
	if m == nil {
		return
	}
	exp := "false"
	if expected {
		exp = "true"
	}
	m.events.WithLabelValues(ev.String(), exp).Inc()
}

func operationStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, flash.ErrFaulted):
		return "faulted"
	case errors.Is(err, flash.ErrProtocolViolation):
		return "protocol"
	default:
		return "failed"
	}
}
