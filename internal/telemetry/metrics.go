// Package telemetry exposes the session's Prometheus collectors. Every method
// is safe on a nil *Metrics so components can run without instrumentation.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voxelcurate"

// Metrics holds the collectors shared by the cache, property engine, step
// store and task pool.
type Metrics struct {
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheEvictions     prometheus.Counter
	CacheResidentBytes prometheus.Gauge

	PropertyTasks    *prometheus.CounterVec
	PropertyFailures *prometheus.CounterVec

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg gets a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Volume cache lookups served from memory",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Volume cache lookups that required a load",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evicted_timepoints_total",
			Help:      "Time points unloaded to stay within the byte budget",
		}),
		CacheResidentBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "resident_bytes",
			Help:      "Bytes of decoded volumes currently resident",
		}),
		PropertyTasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "properties",
			Name:      "tasks_total",
			Help:      "Property computation tasks launched by property name",
		}, []string{"property"}),
		PropertyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "properties",
			Name:      "failures_total",
			Help:      "Failed property computations by property name",
		}, []string{"property"}),
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Session operations by name and outcome",
		}, []string{"op", "status"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Session operation latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"op"}),
	}
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

// Evicted counts one unloaded time point.
func (m *Metrics) Evicted() {
	if m != nil {
		m.CacheEvictions.Inc()
	}
}

// SetResident publishes the cache's byte total.
func (m *Metrics) SetResident(bytes int64) {
	if m != nil {
		m.CacheResidentBytes.Set(float64(bytes))
	}
}

func (m *Metrics) PropertyLaunched(name string) {
	if m != nil {
		m.PropertyTasks.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) PropertyFailed(name string) {
	if m != nil {
		m.PropertyFailures.WithLabelValues(name).Inc()
	}
}

// Observe records an operation outcome. It satisfies tasks.Recorder.
func (m *Metrics) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	if m == nil || op == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	m.OperationsTotal.WithLabelValues(op, status).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// Track is a helper for deferred timing:
//
//	defer m.Track(ctx, "cancel", time.Now(), &err)
func (m *Metrics) Track(ctx context.Context, op string, start time.Time, err *error) {
	success := err == nil || *err == nil
	m.Observe(ctx, op, success, time.Since(start))
}
