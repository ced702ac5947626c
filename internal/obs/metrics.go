package obs

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsConfig struct {
	RouteTopK         int
	RecomputeInterval time.Duration
	FailureWindow     time.Duration
}

type Metrics struct {
	registry           *prometheus.Registry
	routes             *TopK
	failures           *rollingCounter
	recordsEmitted     *prometheus.CounterVec
	emitFailures       *prometheus.CounterVec
	copyFailures       prometheus.Counter
	capturedBytes      *prometheus.CounterVec
	masksApplied       *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	inflight           prometheus.Gauge
}

var (
	defaultMetricsMu sync.RWMutex
	defaultMetrics   *Metrics
)

func SetDefaultMetrics(metrics *Metrics) {
	defaultMetricsMu.Lock()
	defaultMetrics = metrics
	defaultMetricsMu.Unlock()
}

func DefaultMetrics() *Metrics {
	defaultMetricsMu.RLock()
	defer defaultMetricsMu.RUnlock()
	return defaultMetrics
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	registry := prometheus.NewRegistry()

	recordsEmitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accesslog_records_emitted_total",
		Help: "Total access log records written",
	}, []string{"kind"})

	emitFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accesslog_emit_failures_total",
		Help: "Total access log records dropped because extraction or emission failed",
	}, []string{"kind"})

	copyFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "accesslog_copy_failures_total",
		Help: "Total buffered response bodies that could not be written to the client",
	})

	capturedBytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accesslog_captured_bytes_total",
		Help: "Total body bytes captured for logging",
	}, []string{"direction"})

	masksApplied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accesslog_mask_applied_total",
		Help: "Total redactions applied to logged content",
	}, []string{"kind"})

	processingDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accesslog_processing_duration_seconds",
		Help:    "Time from first dispatch to response record",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status_class"})

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "accesslog_inflight_requests",
		Help: "Requests currently between request and response record",
	})

	registry.MustRegister(recordsEmitted, emitFailures, copyFailures, capturedBytes, masksApplied, processingDuration, inflight)

	return &Metrics{
		registry:           registry,
		routes:             NewTopK(cfg.RouteTopK, cfg.RecomputeInterval),
		failures:           newRollingCounter(cfg.FailureWindow),
		recordsEmitted:     recordsEmitted,
		emitFailures:       emitFailures,
		copyFailures:       copyFailures,
		capturedBytes:      capturedBytes,
		masksApplied:       masksApplied,
		processingDuration: processingDuration,
		inflight:           inflight,
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordEmitted(kind string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.recordsEmitted.WithLabelValues(kind).Inc()
	m.failures.Record(false)
}

func (m *Metrics) RecordEmitFailure(kind string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.emitFailures.WithLabelValues(kind).Inc()
	m.failures.Record(true)
}

func (m *Metrics) RecordCopyFailure() {
	if m == nil {
		return
	}
	m.copyFailures.Inc()
	m.failures.Record(true)
}

func (m *Metrics) AddCapturedBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.capturedBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordMask satisfies mask.Recorder.
func (m *Metrics) RecordMask(kind string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.masksApplied.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveProcessing(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.routes.ObserveHit(route)
	m.processingDuration.WithLabelValues(m.routes.Canon(route), statusClass(status)).Observe(duration.Seconds())
}

func (m *Metrics) InflightInc() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) InflightDec() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

// RecentFailures returns the emissions and failures seen within window.
func (m *Metrics) RecentFailures(window time.Duration) (int, int) {
	if m == nil {
		return 0, 0
	}
	return m.failures.Counts(window)
}

func statusClass(status int) string {
	if status <= 0 {
		return "unknown"
	}
	class := status / 100
	return fmt.Sprintf("%dxx", class)
}
