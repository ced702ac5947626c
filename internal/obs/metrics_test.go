package obs

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func labelValue(metric *dto.Metric, name string) string {
	for _, pair := range metric.GetLabel() {
		if pair.GetName() == name {
			return pair.GetValue()
		}
	}
	return ""
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics(MetricsConfig{})

	m.RecordEmitted("request")
	m.RecordEmitted("request")
	m.RecordEmitted("response")
	m.RecordEmitFailure("response")
	m.RecordCopyFailure()
	m.AddCapturedBytes("request", 10)
	m.AddCapturedBytes("request", 0)
	m.RecordMask("body")

	emitted := gather(t, m, "accesslog_records_emitted_total")
	require.NotNil(t, emitted)
	values := map[string]float64{}
	for _, metric := range emitted.GetMetric() {
		values[labelValue(metric, "kind")] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"request": 2, "response": 1}, values)

	captured := gather(t, m, "accesslog_captured_bytes_total")
	require.NotNil(t, captured)
	assert.Equal(t, 10.0, captured.GetMetric()[0].GetCounter().GetValue())

	copyFailures := gather(t, m, "accesslog_copy_failures_total")
	require.NotNil(t, copyFailures)
	assert.Equal(t, 1.0, copyFailures.GetMetric()[0].GetCounter().GetValue())

	total, failures := m.RecentFailures(time.Minute)
	assert.Equal(t, 5, total)
	assert.Equal(t, 2, failures)
}

func TestMetricsProcessingUsesBoundedRouteLabels(t *testing.T) {
	m := NewMetrics(MetricsConfig{RouteTopK: 1})

	m.ObserveProcessing("/a", 200, 10*time.Millisecond)
	m.ObserveProcessing("/b", 503, 10*time.Millisecond)

	family := gather(t, m, "accesslog_processing_duration_seconds")
	require.NotNil(t, family)
	routes := map[string]string{}
	for _, metric := range family.GetMetric() {
		routes[labelValue(metric, "status_class")] = labelValue(metric, "route")
	}
	assert.Equal(t, map[string]string{"2xx": "/a", "5xx": "other"}, routes)
}

func TestMetricsInflight(t *testing.T) {
	m := NewMetrics(MetricsConfig{})
	m.InflightInc()
	m.InflightInc()
	m.InflightDec()

	family := gather(t, m, "accesslog_inflight_requests")
	require.NotNil(t, family)
	assert.Equal(t, 1.0, family.GetMetric()[0].GetGauge().GetValue())
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics(MetricsConfig{})
	m.RecordEmitted("request")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `accesslog_records_emitted_total{kind="request"} 1`))

	var nilMetrics *Metrics
	rec = httptest.NewRecorder()
	nilMetrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordEmitted("request")
	m.RecordEmitFailure("request")
	m.RecordCopyFailure()
	m.RecordMask("body")
	m.AddCapturedBytes("response", 1)
	m.ObserveProcessing("/", 200, time.Second)
	m.InflightInc()
	m.InflightDec()
	total, failures := m.RecentFailures(0)
	assert.Zero(t, total)
	assert.Zero(t, failures)
	assert.Nil(t, m.Registry())
}

func TestDefaultMetrics(t *testing.T) {
	prev := DefaultMetrics()
	defer SetDefaultMetrics(prev)

	m := NewMetrics(MetricsConfig{})
	SetDefaultMetrics(m)
	assert.Same(t, m, DefaultMetrics())
}
