package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge_access_log/internal/accesslog"
	"edge_access_log/internal/config"
	"edge_access_log/internal/obs"
	"edge_access_log/internal/testutil"
)

func TestBuildAppLogsProxiedTraffic(t *testing.T) {
	prev := obs.Base()
	defer obs.SetBase(prev)
	var logs bytes.Buffer
	obs.SetBase(slog.New(slog.NewJSONHandler(&logs, nil)))

	addr, stop := testutil.StartUpstream(t, testutil.EchoHandler())
	defer stop()

	cfg := &config.Config{ListenAddr: "127.0.0.1:0", UpstreamURL: "http://" + addr}
	cfg.AccessLog.LogRequestBody = true
	cfg.AccessLog.LogResponseBody = true
	cfg.AccessLog.SensitiveBodyPatterns = []config.PatternRule{{Route: "/**", Pattern: `"card":"([^"]*)"`}}

	a, err := buildApp(cfg)
	require.NoError(t, err)

	front := httptest.NewServer(a.handler)
	defer front.Close()

	resp, err := http.Post(front.URL+"/pay", "application/json", strings.NewReader(`{"card":"4111"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, `{"card":"4111"}`, string(body))
	out := logs.String()
	assert.Contains(t, out, accesslog.RequestChannel)
	assert.Contains(t, out, accesslog.ResponseChannel)
	assert.Contains(t, out, `"response_body":"{\"card\":\"***\"}"`)
	assert.NotContains(t, out, "4111")

	metrics := httptest.NewRecorder()
	a.admin.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, metrics.Body.String(), `accesslog_records_emitted_total{kind="response"} 1`)
}

func TestHealthz(t *testing.T) {
	metrics := obs.NewMetrics(obs.MetricsConfig{})
	h := healthz(metrics)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","records":0,"failures":0}`, rr.Body.String())

	metrics.RecordEmitFailure("response")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"status":"degraded","records":1,"failures":1}`, rr.Body.String())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("ACCESSLOG_UPSTREAM_URL", "http://127.0.0.1:9000")
	t.Setenv("ACCESSLOG_LOG_REQUEST_BODY", "true")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Equal(t, "http://127.0.0.1:9000", cfg.UpstreamURL)
	assert.True(t, cfg.AccessLog.LogRequestBody)

	_, err = config.Validate(cfg)
	assert.NoError(t, err)
}
