package accesslog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge_access_log/internal/diag"
	"edge_access_log/internal/dispatch"
	"edge_access_log/internal/extract"
	"edge_access_log/internal/obs"
)

type recordingSink struct {
	mu        sync.Mutex
	requests  []map[string]string
	responses []map[string]string
	err       error
}

func (s *recordingSink) EmitRequest(_ context.Context, store *diag.Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.requests = append(s.requests, store.Snapshot())
	return nil
}

func (s *recordingSink) EmitResponse(_ context.Context, store *diag.Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.responses = append(s.responses, store.Snapshot())
	return nil
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests), len(s.responses)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMiddleware(t *testing.T, cfg Config, opts ...Option) (*Middleware, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	opts = append([]Option{WithSink(sink), WithLogger(quietLogger())}, opts...)
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	return m, sink
}

func TestRequestAndResponseRecords(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.LogRequestBody = true
	cfg.LogResponseBody = true
	cfg.RequestHeaders = []string{"Content-Type", "Authorization"}
	cfg.ResponseHeaders = []string{"Content-Type"}
	cfg.SensitiveParameters = []ParameterRule{{Route: "/login", Name: "password"}}
	cfg.SensitiveBodyPatterns = []PatternRule{{Route: "/login", Pattern: `"token":"([^"]*)"`}}

	m, sink := newTestMiddleware(t, cfg, WithClock(clock))

	var seen string
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seen = string(body)
		clock.Advance(25 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"abc","user":"bob"}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "http://example.com:8080/login?user=bob&password=hunter2", strings.NewReader(`{"password":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer aaa.bbb.ccc")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, `{"password":"x"}`, seen)
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, `{"token":"abc","user":"bob"}`, rr.Body.String())
	assert.Equal(t, "28", rr.Header().Get("Content-Length"))

	require.Len(t, sink.requests, 1)
	require.Len(t, sink.responses, 1)

	request := sink.requests[0]
	assert.Equal(t, "2024-03-01T12:00:00.000Z", request[extract.FieldRequestTime])
	assert.Equal(t, "example.com", request[extract.FieldServerName])
	assert.Equal(t, "8080", request[extract.FieldServerPort])
	assert.Equal(t, "POST /login?user=bob&password=*** HTTP/1.1", request[extract.FieldRequestLine])
	assert.Equal(t, `Authorization: Bearer aaa.bbb.***\nContent-Type: application/json\n`, request[extract.FieldRequestHeaders])
	assert.Equal(t, "16", request[extract.FieldRequestBodyLength])
	assert.Equal(t, `{"password":"x"}`, request[extract.FieldRequestBody])
	assert.Len(t, request[extract.FieldRequestHash], 8)
	assert.NotContains(t, request, extract.FieldCorrelationID)

	response := sink.responses[0]
	assert.Equal(t, request[extract.FieldRequestHash], response[extract.FieldRequestHash])
	assert.Equal(t, "201", response[extract.FieldResponseStatus])
	assert.Equal(t, `Content-Type: application/json\n`, response[extract.FieldResponseHeaders])
	assert.Equal(t, `{"token":"***","user":"bob"}`, response[extract.FieldResponseBody])
	assert.Equal(t, "28", response[extract.FieldResponseBodyLength])
	assert.Equal(t, "25", response[extract.FieldProcessingTime])
}

func TestBodiesAreNotLoggedByDefault(t *testing.T) {
	m, sink := newTestMiddleware(t, Config{})

	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("secret")))

	require.Len(t, sink.requests, 1)
	assert.NotContains(t, sink.requests[0], extract.FieldRequestBody)
	assert.NotContains(t, sink.responses[0], extract.FieldResponseBody)
	assert.Equal(t, diag.Empty, sink.requests[0][extract.FieldRequestHeaders])
}

func TestCorrelationIDFromHeaderOrGenerated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CorrelationID = true
	m, sink := newTestMiddleware(t, cfg)
	h := m.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(extract.DefaultCorrelationHeader, "given-id")
	h.ServeHTTP(httptest.NewRecorder(), req)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.Len(t, sink.responses, 2)
	assert.Equal(t, "given-id", sink.responses[0][extract.FieldCorrelationID])
	assert.Len(t, sink.responses[1][extract.FieldCorrelationID], extract.DefaultCorrelationLength)
}

func TestStoreClearedAfterResponse(t *testing.T) {
	m, _ := newTestMiddleware(t, DefaultConfig())

	var store *diag.Store
	h := m.Wrap(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var ok bool
		store, ok = StoreOf(r)
		require.True(t, ok)
		assert.NotZero(t, store.Len())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotNil(t, store)
	assert.Zero(t, store.Len())
}

func TestSuspendedExchangeLogsOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogResponseBody = true
	calls := 0
	m, sink := newTestMiddleware(t, cfg, WithRequestExtractors(extract.RequestFunc(func(*diag.Store, *http.Request) error {
		calls++
		return nil
	})))

	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !dispatch.IsAsync(r) {
			c := dispatch.Suspend(r)
			go c.DispatchValue("done")
			return
		}
		_, _ = w.Write([]byte(dispatch.Value(r).(string)))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stream", nil))

	assert.Equal(t, "done", rr.Body.String())
	assert.Equal(t, 1, calls)

	requests, responses := sink.counts()
	assert.Equal(t, 1, requests)
	require.Equal(t, 1, responses)
	assert.Equal(t, diag.Empty, sink.responses[0][extract.FieldResponseBodyLength])
	assert.Equal(t, sink.requests[0][extract.FieldRequestHash], sink.responses[0][extract.FieldRequestHash])
}

func TestExtractorFailureAbortsOnlyThatRecord(t *testing.T) {
	metrics := obs.NewMetrics(obs.MetricsConfig{})
	m, sink := newTestMiddleware(t, DefaultConfig(),
		WithMetrics(metrics),
		WithRequestExtractors(extract.RequestFunc(func(*diag.Store, *http.Request) error {
			panic("broken extractor")
		})),
	)

	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "ok", rr.Body.String())
	requests, responses := sink.counts()
	assert.Equal(t, 0, requests)
	assert.Equal(t, 1, responses)

	total, failed := metrics.RecentFailures(time.Minute)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, failed)
}

func TestSinkFailureKeepsResponse(t *testing.T) {
	m, sink := newTestMiddleware(t, DefaultConfig())
	sink.err = errors.New("disk full")

	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("queued"))
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "queued", rr.Body.String())
}

func serveRecovering(h http.Handler, w http.ResponseWriter, r *http.Request) (recovered any) {
	defer func() { recovered = recover() }()
	h.ServeHTTP(w, r)
	return nil
}

func TestDownstreamPanicStillLogsResponse(t *testing.T) {
	m, sink := newTestMiddleware(t, DefaultConfig())

	var store *diag.Store
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store, _ = StoreOf(r)
		_, _ = w.Write([]byte("partial"))
		panic("handler blew up")
	}))

	rr := httptest.NewRecorder()
	recovered := serveRecovering(h, rr, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, "handler blew up", recovered)
	assert.Equal(t, "partial", rr.Body.String())
	requests, responses := sink.counts()
	assert.Equal(t, 1, requests)
	assert.Equal(t, 1, responses)
	require.NotNil(t, store)
	assert.Zero(t, store.Len())
}

func TestSuspendedPassPanicOnlyCopiesBack(t *testing.T) {
	m, sink := newTestMiddleware(t, DefaultConfig())

	var store *diag.Store
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store, _ = StoreOf(r)
		_, _ = w.Write([]byte("head"))
		dispatch.Suspend(r)
		panic("handler blew up")
	}))

	rr := httptest.NewRecorder()
	recovered := serveRecovering(h, rr, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, "handler blew up", recovered)
	assert.Equal(t, "head", rr.Body.String())
	requests, responses := sink.counts()
	assert.Equal(t, 1, requests)
	assert.Equal(t, 0, responses)
	require.NotNil(t, store)
	assert.NotZero(t, store.Len())
}

func TestResponseLengthCountsBypassedBytes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogResponseBody = true
	m, sink := newTestMiddleware(t, cfg)

	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("ab"))
		dispatch.DisableCaching(r)
		_, _ = w.Write([]byte("cdef"))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/events", nil))

	assert.Equal(t, "abcdef", rr.Body.String())
	_, responses := sink.counts()
	require.Equal(t, 1, responses)
	assert.Equal(t, "6", sink.responses[0][extract.FieldResponseBodyLength])
}

func TestFormPostStaysReadable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogRequestBody = true
	cfg.SensitiveParameters = []ParameterRule{{Route: "/form", Name: "pin"}}
	m, sink := newTestMiddleware(t, cfg)

	var formValue, raw string
	h := m.Wrap(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		formValue = r.FormValue("user")
		body, _ := io.ReadAll(r.Body)
		raw = string(body)
	}))

	req := httptest.NewRequest(http.MethodPost, "/form", strings.NewReader("user=bob&pin=1234"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "bob", formValue)
	assert.Equal(t, "user=bob&pin=1234", raw)
	require.Len(t, sink.requests, 1)
	assert.Equal(t, "user=bob&pin=***", sink.requests[0][extract.FieldRequestBody])
}

func TestMultipartBodyLoggedAsParameters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogRequestBody = true
	cfg.SensitiveParameters = []ParameterRule{{Route: "/upload", Name: "secret"}}
	m, sink := newTestMiddleware(t, cfg)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", "report"))
	require.NoError(t, mw.WriteField("secret", "s3cr3t"))
	fw, err := mw.CreateFormFile("file", "report.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("file content"))
	require.NoError(t, mw.Close())

	var fileSeen bool
	h := m.Wrap(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, _, err := r.FormFile("file")
		fileSeen = err == nil
	}))
	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, fileSeen)
	require.Len(t, sink.requests, 1)
	assert.Equal(t, "name=report&secret=***", sink.requests[0][extract.FieldRequestBody])
}

func TestNewRejectsInvalidPattern(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SensitiveBodyPatterns = []PatternRule{{Route: "/**", Pattern: "(unclosed"}}

	_, err := New(cfg, WithSink(&recordingSink{}))
	assert.ErrorContains(t, err, "access log config")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequestBodyLength = -1
	cfg.SensitiveParameters = []ParameterRule{{Route: "/x"}}

	_, err := New(cfg, WithSink(&recordingSink{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max request body length")
	assert.Contains(t, err.Error(), "sensitive parameter rule 0")
}

func TestExtractorOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CorrelationID = true
	cfg.LogRequestBody = true
	cfg.LogResponseBody = true
	m, _ := newTestMiddleware(t, cfg)

	var names []string
	for _, e := range m.Logger().RequestExtractors() {
		names = append(names, typeName(e))
	}
	want := []string{
		"extract.RequestTime", "extract.ServerInfo", "extract.ClientIP", "extract.RequestHash",
		"*extract.CorrelationID", "extract.TraceContext", "extract.RequestLine", "extract.RequestHeaders",
		"extract.RequestBodyLength", "extract.RequestBody",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("request extractors (-want +got):\n%s", diff)
	}
	assert.Len(t, m.Logger().ResponseExtractors(), 3)
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}

func TestSlogSinkWritesChannels(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	store := diag.NewStore()
	store.Set(extract.FieldRequestLine, "GET / HTTP/1.1")
	store.Set(extract.FieldResponseStatus, 200)
	require.NoError(t, sink.EmitResponse(context.Background(), store))

	out := buf.String()
	assert.Contains(t, out, `"logger":"access-response-log"`)
	assert.Contains(t, out, `"msg":"Outgoing response GET / HTTP/1.1"`)
	assert.Contains(t, out, `"response_status":"200"`)
}
