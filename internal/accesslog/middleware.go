// Package accesslog writes one record per inbound request and one per
// outbound response. Records of the same exchange share a request hash and
// correlation id, and carry masked copies of the bodies.
package accesslog

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jonboulle/clockwork"

	"edge_access_log/internal/capture"
	"edge_access_log/internal/diag"
	"edge_access_log/internal/dispatch"
	"edge_access_log/internal/extract"
	"edge_access_log/internal/headers"
	"edge_access_log/internal/mask"
	"edge_access_log/internal/obs"
	"edge_access_log/internal/pathmatch"
)

const (
	kindRequest  = "request"
	kindResponse = "response"
)

type Option func(*options)

type options struct {
	sink               Sink
	decoder            extract.MultipartDecoder
	clock              clockwork.Clock
	metrics            *obs.Metrics
	logger             *slog.Logger
	matcher            *pathmatch.Matcher
	requestExtractors  []extract.RequestExtractor
	responseExtractors []extract.ResponseExtractor
}

func WithSink(sink Sink) Option {
	return func(o *options) { o.sink = sink }
}

func WithMultipartDecoder(decoder extract.MultipartDecoder) Option {
	return func(o *options) { o.decoder = decoder }
}

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

func WithMetrics(metrics *obs.Metrics) Option {
	return func(o *options) { o.metrics = metrics }
}

// WithLogger sets the operational logger that reports pipeline failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithPathMatcher(matcher *pathmatch.Matcher) Option {
	return func(o *options) { o.matcher = matcher }
}

// WithRequestExtractors appends extractors after the built-in ones.
func WithRequestExtractors(extractors ...extract.RequestExtractor) Option {
	return func(o *options) { o.requestExtractors = append(o.requestExtractors, extractors...) }
}

func WithResponseExtractors(extractors ...extract.ResponseExtractor) Option {
	return func(o *options) { o.responseExtractors = append(o.responseExtractors, extractors...) }
}

type Middleware struct {
	logger  *Logger
	masks   *mask.Engine
	clock   clockwork.Clock
	metrics *obs.Metrics
	log     *slog.Logger
}

// New builds the middleware from cfg. Malformed masking patterns are
// reported here, never at request time.
func New(cfg Config, opts ...Option) (*Middleware, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.logger == nil {
		o.logger = obs.Logger("accesslog")
	}
	if o.sink == nil {
		o.sink = NewSlogSink(obs.Base())
	}
	if o.decoder == nil {
		o.decoder = extract.FormDecoder{}
	}
	if o.metrics == nil {
		o.metrics = obs.DefaultMetrics()
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("access log config: %w", err)
	}

	masks := mask.NewEngine(o.matcher)
	if o.metrics != nil {
		masks.SetRecorder(o.metrics)
	}
	for _, rule := range cfg.SensitiveParameters {
		masks.AddParameter(rule.Route, rule.Name)
	}
	for _, rule := range cfg.SensitiveBodyPatterns {
		if err := masks.AddBodyPattern(rule.Route, rule.Pattern); err != nil {
			return nil, fmt.Errorf("access log config: %w", err)
		}
	}

	request, response, err := builtins(cfg, masks, o)
	if err != nil {
		return nil, err
	}
	request = append(request, o.requestExtractors...)
	response = append(response, o.responseExtractors...)

	return &Middleware{
		logger:  NewLogger(o.sink, request, response),
		masks:   masks,
		clock:   o.clock,
		metrics: o.metrics,
		log:     o.logger,
	}, nil
}

func builtins(cfg Config, masks *mask.Engine, o options) ([]extract.RequestExtractor, []extract.ResponseExtractor, error) {
	request := []extract.RequestExtractor{
		extract.RequestTime{Clock: o.clock},
		extract.ServerInfo{},
		extract.ClientIP{},
		extract.RequestHash{},
	}
	if cfg.CorrelationID {
		correlation, err := extract.NewCorrelationID(cfg.CorrelationHeader, cfg.CorrelationIDLength)
		if err != nil {
			return nil, nil, fmt.Errorf("access log config: %w", err)
		}
		request = append(request, correlation)
	}
	request = append(request,
		extract.TraceContext{},
		extract.RequestLine{Masks: masks},
		extract.RequestHeaders{Include: headers.NewSet(cfg.RequestHeaders)},
	)
	if cfg.LogRequestBody {
		request = append(request,
			extract.RequestBodyLength{},
			extract.RequestBody{
				Masks:     masks,
				Decoder:   o.decoder,
				MaxLength: cfg.MaxRequestBodyLength,
				Logger:    o.logger,
			},
		)
	}

	response := []extract.ResponseExtractor{
		extract.ResponseStatus{},
		extract.ResponseHeaders{Include: headers.NewSet(cfg.ResponseHeaders)},
	}
	if cfg.LogResponseBody {
		response = append(response, extract.ResponseBody{
			Masks:         masks,
			MaxLength:     cfg.MaxResponseBodyLength,
			MediaSubtypes: cfg.ResponseBodyMediaSubtypes,
		})
	}
	return request, response, nil
}

func (m *Middleware) Logger() *Logger {
	return m.logger
}

func (m *Middleware) Masks() *mask.Engine {
	return m.masks
}

// Wrap logs every exchange passing through next. Only the first dispatch of
// an exchange writes the request record; the pass that completes the
// exchange writes the response record and releases the store.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, ex := dispatch.Attach(r)
		if !dispatch.IsAsync(r) {
			m.startExchange(r, ex)
		}

		rec := capture.NewResponseRecorder(w, r)
		defer m.finish(rec, r, ex)
		next.ServeHTTP(rec, r)
	})
}

// Handler wraps next and drives suspended exchanges to completion.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return dispatch.Handler(m.Wrap(next))
}

func (m *Middleware) startExchange(r *http.Request, ex *dispatch.Exchange) {
	ex.MarkStart(m.clock.Now())
	m.metrics.InflightInc()

	switch {
	case hasCapture(r):
	case capture.IsFormPost(r):
		if _, err := capture.WrapForm(r); err != nil {
			m.log.Warn("failed to parse form body", "error", err, "path", r.URL.Path)
		}
	default:
		capture.Wrap(r)
	}

	if err := m.logger.LogRequest(r.Context(), ex.Store, r); err != nil {
		m.log.Error("failed to log HTTP request", "error", err, "path", r.URL.Path)
		m.metrics.RecordEmitFailure(kindRequest)
		return
	}
	m.metrics.RecordEmitted(kindRequest)
}

func hasCapture(r *http.Request) bool {
	_, ok := capture.BodyOf(r)
	return ok
}

func (m *Middleware) finish(rec *capture.ResponseRecorder, r *http.Request, ex *dispatch.Exchange) {
	if ex.Suspended() {
		m.copyBack(rec, r)
		return
	}
	defer m.metrics.InflightDec()

	store := ex.Store
	elapsed := m.clock.Since(ex.Start())
	async := dispatch.IsAsync(r)
	func() {
		defer store.Clear()
		store.Set(extract.FieldProcessingTime, elapsed.Milliseconds())
		if err := m.logger.LogResponse(r.Context(), store, r, rec, async); err != nil {
			m.log.Error("failed to log HTTP response", "error", err, "path", r.URL.Path)
			m.metrics.RecordEmitFailure(kindResponse)
			return
		}
		m.metrics.RecordEmitted(kindResponse)
	}()

	m.metrics.ObserveProcessing(r.URL.Path, rec.Status(), elapsed)
	if body, ok := capture.BodyOf(r); ok && body.Loaded() {
		if data, err := body.Bytes(); err == nil {
			m.metrics.AddCapturedBytes(kindRequest, int64(len(data)))
		}
	}
	if !async {
		m.metrics.AddCapturedBytes(kindResponse, int64(len(rec.Body())))
	}
	m.copyBack(rec, r)
}

func (m *Middleware) copyBack(rec *capture.ResponseRecorder, r *http.Request) {
	if err := rec.CopyBodyToResponse(); err != nil {
		m.log.Error("failed to copy the buffered body to the response", "error", err, "path", r.URL.Path)
		m.metrics.RecordCopyFailure()
	}
}

// StoreOf returns the store of the exchange r belongs to.
func StoreOf(r *http.Request) (*diag.Store, bool) {
	return diag.FromContext(r.Context())
}
