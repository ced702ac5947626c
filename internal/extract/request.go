package extract

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"edge_access_log/internal/capture"
	"edge_access_log/internal/diag"
	"edge_access_log/internal/dispatch"
	"edge_access_log/internal/headers"
	"edge_access_log/internal/mask"
)

const (
	TimeLayout = "2006-01-02T15:04:05.000Z07:00"

	DefaultCorrelationHeader = "X-Correlation-ID"
	DefaultCorrelationLength = 8

	correlationAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"
)

type RequestTime struct {
	Clock clockwork.Clock
}

func (e RequestTime) ExtractRequest(store *diag.Store, _ *http.Request) error {
	clock := e.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	store.Set(FieldRequestTime, clock.Now().Format(TimeLayout))
	return nil
}

type ServerInfo struct{}

func (ServerInfo) ExtractRequest(store *diag.Store, r *http.Request) error {
	host, port := splitHostPort(r.Host)
	if port == "" {
		if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
			_, port = splitHostPort(addr.String())
		}
	}
	if port == "" {
		port = "80"
		if r.TLS != nil {
			port = "443"
		}
	}
	store.Set(FieldServerName, host)
	store.Set(FieldServerPort, port)
	return nil
}

type ClientIP struct{}

func (ClientIP) ExtractRequest(store *diag.Store, r *http.Request) error {
	host, _ := splitHostPort(r.RemoteAddr)
	store.Set(FieldClientIP, host)
	return nil
}

func splitHostPort(hostport string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, ""
	}
	return host, port
}

// CorrelationID reuses the inbound correlation header, or generates a short
// random id when the caller did not send one.
type CorrelationID struct {
	header   string
	generate func() string
}

func NewCorrelationID(header string, length int) (*CorrelationID, error) {
	if header == "" {
		header = DefaultCorrelationHeader
	}
	if length <= 0 {
		length = DefaultCorrelationLength
	}
	generate, err := nanoid.Custom(correlationAlphabet, length)
	if err != nil {
		return nil, fmt.Errorf("correlation id generator: %w", err)
	}
	return &CorrelationID{header: header, generate: generate}, nil
}

func (e *CorrelationID) Header() string {
	return e.header
}

func (e *CorrelationID) ExtractRequest(store *diag.Store, r *http.Request) error {
	id := r.Header.Get(e.header)
	if id == "" {
		id = e.generate()
	}
	store.Set(FieldCorrelationID, id)
	return nil
}

// RequestHash derives a short hash from the exchange identity. The field
// lives in the store until the response record is written, so both records
// of one exchange carry the same value.
type RequestHash struct{}

func (RequestHash) ExtractRequest(store *diag.Store, r *http.Request) error {
	var id string
	if ex := dispatch.ExchangeOf(r.Context()); ex != nil {
		id = ex.ID.String()
	} else {
		id = uuid.NewString()
	}
	store.Set(FieldRequestHash, HashOf(id))
	return nil
}

func HashOf(id string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(id))[:8]
}

// RequestLine renders "METHOD URI[?query] PROTO" with sensitive query
// parameters masked.
type RequestLine struct {
	Masks *mask.Engine
}

func (e RequestLine) ExtractRequest(store *diag.Store, r *http.Request) error {
	store.Set(FieldRequestLine, RequestLineOf(r, e.Masks))
	return nil
}

func RequestLineOf(r *http.Request, masks *mask.Engine) string {
	uri := r.RequestURI
	if r.URL != nil {
		uri = r.URL.EscapedPath()
		if r.URL.RawQuery != "" || r.URL.ForceQuery {
			uri += "?" + masks.MaskParameters(r.URL.Path, r.URL.RawQuery)
		}
	}
	return fmt.Sprintf("%s %s %s", r.Method, uri, r.Proto)
}

type RequestHeaders struct {
	Include headers.Set
}

func (e RequestHeaders) ExtractRequest(store *diag.Store, r *http.Request) error {
	h := r.Header
	if r.Host != "" && h.Get("Host") == "" && e.Include.Includes("Host") {
		h = h.Clone()
		h.Set("Host", r.Host)
	}
	store.Set(FieldRequestHeaders, headers.Render(h, e.Include))
	return nil
}

type RequestBodyLength struct{}

func (RequestBodyLength) ExtractRequest(store *diag.Store, r *http.Request) error {
	switch {
	case r.ContentLength > 0:
		store.Set(FieldRequestBodyLength, strconv.FormatInt(r.ContentLength, 10))
	case r.ContentLength == 0 && r.Header.Get("Content-Length") != "":
		store.Set(FieldRequestBodyLength, "0")
	default:
		store.Set(FieldRequestBodyLength, diag.Empty)
	}
	return nil
}

// RequestBody logs the captured request body. Multipart bodies are decoded
// into their parameters first. Read failures degrade to an empty field.
type RequestBody struct {
	Masks     *mask.Engine
	Decoder   MultipartDecoder
	MaxLength int
	Logger    *slog.Logger
}

func (e RequestBody) ExtractRequest(store *diag.Store, r *http.Request) error {
	content, err := e.content(r)
	if err != nil {
		e.logger().Error("failed to read request body", "error", err, "path", requestPath(r))
		store.Set(FieldRequestBody, diag.Empty)
		return nil
	}
	path := requestPath(r)
	content = e.Masks.MaskParameters(path, content)
	content = e.Masks.MaskBody(path, content)
	store.Set(FieldRequestBody, Truncate(content, e.MaxLength))
	return nil
}

func (e RequestBody) content(r *http.Request) (string, error) {
	if e.Decoder != nil && e.Decoder.IsMultipart(r) {
		params, err := e.Decoder.Decode(r)
		if err != nil {
			return "", fmt.Errorf("decode multipart body: %w", err)
		}
		return EncodeParameters(params), nil
	}
	return capture.Ensure(r).String()
}

func (e RequestBody) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// TraceContext records the OpenTelemetry span the request runs in.
type TraceContext struct{}

func (TraceContext) ExtractRequest(store *diag.Store, r *http.Request) error {
	sc := trace.SpanContextFromContext(r.Context())
	if !sc.IsValid() {
		store.Set(FieldTraceID, diag.Empty)
		store.Set(FieldSpanID, diag.Empty)
		return nil
	}
	store.Set(FieldTraceID, sc.TraceID().String())
	store.Set(FieldSpanID, sc.SpanID().String())
	return nil
}
