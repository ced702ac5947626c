// Package extract derives loggable fields from requests and responses and
// writes them into a diag.Store. Extractors never read each other's fields.
package extract

import (
	"net/http"

	"edge_access_log/internal/diag"
)

const (
	FieldRequestTime       = "request_time"
	FieldServerName        = "server_name"
	FieldServerPort        = "server_port"
	FieldClientIP          = "client_ip"
	FieldCorrelationID     = "correlation_id"
	FieldRequestHash       = "request_hash"
	FieldRequestLine       = "request_line"
	FieldRequestHeaders    = "request_headers"
	FieldRequestBodyLength = "request_body_length"
	FieldRequestBody       = "request_body"
	FieldTraceID           = "trace_id"
	FieldSpanID            = "span_id"

	FieldResponseStatus     = "response_status"
	FieldResponseHeaders    = "response_headers"
	FieldResponseBody       = "response_body"
	FieldResponseBodyLength = "response_body_length"

	FieldProcessingTime = "processing_time_ms"
)

// Response is the view of a finished response handed to response
// extractors.
type Response interface {
	Status() int
	Header() http.Header
	Body() []byte
	// BytesWritten counts every body byte the handler wrote, including
	// bytes that went straight to the client once buffering was disabled.
	BytesWritten() int64
	ContentType() string
}

type RequestExtractor interface {
	ExtractRequest(store *diag.Store, r *http.Request) error
}

type ResponseExtractor interface {
	ExtractResponse(store *diag.Store, r *http.Request, resp Response, async bool) error
}

type RequestFunc func(store *diag.Store, r *http.Request) error

func (f RequestFunc) ExtractRequest(store *diag.Store, r *http.Request) error {
	return f(store, r)
}

type ResponseFunc func(store *diag.Store, r *http.Request, resp Response, async bool) error

func (f ResponseFunc) ExtractResponse(store *diag.Store, r *http.Request, resp Response, async bool) error {
	return f(store, r, resp, async)
}

// Truncate cuts s to at most max runes. A max of zero or less keeps s whole.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

func requestPath(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	return r.URL.Path
}
