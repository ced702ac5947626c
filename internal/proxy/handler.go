// Package proxy forwards logged requests to a single upstream.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"edge_access_log/internal/dispatch"
	"edge_access_log/internal/obs"
)

const eventStream = "text/event-stream"

type Handler struct {
	upstream *url.URL
	proxy    *httputil.ReverseProxy
	log      *slog.Logger
}

func NewHandler(upstream string, transport http.RoundTripper) (*Handler, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream url %q needs a scheme and a host", upstream)
	}
	if transport == nil {
		transport = defaultTransport()
	}

	h := &Handler{upstream: target, log: obs.Logger("proxy")}
	h.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if id, ok := RequestIDFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(RequestIDHeader, id)
			}
		},
		Transport:      transport,
		ModifyResponse: markStreaming,
		ErrorHandler:   h.handleError,
	}
	return h, nil
}

func defaultTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 64
	t.ResponseHeaderTimeout = 30 * time.Second
	return t
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.proxy == nil {
		http.Error(w, "proxy not ready", http.StatusServiceUnavailable)
		return
	}
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = NewRequestID()
	}
	w.Header().Set(RequestIDHeader, requestID)
	h.proxy.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
}

// markStreaming stops response buffering for event streams, which never
// complete and must reach the client as they are produced.
func markStreaming(resp *http.Response) error {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err == nil && mediaType == eventStream && resp.Request != nil {
		dispatch.DisableCaching(resp.Request)
	}
	return nil
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	requestID, _ := RequestIDFromContext(r.Context())
	switch {
	case errors.Is(err, context.Canceled):
		h.log.Debug("client went away", "path", r.URL.Path, "request_id", requestID)
		w.WriteHeader(499)
	case errors.Is(err, context.DeadlineExceeded):
		h.log.Warn("upstream timed out", "error", err, "upstream", h.upstream.Host, "request_id", requestID)
		WriteProxyError(w, requestID, http.StatusGatewayTimeout, "upstream_timeout", "upstream timed out")
	default:
		h.log.Warn("upstream request failed", "error", err, "upstream", h.upstream.Host, "request_id", requestID)
		WriteProxyError(w, requestID, http.StatusBadGateway, "bad_gateway", "upstream unavailable")
	}
}
