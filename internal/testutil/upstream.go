package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// StartUpstream serves handler on a loopback port and returns its address.
// A nil handler answers 200 with an empty body.
func StartUpstream(t testing.TB, handler http.Handler) (string, func()) {
	t.Helper()
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	server := httptest.NewServer(handler)
	return server.Listener.Addr().String(), server.Close
}

// EchoHandler answers with the request body and content type.
func EchoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		_, _ = io.Copy(w, r.Body)
	})
}
