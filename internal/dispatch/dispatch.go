// Package dispatch tracks the logical identity of a request across the
// handler passes it goes through. A handler may suspend a request and resume
// it later; the host adapter then runs the handler chain again with an Async
// dispatch type, on the same exchange.
package dispatch

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"edge_access_log/internal/diag"
)

type Type int

const (
	Request Type = iota
	Async
)

func (t Type) String() string {
	switch t {
	case Request:
		return "request"
	case Async:
		return "async"
	default:
		return "unknown"
	}
}

type exchangeKey struct{}
type typeKey struct{}

// Exchange is one logical request. It is created on the first dispatch and
// shared by every later dispatch of the same request.
type Exchange struct {
	ID    uuid.UUID
	Store *diag.Store

	mu         sync.Mutex
	start      time.Time
	pending    *Continuation
	value      any
	dispatches int

	cachingDisabled atomic.Bool
}

func newExchange() *Exchange {
	return &Exchange{
		ID:    uuid.New(),
		Store: diag.NewStore(),
	}
}

// MarkStart records the start of processing. Only the first call has effect.
func (e *Exchange) MarkStart(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.start.IsZero() {
		e.start = t
	}
}

func (e *Exchange) Start() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.start
}

// Suspended reports whether a handler suspended the exchange during the
// current pass and the continuation has not been picked up yet.
func (e *Exchange) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// Dispatches is the number of passes the host adapter has started.
func (e *Exchange) Dispatches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatches
}

func (e *Exchange) takePending() *Continuation {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.pending
	e.pending = nil
	return c
}

func (e *Exchange) countDispatch() {
	e.mu.Lock()
	e.dispatches++
	e.mu.Unlock()
}

// Attach returns r carrying an exchange. A request that already belongs to
// an exchange is returned unchanged.
func Attach(r *http.Request) (*http.Request, *Exchange) {
	if ex := ExchangeOf(r.Context()); ex != nil {
		return r, ex
	}
	ex := newExchange()
	ctx := context.WithValue(r.Context(), exchangeKey{}, ex)
	ctx = diag.WithStore(ctx, ex.Store)
	return r.WithContext(ctx), ex
}

func ExchangeOf(ctx context.Context) *Exchange {
	if ctx == nil {
		return nil
	}
	ex, _ := ctx.Value(exchangeKey{}).(*Exchange)
	return ex
}

// WithType returns a shallow copy of r dispatched as t.
func WithType(r *http.Request, t Type) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), typeKey{}, t))
}

func TypeOf(r *http.Request) Type {
	if r == nil {
		return Request
	}
	t, ok := r.Context().Value(typeKey{}).(Type)
	if !ok {
		return Request
	}
	return t
}

func IsAsync(r *http.Request) bool {
	return TypeOf(r) == Async
}

// DisableCaching tells response recorders on this exchange to stop buffering
// and write straight through. Streaming handlers call it before writing.
func DisableCaching(r *http.Request) {
	if ex := ExchangeOf(r.Context()); ex != nil {
		ex.cachingDisabled.Store(true)
	}
}

func CachingDisabled(r *http.Request) bool {
	ex := ExchangeOf(r.Context())
	return ex != nil && ex.cachingDisabled.Load()
}

// Value returns the value handed to DispatchValue by the last resumed
// continuation.
func Value(r *http.Request) any {
	ex := ExchangeOf(r.Context())
	if ex == nil {
		return nil
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.value
}
