package dispatch

import (
	"net/http"
	"sync"
)

// Continuation resumes a suspended exchange. Dispatch may be called from any
// goroutine; only the first call counts.
type Continuation struct {
	ex   *Exchange
	once sync.Once
	done chan struct{}
}

// Suspend marks the exchange of r as suspended. The current pass should
// return without writing a final response; the host adapter runs the handler
// chain again once the continuation is dispatched. Suspending twice within
// one pass returns the same continuation. Suspend returns nil when r does not
// belong to an exchange.
func Suspend(r *http.Request) *Continuation {
	ex := ExchangeOf(r.Context())
	if ex == nil {
		return nil
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.pending == nil {
		ex.pending = &Continuation{ex: ex, done: make(chan struct{})}
	}
	return ex.pending
}

func (c *Continuation) Dispatch() {
	c.DispatchValue(nil)
}

// DispatchValue resumes the exchange, making v available to the next pass
// through Value.
func (c *Continuation) DispatchValue(v any) {
	if c == nil {
		return
	}
	c.once.Do(func() {
		c.ex.mu.Lock()
		c.ex.value = v
		c.ex.mu.Unlock()
		close(c.done)
	})
}

func (c *Continuation) Done() <-chan struct{} {
	return c.done
}

// Handler drives exchanges through next. After a pass that suspended the
// exchange it waits for the continuation, or for the client to go away, and
// then runs next again with an Async dispatch type. The final pass always
// runs so that handlers get to finish their bookkeeping.
func Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, ex := Attach(r)
		ctx := r.Context()
		for {
			ex.countDispatch()
			next.ServeHTTP(w, r)

			c := ex.takePending()
			if c == nil {
				return
			}
			select {
			case <-c.done:
			case <-ctx.Done():
			}
			r = WithType(r, Async)
		}
	})
}
