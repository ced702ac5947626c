package capture

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"

	"edge_access_log/internal/dispatch"
)

var ErrNotHijacker = errors.New("capture: response writer does not support hijacking")

// ResponseRecorder holds back the status and body written by a handler until
// CopyBodyToResponse. Async dispatches and exchanges with caching disabled
// bypass the buffer and write straight through; the mode is checked on every
// write, so a handler may switch to bypass halfway through a response.
type ResponseRecorder struct {
	mu     sync.Mutex
	writer http.ResponseWriter
	req    *http.Request

	status       int
	wroteHeader  bool
	headerSent   bool
	buf          bytes.Buffer
	sent         int
	bytesWritten int64
	copied       bool
	hijacked     bool
}

func NewResponseRecorder(w http.ResponseWriter, r *http.Request) *ResponseRecorder {
	return &ResponseRecorder{writer: w, req: r, status: http.StatusOK}
}

func (rec *ResponseRecorder) bypass() bool {
	return dispatch.IsAsync(rec.req) || dispatch.CachingDisabled(rec.req)
}

func (rec *ResponseRecorder) Header() http.Header {
	return rec.writer.Header()
}

func (rec *ResponseRecorder) WriteHeader(status int) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.writeHeaderLocked(status)
	if rec.bypass() {
		rec.flushPendingLocked()
	}
}

func (rec *ResponseRecorder) writeHeaderLocked(status int) {
	if rec.wroteHeader {
		return
	}
	rec.status = status
	rec.wroteHeader = true
}

func (rec *ResponseRecorder) Write(data []byte) (int, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.writeHeaderLocked(http.StatusOK)

	if rec.bypass() {
		if err := rec.flushPendingLocked(); err != nil {
			return 0, err
		}
		n, err := rec.writer.Write(data)
		rec.bytesWritten += int64(n)
		return n, err
	}

	n, _ := rec.buf.Write(data)
	rec.bytesWritten += int64(n)
	return n, nil
}

// flushPendingLocked sends the held back status and any buffered bytes that
// have not reached the client yet.
func (rec *ResponseRecorder) flushPendingLocked() error {
	if rec.hijacked {
		return nil
	}
	if rec.wroteHeader && !rec.headerSent {
		rec.headerSent = true
		rec.writer.WriteHeader(rec.status)
	}
	pending := rec.buf.Bytes()[rec.sent:]
	if len(pending) == 0 {
		return nil
	}
	n, err := rec.writer.Write(pending)
	rec.sent += n
	return err
}

func (rec *ResponseRecorder) Flush() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.bypass() {
		return
	}
	if err := rec.flushPendingLocked(); err != nil {
		return
	}
	if f, ok := rec.writer.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.writer.(http.Hijacker)
	if !ok {
		return nil, nil, ErrNotHijacker
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		rec.mu.Lock()
		rec.hijacked = true
		rec.mu.Unlock()
	}
	return conn, rw, err
}

func (rec *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rec.writer
}

// CopyBodyToResponse writes the held back status and body to the underlying
// writer. Only the first call does anything.
func (rec *ResponseRecorder) CopyBodyToResponse() error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.copied {
		return nil
	}
	rec.copied = true
	if rec.hijacked {
		return nil
	}

	if !rec.headerSent && rec.sent == 0 && rec.buf.Len() > 0 {
		h := rec.writer.Header()
		if h.Get("Content-Length") == "" && h.Get("Transfer-Encoding") == "" {
			h.Set("Content-Length", strconv.Itoa(rec.buf.Len()))
		}
	}
	return rec.flushPendingLocked()
}

func (rec *ResponseRecorder) Status() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.status
}

func (rec *ResponseRecorder) WroteHeader() bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.wroteHeader
}

// Body returns the bytes captured while buffering.
func (rec *ResponseRecorder) Body() []byte {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return bytes.Clone(rec.buf.Bytes())
}

func (rec *ResponseRecorder) BytesWritten() int64 {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.bytesWritten
}

// ContentType returns the declared content type, or a sniffed one when the
// handler did not declare any.
func (rec *ResponseRecorder) ContentType() string {
	if ct := rec.writer.Header().Get("Content-Type"); ct != "" {
		return ct
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.buf.Len() == 0 {
		return ""
	}
	return http.DetectContentType(rec.buf.Bytes())
}
