// Package capture keeps copies of request and response bodies so they can
// be logged after the handler has consumed or produced them.
package capture

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/text/encoding/htmlindex"
)

const DefaultCharset = "UTF-8"

// RequestBody captures an inbound body the first time anybody reads it and
// replays the captured bytes afterwards. The transport is read at most once.
type RequestBody struct {
	mu      sync.Mutex
	source  io.ReadCloser
	data    []byte
	loaded  bool
	charset string
}

func newRequestBody(source io.ReadCloser, contentType string) *RequestBody {
	if source == nil {
		source = http.NoBody
	}
	return &RequestBody{source: source, charset: charsetOf(contentType)}
}

// load reads the transport on first use. The read error is handed to the
// first caller only; later callers see an empty body.
func (b *RequestBody) load() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded {
		return b.data, nil
	}
	b.loaded = true
	data, err := io.ReadAll(b.source)
	if err != nil {
		b.data = nil
		return nil, err
	}
	b.data = data
	return b.data, nil
}

// Bytes returns the captured body. Callers must not modify the slice.
func (b *RequestBody) Bytes() ([]byte, error) {
	return b.load()
}

// Reader returns a new view over the captured body.
func (b *RequestBody) Reader() (io.ReadCloser, error) {
	return &replayReader{body: b}, nil
}

// String decodes the captured body using its declared charset.
func (b *RequestBody) String() (string, error) {
	data, err := b.load()
	if err != nil {
		return "", err
	}
	return decode(data, b.charset), nil
}

func (b *RequestBody) Charset() string {
	return b.charset
}

func (b *RequestBody) Loaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

type replayReader struct {
	body   *RequestBody
	reader *bytes.Reader
}

func (r *replayReader) Read(p []byte) (int, error) {
	if r.reader == nil {
		data, err := r.body.load()
		r.reader = bytes.NewReader(data)
		if err != nil {
			return 0, err
		}
	}
	return r.reader.Read(p)
}

// Close leaves the transport to the server, which owns it.
func (r *replayReader) Close() error {
	return nil
}

// Wrap replaces the body of r with a capturing body and points GetBody at
// fresh views of it. A request that is already wrapped is returned as is.
func Wrap(r *http.Request) *http.Request {
	if _, ok := BodyOf(r); ok {
		return r
	}
	body := newRequestBody(r.Body, r.Header.Get("Content-Type"))
	r.Body = &replayReader{body: body}
	r.GetBody = body.Reader
	return r
}

// WrapForm wraps r and parses its form right away, so that the form values
// are available while the raw bytes stay captured for downstream readers.
func WrapForm(r *http.Request) (*http.Request, error) {
	r = Wrap(r)
	body, _ := BodyOf(r)
	err := r.ParseForm()
	r.Body, _ = body.Reader()
	return r, err
}

// BodyOf returns the capturing body of r, if r was wrapped.
func BodyOf(r *http.Request) (*RequestBody, bool) {
	if r == nil || r.Body == nil {
		return nil, false
	}
	rr, ok := r.Body.(*replayReader)
	if !ok {
		return nil, false
	}
	return rr.body, true
}

// Ensure wraps r in place when needed and returns its capturing body.
func Ensure(r *http.Request) *RequestBody {
	body, ok := BodyOf(r)
	if ok {
		return body
	}
	Wrap(r)
	body, _ = BodyOf(r)
	return body
}

// IsFormPost reports whether r is a POST carrying an URL-encoded form.
func IsFormPost(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/x-www-form-urlencoded"
}

func charsetOf(contentType string) string {
	if contentType == "" {
		return DefaultCharset
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return DefaultCharset
	}
	if cs := strings.TrimSpace(params["charset"]); cs != "" {
		return cs
	}
	return DefaultCharset
}

func decode(data []byte, charset string) string {
	if len(data) == 0 {
		return ""
	}
	if strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "utf8") {
		return string(data)
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(data)
	}
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(decoded)
}

// Decode converts data to a string using the charset declared in
// contentType, falling back to UTF-8.
func Decode(data []byte, contentType string) string {
	return decode(data, charsetOf(contentType))
}
