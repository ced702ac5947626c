package extract

import (
	"mime"
	"net/http"
	"strings"

	"edge_access_log/internal/capture"
	"edge_access_log/internal/diag"
	"edge_access_log/internal/headers"
	"edge_access_log/internal/mask"
)

var DefaultMediaSubtypes = []string{"json", "xml"}

type ResponseStatus struct{}

func (ResponseStatus) ExtractResponse(store *diag.Store, _ *http.Request, resp Response, _ bool) error {
	store.Set(FieldResponseStatus, resp.Status())
	return nil
}

type ResponseHeaders struct {
	Include headers.Set
}

func (e ResponseHeaders) ExtractResponse(store *diag.Store, _ *http.Request, resp Response, _ bool) error {
	store.Set(FieldResponseHeaders, headers.Render(resp.Header(), e.Include))
	return nil
}

// ResponseBody logs the length of every buffered response and the text of
// those whose media subtype is allowed. Async dispatches are not buffered,
// so both fields stay empty for them.
type ResponseBody struct {
	Masks         *mask.Engine
	MaxLength     int
	MediaSubtypes []string
}

func (e ResponseBody) ExtractResponse(store *diag.Store, r *http.Request, resp Response, async bool) error {
	if async {
		store.Set(FieldResponseBodyLength, diag.Empty)
		store.Set(FieldResponseBody, diag.Empty)
		return nil
	}

	store.Set(FieldResponseBodyLength, resp.BytesWritten())
	body := resp.Body()

	contentType := resp.ContentType()
	if !e.loggable(contentType) {
		store.Set(FieldResponseBody, diag.Empty)
		return nil
	}
	text := e.Masks.MaskBody(requestPath(r), capture.Decode(body, contentType))
	store.Set(FieldResponseBody, Truncate(text, e.MaxLength))
	return nil
}

func (e ResponseBody) loggable(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, subtype, ok := strings.Cut(mediaType, "/")
	if !ok {
		return false
	}
	allowed := e.MediaSubtypes
	if allowed == nil {
		allowed = DefaultMediaSubtypes
	}
	for _, candidate := range allowed {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		if candidate == "" {
			continue
		}
		if subtype == candidate || strings.HasSuffix(subtype, "+"+candidate) {
			return true
		}
	}
	return false
}
