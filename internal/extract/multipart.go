package extract

import (
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"edge_access_log/internal/capture"
)

const defaultMultipartMemory = 10 << 20

// MultipartDecoder turns a multipart request into its non-file parameters.
type MultipartDecoder interface {
	IsMultipart(r *http.Request) bool
	Decode(r *http.Request) (map[string][]string, error)
}

// FormDecoder decodes multipart/form-data with the standard library parser.
// It works on a clone of the request over a fresh view of the captured
// body, so the request seen downstream is left untouched.
type FormDecoder struct {
	MaxMemory int64
}

func (d FormDecoder) IsMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

func (d FormDecoder) Decode(r *http.Request) (map[string][]string, error) {
	view, err := capture.Ensure(r).Reader()
	if err != nil {
		return nil, err
	}
	clone := r.Clone(r.Context())
	clone.Body = view
	clone.Form = nil
	clone.PostForm = nil
	clone.MultipartForm = nil

	maxMemory := d.MaxMemory
	if maxMemory <= 0 {
		maxMemory = defaultMultipartMemory
	}
	if err := clone.ParseMultipartForm(maxMemory); err != nil {
		return nil, err
	}
	defer clone.MultipartForm.RemoveAll()

	params := make(map[string][]string, len(clone.MultipartForm.Value))
	for key, values := range clone.MultipartForm.Value {
		params[key] = append([]string(nil), values...)
	}
	return params, nil
}

// EncodeParameters renders params as "key=value" pairs joined with "&",
// sorted by key, values URL-encoded.
func EncodeParameters(params map[string][]string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		for _, value := range params[key] {
			pairs = append(pairs, key+"="+url.QueryEscape(value))
		}
	}
	return strings.Join(pairs, "&")
}
