package headers

import (
	"net/http"
	"net/textproto"
	"sort"
	"strings"

	"edge_access_log/internal/mask"
)

// Wildcard in an inclusion list selects every header.
const Wildcard = "*"

var secretHeaders = map[string]struct{}{
	"Cookie":              {},
	"Set-Cookie":          {},
	"Proxy-Authorization": {},
	"X-Api-Key":           {},
}

// Set is a case-insensitive inclusion list of header names.
type Set struct {
	all   bool
	names map[string]struct{}
}

func NewSet(names []string) Set {
	s := Set{names: make(map[string]struct{}, len(names))}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if name == Wildcard {
			s.all = true
			continue
		}
		s.names[textproto.CanonicalMIMEHeaderKey(name)] = struct{}{}
	}
	return s
}

func (s Set) Includes(name string) bool {
	if s.all {
		return true
	}
	_, ok := s.names[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

func (s Set) Empty() bool {
	return !s.all && len(s.names) == 0
}

// Render writes the included headers as "Name: value\n" lines sorted by
// name. Repeated values of one header are joined with ";".
func Render(h http.Header, include Set) string {
	if include.Empty() || len(h) == 0 {
		return ""
	}
	names := make([]string, 0, len(h))
	for name := range h {
		if include.Includes(name) {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(Redact(name, strings.Join(h.Values(name), ";")))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Redact hides credentials carried in header values.
func Redact(name, value string) string {
	if value == "" {
		return value
	}
	canonical := textproto.CanonicalMIMEHeaderKey(name)
	if canonical == "Authorization" {
		return MaskAuthorization(value)
	}
	if _, ok := secretHeaders[canonical]; ok {
		return mask.Redacted
	}
	return value
}

// MaskAuthorization keeps the first two dot-separated segments of a bearer
// token and redacts the rest. Any other credential is redacted entirely.
func MaskAuthorization(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return value
	}
	if !strings.HasPrefix(trimmed, "Bearer ") {
		return mask.Redacted
	}
	parts := strings.SplitN(trimmed, ".", 3)
	if len(parts) < 3 {
		return mask.Redacted
	}
	return parts[0] + "." + parts[1] + "." + mask.Redacted
}
