package mask

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Redacted replaces every masked value.
const Redacted = "***"

// Masker rewrites content, hiding sensitive parts of it.
type Masker interface {
	Mask(content string) string
}

// ValueMasker masks the value of one key in a URL-encoded parameter string
// such as a query string or a form body.
type ValueMasker struct {
	name string
}

func NewValueMasker(name string) *ValueMasker {
	return &ValueMasker{name: name}
}

func (m *ValueMasker) Name() string {
	return m.name
}

func (m *ValueMasker) Mask(content string) string {
	if content == "" || m.name == "" {
		return content
	}
	pairs := strings.Split(content, "&")
	changed := false
	for i, pair := range pairs {
		key, _, hasValue := strings.Cut(pair, "=")
		if !hasValue || !m.matches(key) {
			continue
		}
		pairs[i] = key + "=" + Redacted
		changed = true
	}
	if !changed {
		return content
	}
	return strings.Join(pairs, "&")
}

func (m *ValueMasker) matches(key string) bool {
	if key == m.name {
		return true
	}
	decoded, err := url.QueryUnescape(key)
	return err == nil && decoded == m.name
}

// PatternMasker replaces the capture groups of every match of a regular
// expression. Matching is case-insensitive.
type PatternMasker struct {
	re *regexp.Regexp
}

func NewPatternMasker(expr string) (*PatternMasker, error) {
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, err
	}
	return &PatternMasker{re: re}, nil
}

func MustPatternMasker(expr string) *PatternMasker {
	m, err := NewPatternMasker(expr)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *PatternMasker) String() string {
	return m.re.String()
}

type span struct {
	start int
	end   int
}

func (m *PatternMasker) Mask(content string) string {
	if content == "" {
		return content
	}
	matches := m.re.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return content
	}

	var spans []span
	for _, match := range matches {
		for g := 2; g+1 < len(match); g += 2 {
			if match[g] < 0 {
				continue
			}
			spans = append(spans, span{start: match[g], end: match[g+1]})
		}
	}
	if len(spans) == 0 {
		return content
	}

	spans = mergeSpans(spans)
	out := content
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		out = out[:s.start] + Redacted + out[s.end:]
	}
	return out
}

// mergeSpans sorts spans by start and folds overlapping or nested spans
// together, so each byte of the input is replaced at most once.
func mergeSpans(spans []span) []span {
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start == spans[j].start {
			return spans[i].end > spans[j].end
		}
		return spans[i].start < spans[j].start
	})
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start == last.start || s.start < last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}
