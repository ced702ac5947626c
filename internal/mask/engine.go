package mask

import (
	"fmt"

	"edge_access_log/internal/pathmatch"
)

type Kind string

const (
	KindParameter Kind = "parameter"
	KindBody      Kind = "body"
)

// Rule binds a route pattern to a masker.
type Rule struct {
	Route  string
	Masker Masker
}

// Recorder is notified every time a rule changes content.
type Recorder interface {
	RecordMask(kind string)
}

// Engine selects the maskers that apply to a request path. Rules are added
// during setup and only read afterwards.
type Engine struct {
	matcher    *pathmatch.Matcher
	parameters []Rule
	bodies     []Rule
	recorder   Recorder
}

func NewEngine(matcher *pathmatch.Matcher) *Engine {
	if matcher == nil {
		matcher = pathmatch.NewMatcher(0)
	}
	return &Engine{matcher: matcher}
}

func (e *Engine) SetRecorder(recorder Recorder) {
	e.recorder = recorder
}

func (e *Engine) AddParameter(route, name string) {
	e.parameters = append(e.parameters, Rule{Route: route, Masker: NewValueMasker(name)})
}

func (e *Engine) AddBodyPattern(route, expr string) error {
	masker, err := NewPatternMasker(expr)
	if err != nil {
		return fmt.Errorf("body pattern for route %q: %w", route, err)
	}
	e.bodies = append(e.bodies, Rule{Route: route, Masker: masker})
	return nil
}

func (e *Engine) AddRule(kind Kind, rule Rule) error {
	if rule.Masker == nil {
		return fmt.Errorf("%s rule for route %q has no masker", kind, rule.Route)
	}
	switch kind {
	case KindParameter:
		e.parameters = append(e.parameters, rule)
	case KindBody:
		e.bodies = append(e.bodies, rule)
	default:
		return fmt.Errorf("unknown mask kind %q", kind)
	}
	return nil
}

func (e *Engine) Rules(kind Kind) []Rule {
	if e == nil {
		return nil
	}
	switch kind {
	case KindParameter:
		return append([]Rule(nil), e.parameters...)
	case KindBody:
		return append([]Rule(nil), e.bodies...)
	}
	return nil
}

// MaskParameters applies the parameter rules matching path to a URL-encoded
// parameter string.
func (e *Engine) MaskParameters(path, content string) string {
	if e == nil {
		return content
	}
	return e.apply(KindParameter, e.parameters, path, content)
}

// MaskBody applies the body pattern rules matching path to raw body text.
func (e *Engine) MaskBody(path, content string) string {
	if e == nil {
		return content
	}
	return e.apply(KindBody, e.bodies, path, content)
}

// apply runs every matching rule in insertion order, each one on the output
// of the previous.
func (e *Engine) apply(kind Kind, rules []Rule, path, content string) string {
	if content == "" || len(rules) == 0 {
		return content
	}
	out := content
	for _, rule := range rules {
		if !e.matcher.Match(rule.Route, path) {
			continue
		}
		masked := rule.Masker.Mask(out)
		if masked != out && e.recorder != nil {
			e.recorder.RecordMask(string(kind))
		}
		out = masked
	}
	return out
}
