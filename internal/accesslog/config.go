package accesslog

import (
	"errors"
	"fmt"

	"edge_access_log/internal/extract"
)

const (
	DefaultMaxRequestBodyLength  = 1024
	DefaultMaxResponseBodyLength = 2048
)

// ParameterRule masks the value of parameter Name on routes matching Route.
type ParameterRule struct {
	Route string
	Name  string
}

// PatternRule masks the capture groups of Pattern in bodies on routes
// matching Route.
type PatternRule struct {
	Route   string
	Pattern string
}

type Config struct {
	MaxRequestBodyLength  int
	MaxResponseBodyLength int
	LogRequestBody        bool
	LogResponseBody       bool

	RequestHeaders            []string
	ResponseHeaders           []string
	ResponseBodyMediaSubtypes []string

	SensitiveParameters   []ParameterRule
	SensitiveBodyPatterns []PatternRule

	CorrelationID       bool
	CorrelationHeader   string
	CorrelationIDLength int
}

func DefaultConfig() Config {
	return Config{
		MaxRequestBodyLength:      DefaultMaxRequestBodyLength,
		MaxResponseBodyLength:     DefaultMaxResponseBodyLength,
		ResponseBodyMediaSubtypes: append([]string(nil), extract.DefaultMediaSubtypes...),
		CorrelationHeader:         extract.DefaultCorrelationHeader,
		CorrelationIDLength:       extract.DefaultCorrelationLength,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRequestBodyLength == 0 {
		c.MaxRequestBodyLength = DefaultMaxRequestBodyLength
	}
	if c.MaxResponseBodyLength == 0 {
		c.MaxResponseBodyLength = DefaultMaxResponseBodyLength
	}
	if len(c.ResponseBodyMediaSubtypes) == 0 {
		c.ResponseBodyMediaSubtypes = append([]string(nil), extract.DefaultMediaSubtypes...)
	}
	if c.CorrelationHeader == "" {
		c.CorrelationHeader = extract.DefaultCorrelationHeader
	}
	if c.CorrelationIDLength == 0 {
		c.CorrelationIDLength = extract.DefaultCorrelationLength
	}
	return c
}

func (c Config) validate() error {
	var errs []error
	if c.MaxRequestBodyLength < 0 {
		errs = append(errs, fmt.Errorf("max request body length must be >= 0"))
	}
	if c.MaxResponseBodyLength < 0 {
		errs = append(errs, fmt.Errorf("max response body length must be >= 0"))
	}
	for i, rule := range c.SensitiveParameters {
		if rule.Route == "" || rule.Name == "" {
			errs = append(errs, fmt.Errorf("sensitive parameter rule %d needs a route and a name", i))
		}
	}
	for i, rule := range c.SensitiveBodyPatterns {
		if rule.Route == "" || rule.Pattern == "" {
			errs = append(errs, fmt.Errorf("sensitive body pattern rule %d needs a route and a pattern", i))
		}
	}
	return errors.Join(errs...)
}
