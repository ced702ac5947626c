package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"edge_access_log/internal/accesslog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const EnvPrefix = "ACCESSLOG_"

type Config struct {
	ListenAddr     string `json:"listen_addr" yaml:"listen_addr" validate:"required"`
	UpstreamURL    string `json:"upstream_url" yaml:"upstream_url" validate:"required,url"`
	MetricsAddr    string `json:"metrics_addr" yaml:"metrics_addr"`
	GRPCListenAddr string `json:"grpc_listen_addr" yaml:"grpc_listen_addr"`

	Log       LogConfig     `json:"log" yaml:"log"`
	AccessLog AccessLog     `json:"access_log" yaml:"access_log"`
	Limits    LimitsConfig  `json:"limits" yaml:"limits"`
	Metrics   MetricsConfig `json:"metrics" yaml:"metrics"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=json pretty"`
}

type AccessLog struct {
	MaxRequestBodyLength  int  `json:"max_request_body_length" yaml:"max_request_body_length" validate:"gte=0"`
	MaxResponseBodyLength int  `json:"max_response_body_length" yaml:"max_response_body_length" validate:"gte=0"`
	LogRequestBody        bool `json:"log_request_body" yaml:"log_request_body"`
	LogResponseBody       bool `json:"log_response_body" yaml:"log_response_body"`

	RequestHeaders            []string `json:"request_headers" yaml:"request_headers"`
	ResponseHeaders           []string `json:"response_headers" yaml:"response_headers"`
	ResponseBodyMediaSubtypes []string `json:"response_body_media_subtypes" yaml:"response_body_media_subtypes"`

	SensitiveParameters   []ParameterRule `json:"sensitive_parameters" yaml:"sensitive_parameters" validate:"dive"`
	SensitiveBodyPatterns []PatternRule   `json:"sensitive_body_patterns" yaml:"sensitive_body_patterns" validate:"dive"`

	CorrelationID       bool   `json:"correlation_id" yaml:"correlation_id"`
	CorrelationHeader   string `json:"correlation_header" yaml:"correlation_header"`
	CorrelationIDLength int    `json:"correlation_id_length" yaml:"correlation_id_length" validate:"gte=0,lte=64"`
}

type ParameterRule struct {
	Route string `json:"route" yaml:"route" validate:"required"`
	Name  string `json:"name" yaml:"name" validate:"required"`
}

type PatternRule struct {
	Route   string `json:"route" yaml:"route" validate:"required"`
	Pattern string `json:"pattern" yaml:"pattern" validate:"required"`
}

type LimitsConfig struct {
	MaxHeaderBytes      int    `json:"max_header_bytes" yaml:"max_header_bytes"`
	MaxHeaderCount      int    `json:"max_header_count" yaml:"max_header_count"`
	MaxURLBytes         int    `json:"max_url_bytes" yaml:"max_url_bytes"`
	MaxBodyBytes        *int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
	ReadHeaderTimeoutMS int    `json:"read_header_timeout_ms" yaml:"read_header_timeout_ms"`
	ReadTimeoutMS       int    `json:"read_timeout_ms" yaml:"read_timeout_ms"`
	WriteTimeoutMS      int    `json:"write_timeout_ms" yaml:"write_timeout_ms"`
	IdleTimeoutMS       int    `json:"idle_timeout_ms" yaml:"idle_timeout_ms"`
	ShutdownTimeoutMS   int    `json:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms"`
}

type MetricsConfig struct {
	RouteTopK           int `json:"route_top_k" yaml:"route_top_k" validate:"gte=0"`
	RecomputeIntervalMS int `json:"recompute_interval_ms" yaml:"recompute_interval_ms" validate:"gte=0"`
	FailureWindowMS     int `json:"failure_window_ms" yaml:"failure_window_ms" validate:"gte=0"`
}

// Load reads a config file. The format follows the extension: .yaml and .yml
// are YAML, everything else is JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

func ParseJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return &cfg, nil
}

func ParseYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from ACCESSLOG_* variables found by lookup.
// List values are comma separated.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			parsed, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = parsed
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			parsed, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = parsed
		}
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("UPSTREAM_URL", &cfg.UpstreamURL)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	str("GRPC_LISTEN_ADDR", &cfg.GRPCListenAddr)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	al := &cfg.AccessLog
	boolean("LOG_REQUEST_BODY", &al.LogRequestBody)
	boolean("LOG_RESPONSE_BODY", &al.LogResponseBody)
	integer("MAX_REQUEST_BODY_LENGTH", &al.MaxRequestBodyLength)
	integer("MAX_RESPONSE_BODY_LENGTH", &al.MaxResponseBodyLength)
	list("REQUEST_HEADERS", &al.RequestHeaders)
	list("RESPONSE_HEADERS", &al.ResponseHeaders)
	list("RESPONSE_BODY_MEDIA_SUBTYPES", &al.ResponseBodyMediaSubtypes)
	boolean("CORRELATION_ID", &al.CorrelationID)
	str("CORRELATION_HEADER", &al.CorrelationHeader)

	return errors.Join(errs...)
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ToAccessLog converts the file representation into middleware settings.
func (a AccessLog) ToAccessLog() accesslog.Config {
	cfg := accesslog.Config{
		MaxRequestBodyLength:      a.MaxRequestBodyLength,
		MaxResponseBodyLength:     a.MaxResponseBodyLength,
		LogRequestBody:            a.LogRequestBody,
		LogResponseBody:           a.LogResponseBody,
		RequestHeaders:            append([]string(nil), a.RequestHeaders...),
		ResponseHeaders:           append([]string(nil), a.ResponseHeaders...),
		ResponseBodyMediaSubtypes: append([]string(nil), a.ResponseBodyMediaSubtypes...),
		CorrelationID:             a.CorrelationID,
		CorrelationHeader:         a.CorrelationHeader,
		CorrelationIDLength:       a.CorrelationIDLength,
	}
	for _, rule := range a.SensitiveParameters {
		cfg.SensitiveParameters = append(cfg.SensitiveParameters, accesslog.ParameterRule{Route: rule.Route, Name: rule.Name})
	}
	for _, rule := range a.SensitiveBodyPatterns {
		cfg.SensitiveBodyPatterns = append(cfg.SensitiveBodyPatterns, accesslog.PatternRule{Route: rule.Route, Pattern: rule.Pattern})
	}
	return cfg
}

func (m MetricsConfig) RecomputeInterval() time.Duration {
	return time.Duration(m.RecomputeIntervalMS) * time.Millisecond
}

func (m MetricsConfig) FailureWindow() time.Duration {
	return time.Duration(m.FailureWindowMS) * time.Millisecond
}

func (l LimitsConfig) ShutdownTimeout() time.Duration {
	return time.Duration(l.ShutdownTimeoutMS) * time.Millisecond
}
