package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"edge_access_log/internal/headers"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg and returns warnings for settings that work but are
// probably unintended.
func Validate(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	warnings := []string{}
	if err := validateStruct(cfg); err != nil {
		return warnings, err
	}
	if err := validateLimits(cfg); err != nil {
		return warnings, err
	}
	if err := validatePatterns(cfg); err != nil {
		return warnings, err
	}
	warnAccessLog(cfg, &warnings)
	return warnings, nil
}

func validateStruct(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		messages = append(messages, fmt.Sprintf("field %q failed validation, condition: %s", fieldError.Namespace(), fieldError.Tag()))
	}
	return errors.New(strings.Join(messages, " | "))
}

func validateLimits(cfg *Config) error {
	if cfg.Limits.MaxBodyBytes != nil && *cfg.Limits.MaxBodyBytes <= 0 {
		return errors.New("limits.max_body_bytes must be > 0")
	}
	if limitsConfigured(cfg.Limits) && cfg.Limits.ReadHeaderTimeoutMS <= 0 {
		return errors.New("limits.read_header_timeout_ms must be > 0")
	}
	if cfg.Limits.ShutdownTimeoutMS < 0 {
		return errors.New("limits.shutdown_timeout_ms must be >= 0")
	}
	return nil
}

func validatePatterns(cfg *Config) error {
	for i, rule := range cfg.AccessLog.SensitiveBodyPatterns {
		if _, err := regexp.Compile("(?i)" + rule.Pattern); err != nil {
			return fmt.Errorf("access_log.sensitive_body_patterns[%d] route %q: %w", i, rule.Route, err)
		}
	}
	return nil
}

func warnAccessLog(cfg *Config, warnings *[]string) {
	al := cfg.AccessLog
	if al.LogRequestBody && al.MaxRequestBodyLength == 0 && len(al.SensitiveBodyPatterns) == 0 {
		*warnings = append(*warnings, "request bodies are logged unmasked at the default length")
	}
	for _, name := range al.RequestHeaders {
		if strings.TrimSpace(name) == headers.Wildcard {
			*warnings = append(*warnings, "access_log.request_headers logs every request header")
			break
		}
	}
	if al.LogResponseBody && len(al.ResponseBodyMediaSubtypes) == 0 {
		*warnings = append(*warnings, "response bodies are limited to the default json and xml subtypes")
	}
	if cfg.MetricsAddr == "" {
		*warnings = append(*warnings, "metrics_addr empty, metrics are not exposed")
	}
}

func limitsConfigured(cfg LimitsConfig) bool {
	if cfg.MaxHeaderBytes != 0 || cfg.MaxHeaderCount != 0 || cfg.MaxURLBytes != 0 {
		return true
	}
	if cfg.MaxBodyBytes != nil {
		return true
	}
	if cfg.ReadHeaderTimeoutMS != 0 || cfg.ReadTimeoutMS != 0 || cfg.WriteTimeoutMS != 0 {
		return true
	}
	return cfg.IdleTimeoutMS != 0
}
