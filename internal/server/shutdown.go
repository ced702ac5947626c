package server

import (
	"fmt"
	"time"
)

const (
	defaultDrain           = 2 * time.Second
	defaultGracefulTimeout = 5 * time.Second
	defaultForceClose      = 2 * time.Second
)

type ShutdownConfig struct {
	Drain           time.Duration
	GracefulTimeout time.Duration
	ForceClose      time.Duration
}

// ShutdownFromTimeout derives the shutdown phases from one overall timeout:
// a tenth of it for draining, the rest for graceful completion.
func ShutdownFromTimeout(timeout time.Duration) (ShutdownConfig, error) {
	if timeout < 0 {
		return ShutdownConfig{}, fmt.Errorf("shutdown timeout must be non-negative")
	}
	if timeout == 0 {
		return DefaultShutdownConfig(), nil
	}
	drain := timeout / 10
	return ShutdownConfig{
		Drain:           drain,
		GracefulTimeout: timeout - drain,
		ForceClose:      defaultForceClose,
	}, nil
}

func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		Drain:           defaultDrain,
		GracefulTimeout: defaultGracefulTimeout,
		ForceClose:      defaultForceClose,
	}
}

func ApplyShutdownDefaults(cfg ShutdownConfig) ShutdownConfig {
	defaults := DefaultShutdownConfig()
	if cfg.Drain < 0 {
		cfg.Drain = defaults.Drain
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaults.GracefulTimeout
	}
	if cfg.ForceClose < 0 {
		cfg.ForceClose = defaults.ForceClose
	}
	return cfg
}
