package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"edge_access_log/internal/config"
	"edge_access_log/internal/obs"
)

const defaultListenAddr = "127.0.0.1:8080"

var CLI struct {
	Config  string `help:"path to a JSON or YAML config file" short:"c" env:"ACCESSLOG_CONFIG" type:"path"`
	EnvFile string `help:"dotenv file loaded before the environment is read" name:"env-file" default:".env" type:"path"`

	Serve struct{} `cmd:"" help:"log and forward traffic to the upstream" default:"1"`
	Check struct{} `cmd:"" help:"validate the configuration and print warnings"`
}

func main() {
	ctx := kong.Parse(
		&CLI,
		kong.Name("accesslogd"),
		kong.Description("access logging front for an HTTP upstream"),
		kong.UsageOnError(),
	)

	if _, err := os.Stat(CLI.EnvFile); err == nil {
		if err := godotenv.Load(CLI.EnvFile); err != nil {
			log.Fatalf("load %s: %v", CLI.EnvFile, err)
		}
	}

	cfg, err := loadConfig(CLI.Config)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	warnings, err := config.Validate(cfg)
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	switch ctx.Command() {
	case "check":
		for _, warning := range warnings {
			fmt.Println("warning:", warning)
		}
		fmt.Println("config ok")
	default:
		if err := setupLogging(cfg.Log); err != nil {
			log.Fatalf("logging: %v", err)
		}
		logger := obs.Logger("cmd")
		for _, warning := range warnings {
			logger.Warn("config warning", "warning", warning)
		}
		sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := serve(sigCtx, cfg); err != nil {
			logger.Error("accesslogd stopped", "error", err)
			os.Exit(1)
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) error {
	level, err := obs.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	format := cfg.Format
	if format == "" {
		format = obs.FormatJSON
		if obs.IsTerminal(os.Stderr) {
			format = obs.FormatPretty
		}
	}
	handler, err := obs.NewHandler(os.Stderr, format, level)
	if err != nil {
		return err
	}
	obs.SetBase(slog.New(handler))
	return nil
}
