package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"edge_access_log/internal/accesslog"
	"edge_access_log/internal/config"
	"edge_access_log/internal/grpclog"
	"edge_access_log/internal/limits"
	"edge_access_log/internal/obs"
	"edge_access_log/internal/proxy"
	"edge_access_log/internal/server"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	healthWindow         = 30 * time.Second
	unhealthyFailureRate = 0.5
)

type app struct {
	handler    http.Handler
	admin      http.Handler
	middleware *accesslog.Middleware
	metrics    *obs.Metrics
	limits     limits.Limits
}

// buildApp wires limits, the access log middleware and the upstream proxy
// into one handler.
func buildApp(cfg *config.Config) (*app, error) {
	lim, err := limits.FromConfig(cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("limits: %w", err)
	}
	metrics := obs.NewMetrics(obs.MetricsConfig{
		RouteTopK:         cfg.Metrics.RouteTopK,
		RecomputeInterval: cfg.Metrics.RecomputeInterval(),
		FailureWindow:     cfg.Metrics.FailureWindow(),
	})
	obs.SetDefaultMetrics(metrics)

	middleware, err := accesslog.New(cfg.AccessLog.ToAccessLog(),
		accesslog.WithMetrics(metrics),
		accesslog.WithSink(accesslog.NewSlogSink(obs.Base())),
	)
	if err != nil {
		return nil, err
	}
	upstream, err := proxy.NewHandler(cfg.UpstreamURL, nil)
	if err != nil {
		return nil, err
	}

	admin := http.NewServeMux()
	admin.Handle("/metrics", metrics.Handler())
	admin.Handle("/healthz", healthz(metrics))

	return &app{
		handler:    limits.Handler(middleware.Handler(upstream), lim),
		admin:      admin,
		middleware: middleware,
		metrics:    metrics,
		limits:     lim,
	}, nil
}

type healthStatus struct {
	Status   string `json:"status"`
	Records  int    `json:"records"`
	Failures int    `json:"failures"`
}

// healthz reports unhealthy when most recent access records failed.
func healthz(metrics *obs.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		total, failures := metrics.RecentFailures(healthWindow)
		status := healthStatus{Status: "ok", Records: total, Failures: failures}
		code := http.StatusOK
		if total > 0 && float64(failures)/float64(total) >= unhealthyFailureRate {
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := obs.Logger("cmd")
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	shutdown, err := server.ShutdownFromTimeout(cfg.Limits.ShutdownTimeout())
	if err != nil {
		return err
	}

	var stoppers []server.Stopper
	if cfg.MetricsAddr != "" {
		adminSrv, err := server.StartServers(a.admin, cfg.MetricsAddr, server.Options{
			Shutdown: server.ShutdownConfig{GracefulTimeout: time.Second},
			Logger:   obs.Logger("admin"),
		})
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		stoppers = append(stoppers, server.StopFunc(func(context.Context) error {
			return adminSrv.Shutdown()
		}))
	}
	if cfg.GRPCListenAddr != "" {
		stop, err := startGRPC(cfg, a)
		if err != nil {
			return err
		}
		stoppers = append(stoppers, stop)
	}

	srv, err := server.StartServers(a.handler, cfg.ListenAddr, server.Options{
		Limits:   a.limits,
		Shutdown: shutdown,
		Inflight: server.NewInflightTracker(),
		Stoppers: stoppers,
	})
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	<-ctx.Done()
	logger.Info("signal received, shutting down")
	return srv.Shutdown()
}

// startGRPC serves the standard health service, logged by the gRPC access
// log interceptor with the same masking rules as HTTP traffic.
func startGRPC(cfg *config.Config, a *app) (server.Stopper, error) {
	ln, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen grpc: %w", err)
	}
	opts := []grpclog.Option{
		grpclog.WithMasks(a.middleware.Masks()),
		grpclog.WithMetrics(a.metrics),
		grpclog.WithMetadata(cfg.AccessLog.RequestHeaders...),
	}
	if cfg.AccessLog.LogRequestBody {
		opts = append(opts, grpclog.WithPayloads(cfg.AccessLog.MaxRequestBodyLength))
	}
	interceptor := grpclog.New(accesslog.NewSlogSink(obs.Base()), opts...)

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(interceptor.Unary()))
	healthpb.RegisterHealthServer(grpcSrv, health.NewServer())

	logger := obs.Logger("grpc")
	go func() {
		if err := grpcSrv.Serve(ln); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()
	logger.Info("listening", "addr", ln.Addr().String())

	return server.StopFunc(func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			grpcSrv.Stop()
			return ctx.Err()
		}
	}), nil
}
