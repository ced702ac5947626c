package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"edge_access_log/internal/limits"
	"edge_access_log/internal/obs"
)

type Server struct {
	HTTPAddr string

	httpServer   *http.Server
	httpLn       net.Listener
	limits       limits.Limits
	shutdown     ShutdownConfig
	inflight     *InflightTracker
	stoppers     []Stopper
	closeIdle    []func()
	log          *slog.Logger
	shutdownOnce sync.Once
	shutdownErr  error
}

// Stopper is shut down before the HTTP server drains, for example a gRPC
// server or the metrics listener.
type Stopper interface {
	Stop(ctx context.Context) error
}

type StopFunc func(ctx context.Context) error

func (s StopFunc) Stop(ctx context.Context) error {
	return s(ctx)
}

type Options struct {
	Limits    limits.Limits
	Shutdown  ShutdownConfig
	Inflight  *InflightTracker
	Stoppers  []Stopper
	CloseIdle []func()
	Logger    *slog.Logger
}

// StartServers listens on httpAddr and serves handler in the background.
// When Options.Inflight is set, every request is tracked so that shutdown can
// wait for pending access records.
func StartServers(handler http.Handler, httpAddr string, options Options) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	if httpAddr == "" {
		return nil, errors.New("no listeners configured")
	}

	limitConfig := options.Limits
	if limitConfig.MaxHeaderBytes == 0 {
		limitConfig = limits.Default()
	}
	shutdownConfig := ApplyShutdownDefaults(options.Shutdown)
	logger := options.Logger
	if logger == nil {
		logger = obs.Logger("server")
	}

	ln, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, err
	}
	if options.Inflight != nil {
		handler = options.Inflight.Track(handler)
	}
	httpSrv := &http.Server{
		Handler:           handler,
		MaxHeaderBytes:    limitConfig.MaxHeaderBytes,
		ReadHeaderTimeout: limitConfig.ReadHeaderTimeout,
		ReadTimeout:       limitConfig.ReadTimeout,
		WriteTimeout:      limitConfig.WriteTimeout,
		IdleTimeout:       limitConfig.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	s := &Server{
		HTTPAddr:   ln.Addr().String(),
		httpServer: httpSrv,
		httpLn:     ln,
		limits:     limitConfig,
		shutdown:   shutdownConfig,
		inflight:   options.Inflight,
		stoppers:   options.Stoppers,
		closeIdle:  options.CloseIdle,
		log:        logger,
	}
	go s.serve()
	logger.Info("listening", "addr", s.HTTPAddr)
	return s, nil
}

func (s *Server) serve() {
	if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("server error", "error", err)
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return s.Shutdown()
}

// Shutdown stops accepting connections, runs the stoppers, waits for
// in-flight requests and closes the server. Only the first call does work.
func (s *Server) Shutdown() error {
	if s == nil {
		return nil
	}
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdownSequence()
	})
	return s.shutdownErr
}

func (s *Server) shutdownSequence() error {
	s.log.Info("shutting down", "inflight", s.inflight.Count())
	_ = s.httpLn.Close()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	for _, stopper := range s.stoppers {
		if stopper == nil {
			continue
		}
		if err := stopper.Stop(stopCtx); err != nil {
			s.log.Warn("stopper failed", "error", err)
		}
	}
	stopCancel()

	if s.shutdown.Drain > 0 {
		time.Sleep(s.shutdown.Drain)
	}

	for _, closeIdle := range s.closeIdle {
		if closeIdle != nil {
			closeIdle()
		}
	}

	gracefulCtx, gracefulCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	defer gracefulCancel()
	if err := s.inflight.Wait(gracefulCtx); err != nil {
		s.log.Warn("in-flight requests did not finish", "inflight", s.inflight.Count())
	}
	var firstErr error
	if err := s.httpServer.Shutdown(gracefulCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		firstErr = err
	}
	if gracefulCtx.Err() == nil {
		return firstErr
	}

	if s.shutdown.ForceClose > 0 {
		time.Sleep(s.shutdown.ForceClose)
	}
	_ = s.httpServer.Close()
	if firstErr != nil {
		return firstErr
	}
	return gracefulCtx.Err()
}
