package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/heimdex/heimdex-transcriber/internal/history"
	"github.com/heimdex/heimdex-transcriber/internal/jobrunner"
	"github.com/heimdex/heimdex-transcriber/internal/scheduler"
	"github.com/heimdex/heimdex-transcriber/internal/upload"
)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port         int
	Uploads      *upload.Orchestrator
	Scheduler    *scheduler.Scheduler
	Jobs         *jobrunner.Manager
	Repository   history.Repository
	Language     string
	PollInterval time.Duration
	Logger       *slog.Logger
	StartTime    time.Time
	DeviceID     string
	Version      string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:     router,
			ReadTimeout: 15 * time.Second,
			// streams stay open
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
