// Package api wires the HTTP surface: operator control, job ingestion and the
// standalone print server.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printdesk/internal/api/handlers"
	"github.com/orrn/printdesk/internal/api/middleware"
	"github.com/orrn/printdesk/internal/archive"
	"github.com/orrn/printdesk/internal/config"
	"github.com/orrn/printdesk/internal/core"
)

// Fleet is what the API needs from the printer fleet, satisfied by
// *core.FleetManager.
type Fleet interface {
	handlers.FleetController
	core.Fleet
}

// Deps are the components the API exposes. Queue, Archiver, Audit, Webhooks
// and Metrics are optional; their routes are not registered when nil.
type Deps struct {
	Config   *config.Config
	Jobs     handlers.JobRepository
	Control  handlers.JobController
	Fleet    Fleet
	Queue    *core.WindowQueue
	Archiver *archive.Archiver
	Audit    handlers.AuditStore
	Webhooks handlers.WebhookTester
	Events   core.EventSink
	Metrics  http.Handler
}

type Server struct {
	engine *gin.Engine
	http   *http.Server
	print  *handlers.PrintHandler
	logger *slog.Logger
}

func NewServer(deps Deps) (*Server, error) {
	if deps.Config == nil || deps.Jobs == nil || deps.Control == nil || deps.Fleet == nil {
		return nil, errors.New("api: config, jobs, control and fleet are required")
	}
	cfg := deps.Config

	auth, err := middleware.NewAuthMiddleware(&cfg.Auth)
	if err != nil {
		return nil, err
	}
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)

	s := &Server{logger: slog.Default().With("component", "api")}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Logging(nil))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online_printers": deps.Fleet.OnlineCount()})
	})
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	authGroup := r.Group("/api/auth")
	authGroup.POST("/login", limiter.Handler(), auth.LoginHandler)
	authGroup.POST("/logout", auth.LogoutHandler)
	authGroup.GET("/status", auth.StatusHandler)

	protected := r.Group("/api", auth.RequireAuth())

	handlers.NewPrinterHandler(deps.Fleet, deps.Audit).RegisterRoutes(protected)

	handlers.NewJobHandler(deps.Jobs, deps.Control, deps.Events, deps.Audit, cfg.Server.MaxUploadBytes).
		RegisterRoutes(protected, limiter.Handler())

	var depth handlers.QueueDepther
	if deps.Queue != nil {
		depth = deps.Queue
		s.print = handlers.NewPrintHandler(deps.Queue, deps.Fleet, cfg.Dispatcher.TempDir, cfg.Server.MaxUploadBytes)
		s.print.RegisterRoutes(protected, limiter.Handler())
	}

	handlers.NewDashboardHandler(deps.Jobs, deps.Fleet, deps.Control, depth).RegisterRoutes(protected)
	handlers.NewSettingsHandler(cfg, deps.Audit).RegisterRoutes(protected)

	if deps.Archiver != nil {
		handlers.NewArchiveHandler(deps.Archiver, deps.Audit).RegisterRoutes(protected)
	}
	if deps.Webhooks != nil {
		handlers.NewWebhookHandler(deps.Webhooks).RegisterRoutes(protected)
	}

	s.engine = r
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe blocks until the server stops. A graceful Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Cleanup removes print-server uploads that never ran. Call it after the
// queue is closed.
func (s *Server) Cleanup() {
	if s.print != nil {
		s.print.Cleanup()
	}
}
