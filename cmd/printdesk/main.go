package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/orrn/printdesk/internal/api"
	"github.com/orrn/printdesk/internal/api/handlers"
	"github.com/orrn/printdesk/internal/archive"
	"github.com/orrn/printdesk/internal/config"
	"github.com/orrn/printdesk/internal/core"
	"github.com/orrn/printdesk/internal/db"
	"github.com/orrn/printdesk/internal/device"
	"github.com/orrn/printdesk/internal/metrics"
	"github.com/orrn/printdesk/internal/mongostore"
	"github.com/orrn/printdesk/internal/webhook"
)

// jobStore is the persistence surface shared by the sqlite and mongo stores.
type jobStore interface {
	core.JobStore
	core.BlobStore
	handlers.JobRepository
}

func main() {
	configPath := flag.String("config", "printdesk.yaml", "path to a YAML or TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("printdesk exited", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	setupLogging(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prom := metrics.NewPrometheus()
	deps := api.Deps{Config: cfg, Metrics: prom.Handler()}

	var (
		jobs     jobStore
		closeDB  func()
		archiver *archive.Archiver
		feed     core.ChangeFeed
	)
	switch cfg.Store {
	case "mongo":
		ms, err := mongostore.Connect(ctx, &cfg.Mongo)
		if err != nil {
			return err
		}
		jobs = ms
		if cfg.Mongo.Watch {
			feed = ms
		}
		closeDB = func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			if err := ms.Close(closeCtx); err != nil {
				slog.Warn("mongo disconnect failed", "error", err)
			}
		}
	default:
		conn, err := db.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		store := db.NewStore(conn)
		jobs = store
		deps.Audit = store
		closeDB = func() { conn.Close() }

		archiver, err = archive.NewArchiver(conn, &cfg.Database)
		if err != nil {
			conn.Close()
			return err
		}
		deps.Archiver = archiver
	}
	defer closeDB()
	deps.Jobs = jobs

	spooler, err := device.NewSpooler(&cfg.Printers)
	if err != nil {
		return err
	}
	fleet := core.NewFleetManager(spooler, device.NewPDFExtractor(), &cfg.Printers, prom)
	fleet.Start(ctx)
	defer fleet.Stop()
	deps.Fleet = fleet

	events := core.MultiSink{core.LogSink{}}
	var sender *webhook.Sender
	if len(cfg.Webhooks) > 0 {
		sender = webhook.NewSender(cfg.Webhooks, webhook.Options{})
		sender.Start()
		defer sender.Stop()
		events = append(events, sender)
		deps.Webhooks = sender
	}
	deps.Events = events

	dispatcher := core.NewDispatcher(jobs, jobs, fleet, events, &cfg.Dispatcher)
	dispatcher.UseMetrics(prom)
	if feed != nil {
		dispatcher.UseChangeFeed(feed)
	}
	deps.Control = dispatcher

	var queue *core.WindowQueue
	if cfg.Queue.Enabled {
		queue = core.NewWindowQueue(&cfg.Queue, prom)
		dispatcher.UseQueue(queue)
		deps.Queue = queue
	}

	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	if archiver != nil {
		archiver.Start(ctx)
	}

	srv, err := api.NewServer(deps)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	dispatcher.Stop()
	if queue != nil {
		queue.Close()
	}
	srv.Cleanup()
	if archiver != nil {
		archiver.Stop()
	}
	cancel()

	slog.Info("shutdown complete")
	return nil
}
