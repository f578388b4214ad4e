package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"taskwarden/internal/api"
	"taskwarden/internal/config"
	"taskwarden/internal/core"
	"taskwarden/internal/logging"
	taskwardenmcp "taskwarden/internal/mcp"
	"taskwarden/internal/notify"
	"taskwarden/internal/store"
	"taskwarden/internal/trigger"
)

// deferredSubmitter lets the registry be built before the dispatcher that
// feeds the engine which in turn disables registry entries.
type deferredSubmitter struct {
	core.Submitter
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	if cfg.Server.Mode != "http" {
		// stdout carries the MCP stdio protocol.
		logger = logging.NewWithWriter(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("taskwarden exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeInst, err := store.Open(ctx, cfg.StateDir)
	if err != nil {
		return err
	}
	defer storeInst.Close()

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}
	translator := core.NewTranslator(location)
	notifier := buildNotifier(cfg, storeInst, logger)

	submitter := &deferredSubmitter{}
	registry := trigger.New(submitter, storeInst, logger, location)
	engine := core.NewEngine(storeInst, registry, notifier, core.NewCommandWork(logger), logger, core.EngineOptions{
		Timeout:          cfg.Engine.TaskTimeout,
		FailOnExhaustion: cfg.Engine.FailOnExhaustion,
	})
	dispatcher := core.NewDispatcher(engine, logger, cfg.Engine.Workers, cfg.Engine.QueueSize)
	submitter.Submitter = dispatcher

	service := core.NewService(storeInst, registry, dispatcher, notifier, translator, logger, nil)
	scanner := core.NewScanner(storeInst, registry, dispatcher, notifier, translator, logger, nil)

	dispatcher.Start(ctx)
	registry.Start(ctx)
	if err := service.Sync(ctx); err != nil {
		logger.Error("initial sync", "err", err)
	}
	if res, err := scanner.Scan(ctx, time.Now().UTC()); err != nil {
		logger.Error("startup recovery scan", "err", err)
	} else {
		logger.Info("startup recovery scan", "recovered", res.Recovered, "stuck", res.Stuck)
	}
	scanner.Start(ctx, cfg.Engine.ScanInterval)

	mcpServer := taskwardenmcp.NewMCPServer(service, logger, location)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.Mode == "http" || cfg.Server.Mode == "both" {
		server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, service, storeInst, mcpServer.Handler(), logger)
		g.Go(func() error {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	if cfg.Server.Mode == "mcp" || cfg.Server.Mode == "both" {
		// ServeStdio does not observe ctx; the process exit ends it.
		go func() {
			if err := mcpServer.Run(); err != nil {
				logger.Error("mcp server error", "err", err)
			}
			if cfg.Server.Mode == "mcp" {
				stop()
			}
		}()
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return nil
	})

	runErr := g.Wait()
	shutdown(cfg.ShutdownGrace, logger, registry, scanner, dispatcher)
	logger.Info("shutdown complete")
	return runErr
}

func buildNotifier(cfg *config.Config, storeInst *store.Store, logger *slog.Logger) core.Notifier {
	sinks := []notify.Notifier{notify.NewInbox(storeInst)}
	if cfg.Notification.Bark.Enabled && cfg.Notification.Bark.URL != "" {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			logger.Warn("bark notifier disabled", "err", err)
		} else {
			sinks = append(sinks, notify.MinPriority{
				Min:  core.PriorityMedium,
				Next: notify.NewRateLimited(bark, cfg.Notification.Rate, 5),
			})
		}
	}
	return notify.NewMultiNotifier(sinks...)
}

func shutdown(grace time.Duration, logger *slog.Logger, registry *trigger.Registry, scanner *core.Scanner, dispatcher *core.Dispatcher) {
	wait := func(name string, done <-chan struct{}) {
		select {
		case <-done:
		case <-time.After(grace):
			logger.Warn("stop timed out", "component", name)
		}
	}
	wait("registry", registry.Stop().Done())
	wait("scanner", scanner.Stop().Done())

	stopped := make(chan struct{})
	go func() {
		dispatcher.Stop()
		close(stopped)
	}()
	wait("dispatcher", stopped)
}
