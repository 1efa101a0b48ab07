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

	"taskpilot/internal/api"
	"taskpilot/internal/browser"
	"taskpilot/internal/config"
	"taskpilot/internal/core"
	"taskpilot/internal/logging"
	taskpilotmcp "taskpilot/internal/mcp"
	"taskpilot/internal/notify"
	"taskpilot/internal/resilience"
	"taskpilot/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.ScreenshotRetention)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.DB.Close()

	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig(), nil, logger)

	driver, err := browser.NewRemoteDriver(cfg.Browser.BaseURL, cfg.Browser.AutomationURL,
		cfg.Browser.APIKey, cfg.Browser.ProjectID, nil)
	if err != nil {
		logger.Error("create browser driver", "err", err)
		os.Exit(1)
	}
	runner := browser.NewRunner(driver, breakers.Get("browserbase"), resilience.DefaultRetryConfig(), logger)

	notifier := notify.NewQueueNotifier(storeInst)

	executor := core.NewExecutor(storeInst, runner, notifier, breakers,
		core.GHLConfig{APIKey: cfg.GHL.APIKey, BaseURL: cfg.GHL.BaseURL},
		cfg.HTTPTimeout, logger)
	scheduler := core.NewScheduler(storeInst, executor, cfg.Scheduler.BatchSize, logger)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	if err := scheduler.Start(ctx, cfg.Scheduler.PollInterval); err != nil {
		logger.Error("start scheduler", "err", err)
		os.Exit(1)
	}

	mcpServer := taskpilotmcp.NewMCPServer(storeInst, executor, logger)

	switch cfg.Mode {
	case "http", "":
		runHTTPMode(cfg, storeInst, executor, scheduler, breakers, mcpServer, logger)
	case "mcp":
		runMCPMode(mcpServer, scheduler, logger, cancel)
	case "both":
		runBothMode(cfg, storeInst, executor, scheduler, breakers, mcpServer, logger)
	default:
		logger.Error("invalid mode", "mode", cfg.Mode, "valid", []string{"http", "mcp", "both"})
		os.Exit(1)
	}
}

// runHTTPMode starts only the HTTP server. The MCP endpoint is still mounted
// at /mcp over the streamable transport.
func runHTTPMode(cfg *config.Config, storeInst *store.Store, executor *core.Executor, scheduler *core.Scheduler, breakers *resilience.Registry, mcpServer *taskpilotmcp.MCPServer, logger *slog.Logger) {
	server, err := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, executor, scheduler, breakers, mcpServer.HTTPHandler(), logger)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdown(server, scheduler, cfg.ShutdownGrace, logger)
}

// runMCPMode starts only the MCP server on stdio.
func runMCPMode(mcpServer *taskpilotmcp.MCPServer, scheduler *core.Scheduler, logger *slog.Logger, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		logger.Info("received signal, shutting down...")
		cancel()
		scheduler.Stop()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}
}

// runBothMode serves HTTP and the stdio MCP transport at once.
func runBothMode(cfg *config.Config, storeInst *store.Store, executor *core.Executor, scheduler *core.Scheduler, breakers *resilience.Registry, mcpServer *taskpilotmcp.MCPServer, logger *slog.Logger) {
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server, err := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, executor, scheduler, breakers, mcpServer.HTTPHandler(), logger)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdown(server, scheduler, cfg.ShutdownGrace, logger)
	logger.Info("shutdown complete")
}

func shutdown(server *api.Server, scheduler *core.Scheduler, grace time.Duration, logger *slog.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(grace):
		logger.Warn("scheduler stop timed out")
	}
}
