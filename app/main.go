package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lysyi3m/rss-reader/app/api"
	"github.com/lysyi3m/rss-reader/app/cfg"
	"github.com/lysyi3m/rss-reader/app/feed"
	"github.com/lysyi3m/rss-reader/app/plugins"
	"github.com/lysyi3m/rss-reader/app/reader"
	"github.com/lysyi3m/rss-reader/app/tasks"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if appCfg == nil {
		// Help was shown
		return
	}

	setupLogging(appCfg.Debug)

	if err := run(appCfg); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func run(appCfg *cfg.Cfg) error {
	ctx := context.Background()

	slog.Info("Starting RSS Reader server", "version", appCfg.Version)

	if err := os.MkdirAll(filepath.Dir(appCfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	registry := plugins.NewRegistry()

	rdr, err := reader.Open(ctx, appCfg.DBPath, reader.Options{
		Retriever: feed.NewHTTPRetriever(&http.Client{}, appCfg.UserAgent),
		Plugins:   registry,
		Workers:   appCfg.WorkerCount,
		Timeout:   appCfg.FetchTimeoutDuration(),
		UserAgent: appCfg.UserAgent,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer rdr.Close()
	slog.Info("Database opened", "path", appCfg.DBPath)

	registry.Register(plugins.MarkAsReadKey, plugins.NewMarkAsRead(rdr.Store(), feed.NewFilterer()))

	if appCfg.SearchEnabled {
		if err := rdr.EnableSearch(ctx); err != nil {
			return fmt.Errorf("failed to enable search: %w", err)
		}
	}

	configCache := feed.NewConfigCache(appCfg.FeedsDir)
	if err := configCache.Run(); err != nil {
		return fmt.Errorf("failed to load feed configurations: %w", err)
	}
	slog.Info("Feed configurations loaded", "count", configCache.GetConfigCount(), "dir", appCfg.FeedsDir)

	scheduler := tasks.NewScheduler(rdr.Store(), configCache, rdr.Pool(), tasks.SchedulerOptions{
		Interval:        appCfg.SchedulerIntervalDuration(),
		RefreshInterval: appCfg.RefreshIntervalDuration(),
		WorkerCount:     appCfg.WorkerCount,
	})
	scheduler.Start()
	slog.Info("Scheduler started", "workers", appCfg.WorkerCount, "interval", appCfg.SchedulerIntervalDuration())

	baseURL := appCfg.BaseUrl
	if baseURL == "" {
		baseURL = "http://localhost:" + appCfg.Port
	}
	handler := api.NewHandler(rdr, feed.NewGenerator(baseURL, appCfg.Version), scheduler, appCfg.Version)

	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      api.NewServer(handler, appCfg.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // /api/feeds/update waits for the updates
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", appCfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case runErr = <-serverErrChan:
	}

	slog.Info("Shutting down server gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	scheduler.Stop()
	slog.Info("Scheduler stopped")

	return runErr
}
