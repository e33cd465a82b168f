package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/micro-ha/northtracker/addon/internal/config"
	"github.com/micro-ha/northtracker/addon/internal/configsync"
	"github.com/micro-ha/northtracker/addon/internal/coordinator"
	httpapi "github.com/micro-ha/northtracker/addon/internal/http"
	"github.com/micro-ha/northtracker/addon/internal/http/handlers"
	"github.com/micro-ha/northtracker/addon/internal/logging"
	"github.com/micro-ha/northtracker/addon/internal/mqtt"
	"github.com/micro-ha/northtracker/addon/internal/northtracker"
	"github.com/micro-ha/northtracker/addon/internal/poller"
	"github.com/micro-ha/northtracker/addon/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DBDir(), 0o755); err != nil {
		logger.Error("failed to create db directory", "err", err)
		os.Exit(1)
	}

	repo, err := storage.New(ctx, cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	cfgManager := configsync.NewManager(configsync.NewClient(cfg.OptionsPath), logger)
	if _, err := cfgManager.Refresh(ctx); err != nil {
		logger.Warn("initial config refresh failed", "err", err)
	}

	vendor := northtracker.NewClient(cfg.VendorBaseURL).
		WithLogger(logger).
		WithTokenStore(repo)
	coord := coordinator.New(vendor, coordinator.Options{Logger: logger})
	applyConfig(cfgManager, vendor, coord)

	trackerPoller := poller.New(coord, cfgManager, logger)

	hub := handlers.NewHub(cfg.CORSOrigins, logger)
	go hub.Run()
	defer hub.Stop()

	trackerPoller.AddListener(repo)
	trackerPoller.AddListener(hub)

	if cfg.MQTT.Enabled() {
		publisher, err := mqtt.NewPublisher(cfg.MQTT, logger)
		if err != nil {
			logger.Warn("MQTT disabled", "broker", cfg.MQTT.Broker, "err", err)
		} else {
			trackerPoller.AddListener(publisher)
			defer publisher.Stop()
		}
	}

	onConfigChanged := func() {
		applyConfig(cfgManager, vendor, coord)
		trackerPoller.TriggerRefresh()
	}
	go runConfigFallbackRefresh(ctx, cfgManager, cfg.ConfigRefreshInterval, onConfigChanged, logger)

	watcher := configsync.NewWatcher(cfg.OptionsPath, 5*time.Second, logger)
	go watcher.Run(ctx, func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		change, err := cfgManager.Refresh(refreshCtx)
		if err != nil {
			logger.Warn("config refresh from options change failed", "err", err)
			return
		}
		if change.Any() {
			onConfigChanged()
		}
	})

	go trackerPoller.Run(ctx)
	trackerPoller.TriggerRefresh()

	api := handlers.New(
		coord,
		trackerPoller,
		cfgManager,
		repo,
		credentialChecker(cfg.VendorBaseURL, logger),
		hub,
		logger,
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(api, cfg.CORSOrigins),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("server starting", "addr", httpServer.Addr, "vendor", cfg.VendorBaseURL)
	if err := httpapi.RunServer(ctx, httpServer, cfg.ShutdownTimeout); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated with error", "err", err)
		os.Exit(1)
	}

	logoutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if vendor.Authenticated() {
		if err := vendor.Logout(logoutCtx); err != nil {
			logger.Warn("logout on shutdown failed", "err", err)
		}
	}
	logger.Info("server stopped")
}

// applyConfig pushes the current integration options into the vendor
// client and the coordinator.
func applyConfig(cfg *configsync.Manager, vendor *northtracker.Client, coord *coordinator.Coordinator) {
	current, ok := cfg.Get()
	if !ok {
		vendor.SetCredentials("", "")
		return
	}
	vendor.SetCredentials(current.Username, current.Password)
	coord.SetDeviceTypes(current.DeviceTypes)
}

// credentialChecker logs in on a throwaway client so the running session is
// left alone.
func credentialChecker(baseURL string, logger *slog.Logger) handlers.CredentialChecker {
	return func(ctx context.Context, username, password string) error {
		client := northtracker.NewClient(baseURL).WithLogger(logger)
		if err := client.Login(ctx, username, password); err != nil {
			return err
		}
		if err := client.Logout(ctx); err != nil {
			logger.Debug("logout after credential check failed", "err", err)
		}
		return nil
	}
}

func runConfigFallbackRefresh(ctx context.Context, cfg *configsync.Manager, interval time.Duration, onChanged func(), logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			change, err := cfg.Refresh(refreshCtx)
			cancel()
			if err != nil {
				logger.Warn("periodic config refresh failed", "err", err)
				continue
			}
			if change.Any() {
				onChanged()
			}
		}
	}
}
