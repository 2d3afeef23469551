package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/siliconpool/siliconpool/internal/admin"
	"github.com/siliconpool/siliconpool/internal/availability"
	"github.com/siliconpool/siliconpool/internal/balance"
	"github.com/siliconpool/siliconpool/internal/blockdetect"
	"github.com/siliconpool/siliconpool/internal/config"
	"github.com/siliconpool/siliconpool/internal/engine"
	"github.com/siliconpool/siliconpool/internal/gateway"
	"github.com/siliconpool/siliconpool/internal/health"
	"github.com/siliconpool/siliconpool/internal/logger"
	"github.com/siliconpool/siliconpool/internal/monitoring"
	"github.com/siliconpool/siliconpool/internal/outbound"
	"github.com/siliconpool/siliconpool/internal/registry"
	"github.com/siliconpool/siliconpool/internal/router"
	"github.com/siliconpool/siliconpool/internal/selector"
	"github.com/siliconpool/siliconpool/internal/store"
	"github.com/siliconpool/siliconpool/internal/worker"
)

const (
	numWorkers   = 4
	jobQueueSize = 64
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.File)
	log.Info("Starting siliconpool", "port", cfg.Server.Port)
	cfg.Print(log)

	if err := run(cfg, log); err != nil {
		log.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	reg := registry.New(st, log)
	usage := registry.NewUsageLog(st, log)
	usage.Start()

	keySelector := selector.New(reg, log)

	detector, err := blockdetect.New(st, log)
	if err != nil {
		return fmt.Errorf("init block detector: %w", err)
	}
	go detector.StartPurge(ctx)

	jobs := make(chan worker.Job, jobQueueSize)
	workers := worker.Spawn(ctx, numWorkers, jobs, log)

	controller := availability.New(reg, log)
	prober := balance.NewProber(engine.UpstreamBaseURL, log)
	autoProber := balance.NewAutoProber(
		cfg.Balance.AutoQueryAfterCalls,
		prober,
		jobs,
		func(ctx context.Context, credentialID int64, res balance.Result) {
			if err := controller.ApplyProbe(ctx, credentialID, res); err != nil {
				log.Warn("auto balance probe apply failed",
					"credential_id", credentialID, "error", err)
			}
		},
		log,
	)

	proxyRegistry := outbound.NewRegistry(st, log)
	outboundSelector := outbound.NewSelector(proxyRegistry, cfg.UpstreamTimeout(), log)

	metrics := monitoring.New(true)
	go updateGauges(ctx, metrics, keySelector)

	eng := engine.New(engine.Config{
		Registry:        reg,
		Usage:           usage,
		Selector:        keySelector,
		Controller:      controller,
		Prober:          prober,
		AutoProber:      autoProber,
		Outbound:        outboundSelector,
		Detector:        detector,
		Metrics:         metrics,
		Logger:          log,
		UpstreamTimeout: cfg.UpstreamTimeout(),
	})

	gw := gateway.New(eng, cfg.Server.AdminPassword, cfg.Server.MaxBodySizeMB, log)
	adminAPI := admin.New(reg, usage, controller, prober, proxyRegistry, outboundSelector, jobs, log)

	checker := health.NewChecker()
	monitor := health.NewMonitor(&health.MonitorConfig{Logger: log}, checker, st)
	go monitor.Start(ctx)

	handler := router.New(router.Config{
		Gateway:       gw,
		Admin:         adminAPI,
		Detector:      detector,
		Checker:       checker,
		AdminPassword: cfg.Server.AdminPassword,
		Logger:        log,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler,
		// Write timeout must outlive the whole retry loop plus streaming;
		// the client socket timeout is sized for that.
		ReadTimeout:  cfg.ClientSocketTimeout(),
		WriteTimeout: cfg.ClientSocketTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigChan:
		log.Info("Shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	// Stop background work, then drain pending usage entries.
	cancel()
	workers.Wait()
	if err := usage.Shutdown(shutdownCtx); err != nil {
		log.Warn("usage log did not drain cleanly", "error", err)
	}

	log.Info("Server shutdown complete")
	return nil
}

// updateGauges refreshes the available-credentials gauge on an interval.
func updateGauges(ctx context.Context, metrics *monitoring.Metrics, sel *selector.Selector) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UpdateCredentialsAvailable(sel.AvailableCount())
		}
	}
}
