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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dealgrid/price_reconciler/internal/claim"
	"github.com/dealgrid/price_reconciler/internal/classify"
	"github.com/dealgrid/price_reconciler/internal/config"
	"github.com/dealgrid/price_reconciler/internal/fetch"
	"github.com/dealgrid/price_reconciler/internal/lease"
	"github.com/dealgrid/price_reconciler/internal/logger"
	"github.com/dealgrid/price_reconciler/internal/monitoring"
	"github.com/dealgrid/price_reconciler/internal/queue"
	"github.com/dealgrid/price_reconciler/internal/ratelimit"
	"github.com/dealgrid/price_reconciler/internal/reconcile"
	"github.com/dealgrid/price_reconciler/internal/server"
	"github.com/dealgrid/price_reconciler/internal/store"
	"github.com/dealgrid/price_reconciler/internal/utils"
	"github.com/dealgrid/price_reconciler/internal/vendors"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LoggingLevel)

	hostname, _ := os.Hostname()
	holderID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])

	log.Info("Starting price_reconciler",
		"logging_level", cfg.Server.LoggingLevel,
		"port", cfg.Server.Port,
		"holder_id", holderID,
		"vendors", len(cfg.Vendors),
	)

	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)

	// Store
	pool, err := store.NewConnectionPool(&store.PoolConfig{
		DatabaseURL:         cfg.Store.DatabaseURL,
		MaxConns:            int32(cfg.Store.MaxConns),
		MinConns:            int32(cfg.Store.MinConns),
		HealthCheckInterval: cfg.Store.HealthCheckInterval,
		ConnectTimeout:      cfg.Store.ConnectTimeout,
		Logger:              log,
	})
	if err != nil {
		log.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	st := store.NewPgStore(pool, metrics, log)
	defer st.Close()

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.EnsureSchema(schemaCtx); err != nil {
		cancelSchema()
		log.Error("Failed to ensure schema", "error", err)
		os.Exit(1)
	}
	cancelSchema()

	// Rate limiter
	tiers := make([]ratelimit.Tier, 0, len(cfg.Limiter.Tiers))
	for _, tier := range cfg.Limiter.Tiers {
		tiers = append(tiers, ratelimit.Tier{
			Suffix: tier.Suffix,
			Rate:   tier.Rate,
			Burst:  float64(tier.Burst),
		})
	}
	limiter := ratelimit.New(ratelimit.Config{
		Tiers:            tiers,
		DefaultRate:      cfg.Limiter.DefaultRate,
		DefaultBurst:     float64(cfg.Limiter.DefaultBurst),
		MaxQueueDepth:    cfg.Limiter.MaxQueueDepth,
		PenaltyTokens:    cfg.Limiter.PenaltyTokens,
		IdleReclaimAfter: cfg.Limiter.IdleReclaimAfter,
		SweepInterval:    cfg.Limiter.SweepInterval,
	}, metrics, log)
	limiter.Start()
	defer limiter.Stop()

	// Vendor adapters over the rate-gated client
	client := fetch.NewClient(fetch.ClientConfig{
		Timeout:          cfg.Fetch.Timeout,
		MaxAttempts:      cfg.Fetch.MaxAttempts,
		BackoffBase:      cfg.Fetch.BackoffBase,
		BackoffCap:       cfg.Fetch.BackoffCap,
		MaxResponseBytes: int64(cfg.Fetch.MaxResponseMB) << 20,
		UserAgent:        cfg.Fetch.UserAgent,
	}, limiter, log)

	registry := vendors.NewRegistry()
	for _, vendor := range cfg.Vendors {
		adapter, err := vendors.NewHTTPJSONAdapter(vendor.BaseURL, client)
		if err != nil {
			log.Error("Failed to configure vendor adapter",
				"vendor_id", vendor.ID,
				"error", err,
			)
			os.Exit(1)
		}
		registry.Register(vendor.ID, adapter)
		log.Info("Vendor configured", "vendor_id", vendor.ID, "base_url", vendor.BaseURL)
	}

	leases := lease.New(st, metrics, log)

	completionQueue := queue.NewQueue(queue.Config{
		Capacity:    cfg.Queue.Capacity,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})

	engine := reconcile.New(st, leases, registry, completionQueue, metrics, reconcile.Config{
		LeaseTTL:         cfg.Reconcile.LeaseTTL,
		FetchConcurrency: cfg.Reconcile.FetchConcurrency,
		StalenessWindow:  cfg.Reconcile.StalenessWindow,
	}, log)

	// Completion path: claim tracker, optional classifier, queue workers
	claims, err := claim.New(st, claim.Config{
		TTL:           cfg.Claim.TTL,
		CacheSize:     cfg.Claim.CacheSize,
		SweepInterval: cfg.Claim.SweepInterval,
	}, log)
	if err != nil {
		log.Error("Failed to create claim tracker", "error", err)
		os.Exit(1)
	}
	claims.Start()
	defer claims.Stop()

	var classifier reconcile.Classifier
	if cfg.Classify.Enabled {
		classifier = classify.New(classify.Config{
			APIKey:      cfg.Classify.APIKey,
			Model:       cfg.Classify.Model,
			MaxTokens:   cfg.Classify.MaxTokens,
			Deadline:    cfg.Classify.Deadline,
			MaxAttempts: cfg.Classify.MaxAttempts,
			RetryDelay:  cfg.Classify.RetryDelay,
		}, log)
		log.Info("Classification enabled", "model", cfg.Classify.Model)
	}

	completer := reconcile.NewCompleter(st, claims, classifier, metrics, holderID, log)
	dispatcher := queue.NewDispatcher(completionQueue, completer, cfg.Queue.Workers,
		func(msg *queue.Message, reason error) {
			metrics.RecordQueueDrop()
		}, log)

	// Async reconcile triggers flow through their own queue and workers
	triggerQueue := queue.NewQueue(queue.Config{
		Capacity:    cfg.Queue.Capacity,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})
	triggerDispatcher := queue.NewDispatcher(triggerQueue,
		reconcile.NewTriggerHandler(engine, holderID, log), cfg.Queue.Workers,
		func(msg *queue.Message, reason error) {
			metrics.RecordQueueDrop()
		}, log)

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	dispatcher.Start(dispatchCtx)
	triggerDispatcher.Start(dispatchCtx)

	// Periodic cleanup of stale temporary records
	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	if cfg.Store.CleanupInterval > 0 && cfg.Store.CleanupAge > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Store.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-cleanupCtx.Done():
					return
				case <-ticker.C:
					cutoff := utils.NowUTC().Add(-cfg.Store.CleanupAge)
					removed, err := st.CleanupStaleTemporary(cleanupCtx, cutoff)
					if err != nil {
						log.Error("Stale temporary cleanup failed", "error", err)
						continue
					}
					if removed > 0 {
						log.Info("Removed stale temporary records", "count", removed)
					}
				}
			}
		}()
		log.Info("Stale temporary cleanup scheduled",
			"interval", cfg.Store.CleanupInterval,
			"age", cfg.Store.CleanupAge,
		)
	}

	srv := server.New(st, engine, leases, completionQueue, triggerQueue, holderID, cfg.Monitoring.HealthCheckPath, log)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())

	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("Prometheus metrics enabled", "path", "/metrics")
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	// stop intake, then let the dispatchers drain buffered messages
	cancelCleanup()
	completionQueue.Close()
	triggerQueue.Close()
	cancelDispatch()
	dispatcher.Wait()
	triggerDispatcher.Wait()

	log.Info("Shutdown complete")
}
