package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/marcospaulo/makeitrain/internal/adapter/cdp"
	_ "github.com/marcospaulo/makeitrain/internal/adapter/discord"
	"github.com/marcospaulo/makeitrain/internal/adapter/headless"
	mihttp "github.com/marcospaulo/makeitrain/internal/adapter/http"
	minats "github.com/marcospaulo/makeitrain/internal/adapter/nats"
	"github.com/marcospaulo/makeitrain/internal/adapter/natskv"
	"github.com/marcospaulo/makeitrain/internal/adapter/otel"
	"github.com/marcospaulo/makeitrain/internal/adapter/postgres"
	"github.com/marcospaulo/makeitrain/internal/adapter/ristretto"
	_ "github.com/marcospaulo/makeitrain/internal/adapter/slack"
	"github.com/marcospaulo/makeitrain/internal/config"
	"github.com/marcospaulo/makeitrain/internal/domain/resource"
	"github.com/marcospaulo/makeitrain/internal/logger"
	"github.com/marcospaulo/makeitrain/internal/middleware"
	"github.com/marcospaulo/makeitrain/internal/pool"
	"github.com/marcospaulo/makeitrain/internal/port/browser"
	"github.com/marcospaulo/makeitrain/internal/port/notifier"
	"github.com/marcospaulo/makeitrain/internal/port/retailer"
	"github.com/marcospaulo/makeitrain/internal/resilience"
	"github.com/marcospaulo/makeitrain/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"retailers", len(cfg.Retailers),
	)

	ctx := context.Background()

	// --- Infrastructure ---

	// PostgreSQL
	pgpool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pgpool.Close()
	log.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	// NATS JetStream: run events + session KV
	stream, err := minats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = stream.Close() }()

	sessionKV, err := stream.SessionBucket(ctx, cfg.NATS.SessionBucket)
	if err != nil {
		return fmt.Errorf("session bucket: %w", err)
	}
	sessions := natskv.New(sessionKV)

	// In-process stock cache
	stocks, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("stock cache: %w", err)
	}
	defer stocks.Close()

	// --- Resource pools ---

	accountRes, proxyRes, err := loadResources(cfg.ResourcesFile, cfg.Secret)
	if err != nil {
		return fmt.Errorf("resources: %w", err)
	}
	accounts := pool.New(resource.TypeAccount, cfg.Accounts, accountRes)
	proxies := pool.New(resource.TypeProxy, cfg.Proxies, proxyRes)
	log.Info("resource pools loaded", "accounts", accounts.Len(), "proxies", proxies.Len())

	// --- Browser + retailer adapters ---

	pace := cdp.NewPacer(cfg.Browser.MinDelay, cfg.Browser.MaxDelay)
	bw, err := cdp.Dial(ctx, cfg.Browser, pace)
	if err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	defer func() { _ = bw.Close() }()
	log.Info("browser connected", "endpoint", cfg.Browser.Endpoint)

	registerRetailers(cfg)

	// --- Notifiers ---

	notifiers, err := buildNotifiers(cfg.Notify)
	if err != nil {
		return fmt.Errorf("notifiers: %w", err)
	}
	notify := service.NewNotificationService(notifiers, cfg.Notify.Verbose, log)

	// --- Metrics ---

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Services ---

	store := postgres.NewStore(pgpool)
	breakers := resilience.NewSet(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	runner := service.NewRunner(cfg.Stage, cfg.Monitor, breakers, stocks)
	sched := service.NewScheduler(cfg.Scheduler)

	orch := service.NewOrchestrator(cfg.Scheduler, service.OrchestratorDeps{
		Scheduler: sched,
		Runner:    runner,
		Accounts:  accounts,
		Proxies:   proxies,
		Store:     store,
		Events:    stream,
		Sessions:  sessions,
		Notify:    notify,
		Metrics:   metrics,
		Adapters: func(tag string) (retailer.Adapter, error) {
			return retailer.New(tag, bw, retailerOpts(cfg, tag))
		},
	}, log)

	orchCtx, stopOrch := context.WithCancel(ctx)
	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		orch.Run(orchCtx)
	}()

	// --- HTTP ---

	handlers := &mihttp.Handlers{Tasks: orch}

	rl := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := rl.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(mihttp.Logger)
	r.Use(mihttp.SecurityHeaders)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(rl.Handler)

	mihttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	// Stop admitting new runs and wait for in-flight runs to wind down.
	stopOrch()
	<-orchDone
	log.Info("orchestrator drained")

	return nil
}

// registerRetailers binds each configured retailer tag to a headless
// page-flow adapter sharing the single browser connection.
func registerRetailers(cfg *config.Config) {
	for tag := range cfg.Retailers {
		retailer.Register(tag, func(b browser.Browser, opts map[string]string) (retailer.Adapter, error) {
			return headless.New(opts["retailer_tag"], b, opts)
		})
	}
}

// retailerOpts builds the option map for one retailer: its configured page
// flow plus the credential secret the adapter unseals passwords with.
func retailerOpts(cfg *config.Config, tag string) map[string]string {
	opts := make(map[string]string, len(cfg.Retailers[tag])+2)
	for k, v := range cfg.Retailers[tag] {
		opts[k] = v
	}
	opts["retailer_tag"] = tag
	opts["credential_secret"] = cfg.Secret
	return opts
}

// buildNotifiers instantiates every configured notification provider.
func buildNotifiers(cfg config.Notify) ([]notifier.Notifier, error) {
	var out []notifier.Notifier
	for name, opts := range cfg.Providers {
		n, err := notifier.New(name, opts)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		out = append(out, n)
	}
	return out, nil
}
