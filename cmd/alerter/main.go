package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/mutt/pipeline/internal/alerter"
	"github.com/mutt/pipeline/internal/audit"
	"github.com/mutt/pipeline/internal/config"
	"github.com/mutt/pipeline/internal/dynconfig"
	"github.com/mutt/pipeline/internal/metrics"
	"github.com/mutt/pipeline/internal/queue"
	"github.com/mutt/pipeline/internal/rules"
	"github.com/mutt/pipeline/internal/worker"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)).
		With("service", "mutt-alerter", "pod", cfg.PodName))

	sub, err := queue.NewRedisSubstrate(queue.RedisOptions{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		PasswordNext: cfg.RedisPasswordNext,
		DB:           cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("queue substrate: %v", err)
	}
	defer sub.Close()

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("postgres open: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dyn := dynconfig.New(sub, 0)
	if err := dyn.Watch(ctx); err != nil {
		slog.Warn("dynamic config watch unavailable, relying on cache TTL", "error", err)
	}

	// 1. Initial rule snapshot. Startup fails hard if the rule store is
	// unreachable — an alerter with no rules is worse than no alerter.
	cache := rules.NewCache(rules.NewSQLStore(db), func() time.Duration {
		return dyn.GetSeconds(context.Background(), "rule_cache_ttl", 300*time.Second)
	})
	loadCtx, loadCancel := context.WithTimeout(ctx, 30*time.Second)
	err = cache.Refresh(loadCtx)
	loadCancel()
	if err != nil {
		log.Fatalf("initial rule load: %v", err)
	}

	// 2. Reclaim orphaned in-flight items from dead replicas.
	janitor := worker.NewJanitor(sub, queue.RoleAlerter, queue.IngestQueue)
	if err := janitor.Reclaim(ctx); err != nil {
		log.Fatalf("janitor: %v", err)
	}

	// 3. Heartbeat, 4. refresh loop.
	hb := worker.NewHeartbeat(sub, queue.RoleAlerter, cfg.PodName, 0)
	go hb.Run(ctx)
	go cache.Run(ctx)

	// SIGHUP forces an immediate rule refresh.
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	go func() {
		for range hupChan {
			slog.Info("SIGHUP received, forcing rule refresh")
			cache.ForceRefresh()
		}
	}()

	// Operational HTTP: health and metrics.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, pingCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer pingCancel()
		if err := sub.Ping(pingCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	opsServer := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server failed", "error", err)
		}
	}()

	// 5. Main loop.
	a := alerter.New(sub, dyn, cache, audit.NewStore(db), cfg.PodName)
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	slog.Info("alerter started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutdown signal received, finishing in-flight item")
	cancel()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		slog.Warn("grace period elapsed, in-flight item left for the janitor")
	}
	opsServer.Shutdown(context.Background())
	slog.Info("alerter stopped")
}
