package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mutt/pipeline/internal/config"
	"github.com/mutt/pipeline/internal/dynconfig"
	"github.com/mutt/pipeline/internal/metrics"
	"github.com/mutt/pipeline/internal/queue"
	"github.com/mutt/pipeline/internal/remediation"
	"github.com/mutt/pipeline/internal/sink"
	"github.com/mutt/pipeline/internal/worker"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.SinkURL == "" {
		log.Fatal("SINK_URL is required")
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)).
		With("service", "mutt-remediator", "pod", cfg.PodName))

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dyn := dynconfig.New(sub, 0)
	if err := dyn.Watch(ctx); err != nil {
		slog.Warn("dynamic config watch unavailable, relying on cache TTL", "error", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	opsServer := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server failed", "error", err)
		}
	}()

	sinkClient := sink.NewClient(cfg.SinkURL, cfg.SinkToken, cfg.SinkSecret, 10*time.Second)
	w := remediation.New(sub, dyn, sinkClient, cfg.PodName)

	// Return items a dead worker left mid-replay to their source DLQ, then
	// start heartbeating so the next janitor leaves this replica alone.
	if err := w.Reclaim(ctx); err != nil {
		log.Fatalf("janitor: %v", err)
	}
	for _, role := range w.Roles() {
		go worker.NewHeartbeat(sub, role, cfg.PodName, 0).Run(ctx)
	}

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	slog.Info("remediation worker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutdown signal received")
	cancel()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
	}
	opsServer.Shutdown(context.Background())
	slog.Info("remediation worker stopped")
}
