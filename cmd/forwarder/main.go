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
	"github.com/mutt/pipeline/internal/forwarder"
	"github.com/mutt/pipeline/internal/metrics"
	"github.com/mutt/pipeline/internal/queue"
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
		With("service", "mutt-forwarder", "pod", cfg.PodName))

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

	janitor := worker.NewJanitor(sub, queue.RoleMoog, queue.AlertQueue)
	if err := janitor.Reclaim(ctx); err != nil {
		log.Fatalf("janitor: %v", err)
	}

	hb := worker.NewHeartbeat(sub, queue.RoleMoog, cfg.PodName, 0)
	go hb.Run(ctx)

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

	sinkClient := sink.NewClient(cfg.SinkURL, cfg.SinkToken, cfg.SinkSecret, 10*time.Second)
	f := forwarder.New(sub, dyn, sinkClient, cfg.PodName)
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	slog.Info("forwarder started", "sink", cfg.SinkURL)

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
	slog.Info("forwarder stopped")
}
