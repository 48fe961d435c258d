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
	"github.com/mutt/pipeline/internal/gateway"
	"github.com/mutt/pipeline/internal/queue"
)

func main() {
	godotenv.Load() // optional .env for local development

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.APIKey == "" {
		log.Fatal("MUTT_API_KEY is required")
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "mutt-gateway"))

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

	srv := gateway.NewServer(sub, dyn, cfg.APIKey)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping intake")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
	}()

	slog.Info("ingest gateway listening", "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	slog.Info("ingest gateway stopped")
}
