// Command seed-config writes default values for every recognized dynamic
// configuration key that has no value yet. Run once when a deployment is
// first brought up.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mutt/pipeline/internal/config"
	"github.com/mutt/pipeline/internal/dynconfig"
	"github.com/mutt/pipeline/internal/queue"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	changedBy := os.Getenv("USER")
	if changedBy == "" {
		changedBy = "seed-config"
	}

	dyn := dynconfig.New(sub, 0)
	if err := dyn.Seed(ctx, changedBy); err != nil {
		log.Fatalf("seed: %v", err)
	}
	log.Println("dynamic configuration seeded")
}
