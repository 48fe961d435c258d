// Package config loads the static process configuration: addresses,
// credentials, and identities that are fixed for the life of the process.
// Runtime tunables live in the dynamic-config subsystem instead.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config is the per-process static configuration.
type Config struct {
	Port string `yaml:"port"`

	RedisAddr         string `yaml:"redis_addr"`
	RedisPassword     string `yaml:"redis_password"`
	RedisPasswordNext string `yaml:"redis_password_next"`
	RedisDB           int    `yaml:"redis_db"`

	PostgresDSN string `yaml:"postgres_dsn"`

	APIKey string `yaml:"api_key"`

	SinkURL    string `yaml:"sink_url"`
	SinkToken  string `yaml:"sink_token"`
	SinkSecret string `yaml:"sink_secret"`

	PodName string `yaml:"pod_name"`
}

// Load reads configuration from the environment, optionally overridden by a
// YAML file named in MUTT_CONFIG_FILE. Environment wins over file so a
// deployment can patch a single value without editing the file.
func Load() (*Config, error) {
	cfg := &Config{
		Port:      "8080",
		RedisAddr: "localhost:6379",
	}

	if path := os.Getenv("MUTT_CONFIG_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	overrideStr(&cfg.Port, "PORT")
	overrideStr(&cfg.RedisAddr, "REDIS_ADDR")
	overrideStr(&cfg.RedisPassword, "REDIS_PASSWORD")
	overrideStr(&cfg.RedisPasswordNext, "REDIS_PASSWORD_NEXT")
	overrideInt(&cfg.RedisDB, "REDIS_DB")
	overrideStr(&cfg.PostgresDSN, "POSTGRES_DSN")
	overrideStr(&cfg.APIKey, "MUTT_API_KEY")
	overrideStr(&cfg.SinkURL, "SINK_URL")
	overrideStr(&cfg.SinkToken, "SINK_TOKEN")
	overrideStr(&cfg.SinkSecret, "SINK_SECRET")
	overrideStr(&cfg.PodName, "POD_NAME")

	if cfg.PodName == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("pod name: %w", err)
		}
		cfg.PodName = host
	}

	return cfg, nil
}

func overrideStr(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
