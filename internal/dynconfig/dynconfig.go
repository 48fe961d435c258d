// Package dynconfig lets operators change pipeline tunables at runtime
// without restarting workers.
//
// Values live in the queue substrate's KV space under mutt:config:{key}.
// Each replica keeps a small TTL cache in front of the store; writes publish
// the key name on mutt:config:updates so caches evict early, and the TTL
// bounds staleness for any replica that missed the notification.
package dynconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mutt/pipeline/internal/metrics"
	"github.com/mutt/pipeline/internal/queue"
)

// DefaultCacheTTL bounds how stale a replica's view of a key can be.
const DefaultCacheTTL = 5 * time.Second

// Defaults are the recognized keys and their seed values. Seed writes them
// on first deployment; Get falls back to the caller-supplied default for
// keys the store has never seen.
var Defaults = map[string]string{
	"rule_cache_ttl":               "300",
	"unhandled_threshold":          "10",
	"unhandled_expiry_seconds":     "3600",
	"alerter_queue_warn_threshold": "5000",
	"alerter_queue_shed_threshold": "10000",
	"alerter_shed_mode":            "defer",
	"alerter_defer_sleep_ms":       "500",
	"sink_rate_limit":              "100",
	"sink_rate_period_s":           "60",
	"sink_max_retries":             "3",
	"sink_retry_base_delay":        "1",
	"sink_retry_max_delay":         "60",
	"sink_cb_failure_threshold":    "5",
	"sink_cb_open_seconds":         "60",
	"remediation_enabled":          "true",
	"remediation_interval":         "60",
	"remediation_batch_size":       "100",
	"max_poison_retries":           "3",
	"ingest_rate_limit":            "5000",
	"ingest_rate_period_s":         "60",
	"ingest_queue_cap":             "100000",
	"max_retries":                  "3",
}

type cacheEntry struct {
	value   string
	fetched time.Time
	missing bool
}

// auditRecord is appended to mutt:config:audit:{key} on every write.
type auditRecord struct {
	Key       string `json:"key"`
	OldValue  string `json:"old_value"`
	NewValue  string `json:"new_value"`
	ChangedBy string `json:"changed_by"`
	Reason    string `json:"reason"`
	ChangedAt string `json:"changed_at"`
	Version   int64  `json:"version"`
}

// Client reads and writes dynamic configuration. One Client per process;
// components receive it explicitly from main.
type Client struct {
	sub      queue.Substrate
	cacheTTL time.Duration

	mu        sync.Mutex
	cache     map[string]cacheEntry
	listeners map[string][]func(value string)
}

// New creates a client. ttl <= 0 selects DefaultCacheTTL.
func New(sub queue.Substrate, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Client{
		sub:       sub,
		cacheTTL:  ttl,
		cache:     make(map[string]cacheEntry),
		listeners: make(map[string][]func(string)),
	}
}

// Get returns the current value for key, or def if the store has no value.
// Store errors degrade to the default; a tunable read must never take a
// worker down.
func (c *Client) Get(ctx context.Context, key, def string) string {
	c.mu.Lock()
	entry, ok := c.cache[key]
	c.mu.Unlock()
	if ok && time.Since(entry.fetched) < c.cacheTTL {
		if entry.missing {
			return def
		}
		return entry.value
	}

	raw, err := c.sub.KVGet(ctx, queue.ConfigPrefix+key)
	if err == queue.ErrNil {
		c.store(key, "", true)
		return def
	}
	if err != nil {
		slog.Warn("dynconfig read failed, using default", "key", key, "default", def, "error", err)
		return def
	}
	val := string(raw)
	c.store(key, val, false)
	return val
}

// GetInt is Get with integer parsing; malformed values fall back to def.
func (c *Client) GetInt(ctx context.Context, key string, def int) int {
	raw := c.Get(ctx, key, strconv.Itoa(def))
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("dynconfig value is not an integer", "key", key, "value", raw)
		return def
	}
	return n
}

// GetBool is Get with boolean parsing.
func (c *Client) GetBool(ctx context.Context, key string, def bool) bool {
	raw := c.Get(ctx, key, strconv.FormatBool(def))
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

// GetSeconds reads an integer key expressed in seconds as a Duration.
func (c *Client) GetSeconds(ctx context.Context, key string, def time.Duration) time.Duration {
	n := c.GetInt(ctx, key, int(def/time.Second))
	return time.Duration(n) * time.Second
}

func (c *Client) store(key, value string, missing bool) {
	c.mu.Lock()
	c.cache[key] = cacheEntry{value: value, fetched: time.Now(), missing: missing}
	c.mu.Unlock()
}

// Set writes a value, appends an audit record, and publishes an
// invalidation. The write is authoritative: a failed publish is logged but
// does not undo it — replicas that miss the notification converge after
// their cache TTL.
func (c *Client) Set(ctx context.Context, key, value, changedBy, reason string) error {
	storeKey := queue.ConfigPrefix + key

	old := ""
	if raw, err := c.sub.KVGet(ctx, storeKey); err == nil {
		old = string(raw)
	}

	if err := c.sub.KVSet(ctx, storeKey, []byte(value), 0); err != nil {
		return fmt.Errorf("dynconfig set %s: %w", key, err)
	}

	version, _ := c.sub.KVIncr(ctx, queue.ConfigPrefix+"version:"+key)
	rec := auditRecord{
		Key:       key,
		OldValue:  old,
		NewValue:  value,
		ChangedBy: changedBy,
		Reason:    reason,
		ChangedAt: time.Now().UTC().Format(time.RFC3339),
		Version:   version,
	}
	data, _ := json.Marshal(rec)
	if err := c.sub.Push(ctx, queue.ConfigAuditPrefix+key, data); err != nil {
		slog.Warn("dynconfig audit append failed", "key", key, "error", err)
	}

	metrics.ConfigChanges.WithLabelValues(key).Inc()
	c.store(key, value, false)

	if err := c.sub.Publish(ctx, queue.ConfigUpdates, []byte(key)); err != nil {
		slog.Warn("dynconfig invalidation publish failed, caches converge via TTL",
			"key", key, "error", err)
	}
	return nil
}

// OnChange registers a callback for a key. Callbacks run on the watcher
// goroutine after the cached entry is evicted, so a re-read inside the
// callback observes the new value.
func (c *Client) OnChange(key string, fn func(value string)) {
	c.mu.Lock()
	c.listeners[key] = append(c.listeners[key], fn)
	c.mu.Unlock()
}

// Watch subscribes to the invalidation channel until ctx is cancelled.
func (c *Client) Watch(ctx context.Context) error {
	unsub, err := c.sub.Subscribe(ctx, queue.ConfigUpdates, func(msg []byte) {
		key := string(msg)

		c.mu.Lock()
		delete(c.cache, key)
		fns := append([]func(string){}, c.listeners[key]...)
		c.mu.Unlock()

		if len(fns) == 0 {
			return
		}
		value := c.Get(ctx, key, Defaults[key])
		for _, fn := range fns {
			fn(value)
		}
	})
	if err != nil {
		return fmt.Errorf("dynconfig watch: %w", err)
	}

	go func() {
		<-ctx.Done()
		unsub()
	}()
	return nil
}

// Seed writes defaults for every recognized key that has no value yet.
// Run once per deployment by cmd/seed-config.
func (c *Client) Seed(ctx context.Context, changedBy string) error {
	for key, value := range Defaults {
		if _, err := c.sub.KVGet(ctx, queue.ConfigPrefix+key); err == nil {
			continue
		} else if err != queue.ErrNil {
			return fmt.Errorf("dynconfig seed read %s: %w", key, err)
		}
		if err := c.Set(ctx, key, value, changedBy, "initial seed"); err != nil {
			return err
		}
		slog.Info("seeded dynamic config key", "key", key, "value", value)
	}
	return nil
}
