package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mutt/pipeline/internal/event"
	"github.com/mutt/pipeline/internal/metrics"
)

// Cache holds the replica-local rule snapshot. Refresh swaps the snapshot
// pointer atomically; Match readers never block on a refresh and never see
// torn state.
type Cache struct {
	store    Store
	snapshot atomic.Pointer[Snapshot]
	interval func() time.Duration // re-read each tick so the dynamic key applies without restart
	force    chan struct{}
}

// NewCache creates a cache. interval is consulted before every sleep, which
// is how the rule_cache_ttl dynamic key takes effect at runtime.
func NewCache(store Store, interval func() time.Duration) *Cache {
	return &Cache{
		store:    store,
		interval: interval,
		force:    make(chan struct{}, 1),
	}
}

// Refresh loads a fresh snapshot and publishes it. On failure the previous
// snapshot stays in effect.
func (c *Cache) Refresh(ctx context.Context) error {
	snap, err := c.store.LoadSnapshot(ctx)
	if err != nil {
		metrics.RuleCacheRefreshFailures.Inc()
		return fmt.Errorf("rule cache refresh: %w", err)
	}
	c.snapshot.Store(snap)
	metrics.RuleSnapshotSize.Set(float64(len(snap.Rules)))
	slog.Info("rule snapshot refreshed",
		"rules", len(snap.Rules), "dev_hosts", len(snap.DevHosts), "teams", len(snap.Teams))
	return nil
}

// Match classifies an event against the current snapshot.
func (c *Cache) Match(ev *event.Event) MatchResult {
	return c.snapshot.Load().Match(ev)
}

// Snapshot returns the current snapshot, or nil before the first Refresh.
func (c *Cache) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// ForceRefresh requests an immediate refresh from the background loop.
// Wired to SIGHUP in main.
func (c *Cache) ForceRefresh() {
	select {
	case c.force <- struct{}{}:
	default: // one already pending
	}
}

// Run drives periodic refresh until ctx is cancelled. A failed refresh is
// logged and retried on the next tick; it never halts processing.
func (c *Cache) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(c.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.force:
			timer.Stop()
		case <-timer.C:
		}

		if err := c.Refresh(ctx); err != nil {
			slog.Warn("rule cache refresh failed, keeping previous snapshot", "error", err)
		}
		metrics.RuleSnapshotAge.Set(time.Since(c.snapshot.Load().LoadedAt).Seconds())
	}
}
