// Package worker holds the plumbing every queue consumer shares: the
// heartbeat that proves a worker is alive, the janitor that reclaims a dead
// worker's in-flight items, and the poison tracker that bounds per-message
// retry budgets.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mutt/pipeline/internal/event"
	"github.com/mutt/pipeline/internal/metrics"
	"github.com/mutt/pipeline/internal/queue"
)

// DefaultHeartbeatInterval is how often a worker refreshes its heartbeat.
// The key TTL is three intervals, so one missed beat does not get a live
// worker's processing list reclaimed.
const DefaultHeartbeatInterval = 10 * time.Second

// Heartbeat maintains the per-worker liveness key.
type Heartbeat struct {
	sub      queue.Substrate
	role     string
	pod      string
	interval time.Duration
}

// NewHeartbeat creates a heartbeat for a worker identity.
func NewHeartbeat(sub queue.Substrate, role, pod string, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{sub: sub, role: role, pod: pod, interval: interval}
}

// Beat writes the heartbeat key once.
func (h *Heartbeat) Beat(ctx context.Context) error {
	key := queue.HeartbeatKey(h.role, h.pod)
	ts := []byte(time.Now().UTC().Format(time.RFC3339))
	return h.sub.KVSet(ctx, key, ts, 3*h.interval)
}

// Run beats until ctx is cancelled. The first beat happens immediately so
// the janitor window starts before the main loop pops anything.
func (h *Heartbeat) Run(ctx context.Context) {
	if err := h.Beat(ctx); err != nil {
		slog.Warn("heartbeat write failed", "role", h.role, "pod", h.pod, "error", err)
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Beat(ctx); err != nil {
				slog.Warn("heartbeat write failed", "role", h.role, "pod", h.pod, "error", err)
			}
		}
	}
}

// Janitor recovers in-flight items orphaned by dead workers.
type Janitor struct {
	sub       queue.Substrate
	role      string
	mainQueue string
}

// NewJanitor creates a janitor for a worker role. mainQueue is where
// reclaimed items go back.
func NewJanitor(sub queue.Substrate, role, mainQueue string) *Janitor {
	return &Janitor{sub: sub, role: role, mainQueue: mainQueue}
}

// Reclaim scans all processing lists for the role. Lists whose paired
// heartbeat key is absent belong to dead workers; their items are drained
// one at a time back to the head of the main queue and the list is deleted.
//
// Safe under concurrent janitors: each drain step is an atomic pop, so two
// janitors working the same list just split it. Duplicate enqueue of an
// item a worker had actually finished is acceptable under at-least-once.
func (j *Janitor) Reclaim(ctx context.Context) error {
	lists, err := j.sub.KVScan(ctx, queue.ProcessingPattern(j.role))
	if err != nil {
		return fmt.Errorf("janitor scan: %w", err)
	}

	for _, list := range lists {
		hbKey := queue.HeartbeatForProcessing(list)
		if hbKey == "" {
			continue
		}
		if _, err := j.sub.KVGet(ctx, hbKey); err == nil {
			continue // worker is alive
		} else if err != queue.ErrNil {
			return fmt.Errorf("janitor heartbeat check %s: %w", hbKey, err)
		}

		reclaimed := 0
		for {
			item, err := j.sub.PopAndStash(ctx, list, list+":reclaim", time.Millisecond)
			if err == queue.ErrNil {
				break
			}
			if err != nil {
				return fmt.Errorf("janitor drain %s: %w", list, err)
			}
			if err := j.sub.PushHead(ctx, j.mainQueue, item); err != nil {
				return fmt.Errorf("janitor requeue from %s: %w", list, err)
			}
			if err := j.sub.Ack(ctx, list+":reclaim", item); err != nil {
				return fmt.Errorf("janitor ack %s: %w", list, err)
			}
			reclaimed++
		}
		if err := j.sub.KVDel(ctx, list, list+":reclaim"); err != nil {
			return fmt.Errorf("janitor delete %s: %w", list, err)
		}
		if reclaimed > 0 {
			metrics.OrphansReclaimed.Add(float64(reclaimed))
			slog.Info("reclaimed orphaned in-flight items",
				"role", j.role, "list", list, "items", reclaimed)
		}
	}
	return nil
}

// PoisonTracker counts failures per payload so repeat offenders get
// quarantined instead of looping forever.
type PoisonTracker struct {
	sub  queue.Substrate
	role string
	ttl  time.Duration
}

// NewPoisonTracker creates a tracker. ttl bounds how long a payload's
// failure history is remembered.
func NewPoisonTracker(sub queue.Substrate, role string, ttl time.Duration) *PoisonTracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PoisonTracker{sub: sub, role: role, ttl: ttl}
}

// Bump increments the payload's failure counter and returns the new count.
func (p *PoisonTracker) Bump(ctx context.Context, payload []byte) (int64, error) {
	key := queue.RetryKey(p.role, event.PayloadHash(payload))
	res, err := p.sub.Eval(ctx, queue.BoundedIncr, []string{key}, int(p.ttl/time.Second))
	if err != nil {
		return 0, fmt.Errorf("poison bump: %w", err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("poison bump: unexpected reply %T", res)
	}
	return count, nil
}

// Clear forgets a payload's failure history after a success.
func (p *PoisonTracker) Clear(ctx context.Context, payload []byte) error {
	return p.sub.KVDel(ctx, queue.RetryKey(p.role, event.PayloadHash(payload)))
}
