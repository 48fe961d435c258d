// Package remediation replays dead-lettered alerts once the sink recovers.
// One worker per deployment is the normal shape; if more run, the atomic pop
// keeps them from double-replaying. Items move through per-DLQ staging lists
// covered by the same heartbeat/janitor contract as the other consumers, so
// a worker dying mid-replay strands nothing.
package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mutt/pipeline/internal/dynconfig"
	"github.com/mutt/pipeline/internal/event"
	"github.com/mutt/pipeline/internal/metrics"
	"github.com/mutt/pipeline/internal/queue"
	"github.com/mutt/pipeline/internal/sink"
	"github.com/mutt/pipeline/internal/worker"
)

// Worker drains DLQs back into the alert queue when the sink is healthy.
type Worker struct {
	sub  queue.Substrate
	cfg  *dynconfig.Client
	sink *sink.Client
	pod  string

	// DLQs drained in order. The forwarder DLQ first: its items are
	// classified alerts that only failed delivery and go straight back to
	// the alert queue. Alerter DLQ items are raw events and re-enter at the
	// ingest queue for reclassification.
	targets []replayTarget
}

// replayTarget names one DLQ, where its items replay to, and the worker role
// its staging lists live under. One role per DLQ lets the janitor return
// orphans to the right queue.
type replayTarget struct {
	dlq  string
	dest string
	role string
}

// New wires a remediation worker.
func New(sub queue.Substrate, cfg *dynconfig.Client, sc *sink.Client, pod string) *Worker {
	return &Worker{
		sub:  sub,
		cfg:  cfg,
		sink: sc,
		pod:  pod,
		targets: []replayTarget{
			{dlq: queue.DLQMoog, dest: queue.AlertQueue, role: queue.RoleRemediationMoog},
			{dlq: queue.DLQAlerter, dest: queue.IngestQueue, role: queue.RoleRemediationAlerter},
		},
	}
}

// Roles returns the worker roles this worker stages under. Main runs a
// heartbeat for each so the janitor can tell a dead worker from a slow one.
func (w *Worker) Roles() []string {
	roles := make([]string, len(w.targets))
	for i, target := range w.targets {
		roles[i] = target.role
	}
	return roles
}

// Reclaim returns items stranded on dead workers' staging lists to the head
// of their source DLQ. Run once at startup, before the first cycle.
func (w *Worker) Reclaim(ctx context.Context) error {
	for _, target := range w.targets {
		j := worker.NewJanitor(w.sub, target.role, target.dlq)
		if err := j.Reclaim(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run cycles until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		interval := w.cfg.GetSeconds(ctx, "remediation_interval", time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if !w.cfg.GetBool(ctx, "remediation_enabled", true) {
			continue
		}
		if err := w.Cycle(ctx); err != nil {
			slog.Error("remediation cycle failed", "error", err)
		}
	}
}

// Cycle runs one health-gated replay pass.
func (w *Worker) Cycle(ctx context.Context) error {
	healthy := w.sink.Healthy(ctx)
	if healthy {
		metrics.SinkHealthy.Set(1)
	} else {
		metrics.SinkHealthy.Set(0)
		slog.Info("sink unhealthy, skipping remediation cycle")
		return nil
	}

	batch := w.cfg.GetInt(ctx, "remediation_batch_size", 100)
	maxPoison := int64(w.cfg.GetInt(ctx, "max_poison_retries", 3))

	for _, target := range w.targets {
		replayed, err := w.drain(ctx, target, batch, maxPoison)
		if err != nil {
			return fmt.Errorf("drain %s: %w", target.dlq, err)
		}
		if replayed > 0 {
			slog.Info("replayed dead-lettered items", "dlq", target.dlq, "count", replayed)
		}
	}
	return nil
}

// drain replays up to batch items from one DLQ, preserving their relative
// order. Items that keep coming back move to the terminal dead list.
func (w *Worker) drain(ctx context.Context, target replayTarget, batch int, maxPoison int64) (int, error) {
	staging := queue.ProcessingList(target.role, w.pod)
	replayed := 0

	for i := 0; i < batch; i++ {
		item, err := w.sub.PopAndStash(ctx, target.dlq, staging, 100*time.Millisecond)
		if err == queue.ErrNil {
			break
		}
		if err != nil {
			return replayed, err
		}

		env, payload := worker.OpenEnvelope(item)

		count, err := w.replayCount(ctx, payload)
		if err != nil {
			return replayed, err
		}
		if count > maxPoison {
			metrics.PoisonQuarantined.Inc()
			slog.Warn("replay budget exhausted, quarantining",
				"dlq", target.dlq, "reason", env.Reason, "replays", count)
			if err := w.sub.Push(ctx, queue.DLQDead, item); err != nil {
				return replayed, err
			}
		} else {
			if err := w.sub.Push(ctx, target.dest, payload); err != nil {
				return replayed, err
			}
			metrics.ItemsReplayed.Inc()
			replayed++
		}

		if err := w.sub.Ack(ctx, staging, item); err != nil {
			return replayed, err
		}
	}
	return replayed, nil
}

func (w *Worker) replayCount(ctx context.Context, payload []byte) (int64, error) {
	key := queue.RetryKey("replay", event.PayloadHash(payload))
	res, err := w.sub.Eval(ctx, queue.BoundedIncr, []string{key}, int((24 * time.Hour).Seconds()))
	if err != nil {
		return 0, err
	}
	count, _ := res.(int64)
	return count, nil
}
