// Package alerter is the rule-matching engine: it consumes the ingest queue
// crash-safely, classifies each event against the rule snapshot, persists an
// audit record, and either emits an alert or folds the event into an
// unhandled bucket.
package alerter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mutt/pipeline/internal/audit"
	"github.com/mutt/pipeline/internal/dynconfig"
	"github.com/mutt/pipeline/internal/event"
	"github.com/mutt/pipeline/internal/metrics"
	"github.com/mutt/pipeline/internal/queue"
	"github.com/mutt/pipeline/internal/rules"
	"github.com/mutt/pipeline/internal/worker"
)

// MetaAlertTeam receives unhandled-bucket meta-alerts until an operator
// writes a rule for the underlying fault.
const MetaAlertTeam = "DEFAULT"

const popTimeout = 5 * time.Second

// Alerter is one rule-matching worker replica.
type Alerter struct {
	sub    queue.Substrate
	cfg    *dynconfig.Client
	cache  *rules.Cache
	audit  audit.Writer
	poison *worker.PoisonTracker
	pod    string

	processing string
}

// New wires an alerter replica. pod must be unique per replica; it names the
// processing list and heartbeat key.
func New(sub queue.Substrate, cfg *dynconfig.Client, cache *rules.Cache, aw audit.Writer, pod string) *Alerter {
	return &Alerter{
		sub:        sub,
		cfg:        cfg,
		cache:      cache,
		audit:      aw,
		poison:     worker.NewPoisonTracker(sub, queue.RoleAlerter, time.Hour),
		pod:        pod,
		processing: queue.ProcessingList(queue.RoleAlerter, pod),
	}
}

// Run consumes until ctx is cancelled. Item-level failures are contained by
// the poison path; substrate failures back off and retry without advancing
// any counter.
func (a *Alerter) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := a.processOne(ctx)
		if err == nil {
			backoff = time.Second
			continue
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Error("queue substrate error, backing off", "pod", a.pod, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// processOne handles a single pop-classify-ack cycle. A non-nil return means
// the substrate itself failed; everything else is handled inside.
func (a *Alerter) processOne(ctx context.Context) error {
	item, err := a.sub.PopAndStash(ctx, queue.IngestQueue, a.processing, popTimeout)
	if err == queue.ErrNil {
		return nil
	}
	if err != nil {
		return err
	}

	// Backpressure on the outgoing queue decides before any work happens.
	if done, err := a.shedIfSaturated(ctx, item); err != nil {
		return err
	} else if done {
		return nil
	}

	var ev event.Event
	if err := json.Unmarshal(item, &ev); err != nil {
		slog.Warn("unparseable event on ingest queue", "pod", a.pod, "error", err)
		return a.poisonous(ctx, item, fmt.Errorf("parse: %w", err))
	}

	if err := a.classify(ctx, item, &ev); err != nil {
		return a.poisonous(ctx, item, err)
	}

	if err := a.sub.Ack(ctx, a.processing, item); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	a.poison.Clear(ctx, item)
	return nil
}

// shedIfSaturated applies load shedding when the alert queue is too deep.
// Returns done=true when the item was fully disposed of here.
func (a *Alerter) shedIfSaturated(ctx context.Context, item []byte) (bool, error) {
	depth, err := a.sub.Length(ctx, queue.AlertQueue)
	if err != nil {
		return false, fmt.Errorf("alert queue depth: %w", err)
	}
	metrics.AlertQueueDepth.Set(float64(depth))

	warn := int64(a.cfg.GetInt(ctx, "alerter_queue_warn_threshold", 5000))
	shed := int64(a.cfg.GetInt(ctx, "alerter_queue_shed_threshold", 10000))
	if depth >= warn && depth < shed {
		metrics.AlertQueueWarnings.Inc()
	}
	if depth < shed {
		return false, nil
	}

	mode := a.cfg.Get(ctx, "alerter_shed_mode", "defer")
	switch mode {
	case "dlq":
		if err := worker.DeadLetter(ctx, a.sub, queue.DLQAlerter, "shed", a.pod, item); err != nil {
			return false, err
		}
		metrics.EventsShed.WithLabelValues("dlq").Inc()

	default: // defer
		// Deferral shares the item's retry budget: an event bounced too many
		// times by a saturated queue goes to the DLQ instead of circling
		// forever.
		count, err := a.poison.Bump(ctx, item)
		if err != nil {
			return false, err
		}
		if count > int64(a.cfg.GetInt(ctx, "max_retries", 3)) {
			if err := worker.DeadLetter(ctx, a.sub, queue.DLQAlerter, "shed", a.pod, item); err != nil {
				return false, err
			}
			metrics.EventsShed.WithLabelValues("dlq").Inc()
		} else {
			sleep := time.Duration(a.cfg.GetInt(ctx, "alerter_defer_sleep_ms", 500)) * time.Millisecond
			select {
			case <-ctx.Done():
			case <-time.After(sleep):
			}
			if err := a.sub.Push(ctx, queue.IngestQueue, item); err != nil {
				return false, fmt.Errorf("defer requeue: %w", err)
			}
			metrics.EventsShed.WithLabelValues("defer").Inc()
		}
	}

	if err := a.sub.Ack(ctx, a.processing, item); err != nil {
		return false, fmt.Errorf("ack after shed: %w", err)
	}
	return true, nil
}

// classify runs match, audit, and emit for a parsed event.
func (a *Alerter) classify(ctx context.Context, raw []byte, ev *event.Event) error {
	match := a.cache.Match(ev)

	// Audit precedes any push, on both the matched and unhandled paths.
	rec := audit.Record{
		RuleID:        match.RuleID,
		Decision:      match.Decision,
		Team:          match.Team,
		Environment:   match.Environment,
		CorrelationID: ev.CorrelationID,
		RawPayload:    raw,
		PodID:         a.pod,
	}
	if err := a.audit.WriteClassification(ctx, rec); err != nil {
		metrics.AuditWriteFailures.Inc()
		slog.Error("audit write exhausted retries",
			"correlation_id", ev.CorrelationID, "error", err)
		if dlqErr := worker.DeadLetter(ctx, a.sub, queue.DLQAlerter, "audit_write_failed", a.pod, raw); dlqErr != nil {
			return dlqErr
		}
		return nil // disposed of; the ack in processOne finishes the unit
	}

	if !match.Matched() {
		metrics.EventsClassified.WithLabelValues("unhandled").Inc()
		return a.aggregateUnhandled(ctx, ev)
	}

	if match.Decision == event.DecisionIgnore {
		metrics.EventsClassified.WithLabelValues("ignored").Inc()
		slog.Debug("event matched IGNORE rule",
			"correlation_id", ev.CorrelationID, "rule_id", *match.RuleID)
		return nil
	}

	alert := event.Alert{
		Event:         *ev,
		MatchedRuleID: match.RuleID,
		Decision:      match.Decision,
		Team:          match.Team,
		Environment:   match.Environment,
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := a.sub.Push(ctx, queue.AlertQueue, payload); err != nil {
		return fmt.Errorf("alert push: %w", err)
	}

	metrics.EventsClassified.WithLabelValues("matched").Inc()
	metrics.AlertsEmitted.Inc()
	slog.Info("alert emitted",
		"correlation_id", ev.CorrelationID, "rule_id", *match.RuleID,
		"decision", match.Decision, "team", match.Team, "env", match.Environment)
	return nil
}

// aggregateUnhandled counts an unmatched event into its bucket and, exactly
// once per bucket across all replicas, emits a meta-alert when the bucket
// reaches the threshold. The single emission is guaranteed by the atomic
// rename: only the replica whose rename succeeds sees 1.
func (a *Alerter) aggregateUnhandled(ctx context.Context, ev *event.Event) error {
	fp := event.Fingerprint(ev.Message)
	key := queue.UnhandledKey(ev.Hostname, fp)
	ttl := a.cfg.GetInt(ctx, "unhandled_expiry_seconds", 3600)

	res, err := a.sub.Eval(ctx, queue.BoundedIncr, []string{key}, ttl)
	if err != nil {
		return fmt.Errorf("unhandled incr: %w", err)
	}
	count, _ := res.(int64)

	threshold := int64(a.cfg.GetInt(ctx, "unhandled_threshold", 10))
	if count < threshold {
		return nil
	}

	sealed := queue.UnhandledSealed + ev.Hostname + ":" + fp + ":" + uuid.New().String()
	renamed, err := a.sub.Eval(ctx, queue.SealBucket, []string{key, sealed})
	if err != nil {
		return fmt.Errorf("unhandled seal: %w", err)
	}
	if won, _ := renamed.(int64); won != 1 {
		return nil // another replica sealed this bucket first
	}

	meta := event.Alert{
		Event: event.Event{
			SourceType:    event.SourceOther,
			Hostname:      ev.Hostname,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			Message:       fmt.Sprintf("unhandled events from %s reached threshold %d: %s", ev.Hostname, threshold, ev.Message),
			CorrelationID: uuid.New().String(),
		},
		Decision:    event.DecisionPageOnly,
		Team:        MetaAlertTeam,
		Environment: event.EnvProd,
		MetaAlert:   true,
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta-alert: %w", err)
	}
	if err := a.sub.Push(ctx, queue.AlertQueue, payload); err != nil {
		return fmt.Errorf("meta-alert push: %w", err)
	}

	metrics.MetaAlertsEmitted.Inc()
	slog.Info("sealed unhandled bucket, meta-alert emitted",
		"hostname", ev.Hostname, "fingerprint", fp, "count", count)
	return nil
}

// poisonous advances the item's retry counter and either requeues it for
// another attempt or quarantines it. Substrate failures inside this path
// propagate so the caller backs off without touching the counter again.
func (a *Alerter) poisonous(ctx context.Context, item []byte, cause error) error {
	count, err := a.poison.Bump(ctx, item)
	if err != nil {
		return err
	}

	maxRetries := int64(a.cfg.GetInt(ctx, "max_retries", 3))
	if count > maxRetries {
		slog.Warn("quarantining poison event",
			"pod", a.pod, "attempts", count, "cause", cause)
		if err := worker.DeadLetter(ctx, a.sub, queue.DLQAlerter, "poison", a.pod, item); err != nil {
			return err
		}
	} else {
		slog.Warn("event processing failed, requeueing",
			"pod", a.pod, "attempt", count, "cause", cause)
		if err := a.sub.Push(ctx, queue.IngestQueue, item); err != nil {
			return fmt.Errorf("poison requeue: %w", err)
		}
	}

	if err := a.sub.Ack(ctx, a.processing, item); err != nil {
		return fmt.Errorf("ack after poison: %w", err)
	}
	return nil
}
