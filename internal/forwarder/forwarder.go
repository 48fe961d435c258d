// Package forwarder drains the alert queue to the external sink under a
// globally coordinated rate limit. Transient failures retry with backoff,
// persistent failures open a circuit shared by every replica, and permanent
// failures dead-letter immediately.
package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/mutt/pipeline/internal/dynconfig"
	"github.com/mutt/pipeline/internal/event"
	"github.com/mutt/pipeline/internal/metrics"
	"github.com/mutt/pipeline/internal/queue"
	"github.com/mutt/pipeline/internal/sink"
	"github.com/mutt/pipeline/internal/worker"
)

const popTimeout = 5 * time.Second

// circuitStateGauge maps breaker states onto the exported gauge.
var circuitStateGauge = map[string]float64{
	"CLOSED": 0, "PROBE": 1, "HALF_OPEN": 1, "OPEN": 2,
}

// Forwarder is one rate-limited forwarder replica.
type Forwarder struct {
	sub    queue.Substrate
	cfg    *dynconfig.Client
	sink   *sink.Client
	poison *worker.PoisonTracker
	pod    string

	processing string
}

// New wires a forwarder replica.
func New(sub queue.Substrate, cfg *dynconfig.Client, sc *sink.Client, pod string) *Forwarder {
	return &Forwarder{
		sub:        sub,
		cfg:        cfg,
		sink:       sc,
		poison:     worker.NewPoisonTracker(sub, queue.RoleMoog, time.Hour),
		pod:        pod,
		processing: queue.ProcessingList(queue.RoleMoog, pod),
	}
}

// Run consumes until ctx is cancelled, backing off on substrate failures.
func (f *Forwarder) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := f.processOne(ctx)
		if err == nil {
			backoff = time.Second
			continue
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Error("queue substrate error, backing off", "pod", f.pod, "backoff", backoff, "error", err)
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

func (f *Forwarder) processOne(ctx context.Context) error {
	item, err := f.sub.PopAndStash(ctx, queue.AlertQueue, f.processing, popTimeout)
	if err == queue.ErrNil {
		return nil
	}
	if err != nil {
		return err
	}

	// Circuit gate before spending any rate budget.
	state, err := f.circuitCheck(ctx)
	if err != nil {
		return err
	}
	if state == "OPEN" {
		if err := f.requeueHead(ctx, item, time.Second); err != nil {
			return err
		}
		return nil
	}

	// Shared sliding-window rate limit. If the budget check itself fails,
	// hold the alert rather than risk flooding the sink past its contract.
	admitted, retryAfter, err := f.admit(ctx)
	if err != nil {
		slog.Warn("rate-limit check failed, holding alert", "error", err)
		return f.requeue(ctx, item, time.Second)
	}
	if !admitted {
		metrics.RateLimitHits.Inc()
		if retryAfter <= 0 || retryAfter > 5*time.Second {
			retryAfter = time.Second
		}
		if err := f.requeue(ctx, item, retryAfter); err != nil {
			return err
		}
		return nil
	}

	var alert event.Alert
	if err := json.Unmarshal(item, &alert); err != nil {
		slog.Warn("unparseable alert on queue", "pod", f.pod, "error", err)
		if err := worker.DeadLetter(ctx, f.sub, queue.DLQMoog, "poison", f.pod, item); err != nil {
			return err
		}
		return f.finish(ctx, item)
	}

	deliverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = f.sink.Deliver(deliverCtx, item, alert.CorrelationID)
	cancel()

	switch {
	case err == nil:
		metrics.ForwardResults.WithLabelValues("success").Inc()
		if _, serr := f.sub.Eval(ctx, queue.CircuitSuccess, []string{queue.CircuitSink}); serr != nil {
			slog.Warn("circuit success record failed", "error", serr)
		}
		metrics.CircuitState.Set(circuitStateGauge["CLOSED"])
		f.poison.Clear(ctx, item)
		slog.Info("alert delivered", "correlation_id", alert.CorrelationID)
		return f.finish(ctx, item)

	case isPermanent(err):
		metrics.ForwardResults.WithLabelValues("permanent").Inc()
		slog.Warn("sink rejected alert, dead-lettering",
			"correlation_id", alert.CorrelationID, "error", err)
		f.recordFailure(ctx)
		if err := worker.DeadLetter(ctx, f.sub, queue.DLQMoog, "http_4xx", f.pod, item); err != nil {
			return err
		}
		return f.finish(ctx, item)

	default: // transient
		metrics.ForwardResults.WithLabelValues("transient").Inc()
		f.recordFailure(ctx)
		return f.retryOrDLQ(ctx, item, alert.CorrelationID, err)
	}
}

// retryOrDLQ requeues a transiently failed alert with exponential backoff,
// or dead-letters it once the retry budget is spent.
func (f *Forwarder) retryOrDLQ(ctx context.Context, item []byte, correlationID string, cause error) error {
	attempt, err := f.poison.Bump(ctx, item)
	if err != nil {
		return err
	}

	maxRetries := int64(f.cfg.GetInt(ctx, "sink_max_retries", 3))
	if attempt > maxRetries {
		slog.Warn("retry budget exhausted, dead-lettering",
			"correlation_id", correlationID, "attempts", attempt, "cause", cause)
		if err := worker.DeadLetter(ctx, f.sub, queue.DLQMoog, "retry_exhausted", f.pod, item); err != nil {
			return err
		}
		return f.finish(ctx, item)
	}

	base := f.cfg.GetSeconds(ctx, "sink_retry_base_delay", time.Second)
	max := f.cfg.GetSeconds(ctx, "sink_retry_max_delay", time.Minute)
	delay := base << (attempt - 1)
	if delay > max {
		delay = max
	}
	delay += time.Duration(rand.Int63n(int64(delay)/4 + 1)) // jitter

	metrics.ForwardRetries.Inc()
	slog.Warn("transient sink failure, requeueing",
		"correlation_id", correlationID, "attempt", attempt, "delay", delay, "cause", cause)
	return f.requeue(ctx, item, delay)
}

// requeue sleeps, pushes the item back to the tail of the alert queue, and
// acks it off the processing list.
func (f *Forwarder) requeue(ctx context.Context, item []byte, sleep time.Duration) error {
	select {
	case <-ctx.Done():
	case <-time.After(sleep):
	}
	if err := f.sub.Push(ctx, queue.AlertQueue, item); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return f.finish(ctx, item)
}

// requeueHead sleeps, then puts the item back at the consume end of the
// alert queue. Used when the item itself is fine and only the circuit is
// holding delivery, so it keeps its place in line.
func (f *Forwarder) requeueHead(ctx context.Context, item []byte, sleep time.Duration) error {
	select {
	case <-ctx.Done():
	case <-time.After(sleep):
	}
	if err := f.sub.PushHead(ctx, queue.AlertQueue, item); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return f.finish(ctx, item)
}

func (f *Forwarder) finish(ctx context.Context, item []byte) error {
	if err := f.sub.Ack(ctx, f.processing, item); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// circuitCheck runs the shared breaker transition script and returns
// "CLOSED", "OPEN", or "PROBE".
func (f *Forwarder) circuitCheck(ctx context.Context) (string, error) {
	openSecs := f.cfg.GetInt(ctx, "sink_cb_open_seconds", 60)
	res, err := f.sub.Eval(ctx, queue.CircuitCheck, []string{queue.CircuitSink},
		time.Now().Unix(), openSecs)
	if err != nil {
		return "", fmt.Errorf("circuit check: %w", err)
	}
	state, _ := res.(string)
	if state == "" {
		state = "CLOSED"
	}
	metrics.CircuitState.Set(circuitStateGauge[state])
	return state, nil
}

func (f *Forwarder) recordFailure(ctx context.Context) {
	threshold := f.cfg.GetInt(ctx, "sink_cb_failure_threshold", 5)
	res, err := f.sub.Eval(ctx, queue.CircuitFailure, []string{queue.CircuitSink},
		time.Now().Unix(), threshold)
	if err != nil {
		slog.Warn("circuit failure record failed", "error", err)
		return
	}
	if state, _ := res.(string); state == "OPEN" {
		metrics.CircuitState.Set(circuitStateGauge["OPEN"])
		slog.Warn("sink circuit opened", "threshold", threshold)
	}
}

// admit draws from the shared sink rate budget.
func (f *Forwarder) admit(ctx context.Context) (bool, time.Duration, error) {
	cap := f.cfg.GetInt(ctx, "sink_rate_limit", 100)
	period := f.cfg.GetSeconds(ctx, "sink_rate_period_s", time.Minute)

	res, err := f.sub.Eval(ctx, queue.SlidingWindowAdmit, []string{queue.RateLimitSink},
		time.Now().UnixMicro(), period.Microseconds(), cap, uuid.New().String())
	if err != nil {
		return false, 0, err
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return true, 0, nil
	}
	allowed, _ := reply[0].(int64)
	retryMicros, _ := reply[1].(int64)
	return allowed == 1, time.Duration(retryMicros) * time.Microsecond, nil
}

func isPermanent(err error) bool {
	var perm *sink.PermanentError
	return errors.As(err, &perm)
}
