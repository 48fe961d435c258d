package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mutt/pipeline/internal/metrics"
	"github.com/mutt/pipeline/internal/queue"
)

// DLQEnvelope wraps a dead-lettered payload with the reason it landed there.
// Remediation unwraps it before replay; operators grep the reason field.
// Payloads that are not valid JSON (the usual poison case) ride in Raw as
// base64 instead.
type DLQEnvelope struct {
	Reason   string          `json:"reason"`
	FailedAt string          `json:"failed_at"`
	Pod      string          `json:"pod"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Raw      []byte          `json:"raw,omitempty"`
}

// DeadLetter wraps payload in an envelope and pushes it to dlq.
func DeadLetter(ctx context.Context, sub queue.Substrate, dlq, reason, pod string, payload []byte) error {
	env := DLQEnvelope{
		Reason:   reason,
		FailedAt: time.Now().UTC().Format(time.RFC3339),
		Pod:      pod,
	}
	if json.Valid(payload) {
		env.Payload = payload
	} else {
		env.Raw = payload
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("dlq envelope: %w", err)
	}
	if err := sub.Push(ctx, dlq, data); err != nil {
		return fmt.Errorf("dlq push %s: %w", dlq, err)
	}
	metrics.DLQRouted.WithLabelValues(dlq, reason).Inc()
	return nil
}

// OpenEnvelope parses a DLQ item. Items pushed by older tooling may be bare
// payloads; those are returned as-is with an empty reason.
func OpenEnvelope(item []byte) (DLQEnvelope, []byte) {
	var env DLQEnvelope
	if err := json.Unmarshal(item, &env); err == nil {
		if len(env.Payload) > 0 {
			return env, env.Payload
		}
		if len(env.Raw) > 0 {
			return env, env.Raw
		}
	}
	return DLQEnvelope{}, item
}
