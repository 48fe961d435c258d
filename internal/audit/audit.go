// Package audit persists one classification record per processed event to
// the relational audit store. The write happens before the alert is pushed,
// so an operator reading the audit table knows the alert has at least been
// attempted.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/mutt/pipeline/internal/event"
)

// Record is one audit row.
type Record struct {
	RuleID        *int64
	Decision      event.Decision
	Team          string
	Environment   event.Environment
	CorrelationID string
	RawPayload    []byte
	PodID         string
}

// Writer persists classification records.
type Writer interface {
	WriteClassification(ctx context.Context, rec Record) error
}

// Store writes audit rows to Postgres with a bounded retry budget. An
// exhausted budget is fatal to the current event only — the caller routes it
// to the DLQ and moves on.
type Store struct {
	db          *sql.DB
	maxAttempts int
	baseDelay   time.Duration
}

// NewStore wraps an open database handle and applies the pool bounds shared
// by all replicas.
func NewStore(db *sql.DB) *Store {
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, maxAttempts: 3, baseDelay: 200 * time.Millisecond}
}

// WriteClassification inserts the record, retrying transient failures with
// exponential backoff and jitter.
func (s *Store) WriteClassification(ctx context.Context, rec Record) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := s.db.ExecContext(qctx, `
			INSERT INTO event_audit
				(rule_id, handling_decision, team_assignment, environment,
				 correlation_id, raw_payload, pod_id, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
			rec.RuleID, string(rec.Decision), rec.Team, string(rec.Environment),
			rec.CorrelationID, rec.RawPayload, rec.PodID)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < s.maxAttempts {
			delay := s.baseDelay * time.Duration(1<<(attempt-1))
			delay += time.Duration(rand.Int63n(int64(delay) / 2))
			slog.Warn("audit write failed, retrying",
				"correlation_id", rec.CorrelationID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("audit write exhausted %d attempts: %w", s.maxAttempts, lastErr)
}
