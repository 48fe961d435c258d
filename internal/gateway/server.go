// Package gateway is the authenticated HTTP intake in front of the ingest
// queue. It validates events, applies the shared ingest rate limit, rejects
// on queue-cap backpressure, and stamps correlation ids before enqueueing.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mutt/pipeline/internal/dynconfig"
	"github.com/mutt/pipeline/internal/event"
	"github.com/mutt/pipeline/internal/metrics"
	"github.com/mutt/pipeline/internal/queue"
)

// MaxBodyBytes caps the ingest payload size.
const MaxBodyBytes = 16 << 20 // 16 MiB

// Server is the ingest gateway.
type Server struct {
	sub    queue.Substrate
	cfg    *dynconfig.Client
	apiKey []byte
}

// NewServer creates a gateway over the given substrate.
func NewServer(sub queue.Substrate, cfg *dynconfig.Client, apiKey string) *Server {
	return &Server{sub: sub, cfg: cfg, apiKey: []byte(apiKey)}
}

// Router builds the HTTP routing table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ingest", s.handleIngest).Methods("POST")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	r.Use(loggingMiddleware)
	return r
}

type ingestResponse struct {
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Error         string `json:"error,omitempty"`
	RetryAfter    int    `json:"retry_after_seconds,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	// 1. Authenticate. Constant-time compare so the key can't be probed
	// byte by byte.
	key := []byte(r.Header.Get("X-API-Key"))
	if len(key) != len(s.apiKey) || subtle.ConstantTimeCompare(key, s.apiKey) != 1 {
		metrics.EventsRejected.WithLabelValues("auth").Inc()
		writeJSON(w, http.StatusUnauthorized, ingestResponse{Status: "rejected", Error: "invalid API key"})
		return
	}

	// 2. Parse and validate.
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.EventsRejected.WithLabelValues("oversize").Inc()
			writeJSON(w, http.StatusRequestEntityTooLarge, ingestResponse{
				Status: "rejected", Error: fmt.Sprintf("payload exceeds %d bytes", MaxBodyBytes)})
			return
		}
		metrics.EventsRejected.WithLabelValues("validation").Inc()
		writeJSON(w, http.StatusBadRequest, ingestResponse{Status: "rejected", Error: "body must be a JSON object: " + err.Error()})
		return
	}
	if st := r.Header.Get("X-Source-Type"); st != "" && ev.SourceType == "" {
		ev.SourceType = event.SourceType(st)
	}
	if err := ev.Validate(); err != nil {
		metrics.EventsRejected.WithLabelValues("validation").Inc()
		writeJSON(w, http.StatusBadRequest, ingestResponse{Status: "rejected", Error: err.Error()})
		return
	}

	ctx := r.Context()

	// 3. Shared ingest rate limit.
	cap := s.cfg.GetInt(ctx, "ingest_rate_limit", 5000)
	period := s.cfg.GetSeconds(ctx, "ingest_rate_period_s", time.Minute)
	allowed, retryAfter, err := admit(ctx, s.sub, queue.RateLimitIngest, cap, period)
	if err != nil {
		slog.Warn("ingest rate-limit check failed, admitting", "error", err)
	} else if !allowed {
		metrics.EventsRejected.WithLabelValues("shed").Inc()
		secs := int(retryAfter/time.Second) + 1
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		writeJSON(w, http.StatusTooManyRequests, ingestResponse{
			Status: "shed", Error: "ingest rate limit exceeded", RetryAfter: secs})
		return
	}

	// 4. Queue-cap backpressure.
	depth, err := s.sub.Length(ctx, queue.IngestQueue)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("enqueue").Inc()
		writeJSON(w, http.StatusServiceUnavailable, ingestResponse{
			Status: "rejected", Error: "queue substrate unavailable", RetryAfter: 5})
		return
	}
	metrics.IngestQueueDepth.Set(float64(depth))
	if qcap := int64(s.cfg.GetInt(ctx, "ingest_queue_cap", 100000)); depth >= qcap {
		metrics.EventsRejected.WithLabelValues("backpressure").Inc()
		writeJSON(w, http.StatusServiceUnavailable, ingestResponse{
			Status: "rejected", Error: "ingest queue at capacity", RetryAfter: 10})
		return
	}

	// 5. Stamp correlation id and receipt time.
	if ev.CorrelationID == "" {
		if hdr := r.Header.Get("X-Correlation-ID"); hdr != "" {
			ev.CorrelationID = hdr
		} else {
			ev.CorrelationID = uuid.New().String()
		}
	}
	ev.ReceivedAt = time.Now().UTC().Format(time.RFC3339)

	// 6. Enqueue.
	payload, err := json.Marshal(ev)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ingestResponse{Status: "rejected", Error: err.Error()})
		return
	}
	if err := s.sub.Push(ctx, queue.IngestQueue, payload); err != nil {
		metrics.EventsRejected.WithLabelValues("enqueue").Inc()
		slog.Error("ingest enqueue failed", "correlation_id", ev.CorrelationID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, ingestResponse{
			Status: "rejected", Error: "enqueue failed, retry", RetryAfter: 5})
		return
	}

	metrics.EventsIngested.Inc()
	slog.Info("event accepted",
		"correlation_id", ev.CorrelationID, "hostname", ev.Hostname, "source_type", ev.SourceType)
	writeJSON(w, http.StatusAccepted, ingestResponse{Status: "accepted", CorrelationID: ev.CorrelationID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.sub.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy", "substrate": "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "mutt-gateway"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path != "/metrics" && r.URL.Path != "/health" {
			slog.Debug("http request",
				"method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
		}
	})
}
