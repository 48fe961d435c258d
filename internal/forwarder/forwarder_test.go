package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mutt/pipeline/internal/dynconfig"
	"github.com/mutt/pipeline/internal/event"
	"github.com/mutt/pipeline/internal/queue"
	"github.com/mutt/pipeline/internal/sink"
	"github.com/mutt/pipeline/internal/worker"
)

type fakeSink struct {
	status   atomic.Int64
	requests atomic.Int64
	lastAuth atomic.Value
	srv      *httptest.Server
}

func newFakeSink(t *testing.T, status int) *fakeSink {
	t.Helper()
	fs := &fakeSink{}
	fs.status.Store(int64(status))
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.requests.Add(1)
		fs.lastAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(int(fs.status.Load()))
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

type fixture struct {
	sub  *queue.RedisSubstrate
	mr   *miniredis.Miniredis
	sink *fakeSink
	f    *Forwarder
}

func newFixture(t *testing.T, sinkStatus int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	sub, err := queue.NewRedisSubstrate(queue.RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	// Zero base delay keeps retry tests fast; jitter collapses with it.
	mr.Set(queue.ConfigPrefix+"sink_retry_base_delay", "0")

	fs := newFakeSink(t, sinkStatus)
	dyn := dynconfig.New(sub, 0)
	sc := sink.NewClient(fs.srv.URL, "sink-token", "", 2*time.Second)
	return &fixture{sub: sub, mr: mr, sink: fs, f: New(sub, dyn, sc, "pod-test")}
}

func enqueueAlert(t *testing.T, f *fixture, correlationID string) []byte {
	t.Helper()
	id := int64(3)
	alert := event.Alert{
		Event: event.Event{
			SourceType:    event.SourceSyslog,
			Hostname:      "core-01",
			Timestamp:     "2025-01-01T00:00:00Z",
			Message:       "link down",
			CorrelationID: correlationID,
		},
		MatchedRuleID: &id,
		Decision:      event.DecisionPageAndTicket,
		Team:          "NETENG",
		Environment:   event.EnvProd,
	}
	payload, err := json.Marshal(alert)
	require.NoError(t, err)
	require.NoError(t, f.sub.Push(context.Background(), queue.AlertQueue, payload))
	return payload
}

func TestDeliverySuccess(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	ctx := context.Background()

	enqueueAlert(t, f, "corr-1")
	require.NoError(t, f.f.processOne(ctx))

	assert.Equal(t, int64(1), f.sink.requests.Load())
	assert.Equal(t, "Bearer sink-token", f.sink.lastAuth.Load())
	assert.False(t, f.mr.Exists(queue.AlertQueue))
	assert.False(t, f.mr.Exists(f.f.processing))
	assert.False(t, f.mr.Exists(queue.DLQMoog))
}

func TestPermanentFailureDeadLettersWithoutRetry(t *testing.T) {
	f := newFixture(t, http.StatusBadRequest)
	ctx := context.Background()

	payload := enqueueAlert(t, f, "corr-1")
	require.NoError(t, f.f.processOne(ctx))

	assert.Equal(t, int64(1), f.sink.requests.Load(), "4xx is never retried")
	items, err := f.mr.List(queue.DLQMoog)
	require.NoError(t, err)
	require.Len(t, items, 1)
	env, inner := worker.OpenEnvelope([]byte(items[0]))
	assert.Equal(t, "http_4xx", env.Reason)
	assert.JSONEq(t, string(payload), string(inner))
	assert.False(t, f.mr.Exists(queue.AlertQueue))
	assert.False(t, f.mr.Exists(f.f.processing))
}

func TestTransientFailureRetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t, http.StatusInternalServerError)
	ctx := context.Background()

	f.mr.Set(queue.ConfigPrefix+"sink_max_retries", "1")
	// Threshold above the attempt count so the breaker stays out of the way.
	f.mr.Set(queue.ConfigPrefix+"sink_cb_failure_threshold", "10")

	enqueueAlert(t, f, "corr-1")

	// Attempt 1 fails and requeues.
	require.NoError(t, f.f.processOne(ctx))
	depth, err := f.sub.Length(ctx, queue.AlertQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	assert.False(t, f.mr.Exists(queue.DLQMoog))

	// Attempt 2 exhausts the budget.
	require.NoError(t, f.f.processOne(ctx))
	assert.Equal(t, int64(2), f.sink.requests.Load())
	items, err := f.mr.List(queue.DLQMoog)
	require.NoError(t, err)
	require.Len(t, items, 1)
	env, _ := worker.OpenEnvelope([]byte(items[0]))
	assert.Equal(t, "retry_exhausted", env.Reason)
	assert.False(t, f.mr.Exists(queue.AlertQueue))
	assert.False(t, f.mr.Exists(f.f.processing))
}

func TestSinkRecoveryClearsRetryBudget(t *testing.T) {
	f := newFixture(t, http.StatusInternalServerError)
	ctx := context.Background()

	f.mr.Set(queue.ConfigPrefix+"sink_max_retries", "1")
	f.mr.Set(queue.ConfigPrefix+"sink_cb_failure_threshold", "10")

	enqueueAlert(t, f, "corr-1")
	require.NoError(t, f.f.processOne(ctx))

	// Sink comes back before the budget runs out.
	f.sink.status.Store(http.StatusOK)
	require.NoError(t, f.f.processOne(ctx))

	assert.False(t, f.mr.Exists(queue.DLQMoog))
	assert.False(t, f.mr.Exists(queue.AlertQueue))

	// The failure counter was cleared on success.
	pattern, err := f.sub.KVScan(ctx, "mutt:retry:moog:*")
	require.NoError(t, err)
	assert.Empty(t, pattern)
}

func TestRepeatedFailuresOpenTheSharedCircuit(t *testing.T) {
	f := newFixture(t, http.StatusInternalServerError)
	ctx := context.Background()

	f.mr.Set(queue.ConfigPrefix+"sink_cb_failure_threshold", "1")
	f.mr.Set(queue.ConfigPrefix+"sink_max_retries", "5")

	enqueueAlert(t, f, "corr-1")
	require.NoError(t, f.f.processOne(ctx))

	state := f.mr.HGet(queue.CircuitSink, "state")
	assert.Equal(t, "OPEN", state)

	// With the breaker open the next pass requeues without calling the sink.
	before := f.sink.requests.Load()
	require.NoError(t, f.f.processOne(ctx))
	assert.Equal(t, before, f.sink.requests.Load())
	depth, err := f.sub.Length(ctx, queue.AlertQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "alert held on the queue while the circuit is open")
	assert.False(t, f.mr.Exists(f.f.processing))
}

func TestCircuitOpenRequeuesAtHead(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	ctx := context.Background()

	first := enqueueAlert(t, f, "corr-1")
	enqueueAlert(t, f, "corr-2")
	f.mr.HSet(queue.CircuitSink, "state", "OPEN", "opened_at", fmt.Sprint(time.Now().Unix()))

	require.NoError(t, f.f.processOne(ctx))

	assert.Equal(t, int64(0), f.sink.requests.Load())
	items, err := f.mr.List(queue.AlertQueue)
	require.NoError(t, err)
	require.Len(t, items, 2)
	// The gated alert goes back to the consume end, keeping its place in line.
	assert.JSONEq(t, string(first), items[1])
	assert.False(t, f.mr.Exists(f.f.processing))
}

func TestRateLimitCheckFailureHoldsAlert(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	ctx := context.Background()

	// A wrong-typed key makes the sliding-window script error out.
	f.mr.Set(queue.RateLimitSink, "not a window")

	enqueueAlert(t, f, "corr-1")
	require.NoError(t, f.f.processOne(ctx))

	assert.Equal(t, int64(0), f.sink.requests.Load(), "no delivery without an admitted budget draw")
	depth, err := f.sub.Length(ctx, queue.AlertQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	assert.False(t, f.mr.Exists(f.f.processing))
}

func TestRateLimitDenialHoldsAlert(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	ctx := context.Background()

	f.mr.Set(queue.ConfigPrefix+"sink_rate_limit", "0")

	enqueueAlert(t, f, "corr-1")
	require.NoError(t, f.f.processOne(ctx))

	assert.Equal(t, int64(0), f.sink.requests.Load())
	depth, err := f.sub.Length(ctx, queue.AlertQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	assert.False(t, f.mr.Exists(f.f.processing))
}

func TestUnparseableAlertDeadLetters(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	ctx := context.Background()

	require.NoError(t, f.sub.Push(ctx, queue.AlertQueue, []byte("garbage")))
	require.NoError(t, f.f.processOne(ctx))

	assert.Equal(t, int64(0), f.sink.requests.Load())
	items, err := f.mr.List(queue.DLQMoog)
	require.NoError(t, err)
	require.Len(t, items, 1)
	env, _ := worker.OpenEnvelope([]byte(items[0]))
	assert.Equal(t, "poison", env.Reason)
}
