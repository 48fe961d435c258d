package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mutt/pipeline/internal/dynconfig"
	"github.com/mutt/pipeline/internal/event"
	"github.com/mutt/pipeline/internal/queue"
)

const testAPIKey = "test-api-key"

type fixture struct {
	sub *queue.RedisSubstrate
	mr  *miniredis.Miniredis
	ts  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	sub, err := queue.NewRedisSubstrate(queue.RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	srv := NewServer(sub, dynconfig.New(sub, 0), testAPIKey)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{sub: sub, mr: mr, ts: ts}
}

func (f *fixture) post(t *testing.T, body string, headers map[string]string) (*http.Response, ingestResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/ingest", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out ingestResponse
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

const validBody = `{
	"source_type": "syslog",
	"hostname": "core-01",
	"timestamp": "2025-01-01T00:00:00Z",
	"message": "link down on Gi0/1",
	"vendor_chassis": "WS-C3850"
}`

func TestIngestAccepted(t *testing.T) {
	f := newFixture(t)

	resp, out := f.post(t, validBody, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", out.Status)
	assert.NotEmpty(t, out.CorrelationID)

	items, err := f.mr.List(queue.IngestQueue)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var ev event.Event
	require.NoError(t, json.Unmarshal([]byte(items[0]), &ev))
	assert.Equal(t, out.CorrelationID, ev.CorrelationID)
	assert.NotEmpty(t, ev.ReceivedAt)
	assert.Contains(t, ev.Extra, "vendor_chassis", "vendor fields ride along")
}

func TestIngestHonorsCallerCorrelationID(t *testing.T) {
	f := newFixture(t)

	_, out := f.post(t, validBody, map[string]string{"X-Correlation-ID": "caller-supplied"})
	assert.Equal(t, "caller-supplied", out.CorrelationID)
}

func TestIngestRejectsBadAPIKey(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/ingest", strings.NewReader(validBody))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, f.mr.Exists(queue.IngestQueue))
}

func TestIngestRejectsMalformedAndInvalidBodies(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.post(t, "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out := f.post(t, `{"source_type":"syslog","hostname":"","timestamp":"2025-01-01T00:00:00Z","message":"m"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out.Error, "hostname")

	assert.False(t, f.mr.Exists(queue.IngestQueue))
}

func TestIngestRejectsOversizePayload(t *testing.T) {
	f := newFixture(t)

	huge := `{"source_type":"syslog","hostname":"h","timestamp":"2025-01-01T00:00:00Z","message":"` +
		string(bytes.Repeat([]byte("x"), MaxBodyBytes)) + `"}`
	resp, _ := f.post(t, huge, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.False(t, f.mr.Exists(queue.IngestQueue))
}

func TestIngestShedsOverRateLimit(t *testing.T) {
	f := newFixture(t)
	f.mr.Set(queue.ConfigPrefix+"ingest_rate_limit", "0")

	resp, out := f.post(t, validBody, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "shed", out.Status)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Positive(t, out.RetryAfter)
	assert.False(t, f.mr.Exists(queue.IngestQueue))
}

func TestIngestBackpressureAtQueueCap(t *testing.T) {
	f := newFixture(t)
	f.mr.Set(queue.ConfigPrefix+"ingest_queue_cap", "1")
	require.NoError(t, f.sub.Push(context.Background(), queue.IngestQueue, []byte("queued")))

	resp, out := f.post(t, validBody, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "rejected", out.Status)

	depth, err := f.sub.Length(context.Background(), queue.IngestQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "nothing was enqueued past the cap")
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdmitFailsOpenOnScriptTrouble(t *testing.T) {
	f := newFixture(t)

	// A healthy substrate with a sane cap admits.
	allowed, _, err := admit(context.Background(), f.sub, queue.RateLimitIngest, 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}
