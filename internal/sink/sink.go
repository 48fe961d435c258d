// Package sink is the HTTP client for the external AIOps receiver. It
// classifies outcomes into success / transient / permanent so the forwarder
// can decide between retry and dead-letter without inspecting HTTP details.
package sink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mutt/pipeline/internal/metrics"
)

// TransientError marks a failure worth retrying: 5xx, timeout, connection
// reset.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return "transient sink failure: " + e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

// PermanentError marks a 4xx response. Retrying an input the sink has
// rejected wastes the rate budget, so these go straight to the DLQ.
type PermanentError struct {
	Status int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent sink failure: HTTP %d", e.Status)
}

// Client delivers alerts to the sink webhook.
type Client struct {
	url    string
	token  string
	secret string
	http   *http.Client
	probe  *http.Client
}

// NewClient creates a sink client. secret, when set, enables HMAC payload
// signatures the receiver can verify.
func NewClient(url, token, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:    url,
		token:  token,
		secret: secret,
		http:   &http.Client{Timeout: timeout},
		probe:  &http.Client{Timeout: 3 * time.Second},
	}
}

// Deliver posts one alert payload. Returns nil on 2xx, *TransientError on
// 5xx or network failure, *PermanentError on 4xx.
func (c *Client) Deliver(ctx context.Context, payload []byte, correlationID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return &PermanentError{Status: 0}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}
	if c.secret != "" {
		req.Header.Set("X-Signature", "sha256="+sign(payload, c.secret))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.SinkRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return &TransientError{Cause: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) // let the connection be reused

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return &TransientError{Cause: fmt.Errorf("HTTP %d", resp.StatusCode)}
	default:
		return &PermanentError{Status: resp.StatusCode}
	}
}

// Healthy probes the sink with a lightweight GET. Used by the remediation
// worker to gate replay cycles.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode < 500
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
