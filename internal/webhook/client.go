// Package webhook delivers signed job notifications over HTTP.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/bitmapmanipulator/internal/config"
	"github.com/dunamismax/bitmapmanipulator/internal/domain"
)

const (
	HeaderSignature = "X-Bitmapmanipulator-Signature"
	HeaderTimestamp = "X-Bitmapmanipulator-Timestamp"
	HeaderEvent     = "X-Bitmapmanipulator-Event"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

var ErrBadSignature = errors.New("webhook signature mismatch")

// JobEvent is the body posted for job.completed and job.failed.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	Source     string    `json:"source"`
	OutputPath string    `json:"output_path,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

func NewJobEvent(job domain.Job) (string, JobEvent) {
	event := EventJobCompleted
	if job.Status == domain.JobStatusFailed {
		event = EventJobFailed
	}
	return event, JobEvent{
		JobID:      job.ID,
		Status:     job.Status,
		Source:     job.Source,
		OutputPath: job.OutputPath,
		Error:      job.Error,
		At:         job.UpdatedAt,
	}
}

type Client struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

func NewClient(cfg config.WebhookConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}

	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    max(cfg.MaxAttempts, 1),
		initialBackoff: initialBackoff,
		maxBackoff:     max(cfg.MaxBackoff, initialBackoff),
		now:            time.Now,
	}
}

// Send posts payload as JSON to endpoint. An empty endpoint is a no-op.
// Network errors, 429 and 5xx responses are retried with doubling backoff;
// other statuses fail at once.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	timestamp := strconv.FormatInt(c.now().UTC().Unix(), 10)
	signature := Sign(c.signingSecret, timestamp, body)

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		retry, err := c.post(ctx, endpoint, event, timestamp, signature, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}

	return fmt.Errorf("webhook %s delivery failed: %w", event, lastErr)
}

func (c *Client) post(ctx context.Context, endpoint, event, timestamp, signature string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEvent, event)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook returned status=%d", resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook returned status=%d", resp.StatusCode)
	}
}

// Sign computes the signature header value for body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp, signature string, body []byte) error {
	if !hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
