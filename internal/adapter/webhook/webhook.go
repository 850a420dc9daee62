// Package webhook delivers signed job lifecycle notifications to caller
// supplied URLs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tesseralabs/tessera/internal/adapter/observability"
	"github.com/tesseralabs/tessera/internal/domain"
)

// SignatureHeader carries the HMAC-SHA256 of the request body, hex encoded
// with a sha256= prefix, keyed by the shared webhook secret.
const SignatureHeader = "X-Tessera-Signature"

const (
	// maxRetries is the number of re-deliveries after the initial attempt,
	// spaced 1/2/4/8/16s apart.
	maxRetries     = 5
	initialBackoff = 1 * time.Second
	requestTimeout = 10 * time.Second
)

// jobView is the wire shape of a job inside webhook payloads.
type jobView struct {
	ID                   string           `json:"id"`
	Capability           string           `json:"capability"`
	Status               string           `json:"status"`
	Params               map[string]any   `json:"params"`
	CostTokens           string           `json:"cost_tokens"`
	CreatedAt            time.Time        `json:"created_at"`
	EndedAt              *time.Time       `json:"ended_at,omitempty"`
	ExecutionTimeSeconds float64          `json:"execution_time_seconds,omitempty"`
	Error                *domain.JobError `json:"error,omitempty"`
}

type artifactView struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	Format          string   `json:"format,omitempty"`
	URL             string   `json:"url,omitempty"`
	Width           *int     `json:"width,omitempty"`
	Height          *int     `json:"height,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

type payload struct {
	Event     string    `json:"event"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      struct {
		Job       jobView        `json:"job"`
		Artifacts []artifactView `json:"artifacts,omitempty"`
	} `json:"data"`
}

// Notifier implements domain.Notifier with at-most-once-per-attempt HTTP
// delivery, retried with exponential backoff. Delivery runs detached from the
// completion path.
type Notifier struct {
	client *http.Client
	secret []byte
	now    func() time.Time
}

// New constructs a Notifier signing with the given shared secret. An empty
// secret disables signing but not delivery.
func New(secret string) *Notifier {
	return &Notifier{
		client: &http.Client{Timeout: requestTimeout},
		secret: []byte(secret),
		now:    time.Now,
	}
}

// NotifyJob delivers the event to the job's webhook URL in a goroutine. Jobs
// without a webhook URL are skipped.
func (n *Notifier) NotifyJob(event string, job domain.Job, artifacts []domain.Artifact) {
	url := job.WebhookURL()
	if url == "" {
		return
	}
	body, err := json.Marshal(n.buildPayload(event, job, artifacts))
	if err != nil {
		slog.Error("webhook payload encode failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	go n.deliver(url, job.ID, event, body)
}

func (n *Notifier) buildPayload(event string, job domain.Job, artifacts []domain.Artifact) payload {
	p := payload{
		Event:     event,
		JobID:     job.ID,
		Status:    string(job.Status),
		Timestamp: n.now().UTC(),
	}
	p.Data.Job = jobView{
		ID:                   job.ID,
		Capability:           string(job.Capability),
		Status:               string(job.Status),
		Params:               job.Params,
		CostTokens:           job.CostTokens.StringFixed(2),
		CreatedAt:            job.CreatedAt,
		EndedAt:              job.EndedAt,
		ExecutionTimeSeconds: job.ExecutionTimeSeconds,
		Error:                job.Error,
	}
	for _, a := range artifacts {
		p.Data.Artifacts = append(p.Data.Artifacts, artifactView{
			ID:              a.ID,
			Type:            string(a.Type),
			Format:          a.Format,
			URL:             a.PublicURL,
			Width:           a.Width,
			Height:          a.Height,
			DurationSeconds: a.DurationSeconds,
		})
	}
	return p
}

// retryPolicy yields the delivery gaps 1/2/4/8/16s, then stops.
func retryPolicy() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 16 * time.Second
	// NewExponentialBackOff latches currentInterval at the 500ms default
	// before the fields above are assigned; Reset applies them.
	bo.Reset()
	return backoff.WithMaxRetries(bo, maxRetries)
}

// deliver tries the initial attempt plus maxRetries re-deliveries. Non-2xx
// counts as a failed attempt; after the 16s gap the event is dropped and
// logged.
func (n *Notifier) deliver(url, jobID, event string, body []byte) {
	op := func() error {
		err := n.post(url, body)
		if err != nil {
			observability.WebhookDeliveriesTotal.WithLabelValues("retry").Inc()
		}
		return err
	}
	err := backoff.Retry(op, retryPolicy())
	if err != nil {
		observability.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		slog.Warn("webhook delivery abandoned",
			slog.String("job_id", jobID),
			slog.String("event", event),
			slog.Any("error", err))
		return
	}
	observability.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
}

func (n *Notifier) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(n.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(n.secret, body))
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the signature header value for a payload.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
