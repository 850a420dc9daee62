// Package events mirrors job lifecycle transitions onto a Kafka topic so
// downstream consumers (analytics, billing export) can follow along without
// polling the API.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tesseralabs/tessera/internal/domain"
)

// Publisher implements domain.EventPublisher on franz-go. Produce is async;
// a broker outage degrades to dropped events, never to a stalled completion
// path.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher connects to the given brokers. The topic is expected to exist
// or be auto-created by the cluster.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.new: no seed brokers")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequestRetries(5),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.new: %w", err)
	}
	return &Publisher{client: client, topic: topic}, nil
}

// jobEvent is the record value on the lifecycle topic.
type jobEvent struct {
	Event      string    `json:"event"`
	JobID      string    `json:"job_id"`
	UserID     int64     `json:"user_id"`
	Capability string    `json:"capability"`
	Status     string    `json:"status"`
	Priority   int       `json:"priority"`
	CostTokens string    `json:"cost_tokens"`
	WorkerID   string    `json:"worker_id,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PublishJobEvent produces a lifecycle record keyed by job id. Delivery
// outcome is logged via the async callback.
func (p *Publisher) PublishJobEvent(ctx context.Context, event string, job domain.Job) error {
	ev := jobEvent{
		Event:      event,
		JobID:      job.ID,
		UserID:     job.UserID,
		Capability: string(job.Capability),
		Status:     string(job.Status),
		Priority:   job.Priority,
		CostTokens: job.CostTokens.StringFixed(2),
		Timestamp:  time.Now().UTC(),
	}
	if job.WorkerID != nil {
		ev.WorkerID = *job.WorkerID
	}
	if job.Error != nil {
		ev.ErrorCode = job.Error.Code
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=events.publish: %w", err)
	}
	rec := &kgo.Record{Key: []byte(job.ID), Value: value}
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("job event produce failed",
				slog.String("job_id", job.ID),
				slog.String("event", event),
				slog.Any("error", err))
		}
	})
	return nil
}

// Close flushes pending records and releases the client.
func (p *Publisher) Close(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("op=events.close: %w", err)
	}
	p.client.Close()
	return nil
}
