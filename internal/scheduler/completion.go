package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tesseralabs/tessera/internal/adapter/observability"
	"github.com/tesseralabs/tessera/internal/domain"
)

// Completion lands worker results and failures on the job record. All
// terminal writes go through the CAS transition, so a result arriving after a
// cancellation is discarded rather than resurrecting the job.
type Completion struct {
	Jobs      domain.JobRepository
	Artifacts domain.ArtifactRepository
	Usage     domain.UsageRepository
	Tx        domain.TxRunner
	Notifier  domain.Notifier
	Events    domain.EventPublisher
	Registry  *Registry

	// ArtifactTTL bounds artifact retention; zero means no expiry.
	ArtifactTTL time.Duration

	now func() time.Time
}

// NewCompletion constructs a Completion. Notifier and Events may be nil.
func NewCompletion(jobs domain.JobRepository, artifacts domain.ArtifactRepository, usage domain.UsageRepository, tx domain.TxRunner, notifier domain.Notifier, events domain.EventPublisher, registry *Registry, artifactTTL time.Duration) *Completion {
	return &Completion{
		Jobs: jobs, Artifacts: artifacts, Usage: usage, Tx: tx,
		Notifier: notifier, Events: events, Registry: registry,
		ArtifactTTL: artifactTTL, now: time.Now,
	}
}

// HandleResult processes a worker reply for a RUNNING job.
func (c *Completion) HandleResult(ctx context.Context, job domain.Job, workerID string, res domain.RunJobResult) {
	if res.Status == "completed" {
		c.complete(ctx, job, workerID, res)
		return
	}
	code := domain.CodeWorkerError
	msg := "worker reported failure"
	if res.Error != nil {
		if res.Error.Code != "" {
			code = res.Error.Code
		}
		if res.Error.Message != "" {
			msg = res.Error.Message
		}
	}
	c.FailOrRetry(ctx, job, workerID, code, msg, res.ExecutionTimeSeconds)
}

// complete persists artifacts, flips the job COMPLETED, and debits usage in
// one transaction. Tokens are debited here and nowhere else.
func (c *Completion) complete(ctx context.Context, job domain.Job, workerID string, res domain.RunJobResult) {
	var artifacts []domain.Artifact
	err := c.Tx.InTx(ctx, func(ctx context.Context) error {
		ids := make([]string, 0, len(res.Artifacts))
		artifacts = artifacts[:0]
		for _, spec := range res.Artifacts {
			a := c.toArtifact(job, spec)
			id, err := c.Artifacts.Create(ctx, a)
			if err != nil {
				return err
			}
			a.ID = id
			ids = append(ids, id)
			artifacts = append(artifacts, a)
		}
		stamp := domain.TransitionStamp{
			ExecutionSecs: res.ExecutionTimeSeconds,
			ArtifactIDs:   ids,
		}
		if err := c.Jobs.Transition(ctx, job.ID, domain.JobRunning, domain.JobCompleted, stamp); err != nil {
			return err
		}
		return c.Usage.AddCompleted(ctx, job.UserID, c.now().UTC(), job.Capability, job.CostTokens)
	})
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			// Cancelled while running; nothing is persisted and nothing
			// is billed.
			slog.Info("late result discarded",
				slog.String("job_id", job.ID),
				slog.String("worker_id", workerID))
			return
		}
		slog.Error("completion persist failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}

	observability.JobsCompletedTotal.WithLabelValues(string(job.Capability)).Inc()
	observability.JobExecutionSeconds.WithLabelValues(string(job.Capability)).Observe(res.ExecutionTimeSeconds)
	slog.Info("job completed",
		slog.String("job_id", job.ID),
		slog.String("worker_id", workerID),
		slog.Float64("execution_seconds", res.ExecutionTimeSeconds),
		slog.Int("artifacts", len(artifacts)))

	c.emit(ctx, domain.EventJobCompleted, job.ID, artifacts)
}

// FailOrRetry applies the retry policy: recoverable codes requeue up to the
// retry budget, everything else lands FAILED. The caller states which worker
// (if any) produced the failure so quarantine accounting sticks to it.
func (c *Completion) FailOrRetry(ctx context.Context, job domain.Job, workerID, code, message string, execSecs float64) {
	if workerID != "" && c.Registry != nil &&
		(code == domain.CodeWorkerError || code == domain.CodeTimeout || code == domain.CodeOOM) {
		c.Registry.RecordFailure(workerID)
	}

	if domain.RetryableFailure(code) && job.RetryCount() < domain.MaxRetries {
		next := job.RetryCount() + 1
		stamp := domain.TransitionStamp{RetryCount: &next, ClearWorker: true}
		err := c.Jobs.Transition(ctx, job.ID, domain.JobRunning, domain.JobQueued, stamp)
		if err != nil {
			if errors.Is(err, domain.ErrStateConflict) {
				return // cancelled meanwhile
			}
			slog.Error("requeue failed", slog.String("job_id", job.ID), slog.Any("error", err))
			return
		}
		observability.JobsRequeuedTotal.Inc()
		slog.Warn("job requeued",
			slog.String("job_id", job.ID),
			slog.String("code", code),
			slog.Int("retry", next))
		return
	}

	jerr := &domain.JobError{Code: code, Message: message, Timestamp: c.now().UTC()}
	err := c.Tx.InTx(ctx, func(ctx context.Context) error {
		stamp := domain.TransitionStamp{Error: jerr, ExecutionSecs: execSecs}
		if err := c.Jobs.Transition(ctx, job.ID, domain.JobRunning, domain.JobFailed, stamp); err != nil {
			return err
		}
		return c.Usage.AddFailed(ctx, job.UserID, c.now().UTC())
	})
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			return
		}
		slog.Error("failure persist failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}

	observability.JobsFailedTotal.WithLabelValues(string(job.Capability), code).Inc()
	slog.Warn("job failed",
		slog.String("job_id", job.ID),
		slog.String("code", code),
		slog.String("message", message))

	c.emit(ctx, domain.EventJobFailed, job.ID, nil)
}

// emit re-reads the job (for final timestamps) and fans the event out to the
// webhook notifier and the event bus.
func (c *Completion) emit(ctx context.Context, event, jobID string, artifacts []domain.Artifact) {
	job, err := c.Jobs.Get(ctx, jobID)
	if err != nil {
		slog.Error("post-completion read failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	if c.Notifier != nil && job.WebhookURL() != "" {
		c.Notifier.NotifyJob(event, job, artifacts)
	}
	if c.Events != nil {
		if err := c.Events.PublishJobEvent(ctx, event, job); err != nil {
			slog.Warn("job event publish failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
}

func (c *Completion) toArtifact(job domain.Job, spec domain.ArtifactSpec) domain.Artifact {
	a := domain.Artifact{
		JobID:           job.ID,
		Type:            job.Capability,
		Format:          spec.Format,
		LocalPath:       spec.Path,
		PublicURL:       spec.URL,
		Width:           spec.Width,
		Height:          spec.Height,
		DurationSeconds: spec.DurationSeconds,
		SizeBytes:       spec.SizeBytes,
		Metadata:        spec.Metadata,
	}
	if spec.Type != "" {
		a.Type = domain.Capability(spec.Type)
	}
	if c.ArtifactTTL > 0 {
		exp := c.now().UTC().Add(c.ArtifactTTL)
		a.ExpiresAt = &exp
	}
	return a
}
