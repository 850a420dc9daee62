package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tesseralabs/tessera/internal/domain"
)

func newJobID() string { return uuid.New().String() }

// WorkerAborter asks the worker currently executing a job to stop, best
// effort. Implemented by the scheduler registry.
type WorkerAborter interface {
	AbortJob(ctx context.Context, workerID, jobID string)
}

// JobService serves job reads and cancellation.
type JobService struct {
	Jobs      domain.JobRepository
	Artifacts domain.ArtifactRepository
	Aborter   WorkerAborter
	Notifier  domain.Notifier
	Events    domain.EventPublisher
}

// NewJobService constructs a JobService. Aborter, Notifier, and Events may be
// nil.
func NewJobService(jobs domain.JobRepository, artifacts domain.ArtifactRepository, aborter WorkerAborter, notifier domain.Notifier, events domain.EventPublisher) *JobService {
	return &JobService{Jobs: jobs, Artifacts: artifacts, Aborter: aborter, Notifier: notifier, Events: events}
}

// JobDetail is a job with its derived read-model fields.
type JobDetail struct {
	Job domain.Job
	// Artifacts is populated only for COMPLETED jobs.
	Artifacts []domain.Artifact
	// QueuePosition is the ahead-of count for QUEUED jobs, -1 otherwise.
	QueuePosition int
}

// Get returns a job with artifacts and queue position. Another user's job
// reads as NOT_FOUND, never as a permission error, so job ids cannot be
// probed. Artifacts are exposed only once the job is COMPLETED.
func (s *JobService) Get(ctx context.Context, userID int64, jobID string) (JobDetail, error) {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return JobDetail{}, err
	}
	if job.UserID != userID {
		return JobDetail{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	detail := JobDetail{Job: job, QueuePosition: -1}
	switch {
	case job.Status == domain.JobCompleted:
		detail.Artifacts, err = s.Artifacts.ListByJob(ctx, jobID)
		if err != nil {
			return JobDetail{}, err
		}
	case job.Status == domain.JobQueued && job.QueuedAt != nil:
		detail.QueuePosition, err = s.Jobs.QueuePosition(ctx, job.Priority, *job.QueuedAt, job.ID)
		if err != nil {
			return JobDetail{}, err
		}
	}
	return detail, nil
}

// List returns the user's jobs, newest first.
func (s *JobService) List(ctx context.Context, userID int64, f domain.JobFilter) ([]domain.Job, error) {
	f.UserID = userID
	return s.Jobs.List(ctx, f)
}

// Cancel moves a QUEUED or RUNNING job to CANCELLED. Cancelling a job already
// terminal is a no-op that reports the current state. For RUNNING jobs the
// worker is told to abort best effort; its eventual result lands on a
// terminal CAS and is discarded.
func (s *JobService) Cancel(ctx context.Context, userID int64, jobID string) (domain.Job, error) {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.UserID != userID {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	if job.Status.Terminal() {
		return job, nil
	}

	from := job.Status
	err = s.Jobs.Transition(ctx, jobID, from, domain.JobCancelled, domain.TransitionStamp{})
	if err != nil {
		// The job moved under us (dispatch or completion won the race).
		// Re-read once; a now-terminal state is still a successful cancel
		// request from the caller's point of view only when CANCELLED.
		if reread, rerr := s.Jobs.Get(ctx, jobID); rerr == nil && reread.Status.Terminal() {
			return reread, nil
		}
		return domain.Job{}, err
	}

	if from == domain.JobRunning && job.WorkerID != nil && s.Aborter != nil {
		s.Aborter.AbortJob(ctx, *job.WorkerID, jobID)
	}

	cancelled, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		cancelled = job
		cancelled.Status = domain.JobCancelled
	}
	if s.Notifier != nil && cancelled.WebhookURL() != "" {
		s.Notifier.NotifyJob(domain.EventJobCancelled, cancelled, nil)
	}
	if s.Events != nil {
		if err := s.Events.PublishJobEvent(ctx, domain.EventJobCancelled, cancelled); err != nil {
			slog.Warn("job event publish failed",
				slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
	return cancelled, nil
}
