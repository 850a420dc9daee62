package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tesseralabs/tessera/internal/domain"
)

// Reaper is the safety net for jobs whose worker will never reply: nodes
// that stopped heartbeating, and jobs running past their deadline.
type Reaper struct {
	Jobs       domain.JobRepository
	Registry   *Registry
	Completion *Completion

	Interval time.Duration
	// Grace is added to the job timeout before a RUNNING job is declared
	// stuck; it absorbs dispatch and reporting latency.
	Grace time.Duration

	now func() time.Time
}

// NewReaper constructs a Reaper.
func NewReaper(jobs domain.JobRepository, registry *Registry, completion *Completion, interval, grace time.Duration) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Reaper{
		Jobs: jobs, Registry: registry, Completion: completion,
		Interval: interval, Grace: grace, now: time.Now,
	}
}

// Run sweeps on a fixed ticker until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("reaper started", slog.Duration("interval", r.Interval))
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopping")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: gauges, dead-worker drains, deadline enforcement, and
// registry pruning.
func (r *Reaper) Sweep(ctx context.Context) {
	r.Registry.UpdateGauges()
	r.drainDeadWorkers(ctx)
	r.enforceDeadlines(ctx)
	r.Registry.PruneExpired()
}

// drainDeadWorkers requeues (or fails, when the retry budget is spent) every
// RUNNING job attributed to a worker that stopped heartbeating.
func (r *Reaper) drainDeadWorkers(ctx context.Context) {
	for _, w := range r.Registry.DeadUndrained() {
		jobs, err := r.Jobs.RunningOnWorker(ctx, w.ID)
		if err != nil {
			slog.Error("dead worker drain failed",
				slog.String("worker_id", w.ID), slog.Any("error", err))
			continue
		}
		if len(jobs) > 0 {
			slog.Warn("draining dead worker",
				slog.String("worker_id", w.ID),
				slog.Int("running_jobs", len(jobs)))
		}
		for _, job := range jobs {
			// The worker is already out of rotation; no failure is
			// recorded against it.
			r.Completion.FailOrRetry(ctx, job, "",
				domain.CodeWorkerError,
				fmt.Sprintf("worker %s stopped heartbeating", w.ID), 0)
		}
	}
}

// enforceDeadlines fails RUNNING jobs past started_at + timeout + grace with
// TIMEOUT. The dispatch goroutine normally reports first; this path only
// fires when that goroutine is itself gone (process restart) or wedged.
func (r *Reaper) enforceDeadlines(ctx context.Context) {
	running, err := r.Jobs.ListRunning(ctx)
	if err != nil {
		slog.Error("deadline sweep failed", slog.Any("error", err))
		return
	}
	now := r.now()
	for _, job := range running {
		if job.StartedAt == nil {
			continue
		}
		deadline := job.StartedAt.Add(time.Duration(job.TimeoutSeconds())*time.Second + r.Grace)
		if now.Before(deadline) {
			continue
		}
		workerID := ""
		if job.WorkerID != nil {
			workerID = *job.WorkerID
		}
		slog.Warn("job past deadline",
			slog.String("job_id", job.ID),
			slog.String("worker_id", workerID),
			slog.Time("started_at", *job.StartedAt))
		r.Completion.FailOrRetry(ctx, job, workerID,
			domain.CodeTimeout,
			fmt.Sprintf("no result within %ds", job.TimeoutSeconds()), 0)
	}
}
