package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tesseralabs/tessera/internal/adapter/observability"
	"github.com/tesseralabs/tessera/internal/domain"
)

// queueFetchLimit bounds how much of the queue one tick examines. Deep queue
// tails cannot be dispatched this tick anyway because idle workers run out
// first.
const queueFetchLimit = 50

// DispatcherConfig tunes the dispatch loop.
type DispatcherConfig struct {
	IdleSleep       time.Duration // pause when there is nothing to do
	MaxBatchSize    int           // jobs co-dispatched to one worker
	StarvationLimit int           // affinity skips before strict order wins
}

// Dispatcher is the single goroutine that matches QUEUED jobs to idle
// workers. One loop means assignment needs no cross-instance coordination;
// the CAS on QUEUED->RUNNING still protects against any overlap.
type Dispatcher struct {
	Jobs       domain.JobRepository
	Registry   *Registry
	Invoker    domain.WorkerInvoker
	Completion *Completion
	Catalog    *domain.Catalog

	cfg DispatcherConfig

	// starvation counts, per queued job id, how many times model affinity
	// picked a lower-priority job over it.
	mu         sync.Mutex
	starvation map[string]int
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(jobs domain.JobRepository, registry *Registry, invoker domain.WorkerInvoker, completion *Completion, catalog *domain.Catalog, cfg DispatcherConfig) *Dispatcher {
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 4
	}
	if cfg.StarvationLimit <= 0 {
		cfg.StarvationLimit = 10
	}
	return &Dispatcher{
		Jobs: jobs, Registry: registry, Invoker: invoker,
		Completion: completion, Catalog: catalog, cfg: cfg,
		starvation: make(map[string]int),
	}
}

// Run loops until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("dispatcher started",
		slog.Int("max_batch", d.cfg.MaxBatchSize),
		slog.Int("starvation_limit", d.cfg.StarvationLimit))
	for {
		if ctx.Err() != nil {
			slog.Info("dispatcher stopping")
			return
		}
		if !d.tick(ctx) {
			select {
			case <-ctx.Done():
			case <-time.After(d.cfg.IdleSleep):
			}
		}
	}
}

// tick performs one assignment pass and reports whether any job was
// dispatched.
func (d *Dispatcher) tick(ctx context.Context) bool {
	idle := d.Registry.IdleWorkers()
	if len(idle) == 0 {
		return false
	}

	caps := capabilityUnion(idle)
	queued, err := d.Jobs.ListQueued(ctx, caps, queueFetchLimit)
	if err != nil {
		slog.Error("queue fetch failed", slog.Any("error", err))
		return false
	}
	if len(queued) == 0 {
		d.pruneStarvation(nil)
		return false
	}
	d.pruneStarvation(queued)

	dispatched := false
	for _, worker := range idle {
		batch := d.selectBatch(worker, queued)
		if len(batch) == 0 {
			continue
		}

		claimed := d.claim(ctx, worker.ID, batch)
		queued = removeJobs(queued, batch)
		if len(claimed) == 0 {
			continue
		}
		if !d.Registry.MarkBusy(worker.ID) {
			// The worker flipped busy between the snapshot and now; put
			// the claims back on the queue for the next tick.
			for _, j := range claimed {
				d.release(ctx, j)
			}
			continue
		}

		observability.DispatchBatchSize.Observe(float64(len(claimed)))
		for _, j := range claimed {
			observability.JobsDispatchedTotal.WithLabelValues(string(j.Capability)).Inc()
		}
		go d.dispatch(ctx, worker, claimed)
		dispatched = true
	}
	return dispatched
}

// selectBatch picks the jobs for one worker: strict queue order, overridden
// by model affinity until a skipped job starves, then extended to a batch of
// jobs sharing the same batch key.
func (d *Dispatcher) selectBatch(worker Worker, queued []domain.Job) []domain.Job {
	var eligible []domain.Job
	for _, j := range queued {
		if slices.Contains(worker.Capabilities, string(j.Capability)) {
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	chosen := 0
	if d.starvationCount(eligible[0].ID) < d.cfg.StarvationLimit {
		for i, j := range eligible {
			if j.Model() != "" && slices.Contains(worker.LoadedModels, j.Model()) {
				chosen = i
				break
			}
		}
	}
	if chosen > 0 {
		d.noteSkips(eligible[:chosen])
	}

	pick := eligible[chosen]
	batch := []domain.Job{pick}
	key := domain.JobBatchKey(pick)
	for i := chosen + 1; i < len(eligible) && len(batch) < d.cfg.MaxBatchSize; i++ {
		if domain.JobBatchKey(eligible[i]) == key {
			batch = append(batch, eligible[i])
		}
	}
	return batch
}

// claim CASes each batch member QUEUED->RUNNING for the worker. Members that
// moved meanwhile (cancelled, or stolen by a concurrent transition) drop out
// silently.
func (d *Dispatcher) claim(ctx context.Context, workerID string, batch []domain.Job) []domain.Job {
	var claimed []domain.Job
	for _, j := range batch {
		stamp := domain.TransitionStamp{WorkerID: &workerID}
		err := d.Jobs.Transition(ctx, j.ID, domain.JobQueued, domain.JobRunning, stamp)
		if err != nil {
			if !errors.Is(err, domain.ErrStateConflict) {
				slog.Error("claim failed", slog.String("job_id", j.ID), slog.Any("error", err))
			}
			continue
		}
		d.clearStarvation(j.ID)
		claimed = append(claimed, j)
	}
	return claimed
}

// release undoes a claim when the worker became unavailable before dispatch.
// The retry counter is untouched; nothing was attempted.
func (d *Dispatcher) release(ctx context.Context, j domain.Job) {
	stamp := domain.TransitionStamp{ClearWorker: true}
	if err := d.Jobs.Transition(ctx, j.ID, domain.JobRunning, domain.JobQueued, stamp); err != nil &&
		!errors.Is(err, domain.ErrStateConflict) {
		slog.Error("claim release failed", slog.String("job_id", j.ID), slog.Any("error", err))
	}
}

// dispatch runs the batch on the worker sequentially. Members of one batch
// share a model, so running them back to back amortizes residency; each gets
// its own result handling and its own timeout.
func (d *Dispatcher) dispatch(ctx context.Context, worker Worker, batch []domain.Job) {
	defer d.Registry.MarkIdle(worker.ID)
	for _, job := range batch {
		d.runOne(ctx, worker, job)
	}
}

func (d *Dispatcher) runOne(ctx context.Context, worker Worker, job domain.Job) {
	req := domain.RunJobRequest{
		JobID:          job.ID,
		ModelID:        job.Model(),
		Params:         job.Params,
		TimeoutSeconds: job.TimeoutSeconds(),
	}
	if d.Catalog != nil {
		req.Engine = d.Catalog.Engine(job.Model())
	}
	if job.WorkflowID != nil {
		req.WorkflowID = *job.WorkflowID
	}

	slog.Info("dispatching job",
		slog.String("job_id", job.ID),
		slog.String("worker_id", worker.ID),
		slog.String("model", req.ModelID))

	timeout := time.Duration(job.TimeoutSeconds()) * time.Second
	res, err := d.Invoker.RunJob(ctx, worker.URL, req, timeout)
	if err != nil {
		code := domain.CodeWorkerError
		if errors.Is(err, domain.ErrWorkerTimeout) {
			code = domain.CodeTimeout
		}
		d.Completion.FailOrRetry(ctx, job, worker.ID, code, err.Error(), 0)
		return
	}
	d.Completion.HandleResult(ctx, job, worker.ID, res)
}

func (d *Dispatcher) starvationCount(jobID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starvation[jobID]
}

func (d *Dispatcher) noteSkips(skipped []domain.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, j := range skipped {
		d.starvation[j.ID]++
	}
}

func (d *Dispatcher) clearStarvation(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.starvation, jobID)
}

// pruneStarvation drops counters for jobs no longer queued (completed,
// cancelled, or past the fetch window).
func (d *Dispatcher) pruneStarvation(queued []domain.Job) {
	live := make(map[string]struct{}, len(queued))
	for _, j := range queued {
		live[j.ID] = struct{}{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.starvation {
		if _, ok := live[id]; !ok {
			delete(d.starvation, id)
		}
	}
}

func capabilityUnion(workers []Worker) []domain.Capability {
	seen := make(map[domain.Capability]struct{})
	var out []domain.Capability
	for _, w := range workers {
		for _, c := range w.Capabilities {
			cap := domain.Capability(c)
			if _, ok := seen[cap]; !ok {
				seen[cap] = struct{}{}
				out = append(out, cap)
			}
		}
	}
	return out
}

func removeJobs(queued, taken []domain.Job) []domain.Job {
	drop := make(map[string]struct{}, len(taken))
	for _, j := range taken {
		drop[j.ID] = struct{}{}
	}
	out := queued[:0]
	for _, j := range queued {
		if _, ok := drop[j.ID]; !ok {
			out = append(out, j)
		}
	}
	return out
}
