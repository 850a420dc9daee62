// Package scheduler contains the dispatch loop, the worker registry, and the
// reaper that together drive jobs from QUEUED to a terminal state.
package scheduler

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tesseralabs/tessera/internal/adapter/observability"
	"github.com/tesseralabs/tessera/internal/domain"
)

// Liveness classes derived from heartbeat age.
const (
	LivenessHealthy = "healthy"
	LivenessStale   = "stale"
	LivenessDead    = "dead"
)

// Worker is the registry's view of one GPU node, built entirely from
// heartbeats plus the dispatcher's busy marker.
type Worker struct {
	ID            string
	URL           string
	Status        string // idle | busy, self-reported
	Capabilities  []string
	LoadedModels  []string
	GPUMemoryUsed int64
	UptimeSeconds float64
	JobsCompleted int64
	LastSeen      time.Time
	FirstSeen     time.Time

	// dispatching marks a worker the dispatch loop has claimed but whose
	// busy heartbeat has not arrived yet.
	dispatching bool
	// drained marks a dead worker whose running jobs the reaper already
	// requeued.
	drained bool
	// failures holds recent runtime failure times. Crossing the threshold
	// latches quarantined, which only MarkHealthy clears.
	failures    []time.Time
	quarantined bool
}

// RegistryConfig carries the liveness and quarantine tuning.
type RegistryConfig struct {
	StaleAfter       time.Duration // heartbeat age after which a worker is stale
	DeadAfter        time.Duration // heartbeat age after which a worker is dead
	RetainDead       time.Duration // how long dead workers stay visible
	QuarantineAfter  int           // failures within the window that trigger quarantine
	QuarantineWindow time.Duration
}

// Registry tracks workers in memory. Heartbeats are the sole source of truth;
// a restarted control plane rebuilds the registry within one heartbeat
// period.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker
	cfg     RegistryConfig
	now     func() time.Time
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 60 * time.Second
	}
	if cfg.DeadAfter <= 0 {
		cfg.DeadAfter = 180 * time.Second
	}
	if cfg.RetainDead <= 0 {
		cfg.RetainDead = 10 * time.Minute
	}
	if cfg.QuarantineAfter <= 0 {
		cfg.QuarantineAfter = 3
	}
	if cfg.QuarantineWindow <= 0 {
		cfg.QuarantineWindow = 10 * time.Minute
	}
	return &Registry{workers: make(map[string]*Worker), cfg: cfg, now: time.Now}
}

// SetClock overrides the registry clock for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Upsert ingests a heartbeat, registering the worker on first sight. It
// reports whether the worker is new. A heartbeat from a worker previously
// dead revives it; the drained flag resets so the reaper treats a future
// death freshly.
func (r *Registry) Upsert(hb domain.Heartbeat) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	w, ok := r.workers[hb.WorkerID]
	if !ok {
		w = &Worker{ID: hb.WorkerID, FirstSeen: now}
		r.workers[hb.WorkerID] = w
		slog.Info("worker registered",
			slog.String("worker_id", hb.WorkerID),
			slog.String("url", hb.URL),
			slog.Any("capabilities", hb.Capabilities))
	}
	wasDead := !ok || now.Sub(w.LastSeen) > r.cfg.DeadAfter
	w.URL = hb.URL
	w.Status = hb.Status
	w.Capabilities = hb.Capabilities
	w.LoadedModels = hb.LoadedModels
	w.GPUMemoryUsed = hb.GPUMemoryUsed
	w.UptimeSeconds = hb.UptimeSeconds
	w.JobsCompleted = hb.JobsCompleted
	w.LastSeen = now
	if wasDead {
		w.drained = false
	}
	// A worker reporting idle has finished (or lost) whatever it was
	// running; the dispatch claim no longer applies.
	if hb.Status == domain.WorkerIdle {
		w.dispatching = false
	}
	return !ok
}

// liveness classifies by heartbeat age. Callers hold r.mu.
func (r *Registry) liveness(w *Worker, now time.Time) string {
	age := now.Sub(w.LastSeen)
	switch {
	case age <= r.cfg.StaleAfter:
		return LivenessHealthy
	case age <= r.cfg.DeadAfter:
		return LivenessStale
	default:
		return LivenessDead
	}
}

// RecordFailure notes a runtime failure against a worker. Failures older than
// the window age out of the count; more than the threshold within the window
// quarantines the worker until an operator health check succeeds.
func (r *Registry) RecordFailure(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	now := r.now()
	cutoff := now.Add(-r.cfg.QuarantineWindow)
	kept := w.failures[:0]
	for _, t := range w.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.failures = append(kept, now)
	if !w.quarantined && len(w.failures) > r.cfg.QuarantineAfter {
		w.quarantined = true
		slog.Warn("worker quarantined",
			slog.String("worker_id", workerID),
			slog.Int("recent_failures", len(w.failures)))
	}
}

// MarkHealthy clears a worker's failure record and quarantine after a
// successful operator health check. A non-nil caps replaces the capability
// set with what the worker just reported. It reports whether the worker is
// known.
func (r *Registry) MarkHealthy(workerID string, caps []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return false
	}
	w.failures = nil
	if w.quarantined {
		w.quarantined = false
		slog.Info("worker quarantine cleared", slog.String("worker_id", workerID))
	}
	if caps != nil {
		w.Capabilities = caps
	}
	return true
}

// IdleWorkers returns healthy, idle, unquarantined workers in ascending id
// order. The copies are safe to use without the lock.
func (r *Registry) IdleWorkers() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var out []Worker
	for _, w := range r.workers {
		if w.Status != domain.WorkerIdle || w.dispatching {
			continue
		}
		if r.liveness(w, now) != LivenessHealthy || w.quarantined {
			continue
		}
		out = append(out, *w)
	}
	slices.SortFunc(out, func(a, b Worker) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// MarkBusy claims a worker for dispatch. It fails if the worker is no longer
// idle so two loop iterations cannot double-book one node.
func (r *Registry) MarkBusy(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok || w.dispatching || w.Status != domain.WorkerIdle {
		return false
	}
	w.dispatching = true
	return true
}

// MarkIdle releases a dispatch claim.
func (r *Registry) MarkIdle(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.dispatching = false
	}
}

// DeadUndrained returns dead workers whose running jobs have not been
// requeued yet, marking them drained.
func (r *Registry) DeadUndrained() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var out []Worker
	for _, w := range r.workers {
		if r.liveness(w, now) == LivenessDead && !w.drained {
			w.drained = true
			out = append(out, *w)
		}
	}
	return out
}

// PruneExpired drops dead workers past the forensic retention window.
func (r *Registry) PruneExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for id, w := range r.workers {
		if now.Sub(w.LastSeen) > r.cfg.DeadAfter+r.cfg.RetainDead {
			delete(r.workers, id)
			n++
			slog.Info("worker pruned", slog.String("worker_id", id))
		}
	}
	return n
}

// URLOf resolves a worker's base URL; ok is false when unknown.
func (r *Registry) URLOf(workerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return "", false
	}
	return w.URL, true
}

// IdleWorkerHasModel reports whether any dispatchable worker has the model
// resident. Satisfies the admission estimator's residency port.
func (r *Registry) IdleWorkerHasModel(model string) bool {
	for _, w := range r.IdleWorkers() {
		if slices.Contains(w.LoadedModels, model) {
			return true
		}
	}
	return false
}

// LoadedWorkerCount counts live workers (healthy or stale) reporting the
// model loaded.
func (r *Registry) LoadedWorkerCount(model string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for _, w := range r.workers {
		if r.liveness(w, now) == LivenessDead {
			continue
		}
		if slices.Contains(w.LoadedModels, model) {
			n++
		}
	}
	return n
}

// Snapshot returns every registered worker with its liveness class, for the
// admin view.
func (r *Registry) Snapshot() []WorkerView {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make([]WorkerView, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, WorkerView{
			Worker:      *w,
			Liveness:    r.liveness(w, now),
			Quarantined: w.quarantined,
		})
	}
	slices.SortFunc(out, func(a, b WorkerView) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// WorkerView is a Worker annotated with derived state.
type WorkerView struct {
	Worker
	Liveness    string
	Quarantined bool
}

// UpdateGauges publishes per-liveness worker counts.
func (r *Registry) UpdateGauges() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	counts := map[string]float64{LivenessHealthy: 0, LivenessStale: 0, LivenessDead: 0}
	for _, w := range r.workers {
		counts[r.liveness(w, now)]++
	}
	for state, v := range counts {
		observability.WorkersByState.WithLabelValues(state).Set(v)
	}
}

// Aborter adapts the registry plus the worker RPC client into the usecase
// layer's abort port.
type Aborter struct {
	Registry *Registry
	Invoker  domain.WorkerInvoker
	Timeout  time.Duration
}

// AbortJob asks the worker running the job to stop. Failures are logged and
// swallowed; the lifecycle CAS already guarantees the result is discarded.
func (a *Aborter) AbortJob(ctx context.Context, workerID, jobID string) {
	url, ok := a.Registry.URLOf(workerID)
	if !ok {
		return
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := a.Invoker.Abort(ctx, url, jobID); err != nil {
		slog.Warn("worker abort failed",
			slog.String("worker_id", workerID),
			slog.String("job_id", jobID),
			slog.Any("error", err))
	}
}
