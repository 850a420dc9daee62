package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tesseralabs/tessera/internal/domain"
)

// memJobs is an in-memory JobRepository honoring the CAS transition
// semantics of the Postgres implementation.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newMemJobs() *memJobs { return &memJobs{jobs: make(map[string]*domain.Job)} }

func (m *memJobs) put(j domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := j
	m.jobs[j.ID] = &cp
}

func (m *memJobs) Create(_ context.Context, j domain.Job) error {
	m.put(j)
	return nil
}

func (m *memJobs) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return *j, nil
}

func (m *memJobs) List(_ context.Context, f domain.JobFilter) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if f.UserID != 0 && j.UserID != f.UserID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

func (m *memJobs) Transition(_ context.Context, id string, from, to domain.JobStatus, stamp domain.TransitionStamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != from {
		return fmt.Errorf("%w: %s is not %s", domain.ErrStateConflict, id, from)
	}
	now := time.Now().UTC()
	j.Status = to
	switch to {
	case domain.JobQueued:
		j.QueuedAt = &now
		if stamp.ClearWorker {
			j.WorkerID = nil
			j.StartedAt = nil
		}
	case domain.JobRunning:
		j.StartedAt = &now
		j.WorkerID = stamp.WorkerID
	case domain.JobCompleted, domain.JobFailed, domain.JobCancelled:
		j.EndedAt = &now
		j.ExecutionTimeSeconds = stamp.ExecutionSecs
	}
	if stamp.Error != nil {
		j.Error = stamp.Error
	}
	if stamp.RetryCount != nil {
		if j.Metadata == nil {
			j.Metadata = map[string]any{}
		}
		j.Metadata[domain.MetaRetryCount] = *stamp.RetryCount
	}
	if len(stamp.ArtifactIDs) > 0 {
		if j.Metadata == nil {
			j.Metadata = map[string]any{}
		}
		j.Metadata[domain.MetaArtifactIDs] = stamp.ArtifactIDs
	}
	return nil
}

func (m *memJobs) CountActiveByUser(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.UserID == userID && (j.Status == domain.JobQueued || j.Status == domain.JobRunning) {
			n++
		}
	}
	return n, nil
}

func (m *memJobs) QueuePosition(_ context.Context, priority int, queuedAt time.Time, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status != domain.JobQueued || j.ID == id || j.QueuedAt == nil {
			continue
		}
		switch {
		case j.Priority > priority:
			n++
		case j.Priority == priority && j.QueuedAt.Before(queuedAt):
			n++
		case j.Priority == priority && j.QueuedAt.Equal(queuedAt) && j.ID < id:
			n++
		}
	}
	return n, nil
}

func (m *memJobs) ListQueued(_ context.Context, caps []domain.Capability, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if j.Status != domain.JobQueued {
			continue
		}
		if len(caps) > 0 && !slices.Contains(caps, j.Capability) {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool {
		ja, jb := out[a], out[b]
		if ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		ta, tb := time.Time{}, time.Time{}
		if ja.QueuedAt != nil {
			ta = *ja.QueuedAt
		}
		if jb.QueuedAt != nil {
			tb = *jb.QueuedAt
		}
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return ja.ID < jb.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memJobs) RunningOnWorker(_ context.Context, workerID string) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if j.Status == domain.JobRunning && j.WorkerID != nil && *j.WorkerID == workerID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memJobs) ListRunning(_ context.Context) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if j.Status == domain.JobRunning {
			out = append(out, *j)
		}
	}
	return out, nil
}

// memArtifacts is an in-memory ArtifactRepository.
type memArtifacts struct {
	mu   sync.Mutex
	rows []domain.Artifact
}

func (m *memArtifacts) Create(_ context.Context, a domain.Artifact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = fmt.Sprintf("artifact-%d", len(m.rows)+1)
	}
	m.rows = append(m.rows, a)
	return a.ID, nil
}

func (m *memArtifacts) ListByJob(_ context.Context, jobID string) ([]domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Artifact
	for _, a := range m.rows {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memArtifacts) DeleteExpired(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

// memUsage records billing calls.
type memUsage struct {
	mu        sync.Mutex
	completed []string // "userID/capability/tokens"
	failed    int
}

func (m *memUsage) ForDay(_ context.Context, userID int64, day time.Time) (domain.DailyUsage, error) {
	return domain.DailyUsage{UserID: userID, Date: day, TokensUsed: decimal.Zero}, nil
}

func (m *memUsage) AddCompleted(_ context.Context, userID int64, _ time.Time, cap domain.Capability, tokens decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, fmt.Sprintf("%d/%s/%s", userID, cap, tokens.StringFixed(2)))
	return nil
}

func (m *memUsage) AddFailed(_ context.Context, _ int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
	return nil
}

func (m *memUsage) History(_ context.Context, _ int64, _ int) ([]domain.DailyUsage, error) {
	return nil, nil
}

// passTx runs fn directly; fakes have no transactions.
type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
