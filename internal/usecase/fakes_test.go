package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tesseralabs/tessera/internal/domain"
)

type fakePlans struct {
	plans map[int64]domain.Plan
}

func (f *fakePlans) GetByID(_ context.Context, id int64) (domain.Plan, error) {
	p, ok := f.plans[id]
	if !ok {
		return domain.Plan{}, fmt.Errorf("%w: plan %d", domain.ErrNotFound, id)
	}
	return p, nil
}

func (f *fakePlans) GetByTier(_ context.Context, tier string) (domain.Plan, error) {
	for _, p := range f.plans {
		if p.Tier == tier {
			return p, nil
		}
	}
	return domain.Plan{}, fmt.Errorf("%w: tier %s", domain.ErrNotFound, tier)
}

func (f *fakePlans) List(_ context.Context) ([]domain.Plan, error) {
	var out []domain.Plan
	for _, p := range f.plans {
		out = append(out, p)
	}
	return out, nil
}

type fakeUsers struct {
	mu     sync.Mutex
	users  map[int64]domain.User
	nextID int64
}

func newFakeUsers(seed ...domain.User) *fakeUsers {
	f := &fakeUsers{users: make(map[int64]domain.User), nextID: 100}
	for _, u := range seed {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUsers) GetOrCreate(_ context.Context, platform domain.Platform, platformUserID, ip string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Platform == platform && u.PlatformUserID == platformUserID {
			return u, nil
		}
	}
	f.nextID++
	u := domain.User{
		ID: f.nextID, Platform: platform, PlatformUserID: platformUserID,
		PlanID: 1, IPAddress: ip, CreatedAt: time.Now().UTC(),
	}
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeUsers) GetByID(_ context.Context, id int64) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("%w: user %d", domain.ErrNotFound, id)
	}
	return u, nil
}

func (f *fakeUsers) GetByAPIKey(_ context.Context, key string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.APIKey != nil && *u.APIKey == key {
			return u, nil
		}
	}
	return domain.User{}, domain.ErrUnauthenticated
}

type fakeUsage struct {
	mu        sync.Mutex
	used      map[int64]decimal.Decimal
	completed int
	failed    int
}

func newFakeUsage() *fakeUsage { return &fakeUsage{used: make(map[int64]decimal.Decimal)} }

func (f *fakeUsage) setUsed(userID int64, tokens string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used[userID] = decimal.RequireFromString(tokens)
}

func (f *fakeUsage) ForDay(_ context.Context, userID int64, day time.Time) (domain.DailyUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	used, ok := f.used[userID]
	if !ok {
		used = decimal.Zero
	}
	return domain.DailyUsage{UserID: userID, Date: day, TokensUsed: used}, nil
}

func (f *fakeUsage) AddCompleted(_ context.Context, userID int64, _ time.Time, _ domain.Capability, tokens decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used[userID] = f.used[userID].Add(tokens)
	f.completed++
	return nil
}

func (f *fakeUsage) AddFailed(context.Context, int64, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed++
	return nil
}

func (f *fakeUsage) History(context.Context, int64, int) ([]domain.DailyUsage, error) {
	return nil, nil
}

// fakeJobs implements the job repository with the same CAS semantics as the
// Postgres adapter.
type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: make(map[string]*domain.Job)} }

func (f *fakeJobs) put(j domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := j
	f.jobs[j.ID] = &cp
}

func (f *fakeJobs) Create(_ context.Context, j domain.Job) error {
	f.put(j)
	return nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return *j, nil
}

func (f *fakeJobs) List(_ context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		if filter.UserID != 0 && j.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Capability != "" && j.Capability != filter.Capability {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (f *fakeJobs) Transition(_ context.Context, id string, from, to domain.JobStatus, stamp domain.TransitionStamp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
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
	return nil
}

func (f *fakeJobs) CountActiveByUser(_ context.Context, userID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.UserID == userID && (j.Status == domain.JobQueued || j.Status == domain.JobRunning) {
			n++
		}
	}
	return n, nil
}

func (f *fakeJobs) QueuePosition(_ context.Context, priority int, queuedAt time.Time, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.Status != domain.JobQueued || j.ID == id || j.QueuedAt == nil {
			continue
		}
		switch {
		case j.Priority > priority:
			n++
		case j.Priority == priority && j.QueuedAt.Before(queuedAt):
			n++
		}
	}
	return n, nil
}

func (f *fakeJobs) ListQueued(context.Context, []domain.Capability, int) ([]domain.Job, error) {
	return nil, nil
}

func (f *fakeJobs) RunningOnWorker(context.Context, string) ([]domain.Job, error) { return nil, nil }

func (f *fakeJobs) ListRunning(context.Context) ([]domain.Job, error) { return nil, nil }

type fakeArtifactsRepo struct {
	mu   sync.Mutex
	rows []domain.Artifact
}

func (f *fakeArtifactsRepo) Create(_ context.Context, a domain.Artifact) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == "" {
		a.ID = fmt.Sprintf("artifact-%d", len(f.rows)+1)
	}
	f.rows = append(f.rows, a)
	return a.ID, nil
}

func (f *fakeArtifactsRepo) ListByJob(_ context.Context, jobID string) ([]domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Artifact
	for _, a := range f.rows {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeArtifactsRepo) DeleteExpired(context.Context, time.Time) (int64, error) { return 0, nil }

type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type fakeResidency struct {
	warm   map[string]bool
	loaded map[string]int
}

func (f fakeResidency) IdleWorkerHasModel(model string) bool { return f.warm[model] }
func (f fakeResidency) LoadedWorkerCount(model string) int   { return f.loaded[model] }

type fakeAborter struct {
	mu    sync.Mutex
	calls []string // "workerID/jobID"
}

func (f *fakeAborter) AbortJob(_ context.Context, workerID, jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, workerID+"/"+jobID)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) NotifyJob(event string, job domain.Job, _ []domain.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event+":"+job.ID)
}
