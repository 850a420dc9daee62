package httpserver_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tesseralabs/tessera/internal/adapter/httpserver"
	"github.com/tesseralabs/tessera/internal/app"
	"github.com/tesseralabs/tessera/internal/config"
	"github.com/tesseralabs/tessera/internal/domain"
	"github.com/tesseralabs/tessera/internal/scheduler"
	"github.com/tesseralabs/tessera/internal/service/ratelimiter"
	"github.com/tesseralabs/tessera/internal/usecase"
)

const (
	frontendKey = "svc-telegram-bot"
	userKey     = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

type stubPlans struct{ plans map[int64]domain.Plan }

func (s stubPlans) GetByID(_ context.Context, id int64) (domain.Plan, error) {
	p, ok := s.plans[id]
	if !ok {
		return domain.Plan{}, fmt.Errorf("%w: plan %d", domain.ErrNotFound, id)
	}
	return p, nil
}

func (s stubPlans) GetByTier(_ context.Context, tier string) (domain.Plan, error) {
	for _, p := range s.plans {
		if p.Tier == tier {
			return p, nil
		}
	}
	return domain.Plan{}, fmt.Errorf("%w: tier %s", domain.ErrNotFound, tier)
}

func (s stubPlans) List(context.Context) ([]domain.Plan, error) { return nil, nil }

type stubUsers struct {
	mu     sync.Mutex
	users  map[int64]domain.User
	nextID int64
}

func (s *stubUsers) GetOrCreate(_ context.Context, platform domain.Platform, platformUserID, ip string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Platform == platform && u.PlatformUserID == platformUserID {
			return u, nil
		}
	}
	s.nextID++
	u := domain.User{ID: s.nextID, Platform: platform, PlatformUserID: platformUserID, PlanID: 1, IPAddress: ip}
	s.users[u.ID] = u
	return u, nil
}

func (s *stubUsers) GetByID(_ context.Context, id int64) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("%w: user %d", domain.ErrNotFound, id)
	}
	return u, nil
}

func (s *stubUsers) GetByAPIKey(_ context.Context, key string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.APIKey != nil && *u.APIKey == key {
			return u, nil
		}
	}
	return domain.User{}, domain.ErrUnauthenticated
}

type stubUsage struct {
	mu   sync.Mutex
	used map[int64]decimal.Decimal
}

func (s *stubUsage) ForDay(_ context.Context, userID int64, day time.Time) (domain.DailyUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	used, ok := s.used[userID]
	if !ok {
		used = decimal.Zero
	}
	return domain.DailyUsage{UserID: userID, Date: day, TokensUsed: used}, nil
}

func (s *stubUsage) AddCompleted(context.Context, int64, time.Time, domain.Capability, decimal.Decimal) error {
	return nil
}

func (s *stubUsage) AddFailed(context.Context, int64, time.Time) error { return nil }

func (s *stubUsage) History(_ context.Context, userID int64, days int) ([]domain.DailyUsage, error) {
	return []domain.DailyUsage{{
		UserID:        userID,
		Date:          time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC),
		TokensUsed:    decimal.RequireFromString("2.50"),
		JobsCompleted: 3,
	}}, nil
}

type stubJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func (s *stubJobs) put(j domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := j
	s.jobs[j.ID] = &cp
}

func (s *stubJobs) Create(_ context.Context, j domain.Job) error {
	s.put(j)
	return nil
}

func (s *stubJobs) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return *j, nil
}

func (s *stubJobs) List(_ context.Context, f domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if f.UserID != 0 && j.UserID != f.UserID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Since != nil && j.CreatedAt.Before(*f.Since) {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

func (s *stubJobs) Transition(_ context.Context, id string, from, to domain.JobStatus, stamp domain.TransitionStamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != from {
		return fmt.Errorf("%w: %s is not %s", domain.ErrStateConflict, id, from)
	}
	now := time.Now().UTC()
	j.Status = to
	switch to {
	case domain.JobQueued:
		j.QueuedAt = &now
	case domain.JobRunning:
		j.StartedAt = &now
		j.WorkerID = stamp.WorkerID
	case domain.JobCompleted, domain.JobFailed, domain.JobCancelled:
		j.EndedAt = &now
	}
	return nil
}

func (s *stubJobs) CountActiveByUser(_ context.Context, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.UserID == userID && (j.Status == domain.JobQueued || j.Status == domain.JobRunning) {
			n++
		}
	}
	return n, nil
}

func (s *stubJobs) QueuePosition(context.Context, int, time.Time, string) (int, error) {
	return 0, nil
}

func (s *stubJobs) ListQueued(context.Context, []domain.Capability, int) ([]domain.Job, error) {
	return nil, nil
}

func (s *stubJobs) RunningOnWorker(context.Context, string) ([]domain.Job, error) { return nil, nil }

func (s *stubJobs) ListRunning(context.Context) ([]domain.Job, error) { return nil, nil }

type stubArtifacts struct{ rows []domain.Artifact }

func (s *stubArtifacts) Create(_ context.Context, a domain.Artifact) (string, error) {
	s.rows = append(s.rows, a)
	return a.ID, nil
}

func (s *stubArtifacts) ListByJob(_ context.Context, jobID string) ([]domain.Artifact, error) {
	var out []domain.Artifact
	for _, a := range s.rows {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubArtifacts) DeleteExpired(context.Context, time.Time) (int64, error) { return 0, nil }

type stubTx struct{}

func (stubTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// stubInvoker fakes the worker RPC surface for the operator endpoints.
type stubInvoker struct {
	mu        sync.Mutex
	healthErr error
	caps      []string
}

func (s *stubInvoker) setHealth(err error, caps []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthErr = err
	s.caps = caps
}

func (s *stubInvoker) RunJob(context.Context, string, domain.RunJobRequest, time.Duration) (domain.RunJobResult, error) {
	return domain.RunJobResult{}, nil
}

func (s *stubInvoker) Abort(context.Context, string, string) error { return nil }

func (s *stubInvoker) Health(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthErr
}

func (s *stubInvoker) Capabilities(context.Context, string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps, nil
}

// apiFixture is a full API surface backed by in-memory repositories.
type apiFixture struct {
	handler  http.Handler
	users    *stubUsers
	jobs     *stubJobs
	registry *scheduler.Registry
	invoker  *stubInvoker
}

func newAPIFixture() *apiFixture {
	key := userKey
	plan := domain.Plan{
		ID: 1, Tier: domain.TierFree,
		DailyTokenLimit:   100,
		RequestsPerMinute: 60,
		MaxConcurrentJobs: 5,
		MaxResolution:     1024,
		AllowedModels:     []string{"*"},
		Active:            true,
	}
	users := &stubUsers{users: map[int64]domain.User{
		7: {ID: 7, Platform: domain.PlatformWeb, PlatformUserID: "u7", PlanID: 1, APIKey: &key},
	}, nextID: 100}
	jobs := &stubJobs{jobs: make(map[string]*domain.Job)}
	usage := &stubUsage{used: make(map[int64]decimal.Decimal)}
	plans := stubPlans{plans: map[int64]domain.Plan{1: plan}}
	registry := scheduler.NewRegistry(scheduler.RegistryConfig{})
	limiter := ratelimiter.NewMemoryLimiter()
	invoker := &stubInvoker{}

	admit := usecase.NewAdmitService(users, plans, jobs, usage, stubTx{},
		limiter, domain.DefaultCatalog(), nil, nil)
	jobsSvc := usecase.NewJobService(jobs, &stubArtifacts{}, nil, nil, nil)
	usersSvc := usecase.NewUserService(users, plans, usage, domain.DefaultCatalog(), nil)

	auth := httpserver.NewAuthenticator(users, []string{frontendKey})
	srv := httpserver.NewServer(admit, jobsSvc, usersSvc, users, plans, limiter)
	internal := httpserver.NewInternalServer(registry, invoker)

	cfg := config.Config{RateLimitPerMin: 1000}
	return &apiFixture{
		handler:  app.BuildRouter(cfg, auth, srv, internal, nil),
		users:    users,
		jobs:     jobs,
		registry: registry,
		invoker:  invoker,
	}
}

func (f *apiFixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}
