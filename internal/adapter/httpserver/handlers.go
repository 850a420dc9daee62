package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tesseralabs/tessera/internal/adapter/observability"
	"github.com/tesseralabs/tessera/internal/domain"
	"github.com/tesseralabs/tessera/internal/service/ratelimiter"
	"github.com/tesseralabs/tessera/internal/usecase"
)

// Server aggregates the public API handlers.
type Server struct {
	Admit    *usecase.AdmitService
	JobsSvc  *usecase.JobService
	UsersSvc *usecase.UserService
	Users    domain.UserRepository
	Plans    domain.PlanRepository
	Limiter  ratelimiter.Limiter

	validate *validator.Validate
}

// NewServer constructs the API server.
func NewServer(admit *usecase.AdmitService, jobs *usecase.JobService, users *usecase.UserService, userRepo domain.UserRepository, planRepo domain.PlanRepository, limiter ratelimiter.Limiter) *Server {
	return &Server{
		Admit:    admit,
		JobsSvc:  jobs,
		UsersSvc: users,
		Users:    userRepo,
		Plans:    planRepo,
		Limiter:  limiter,
		validate: validator.New(),
	}
}

const maxBodyBytes = 1 << 20

type submitRequest struct {
	Capability     string         `json:"capability" validate:"required,oneof=image video text audio"`
	Platform       string         `json:"platform" validate:"omitempty,oneof=telegram discord web"`
	PlatformUserID string         `json:"platform_user_id"`
	BotID          *string        `json:"bot_id"`
	Params         map[string]any `json:"params" validate:"required"`
	WorkflowID     *string        `json:"workflow_id"`
	ReplyContext   map[string]any `json:"reply_context"`
	WebhookURL     string         `json:"webhook_url" validate:"omitempty,url"`
}

type submitResponse struct {
	JobID            string    `json:"job_id"`
	Status           string    `json:"status"`
	QueuePosition    int       `json:"queue_position"`
	EstimatedSeconds int       `json:"estimated_time_seconds"`
	CostTokens       string    `json:"cost_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// SubmitJob handles POST /api/v1/jobs.
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeRejection(w, r, fmt.Errorf("%w: malformed json: %v", domain.ErrInvalidParams, err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeRejection(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err))
		return
	}

	principal, _ := PrincipalFrom(r)
	jr := usecase.JobRequest{
		Frontend:     domain.FrontendAPI,
		BotID:        req.BotID,
		Capability:   domain.Capability(req.Capability),
		IP:           clientIP(r),
		Params:       req.Params,
		WorkflowID:   req.WorkflowID,
		ReplyContext: req.ReplyContext,
		WebhookURL:   req.WebhookURL,
	}
	switch {
	case principal.User != nil:
		jr.UserID = principal.User.ID
	case principal.Frontend:
		if req.Platform == "" || req.PlatformUserID == "" {
			writeRejection(w, r, fmt.Errorf("%w: platform and platform_user_id required", domain.ErrInvalidParams))
			return
		}
		jr.Frontend = req.Platform
		jr.Platform = domain.Platform(req.Platform)
		jr.PlatformUserID = req.PlatformUserID
	default:
		writeError(w, r, domain.ErrUnauthenticated, nil)
		return
	}

	adm, rate, err := s.Admit.Admit(r.Context(), jr)
	setRateHeaders(w, rate)
	if err != nil {
		writeRejection(w, r, err)
		return
	}
	observability.JobsAdmittedTotal.WithLabelValues(req.Capability).Inc()
	writeJSON(w, http.StatusCreated, submitResponse{
		JobID:            adm.JobID,
		Status:           string(adm.Status),
		QueuePosition:    adm.QueuePosition,
		EstimatedSeconds: adm.EstimatedSeconds,
		CostTokens:       adm.CostTokens.StringFixed(2),
		CreatedAt:        adm.CreatedAt,
	})
}

type jobResponse struct {
	ID                   string           `json:"id"`
	Capability           string           `json:"capability"`
	Status               string           `json:"status"`
	Priority             int              `json:"priority"`
	Params               map[string]any   `json:"params"`
	CostTokens           string           `json:"cost_tokens"`
	WorkerID             *string          `json:"worker_id,omitempty"`
	QueuePosition        *int             `json:"queue_position,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	QueuedAt             *time.Time       `json:"queued_at,omitempty"`
	StartedAt            *time.Time       `json:"started_at,omitempty"`
	EndedAt              *time.Time       `json:"ended_at,omitempty"`
	ExecutionTimeSeconds float64          `json:"execution_time_seconds,omitempty"`
	Error                *domain.JobError `json:"error,omitempty"`
	Artifacts            []artifactJSON   `json:"artifacts,omitempty"`
}

type artifactJSON struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	Format          string   `json:"format,omitempty"`
	URL             string   `json:"url,omitempty"`
	Width           *int     `json:"width,omitempty"`
	Height          *int     `json:"height,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	SizeBytes       *int64   `json:"file_size,omitempty"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:                   j.ID,
		Capability:           string(j.Capability),
		Status:               string(j.Status),
		Priority:             j.Priority,
		Params:               j.Params,
		CostTokens:           j.CostTokens.StringFixed(2),
		WorkerID:             j.WorkerID,
		CreatedAt:            j.CreatedAt,
		QueuedAt:             j.QueuedAt,
		StartedAt:            j.StartedAt,
		EndedAt:              j.EndedAt,
		ExecutionTimeSeconds: j.ExecutionTimeSeconds,
		Error:                j.Error,
	}
}

func toDetailResponse(d usecase.JobDetail) jobResponse {
	resp := toJobResponse(d.Job)
	if d.QueuePosition >= 0 {
		pos := d.QueuePosition
		resp.QueuePosition = &pos
	}
	for _, a := range d.Artifacts {
		resp.Artifacts = append(resp.Artifacts, artifactJSON{
			ID:              a.ID,
			Type:            string(a.Type),
			Format:          a.Format,
			URL:             a.PublicURL,
			Width:           a.Width,
			Height:          a.Height,
			DurationSeconds: a.DurationSeconds,
			SizeBytes:       a.SizeBytes,
		})
	}
	return resp
}

// GetJob handles GET /api/v1/jobs/{id}.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	user, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	s.setUserRateHeaders(w, r, user)
	detail, err := s.JobsSvc.Get(r.Context(), user.ID, pathID(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toDetailResponse(detail))
}

// ListJobs handles GET /api/v1/jobs.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	user, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	s.setUserRateHeaders(w, r, user)
	f := domain.JobFilter{
		Status:     domain.JobStatus(r.URL.Query().Get("status")),
		Capability: domain.Capability(r.URL.Query().Get("capability")),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: since must be RFC 3339", domain.ErrInvalidParams), nil)
			return
		}
		f.Since = &ts
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}
	jobs, err := s.JobsSvc.List(r.Context(), user.ID, f)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// CancelJob handles DELETE /api/v1/jobs/{id}. Cancelling a terminal job is a
// no-op reporting the current state.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	user, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	s.setUserRateHeaders(w, r, user)
	job, err := s.JobsSvc.Cancel(r.Context(), user.ID, pathID(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// Me handles GET /api/v1/user/me.
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	s.setUserRateHeaders(w, r, user)
	profile, err := s.UsersSvc.Me(r.Context(), user)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	breakdown := make(map[string]string, len(profile.Today.Breakdown))
	for c, d := range profile.Today.Breakdown {
		breakdown[string(c)] = d.StringFixed(2)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":               user.ID,
			"platform":         user.Platform,
			"platform_user_id": user.PlatformUserID,
			"created_at":       user.CreatedAt,
		},
		"plan": map[string]any{
			"tier":                profile.Plan.Tier,
			"daily_token_limit":   profile.Plan.DailyTokenLimit,
			"requests_per_minute": profile.Plan.RequestsPerMinute,
			"max_concurrent_jobs": profile.Plan.MaxConcurrentJobs,
			"max_resolution":      profile.Plan.MaxResolution,
			"allowed_models":      profile.Plan.AllowedModels,
		},
		"usage_today": map[string]any{
			"tokens_used":    profile.Today.TokensUsed.StringFixed(2),
			"jobs_completed": profile.Today.JobsCompleted,
			"jobs_failed":    profile.Today.JobsFailed,
			"breakdown":      breakdown,
		},
	})
}

// Usage handles GET /api/v1/user/usage.
func (s *Server) Usage(w http.ResponseWriter, r *http.Request) {
	user, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	s.setUserRateHeaders(w, r, user)
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			days = n
		}
	}
	rows, err := s.UsersSvc.UsageHistory(r.Context(), user.ID, days)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	type dayJSON struct {
		Date          string `json:"date"`
		TokensUsed    string `json:"tokens_used"`
		JobsCompleted int    `json:"jobs_completed"`
		JobsFailed    int    `json:"jobs_failed"`
	}
	out := make([]dayJSON, 0, len(rows))
	for _, u := range rows {
		out = append(out, dayJSON{
			Date:          u.Date.Format("2006-01-02"),
			TokensUsed:    u.TokensUsed.StringFixed(2),
			JobsCompleted: u.JobsCompleted,
			JobsFailed:    u.JobsFailed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": out})
}

// Models handles GET /api/v1/models.
func (s *Server) Models(w http.ResponseWriter, r *http.Request) {
	if principal, ok := PrincipalFrom(r); ok && principal.User != nil {
		s.setUserRateHeaders(w, r, *principal.User)
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": s.UsersSvc.Models(r.Context())})
}

// setUserRateHeaders exposes the caller's bucket state on read and cancel
// responses. The peek spends no token; only submission consumes.
func (s *Server) setUserRateHeaders(w http.ResponseWriter, r *http.Request, user domain.User) {
	if s.Limiter == nil || s.Plans == nil {
		return
	}
	plan, err := s.Plans.GetByID(r.Context(), user.PlanID)
	if err != nil {
		return
	}
	res, err := s.Limiter.Peek(r.Context(), fmt.Sprintf("user:%d", user.ID),
		int64(plan.RequestsPerMinute), ratelimiter.PerMinuteRefill(plan.RequestsPerMinute))
	if err != nil {
		return
	}
	setRateHeaders(w, res)
}

// resolveUser turns the authenticated principal into a concrete user row.
// Frontends name their user via platform/platform_user_id query parameters.
func (s *Server) resolveUser(w http.ResponseWriter, r *http.Request) (domain.User, bool) {
	principal, ok := PrincipalFrom(r)
	if !ok {
		writeError(w, r, domain.ErrUnauthenticated, nil)
		return domain.User{}, false
	}
	if principal.User != nil {
		return *principal.User, true
	}
	platform := r.URL.Query().Get("platform")
	platformUserID := r.URL.Query().Get("platform_user_id")
	if platform == "" || platformUserID == "" {
		writeError(w, r, fmt.Errorf("%w: platform and platform_user_id required", domain.ErrInvalidParams), nil)
		return domain.User{}, false
	}
	user, err := s.Users.GetOrCreate(r.Context(), domain.Platform(platform), platformUserID, clientIP(r))
	if err != nil {
		writeError(w, r, err, nil)
		return domain.User{}, false
	}
	return user, true
}
