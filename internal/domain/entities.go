// Package domain holds the control plane's entities, ports, and invariants.
// It is storage- and transport-agnostic; adapters depend on it, never the
// other way around.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Capability enumerates the generation families a job can request.
type Capability string

const (
	CapabilityImage Capability = "image"
	CapabilityVideo Capability = "video"
	CapabilityText  Capability = "text"
	CapabilityAudio Capability = "audio"
)

// KnownCapability reports whether c is one of the four supported families.
func KnownCapability(c Capability) bool {
	switch c {
	case CapabilityImage, CapabilityVideo, CapabilityText, CapabilityAudio:
		return true
	}
	return false
}

// Platform identifies the frontend a user belongs to.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
	PlatformWeb      Platform = "web"
)

// FrontendAPI is the job origin recorded for direct API submissions.
const FrontendAPI = "api"

// Plan tiers, priority-ordered admin>pro>starter>free = 3>2>1>0.
const (
	TierFree    = "free"
	TierStarter = "starter"
	TierPro     = "pro"
	TierAdmin   = "admin"
)

// Plan is an immutable policy record. Tier upgrades are modeled as changing
// the user's plan_id, never by mutating a plan row.
type Plan struct {
	ID                int64
	Tier              string
	DailyTokenLimit   int64
	RequestsPerMinute int
	MaxConcurrentJobs int
	Priority          int
	MaxResolution     int
	AllowedModels     []string // "*" denotes all
	PriceCents        int
	Description       string
	Active            bool
}

// AllowsModel reports whether the plan permits the given model id.
func (p Plan) AllowsModel(model string) bool {
	for _, m := range p.AllowedModels {
		if m == "*" || m == model {
			return true
		}
	}
	return false
}

// User is an identity on a single frontend platform. (platform,
// platform_user_id) is unique; users are created on first contact and never
// destroyed.
type User struct {
	ID             int64
	Platform       Platform
	PlatformUserID string
	PlanID         int64
	Email          string
	DisplayName    string
	IPAddress      string
	APIKey         *string
	APIKeyCreated  *time.Time
	CreatedAt      time.Time
	LastActiveAt   time.Time
}

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobCreated   JobStatus = "CREATED"
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether s admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// MaxRetries bounds requeues after TIMEOUT / WORKER_ERROR failures.
const MaxRetries = 2

// JobError is the structured error stored on a failed job.
type JobError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is the central entity; the only one whose state evolves through a
// machine. Priority is snapshotted from the user's plan at admission so later
// plan changes do not reprioritize in-flight work. CostTokens is fixed at
// admission and never recomputed.
type Job struct {
	ID                   string
	UserID               int64
	Frontend             string
	BotID                *string
	Capability           Capability
	Status               JobStatus
	Priority             int
	Params               map[string]any
	WorkflowID           *string
	CostTokens           decimal.Decimal
	WorkerID             *string
	CreatedAt            time.Time
	QueuedAt             *time.Time
	StartedAt            *time.Time
	EndedAt              *time.Time
	ExecutionTimeSeconds float64
	Error                *JobError
	Metadata             map[string]any
}

// Metadata keys. retry_count and artifact_ids are owned by the control
// plane; reply_context and webhook_url are opaque passthroughs.
const (
	MetaRetryCount   = "retry_count"
	MetaReplyContext = "reply_context"
	MetaArtifactIDs  = "artifact_ids"
	MetaWebhookURL   = "webhook_url"
)

// RetryCount reads the retry counter from job metadata.
func (j Job) RetryCount() int {
	if j.Metadata == nil {
		return 0
	}
	switch v := j.Metadata[MetaRetryCount].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// WebhookURL returns the registered completion webhook, if any.
func (j Job) WebhookURL() string {
	if j.Metadata == nil {
		return ""
	}
	s, _ := j.Metadata[MetaWebhookURL].(string)
	return s
}

// Model returns params.model, empty when absent.
func (j Job) Model() string {
	s, _ := j.Params["model"].(string)
	return s
}

// Per-job timeout bounds (seconds).
const (
	DefaultJobTimeoutSeconds = 300
	MaxJobTimeoutSeconds     = 600
)

// TimeoutSeconds returns the per-job execution timeout, defaulted and
// clamped to [1, MaxJobTimeoutSeconds].
func (j Job) TimeoutSeconds() int {
	v, ok := j.Params["timeout_seconds"]
	if !ok {
		return DefaultJobTimeoutSeconds
	}
	var n int
	switch t := v.(type) {
	case int:
		n = t
	case int64:
		n = int(t)
	case float64:
		n = int(t)
	default:
		return DefaultJobTimeoutSeconds
	}
	if n < 1 {
		return DefaultJobTimeoutSeconds
	}
	if n > MaxJobTimeoutSeconds {
		return MaxJobTimeoutSeconds
	}
	return n
}

// Artifact is an output produced by a completed job. It becomes publicly
// visible only once the parent job is COMPLETED.
type Artifact struct {
	ID              string
	JobID           string
	Type            Capability
	Format          string
	LocalPath       string
	PublicURL       string
	Width           *int
	Height          *int
	DurationSeconds *float64
	SizeBytes       *int64
	Metadata        map[string]any
	ExpiresAt       *time.Time
	CreatedAt       time.Time
}

// DailyUsage is one row per (user, UTC date), created lazily on the first
// chargeable event of the day. TokensUsed equals the sum of Breakdown.
type DailyUsage struct {
	UserID        int64
	Date          time.Time
	TokensUsed    decimal.Decimal
	JobsCompleted int
	JobsFailed    int
	Breakdown     map[Capability]decimal.Decimal
}

// BatchKey groups jobs eligible for co-execution on one worker.
type BatchKey struct {
	Engine     string
	Model      string
	Resolution string
	Steps      int
	Precision  string
}

// JobBatchKey derives the batch key from job params. Absent members stay
// zero-valued so jobs submitted without them still group together.
func JobBatchKey(j Job) BatchKey {
	k := BatchKey{Model: j.Model()}
	if s, ok := j.Params["engine"].(string); ok {
		k.Engine = s
	}
	if s, ok := j.Params["resolution"].(string); ok {
		k.Resolution = s
	}
	if s, ok := j.Params["precision"].(string); ok {
		k.Precision = s
	}
	switch v := j.Params["steps"].(type) {
	case int:
		k.Steps = v
	case float64:
		k.Steps = int(v)
	}
	return k
}

// JobFilter narrows job listings.
type JobFilter struct {
	UserID     int64
	Status     JobStatus
	Capability Capability
	Since      *time.Time
	Limit      int
	Offset     int
}

// Repositories (ports)

type PlanRepository interface {
	GetByID(ctx context.Context, id int64) (Plan, error)
	GetByTier(ctx context.Context, tier string) (Plan, error)
	List(ctx context.Context) ([]Plan, error)
}

type UserRepository interface {
	// GetOrCreate resolves (platform, platform_user_id), inserting with the
	// default free plan on first contact, recording ip and last_active_at.
	GetOrCreate(ctx context.Context, platform Platform, platformUserID, ip string) (User, error)
	GetByID(ctx context.Context, id int64) (User, error)
	GetByAPIKey(ctx context.Context, key string) (User, error)
}

// TransitionStamp carries the fields written alongside a CAS status change.
// Zero-valued members are left untouched by the repository.
type TransitionStamp struct {
	WorkerID      *string
	Error         *JobError
	ExecutionSecs float64
	RetryCount    *int
	ArtifactIDs   []string
	ClearWorker   bool
}

type JobRepository interface {
	Create(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	List(ctx context.Context, f JobFilter) ([]Job, error)

	// Transition performs an atomic compare-and-swap on status, writing the
	// timestamps implied by the target state in the same statement. It
	// returns ErrStateConflict when the job is no longer in `from`.
	Transition(ctx context.Context, id string, from, to JobStatus, stamp TransitionStamp) error

	CountActiveByUser(ctx context.Context, userID int64) (int, error)
	// QueuePosition counts QUEUED jobs ahead of the given job per the
	// (priority desc, queued_at asc, id asc) ordering.
	QueuePosition(ctx context.Context, priority int, queuedAt time.Time, id string) (int, error)
	// ListQueued returns QUEUED jobs matching any of the capabilities,
	// ordered (priority desc, queued_at asc, id asc), capped at limit.
	ListQueued(ctx context.Context, caps []Capability, limit int) ([]Job, error)
	// RunningOnWorker returns RUNNING jobs attributed to a worker.
	RunningOnWorker(ctx context.Context, workerID string) ([]Job, error)
	// ListRunning returns all RUNNING jobs (reaper deadline sweep).
	ListRunning(ctx context.Context) ([]Job, error)
}

type ArtifactRepository interface {
	Create(ctx context.Context, a Artifact) (string, error)
	ListByJob(ctx context.Context, jobID string) ([]Artifact, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type UsageRepository interface {
	// ForDay returns the usage row for (user, UTC day), zero-valued when the
	// row does not exist yet.
	ForDay(ctx context.Context, userID int64, day time.Time) (DailyUsage, error)
	// AddCompleted upserts today's row, incrementing tokens_used, the
	// per-capability breakdown, and jobs_completed by one.
	AddCompleted(ctx context.Context, userID int64, day time.Time, cap Capability, tokens decimal.Decimal) error
	// AddFailed increments jobs_failed.
	AddFailed(ctx context.Context, userID int64, day time.Time) error
	History(ctx context.Context, userID int64, days int) ([]DailyUsage, error)
}

// TxRunner executes fn inside a single storage transaction. Repository calls
// made with the ctx passed to fn join that transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Worker wire types

// Worker status as self-reported in heartbeats.
const (
	WorkerIdle = "idle"
	WorkerBusy = "busy"
)

// Heartbeat is the worker's periodic self-report.
type Heartbeat struct {
	WorkerID      string   `json:"worker_id" validate:"required"`
	URL           string   `json:"url" validate:"required,url"`
	Status        string   `json:"status" validate:"required,oneof=idle busy"`
	Capabilities  []string `json:"capabilities" validate:"required,min=1"`
	LoadedModels  []string `json:"loaded_models"`
	GPUMemoryUsed int64    `json:"gpu_memory_used"`
	UptimeSeconds float64  `json:"uptime"`
	JobsCompleted int64    `json:"jobs_completed"`
}

// RunJobRequest is the dispatch payload POSTed to {worker}/run_job.
type RunJobRequest struct {
	JobID          string         `json:"job_id"`
	Engine         string         `json:"engine,omitempty"`
	WorkflowID     string         `json:"workflow_id,omitempty"`
	ModelID        string         `json:"model_id,omitempty"`
	Params         map[string]any `json:"params"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// ArtifactSpec is an artifact as reported by a worker.
type ArtifactSpec struct {
	Type            string         `json:"type"`
	Format          string         `json:"format,omitempty"`
	Path            string         `json:"path,omitempty"`
	URL             string         `json:"url,omitempty"`
	Width           *int           `json:"width,omitempty"`
	Height          *int           `json:"height,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	SizeBytes       *int64         `json:"file_size,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// RunJobResult is the worker's reply for a dispatched job.
type RunJobResult struct {
	Status               string         `json:"status"` // completed | failed
	JobID                string         `json:"job_id"`
	ExecutionTimeSeconds float64        `json:"execution_time_seconds"`
	Artifacts            []ArtifactSpec `json:"artifacts,omitempty"`
	Error                *JobError      `json:"error,omitempty"`
}

// WorkerInvoker is the outbound RPC surface toward workers. Health and
// Capabilities back the operator health check that lifts quarantine.
type WorkerInvoker interface {
	RunJob(ctx context.Context, baseURL string, req RunJobRequest, timeout time.Duration) (RunJobResult, error)
	Abort(ctx context.Context, baseURL, jobID string) error
	Health(ctx context.Context, baseURL string) error
	Capabilities(ctx context.Context, baseURL string) ([]string, error)
}

// Notifier delivers job lifecycle webhooks (fire-and-forget with bounded
// retries).
type Notifier interface {
	NotifyJob(event string, job Job, artifacts []Artifact)
}

// Webhook / event names.
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"
)

// EventPublisher mirrors lifecycle events onto a message bus when one is
// configured. Implementations must never block the completion path.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, event string, job Job) error
}

// ModelResidency answers whether any idle worker currently reports a model
// loaded; the admission time estimate uses it for cold-start adjustment.
type ModelResidency interface {
	IdleWorkerHasModel(model string) bool
}
