// Package usecase contains the control plane's application services.
package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tesseralabs/tessera/internal/domain"
	"github.com/tesseralabs/tessera/internal/service/ratelimiter"
)

// JobRequest is an admission request after authentication has resolved the
// platform identity.
type JobRequest struct {
	Frontend   string
	BotID      *string
	Capability domain.Capability
	// UserID is set when the caller authenticated with a personal API key;
	// otherwise the platform identity below resolves (or creates) the user.
	UserID         int64
	Platform       domain.Platform
	PlatformUserID string
	IP             string
	Params         map[string]any
	WorkflowID     *string
	ReplyContext   map[string]any
	WebhookURL     string
}

// Admission is the acknowledgment returned for an accepted job.
type Admission struct {
	JobID            string
	Status           domain.JobStatus
	QueuePosition    int
	EstimatedSeconds int
	CostTokens       decimal.Decimal
	CreatedAt        time.Time
}

// Capability average execution seconds for time estimates.
var capabilityAvgSeconds = map[domain.Capability]int{
	domain.CapabilityImage: 20,
	domain.CapabilityVideo: 30,
	domain.CapabilityText:  5,
	domain.CapabilityAudio: 10,
}

// Cold-start adjustment: warm when an idle worker already reports the model
// loaded, cold otherwise.
const (
	warmStartSeconds = 5
	coldStartSeconds = 30
)

// AdmitService executes the admission pipeline: user/plan resolution, rate
// and concurrency checks, validation, cost calculation, quota check, and
// enqueue, all under one storage transaction. Tokens are NOT debited here;
// debit happens on COMPLETED.
type AdmitService struct {
	Users     domain.UserRepository
	Plans     domain.PlanRepository
	Jobs      domain.JobRepository
	Usage     domain.UsageRepository
	Tx        domain.TxRunner
	Limiter   ratelimiter.Limiter
	Catalog   *domain.Catalog
	Residency domain.ModelResidency
	Blocked   []string

	now func() time.Time
}

// NewAdmitService constructs an AdmitService.
func NewAdmitService(users domain.UserRepository, plans domain.PlanRepository, jobs domain.JobRepository, usage domain.UsageRepository, tx domain.TxRunner, lim ratelimiter.Limiter, catalog *domain.Catalog, residency domain.ModelResidency, blocked []string) *AdmitService {
	return &AdmitService{
		Users: users, Plans: plans, Jobs: jobs, Usage: usage, Tx: tx,
		Limiter: lim, Catalog: catalog, Residency: residency, Blocked: blocked,
		now: time.Now,
	}
}

// Admit runs the pipeline. The returned rate result carries the header
// material for X-RateLimit-*; it is zero-valued until the user's plan has
// been resolved.
func (s *AdmitService) Admit(ctx context.Context, req JobRequest) (Admission, ratelimiter.Result, error) {
	if !domain.KnownCapability(req.Capability) {
		return Admission{}, ratelimiter.Result{}, fmt.Errorf("%w: unknown capability %q", domain.ErrInvalidParams, req.Capability)
	}
	var (
		adm  Admission
		rate ratelimiter.Result
	)
	err := s.Tx.InTx(ctx, func(ctx context.Context) error {
		// 1. Resolve user (created on first contact with the free plan).
		var (
			user domain.User
			err  error
		)
		if req.UserID != 0 {
			user, err = s.Users.GetByID(ctx, req.UserID)
		} else {
			user, err = s.Users.GetOrCreate(ctx, req.Platform, req.PlatformUserID, req.IP)
		}
		if err != nil {
			return err
		}

		// 2. Load plan.
		plan, err := s.Plans.GetByID(ctx, user.PlanID)
		if err != nil {
			return err
		}
		if !plan.Active {
			return fmt.Errorf("%w: plan %s is inactive", domain.ErrInvalidParams, plan.Tier)
		}

		// 3. Rate limit. State is per-process and advisory; quota is the
		// billing backstop.
		rate, err = s.Limiter.Allow(ctx, fmt.Sprintf("user:%d", user.ID),
			int64(plan.RequestsPerMinute), ratelimiter.PerMinuteRefill(plan.RequestsPerMinute))
		if err == nil && !rate.Allowed {
			return fmt.Errorf("%w: %d requests per minute exceeded", domain.ErrRateLimited, plan.RequestsPerMinute)
		}

		// 4. Concurrency.
		active, err := s.Jobs.CountActiveByUser(ctx, user.ID)
		if err != nil {
			return err
		}
		if active >= plan.MaxConcurrentJobs {
			return fmt.Errorf("%w: %d concurrent jobs in flight", domain.ErrRateLimited, active)
		}

		// 5. Validate params against the plan and catalog.
		if err := domain.ValidateParams(req.Capability, req.Params, plan, s.Catalog, s.Blocked); err != nil {
			return err
		}

		// 6. Cost (fixed here, never recomputed).
		cost, err := domain.CostTokens(req.Capability, req.Params)
		if err != nil {
			return err
		}

		// 7. Quota against committed prior usage. The row lock taken by
		// ForDay inside the transaction serializes same-user admissions.
		now := s.now().UTC()
		usage, err := s.Usage.ForDay(ctx, user.ID, now)
		if err != nil {
			return err
		}
		if usage.TokensUsed.Add(cost).GreaterThan(decimal.NewFromInt(plan.DailyTokenLimit)) {
			return fmt.Errorf("%w: %s of %d tokens used today", domain.ErrQuotaExceeded,
				usage.TokensUsed.StringFixed(2), plan.DailyTokenLimit)
		}

		// 8. Insert in CREATED, then enqueue.
		job := domain.Job{
			UserID:     user.ID,
			Frontend:   req.Frontend,
			BotID:      req.BotID,
			Capability: req.Capability,
			Status:     domain.JobCreated,
			Priority:   plan.Priority,
			Params:     req.Params,
			WorkflowID: req.WorkflowID,
			CostTokens: cost,
			CreatedAt:  now,
			Metadata:   map[string]any{domain.MetaRetryCount: 0},
		}
		if req.ReplyContext != nil {
			job.Metadata[domain.MetaReplyContext] = req.ReplyContext
		}
		if req.WebhookURL != "" {
			job.Metadata[domain.MetaWebhookURL] = req.WebhookURL
		}
		job.ID = newJobID()
		if err := s.Jobs.Create(ctx, job); err != nil {
			return err
		}
		if err := s.Jobs.Transition(ctx, job.ID, domain.JobCreated, domain.JobQueued, domain.TransitionStamp{}); err != nil {
			return err
		}

		// 9. Queue position (ahead-of count in dispatch order).
		queuedAt := now
		pos, err := s.Jobs.QueuePosition(ctx, job.Priority, queuedAt, job.ID)
		if err != nil {
			return err
		}

		// 10. Time estimate.
		adm = Admission{
			JobID:            job.ID,
			Status:           domain.JobQueued,
			QueuePosition:    pos,
			EstimatedSeconds: s.estimateSeconds(req.Capability, req.Params, pos),
			CostTokens:       cost,
			CreatedAt:        now,
		}
		return nil
	})
	if err != nil {
		return Admission{}, rate, err
	}
	return adm, rate, nil
}

// estimateSeconds applies position * capability average plus a cold-start
// adjustment based on live model residency.
func (s *AdmitService) estimateSeconds(cap domain.Capability, params map[string]any, position int) int {
	avg := capabilityAvgSeconds[cap]
	adjust := coldStartSeconds
	model, _ := params["model"].(string)
	if s.Residency != nil && model != "" && s.Residency.IdleWorkerHasModel(model) {
		adjust = warmStartSeconds
	}
	return position*avg + adjust
}
