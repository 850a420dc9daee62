package usecase

import (
	"context"
	"time"

	"github.com/tesseralabs/tessera/internal/domain"
)

// ResidencyReporter exposes live model residency counts from the worker
// registry for the model listing endpoint.
type ResidencyReporter interface {
	IdleWorkerHasModel(model string) bool
	LoadedWorkerCount(model string) int
}

// Profile bundles the account view returned by /user/me.
type Profile struct {
	User  domain.User
	Plan  domain.Plan
	Today domain.DailyUsage
}

// ModelStatus is a catalog entry annotated with live availability.
type ModelStatus struct {
	domain.ModelInfo
	LoadedOn int  `json:"loaded_on"`
	Warm     bool `json:"warm"`
}

// UserService serves account, usage, and catalog reads.
type UserService struct {
	Users   domain.UserRepository
	Plans   domain.PlanRepository
	Usage   domain.UsageRepository
	Catalog *domain.Catalog

	Residency ResidencyReporter

	now func() time.Time
}

// NewUserService constructs a UserService. Residency may be nil.
func NewUserService(users domain.UserRepository, plans domain.PlanRepository, usage domain.UsageRepository, catalog *domain.Catalog, residency ResidencyReporter) *UserService {
	return &UserService{Users: users, Plans: plans, Usage: usage, Catalog: catalog, Residency: residency, now: time.Now}
}

// Me returns the user's profile with plan and today's usage.
func (s *UserService) Me(ctx context.Context, user domain.User) (Profile, error) {
	plan, err := s.Plans.GetByID(ctx, user.PlanID)
	if err != nil {
		return Profile{}, err
	}
	today, err := s.Usage.ForDay(ctx, user.ID, s.now().UTC())
	if err != nil {
		return Profile{}, err
	}
	return Profile{User: user, Plan: plan, Today: today}, nil
}

// UsageHistory returns recent daily usage rows, newest first.
func (s *UserService) UsageHistory(ctx context.Context, userID int64, days int) ([]domain.DailyUsage, error) {
	return s.Usage.History(ctx, userID, days)
}

// Models returns the catalog annotated with residency. The set of models is
// configuration; only the availability columns are live.
func (s *UserService) Models(ctx context.Context) []ModelStatus {
	infos := s.Catalog.All()
	out := make([]ModelStatus, 0, len(infos))
	for _, m := range infos {
		st := ModelStatus{ModelInfo: m}
		if s.Residency != nil {
			st.LoadedOn = s.Residency.LoadedWorkerCount(m.ID)
			st.Warm = s.Residency.IdleWorkerHasModel(m.ID)
		}
		out = append(out, st)
	}
	return out
}
