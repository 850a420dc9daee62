package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/tesseralabs/tessera/internal/domain"
)

// PlanRepo loads the immutable plan policy rows.
type PlanRepo struct{ Pool Querier }

// NewPlanRepo constructs a PlanRepo with the given pool.
func NewPlanRepo(p Querier) *PlanRepo { return &PlanRepo{Pool: p} }

const planCols = `id, tier, daily_token_limit, requests_per_minute, max_concurrent_jobs, priority, max_resolution, allowed_models, price_cents, description, active`

func scanPlan(row pgx.Row) (domain.Plan, error) {
	var p domain.Plan
	err := row.Scan(&p.ID, &p.Tier, &p.DailyTokenLimit, &p.RequestsPerMinute,
		&p.MaxConcurrentJobs, &p.Priority, &p.MaxResolution, &p.AllowedModels,
		&p.PriceCents, &p.Description, &p.Active)
	return p, err
}

// GetByID loads a plan row.
func (r *PlanRepo) GetByID(ctx context.Context, id int64) (domain.Plan, error) {
	ctx, span := otel.Tracer("repo.plans").Start(ctx, "plans.GetByID")
	defer span.End()
	var p domain.Plan
	err := withRetry(ctx, func() error {
		var err error
		p, err = scanPlan(querier(ctx, r.Pool).QueryRow(ctx, `SELECT `+planCols+` FROM plans WHERE id=$1`, id))
		return err
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Plan{}, fmt.Errorf("op=plan.get: %w", domain.ErrNotFound)
		}
		return domain.Plan{}, fmt.Errorf("op=plan.get: %w", err)
	}
	return p, nil
}

// GetByTier loads a plan by its tier identifier.
func (r *PlanRepo) GetByTier(ctx context.Context, tier string) (domain.Plan, error) {
	ctx, span := otel.Tracer("repo.plans").Start(ctx, "plans.GetByTier")
	defer span.End()
	p, err := scanPlan(querier(ctx, r.Pool).QueryRow(ctx, `SELECT `+planCols+` FROM plans WHERE tier=$1`, tier))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Plan{}, fmt.Errorf("op=plan.get_tier: %w", domain.ErrNotFound)
		}
		return domain.Plan{}, fmt.Errorf("op=plan.get_tier: %w", err)
	}
	return p, nil
}

// List returns all plans ordered by priority.
func (r *PlanRepo) List(ctx context.Context) ([]domain.Plan, error) {
	ctx, span := otel.Tracer("repo.plans").Start(ctx, "plans.List")
	defer span.End()
	rows, err := querier(ctx, r.Pool).Query(ctx, `SELECT `+planCols+` FROM plans ORDER BY priority`)
	if err != nil {
		return nil, fmt.Errorf("op=plan.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("op=plan.list: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
