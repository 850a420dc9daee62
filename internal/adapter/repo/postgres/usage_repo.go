package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/tesseralabs/tessera/internal/domain"
)

// UsageRepo maintains the per-(user, UTC day) billing counters under an
// upsert discipline. tokens_used always equals the sum of the per-capability
// columns because both are incremented in the same statement.
type UsageRepo struct{ Pool Querier }

// NewUsageRepo constructs a UsageRepo with the given pool.
func NewUsageRepo(p Querier) *UsageRepo { return &UsageRepo{Pool: p} }

// capColumn maps a capability to its breakdown column. Only called with
// validated capabilities; the default keeps SQL injection impossible even if
// that changes.
func capColumn(cap domain.Capability) string {
	switch cap {
	case domain.CapabilityImage:
		return "tokens_image"
	case domain.CapabilityVideo:
		return "tokens_video"
	case domain.CapabilityText:
		return "tokens_text"
	case domain.CapabilityAudio:
		return "tokens_audio"
	}
	return "tokens_image"
}

func utcDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

const usageCols = `user_id, date, tokens_used::text, jobs_completed, jobs_failed, tokens_image::text, tokens_video::text, tokens_text::text, tokens_audio::text`

func scanUsage(row pgx.Row) (domain.DailyUsage, error) {
	var (
		u                        domain.DailyUsage
		used, img, vid, txt, aud string
	)
	err := row.Scan(&u.UserID, &u.Date, &used, &u.JobsCompleted, &u.JobsFailed,
		&img, &vid, &txt, &aud)
	if err != nil {
		return domain.DailyUsage{}, err
	}
	parse := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	u.TokensUsed = parse(used)
	u.Breakdown = map[domain.Capability]decimal.Decimal{
		domain.CapabilityImage: parse(img),
		domain.CapabilityVideo: parse(vid),
		domain.CapabilityText:  parse(txt),
		domain.CapabilityAudio: parse(aud),
	}
	return u, nil
}

// ForDay returns the usage row for (user, UTC day); zero-valued when absent.
// Inside a transaction the read takes a row lock so concurrent admissions
// serialize on the same user's quota.
func (r *UsageRepo) ForDay(ctx context.Context, userID int64, day time.Time) (domain.DailyUsage, error) {
	ctx, span := otel.Tracer("repo.usage").Start(ctx, "usage.ForDay")
	defer span.End()
	d := utcDate(day)
	q := `SELECT ` + usageCols + ` FROM usage_daily WHERE user_id=$1 AND date=$2`
	if _, inTx := ctx.Value(txKey{}).(pgx.Tx); inTx {
		q += ` FOR UPDATE`
	}
	u, err := scanUsage(querier(ctx, r.Pool).QueryRow(ctx, q, userID, d))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.DailyUsage{
				UserID:     userID,
				Date:       d,
				TokensUsed: decimal.Zero,
				Breakdown:  map[domain.Capability]decimal.Decimal{},
			}, nil
		}
		return domain.DailyUsage{}, fmt.Errorf("op=usage.for_day: %w", err)
	}
	return u, nil
}

// AddCompleted upserts today's row, incrementing tokens_used, the matching
// capability column, and jobs_completed atomically.
func (r *UsageRepo) AddCompleted(ctx context.Context, userID int64, day time.Time, cap domain.Capability, tokens decimal.Decimal) error {
	ctx, span := otel.Tracer("repo.usage").Start(ctx, "usage.AddCompleted")
	defer span.End()
	col := capColumn(cap)
	q := fmt.Sprintf(`
		INSERT INTO usage_daily (user_id, date, tokens_used, jobs_completed, %[1]s)
		VALUES ($1, $2, $3::numeric, 1, $3::numeric)
		ON CONFLICT (user_id, date) DO UPDATE SET
			tokens_used    = usage_daily.tokens_used + $3::numeric,
			jobs_completed = usage_daily.jobs_completed + 1,
			%[1]s          = usage_daily.%[1]s + $3::numeric`, col)
	_, err := querier(ctx, r.Pool).Exec(ctx, q, userID, utcDate(day), tokens.StringFixed(2))
	if err != nil {
		return fmt.Errorf("op=usage.add_completed: %w", err)
	}
	return nil
}

// AddFailed increments jobs_failed for the day.
func (r *UsageRepo) AddFailed(ctx context.Context, userID int64, day time.Time) error {
	ctx, span := otel.Tracer("repo.usage").Start(ctx, "usage.AddFailed")
	defer span.End()
	_, err := querier(ctx, r.Pool).Exec(ctx, `
		INSERT INTO usage_daily (user_id, date, jobs_failed)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, date) DO UPDATE SET
			jobs_failed = usage_daily.jobs_failed + 1`,
		userID, utcDate(day))
	if err != nil {
		return fmt.Errorf("op=usage.add_failed: %w", err)
	}
	return nil
}

// History returns the user's most recent usage rows, newest first.
func (r *UsageRepo) History(ctx context.Context, userID int64, days int) ([]domain.DailyUsage, error) {
	ctx, span := otel.Tracer("repo.usage").Start(ctx, "usage.History")
	defer span.End()
	if days <= 0 || days > 90 {
		days = 30
	}
	rows, err := querier(ctx, r.Pool).Query(ctx,
		`SELECT `+usageCols+` FROM usage_daily WHERE user_id=$1 ORDER BY date DESC LIMIT $2`,
		userID, days)
	if err != nil {
		return nil, fmt.Errorf("op=usage.history: %w", err)
	}
	defer rows.Close()
	var out []domain.DailyUsage
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("op=usage.history: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
