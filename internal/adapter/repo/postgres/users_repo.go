package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/tesseralabs/tessera/internal/domain"
)

// UserRepo resolves and creates platform identities.
type UserRepo struct{ Pool Querier }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p Querier) *UserRepo { return &UserRepo{Pool: p} }

const userCols = `id, platform, platform_user_id, plan_id, COALESCE(email,''), COALESCE(display_name,''), COALESCE(ip_address,''), api_key, api_key_created_at, created_at, last_active_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Platform, &u.PlatformUserID, &u.PlanID,
		&u.Email, &u.DisplayName, &u.IPAddress, &u.APIKey, &u.APIKeyCreated,
		&u.CreatedAt, &u.LastActiveAt)
	return u, err
}

// GetOrCreate resolves (platform, platform_user_id), inserting the user with
// the default free plan on first contact. last_active_at and ip_address are
// refreshed on every call.
func (r *UserRepo) GetOrCreate(ctx context.Context, platform domain.Platform, platformUserID, ip string) (domain.User, error) {
	ctx, span := otel.Tracer("repo.users").Start(ctx, "users.GetOrCreate")
	defer span.End()
	q := querier(ctx, r.Pool)
	now := time.Now().UTC()

	// Upsert keyed on (platform, platform_user_id); the insert races only
	// with another first contact for the same identity.
	row := q.QueryRow(ctx, `
		INSERT INTO users (platform, platform_user_id, plan_id, ip_address, created_at, last_active_at)
		VALUES ($1, $2, (SELECT id FROM plans WHERE tier=$3), NULLIF($4,''), $5, $5)
		ON CONFLICT (platform, platform_user_id)
		DO UPDATE SET last_active_at = $5, ip_address = COALESCE(NULLIF($4,''), users.ip_address)
		RETURNING `+userCols,
		platform, platformUserID, domain.TierFree, ip, now)
	u, err := scanUser(row)
	if err != nil {
		return domain.User{}, fmt.Errorf("op=user.get_or_create: %w", err)
	}
	return u, nil
}

// GetByID loads a user by surrogate id.
func (r *UserRepo) GetByID(ctx context.Context, id int64) (domain.User, error) {
	ctx, span := otel.Tracer("repo.users").Start(ctx, "users.GetByID")
	defer span.End()
	var u domain.User
	err := withRetry(ctx, func() error {
		var err error
		u, err = scanUser(querier(ctx, r.Pool).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id))
		return err
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}

// GetByAPIKey loads a user by API key and refreshes last_active_at.
func (r *UserRepo) GetByAPIKey(ctx context.Context, key string) (domain.User, error) {
	ctx, span := otel.Tracer("repo.users").Start(ctx, "users.GetByAPIKey")
	defer span.End()
	row := querier(ctx, r.Pool).QueryRow(ctx,
		`UPDATE users SET last_active_at = now() WHERE api_key=$1 RETURNING `+userCols, key)
	u, err := scanUser(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=user.get_api_key: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get_api_key: %w", err)
	}
	return u, nil
}
