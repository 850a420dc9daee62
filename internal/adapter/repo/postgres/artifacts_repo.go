package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/tesseralabs/tessera/internal/domain"
)

// ArtifactRepo persists job outputs. Rows cascade on job deletion.
type ArtifactRepo struct{ Pool Querier }

// NewArtifactRepo constructs an ArtifactRepo with the given pool.
func NewArtifactRepo(p Querier) *ArtifactRepo { return &ArtifactRepo{Pool: p} }

const artifactCols = `id, job_id, type, format, COALESCE(local_path,''), COALESCE(public_url,''), width, height, duration_seconds, file_size, metadata, expires_at, created_at`

func scanArtifact(row pgx.Row) (domain.Artifact, error) {
	var (
		a    domain.Artifact
		meta []byte
	)
	err := row.Scan(&a.ID, &a.JobID, &a.Type, &a.Format, &a.LocalPath,
		&a.PublicURL, &a.Width, &a.Height, &a.DurationSeconds, &a.SizeBytes,
		&meta, &a.ExpiresAt, &a.CreatedAt)
	if err != nil {
		return domain.Artifact{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return domain.Artifact{}, fmt.Errorf("metadata decode: %w", err)
		}
	}
	return a, nil
}

// Create inserts an artifact and returns its id.
func (r *ArtifactRepo) Create(ctx context.Context, a domain.Artifact) (string, error) {
	ctx, span := otel.Tracer("repo.artifacts").Start(ctx, "artifacts.Create")
	defer span.End()
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metab, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("op=artifact.create: %w", err)
	}
	q := `INSERT INTO artifacts (id, job_id, type, format, local_path, public_url, width, height, duration_seconds, file_size, metadata, expires_at, created_at)
	      VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,$8,$9,$10,$11,$12,$13)`
	_, err = querier(ctx, r.Pool).Exec(ctx, q, id, a.JobID, a.Type, a.Format,
		a.LocalPath, a.PublicURL, a.Width, a.Height, a.DurationSeconds,
		a.SizeBytes, metab, a.ExpiresAt, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=artifact.create: %w", err)
	}
	return id, nil
}

// ListByJob returns a job's artifacts in creation order.
func (r *ArtifactRepo) ListByJob(ctx context.Context, jobID string) ([]domain.Artifact, error) {
	ctx, span := otel.Tracer("repo.artifacts").Start(ctx, "artifacts.ListByJob")
	defer span.End()
	rows, err := querier(ctx, r.Pool).Query(ctx,
		`SELECT `+artifactCols+` FROM artifacts WHERE job_id=$1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=artifact.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("op=artifact.list: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteExpired removes artifacts whose retention window has passed.
func (r *ArtifactRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := otel.Tracer("repo.artifacts").Start(ctx, "artifacts.DeleteExpired")
	defer span.End()
	tag, err := querier(ctx, r.Pool).Exec(ctx,
		`DELETE FROM artifacts WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("op=artifact.delete_expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
