package postgres

import (
	"context"
	"log/slog"
	"time"
)

// CleanupService enforces data retention: expired artifacts are deleted on
// their own schedule, and terminal jobs older than the retention window are
// removed together with their artifacts (cascade).
type CleanupService struct {
	pool          Querier
	artifacts     *ArtifactRepo
	retentionDays int
}

// NewCleanupService constructs the retention sweeper.
func NewCleanupService(pool Querier, retentionDays int) *CleanupService {
	return &CleanupService{pool: pool, artifacts: NewArtifactRepo(pool), retentionDays: retentionDays}
}

// RunPeriodic sweeps at the given interval until ctx is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *CleanupService) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	n, err := s.artifacts.DeleteExpired(ctx, now)
	if err != nil {
		slog.Error("cleanup: expired artifacts", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("cleanup: deleted expired artifacts", slog.Int64("count", n))
	}

	if s.retentionDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -s.retentionDays)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status IN ('COMPLETED','FAILED','CANCELLED') AND ended_at < $1`, cutoff)
	if err != nil {
		slog.Error("cleanup: old jobs", slog.Any("error", err))
		return
	}
	if tag.RowsAffected() > 0 {
		slog.Info("cleanup: deleted old terminal jobs", slog.Int64("count", tag.RowsAffected()))
	}
}
