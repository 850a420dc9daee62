package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/tesseralabs/tessera/internal/domain"
)

// JobRepo persists the job lifecycle. All status changes go through
// Transition, a single-statement compare-and-swap, so concurrent illegal
// transitions surface as ErrStateConflict instead of lost updates.
type JobRepo struct{ Pool Querier }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p Querier) *JobRepo { return &JobRepo{Pool: p} }

const jobCols = `id, user_id, frontend, bot_id, capability, status, priority, params, workflow_id, cost_tokens::text, worker_id, created_at, queued_at, started_at, ended_at, execution_time_seconds, error, metadata`

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j      domain.Job
		params []byte
		meta   []byte
		jerr   []byte
		cost   string
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Frontend, &j.BotID, &j.Capability,
		&j.Status, &j.Priority, &params, &j.WorkflowID, &cost, &j.WorkerID,
		&j.CreatedAt, &j.QueuedAt, &j.StartedAt, &j.EndedAt,
		&j.ExecutionTimeSeconds, &jerr, &meta)
	if err != nil {
		return domain.Job{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return domain.Job{}, fmt.Errorf("params decode: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return domain.Job{}, fmt.Errorf("metadata decode: %w", err)
		}
	}
	if len(jerr) > 0 {
		var e domain.JobError
		if err := json.Unmarshal(jerr, &e); err != nil {
			return domain.Job{}, fmt.Errorf("error decode: %w", err)
		}
		j.Error = &e
	}
	j.CostTokens, err = decimal.NewFromString(cost)
	if err != nil {
		return domain.Job{}, fmt.Errorf("cost decode: %w", err)
	}
	return j, nil
}

// Create inserts a new job row in its initial state.
func (r *JobRepo) Create(ctx context.Context, j domain.Job) error {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Create")
	defer span.End()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	meta := j.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metab, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	q := `INSERT INTO jobs (id, user_id, frontend, bot_id, capability, status, priority, params, workflow_id, cost_tokens, created_at, metadata)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::numeric,$11,$12)`
	_, err = querier(ctx, r.Pool).Exec(ctx, q, j.ID, j.UserID, j.Frontend, j.BotID,
		j.Capability, j.Status, j.Priority, params, j.WorkflowID,
		j.CostTokens.StringFixed(2), j.CreatedAt, metab)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Get")
	defer span.End()
	var j domain.Job
	err := withRetry(ctx, func() error {
		var err error
		j, err = scanJob(querier(ctx, r.Pool).QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=$1`, id))
		return err
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// List returns jobs matching the filter, newest first.
func (r *JobRepo) List(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.List")
	defer span.End()
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != 0 {
		add("user_id=$%d", f.UserID)
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	if f.Capability != "" {
		add("capability=$%d", f.Capability)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	q := `SELECT ` + jobCols + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(` OFFSET $%d`, len(args))
	}
	rows, err := querier(ctx, r.Pool).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows, "op=job.list")
}

func collectJobs(rows pgx.Rows, op string) ([]domain.Job, error) {
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// Transition performs the CAS status change, writing the timestamps and
// fields implied by the target state in the same statement.
func (r *JobRepo) Transition(ctx context.Context, id string, from, to domain.JobStatus, stamp domain.TransitionStamp) error {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Transition")
	defer span.End()

	now := time.Now().UTC()
	set := []string{"status=$3"}
	args := []any{id, from, to}
	add := func(clause string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(clause, len(args)))
	}

	switch to {
	case domain.JobQueued:
		add("queued_at=$%d", now)
		if stamp.ClearWorker {
			set = append(set, "worker_id=NULL", "started_at=NULL")
		}
	case domain.JobRunning:
		add("started_at=$%d", now)
		if stamp.WorkerID != nil {
			add("worker_id=$%d", *stamp.WorkerID)
		}
	case domain.JobCompleted, domain.JobFailed, domain.JobCancelled:
		add("ended_at=$%d", now)
		if stamp.ExecutionSecs > 0 {
			add("execution_time_seconds=$%d", stamp.ExecutionSecs)
		}
	}
	if stamp.Error != nil {
		b, err := json.Marshal(stamp.Error)
		if err != nil {
			return fmt.Errorf("op=job.transition: %w", err)
		}
		add("error=$%d", b)
	}
	if stamp.RetryCount != nil {
		add("metadata = jsonb_set(metadata, '{retry_count}', to_jsonb($%d::int))", *stamp.RetryCount)
	}
	if stamp.ArtifactIDs != nil {
		b, err := json.Marshal(stamp.ArtifactIDs)
		if err != nil {
			return fmt.Errorf("op=job.transition: %w", err)
		}
		add("metadata = jsonb_set(metadata, '{artifact_ids}', $%d::jsonb)", b)
	}

	q := `UPDATE jobs SET ` + strings.Join(set, ", ") + ` WHERE id=$1 AND status=$2`
	tag, err := querier(ctx, r.Pool).Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=job.transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.transition %s->%s: %w", from, to, domain.ErrStateConflict)
	}
	return nil
}

// CountActiveByUser counts the user's non-terminal jobs.
func (r *JobRepo) CountActiveByUser(ctx context.Context, userID int64) (int, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.CountActiveByUser")
	defer span.End()
	var n int
	err := querier(ctx, r.Pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE user_id=$1 AND status IN ('CREATED','QUEUED','RUNNING')`,
		userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=job.count_active: %w", err)
	}
	return n, nil
}

// QueuePosition counts QUEUED jobs ahead of the given job in dispatch order.
func (r *JobRepo) QueuePosition(ctx context.Context, priority int, queuedAt time.Time, id string) (int, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.QueuePosition")
	defer span.End()
	var n int
	err := querier(ctx, r.Pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status='QUEUED' AND priority >= $1
		  AND (priority > $1 OR queued_at < $2 OR (queued_at = $2 AND id < $3))`,
		priority, queuedAt, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=job.queue_position: %w", err)
	}
	return n, nil
}

// ListQueued returns QUEUED jobs the given capabilities can serve, in
// dispatch order.
func (r *JobRepo) ListQueued(ctx context.Context, caps []domain.Capability, limit int) ([]domain.Job, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.ListQueued")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	capStrs := make([]string, len(caps))
	for i, c := range caps {
		capStrs[i] = string(c)
	}
	rows, err := querier(ctx, r.Pool).Query(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE status='QUEUED' AND capability = ANY($1)
		ORDER BY priority DESC, queued_at ASC, id ASC
		LIMIT $2`, capStrs, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_queued: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows, "op=job.list_queued")
}

// RunningOnWorker returns RUNNING jobs attributed to a worker.
func (r *JobRepo) RunningOnWorker(ctx context.Context, workerID string) ([]domain.Job, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.RunningOnWorker")
	defer span.End()
	rows, err := querier(ctx, r.Pool).Query(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE status='RUNNING' AND worker_id=$1`, workerID)
	if err != nil {
		return nil, fmt.Errorf("op=job.running_on_worker: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows, "op=job.running_on_worker")
}

// ListRunning returns all RUNNING jobs.
func (r *JobRepo) ListRunning(ctx context.Context) ([]domain.Job, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.ListRunning")
	defer span.End()
	rows, err := querier(ctx, r.Pool).Query(ctx, `SELECT `+jobCols+` FROM jobs WHERE status='RUNNING'`)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_running: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows, "op=job.list_running")
}
