package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pixelcredit/backend/internal/models"
)

// JobStore persists generation attempts keyed by idempotency key. Create is
// insert-if-absent and is the only per-key serialization point.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, jobID string) (*models.Job, error)
	Transition(ctx context.Context, jobID string, from, to models.JobStatus, update models.JobUpdate) (*models.Job, error)
	ClearCompensationPending(ctx context.Context, jobID string) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.Job, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]models.Job, error)
	ListPendingCompensation(ctx context.Context, limit int) ([]models.Job, error)
}

const jobColumns = `job_id, account_id, tool_identifier, requested_cost, status, provider_request_digest,
	artifact_refs, failure_reason, model_identifier, provider_duration_ms, compensation_pending,
	deadline, created_at, updated_at, completed_at`

type PostgresJobStore struct {
	db *sql.DB
}

var _ JobStore = (*PostgresJobStore)(nil)

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

func (s *PostgresJobStore) Create(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	job.Status = models.JobPending
	job.CreatedAt = now
	job.UpdatedAt = now
	job.ArtifactRefs = []models.ArtifactRef{}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, account_id, tool_identifier, requested_cost, status, provider_request_digest, artifact_refs, deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, '[]', $7, $8, $8)
		ON CONFLICT (job_id) DO NOTHING`,
		job.ID, job.AccountID, job.ToolIdentifier, job.RequestedCost, job.Status, job.ProviderRequestDigest, job.Deadline, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrJobExists
		}
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrJobExists
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return job, err
}

// Transition moves a job from one status to another, failing with
// ErrStaleTransition when the stored status is no longer from.
func (s *PostgresJobStore) Transition(ctx context.Context, jobID string, from, to models.JobStatus, update models.JobUpdate) (*models.Job, error) {
	now := time.Now().UTC()

	var refs any
	if update.ArtifactRefs != nil {
		data, err := json.Marshal(update.ArtifactRefs)
		if err != nil {
			return nil, err
		}
		refs = string(data)
	}

	var completedAt sql.NullTime
	if to.IsTerminal() {
		completedAt = sql.NullTime{Time: now, Valid: true}
	}

	var pending sql.NullBool
	if update.CompensationPending != nil {
		pending = sql.NullBool{Bool: *update.CompensationPending, Valid: true}
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = $1,
			artifact_refs = COALESCE($2::jsonb, artifact_refs),
			failure_reason = COALESCE($3, failure_reason),
			model_identifier = COALESCE($4, model_identifier),
			provider_duration_ms = COALESCE($5, provider_duration_ms),
			compensation_pending = COALESCE($6, compensation_pending),
			completed_at = COALESCE($7, completed_at),
			updated_at = $8
		WHERE job_id = $9 AND status = $10
		RETURNING `+jobColumns,
		to, refs, nullString(update.FailureReason), nullString(update.ModelIdentifier),
		nullInt64(update.ProviderDurationMs), pending, completedAt, now, jobID, from)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s is no longer %s", ErrStaleTransition, jobID, from)
	}
	return job, err
}

func (s *PostgresJobStore) ClearCompensationPending(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET compensation_pending = FALSE, updated_at = $1 WHERE job_id = $2`,
		time.Now().UTC(), jobID)
	return err
}

func (s *PostgresJobStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, normalizeLimit(limit))
}

func (s *PostgresJobStore) ListStale(ctx context.Context, before time.Time, limit int) ([]models.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status NOT IN ('completed', 'failed') AND deadline < $1 ORDER BY deadline ASC LIMIT $2`,
		before, normalizeLimit(limit))
}

func (s *PostgresJobStore) ListPendingCompensation(ctx context.Context, limit int) ([]models.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = 'failed' AND compensation_pending ORDER BY updated_at ASC LIMIT $1`,
		normalizeLimit(limit))
}

func (s *PostgresJobStore) list(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var refs []byte
	var failure, model sql.NullString
	var durationMs sql.NullInt64
	var completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.AccountID, &job.ToolIdentifier, &job.RequestedCost, &job.Status, &job.ProviderRequestDigest,
		&refs, &failure, &model, &durationMs, &job.CompensationPending,
		&job.Deadline, &job.CreatedAt, &job.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.ArtifactRefs = []models.ArtifactRef{}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &job.ArtifactRefs); err != nil {
			return nil, fmt.Errorf("decode artifact refs for job %s: %w", job.ID, err)
		}
	}
	if failure.Valid {
		job.FailureReason = &failure.String
	}
	job.ModelIdentifier = model.String
	job.ProviderDurationMs = durationMs.Int64
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
