package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"metered_gateway/internal/jobs"
	"metered_gateway/internal/models"
)

const jobColumns = `
	id, user_id, feature, idempotency_key, status, request, result,
	error_code, error_message, attempts,
	charge_mode, charge_amount, charge_status, charge_error,
	created_at, updated_at`

// JobRepository implements jobs.Registry on Postgres. Succeeded jobs are
// cached by id and by idempotency key.
type JobRepository struct {
	db    *DB
	cache *LRUCache[*models.Job]
}

var _ jobs.Registry = (*JobRepository)(nil)

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{
		db:    db,
		cache: db.jobCache,
	}
}

func jobCacheKey(userID string, feature models.FeatureID, key string) string {
	return fmt.Sprintf("key:%s:%s:%s", userID, feature, key)
}

func jobIDCacheKey(id uuid.UUID) string {
	return "id:" + id.String()
}

func (r *JobRepository) remember(job *models.Job) {
	if job.Status != models.JobStatusSucceeded {
		return
	}
	r.cache.Set(jobIDCacheKey(job.ID), job.Clone())
	r.cache.Set(jobCacheKey(job.UserID, job.Feature, job.IdempotencyKey), job.Clone())
}

func (r *JobRepository) forget(job *models.Job) {
	r.cache.Delete(jobIDCacheKey(job.ID))
	r.cache.Delete(jobCacheKey(job.UserID, job.Feature, job.IdempotencyKey))
}

// GetOrCreate inserts a running job, falling back to the existing row when
// the idempotency key is taken.
func (r *JobRepository) GetOrCreate(ctx context.Context, userID string, feature models.FeatureID, key string, request models.JSONB) (*models.Job, bool, error) {
	if cached, found := r.cache.Get(jobCacheKey(userID, feature, key)); found {
		return cached.Clone(), false, nil
	}

	query := `
		INSERT INTO jobs (
			id, user_id, feature, idempotency_key, status, request,
			attempts, charge_mode, charge_amount, charge_status
		) VALUES ($1, $2, $3, $4, 'running', $5, 1, 'none', 0, 'none')
		ON CONFLICT (user_id, feature, idempotency_key) DO NOTHING
		RETURNING` + jobColumns

	var job models.Job
	err := r.db.conn.GetContext(ctx, &job, query, uuid.New(), userID, feature, key, request)
	if err == nil {
		return &job, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}

	existing, err := r.Get(ctx, userID, feature, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *JobRepository) Get(ctx context.Context, userID string, feature models.FeatureID, key string) (*models.Job, error) {
	if cached, found := r.cache.Get(jobCacheKey(userID, feature, key)); found {
		return cached.Clone(), nil
	}

	query := `SELECT` + jobColumns + `
		FROM jobs
		WHERE user_id = $1 AND feature = $2 AND idempotency_key = $3`

	var job models.Job
	if err := r.db.conn.GetContext(ctx, &job, query, userID, feature, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	r.remember(&job)
	return &job, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	if cached, found := r.cache.Get(jobIDCacheKey(id)); found {
		return cached.Clone(), nil
	}

	query := `SELECT` + jobColumns + ` FROM jobs WHERE id = $1`

	var job models.Job
	if err := r.db.conn.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	r.remember(&job)
	return &job, nil
}

func (r *JobRepository) Retry(ctx context.Context, held *models.Job) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1,
			error_code = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('blocked', 'failed') AND attempts = $2
		RETURNING` + jobColumns

	return r.transition(ctx, held.ID, "retry job", query, held.ID, held.Attempts)
}

func (r *JobRepository) Reclaim(ctx context.Context, held *models.Job, staleBefore time.Time) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND attempts = $2 AND updated_at < $3
		RETURNING` + jobColumns

	return r.transition(ctx, held.ID, "reclaim job", query, held.ID, held.Attempts, staleBefore)
}

func (r *JobRepository) MarkSucceeded(ctx context.Context, held *models.Job, result models.JSONB, charge models.Charge) (*models.Job, error) {
	mode := charge.Mode
	if mode == "" {
		mode = models.ChargeModeNone
	}

	query := `
		UPDATE jobs
		SET status = 'succeeded', result = $3,
			error_code = NULL, error_message = NULL,
			charge_mode = $4, charge_amount = $5, charge_status = $6,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND attempts = $2
		RETURNING` + jobColumns

	job, err := r.transition(ctx, held.ID, "mark job succeeded", query,
		held.ID, held.Attempts, result, mode, charge.Amount, jobs.ChargeStatusFor(charge))
	if err != nil {
		return nil, err
	}

	r.remember(job)
	return job, nil
}

func (r *JobRepository) MarkFailed(ctx context.Context, held *models.Job, code, message string) (*models.Job, error) {
	return r.finishWithError(ctx, held, models.JobStatusFailed, code, message)
}

func (r *JobRepository) MarkBlocked(ctx context.Context, held *models.Job, code, message string) (*models.Job, error) {
	return r.finishWithError(ctx, held, models.JobStatusBlocked, code, message)
}

func (r *JobRepository) finishWithError(ctx context.Context, held *models.Job, status models.JobStatus, code, message string) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = $3, error_code = $4, error_message = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND attempts = $2
		RETURNING` + jobColumns

	return r.transition(ctx, held.ID, "mark job "+string(status), query,
		held.ID, held.Attempts, status, code, message)
}

// transition runs a guarded UPDATE ... RETURNING. No returned row means the
// guard failed, or the job does not exist.
func (r *JobRepository) transition(ctx context.Context, id uuid.UUID, op, query string, args ...interface{}) (*models.Job, error) {
	var job models.Job
	err := r.db.conn.GetContext(ctx, &job, query, args...)
	if err == nil {
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil, r.missOrConflict(ctx, id)
}

func (r *JobRepository) missOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.conn.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	if !exists {
		return ErrJobNotFound
	}
	return jobs.ErrJobConflict
}

func (r *JobRepository) MarkCharged(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs
		SET charge_status = 'committed', charge_error = NULL, updated_at = NOW()
		WHERE id = $1 AND charge_status IN ('pending', 'failed', 'committed')
		RETURNING` + jobColumns

	job, err := r.transition(ctx, id, "mark job charged", query, id)
	if err != nil {
		return err
	}
	r.forget(job)
	return nil
}

func (r *JobRepository) MarkChargeFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE jobs
		SET charge_status = 'failed', charge_error = $2, updated_at = NOW()
		WHERE id = $1 AND charge_status IN ('pending', 'failed')
		RETURNING` + jobColumns

	job, err := r.transition(ctx, id, "mark job charge failed", query, id, reason)
	if err != nil {
		return err
	}
	r.forget(job)
	return nil
}

func (r *JobRepository) ListPendingCharges(ctx context.Context, olderThan time.Time, limit int) ([]*models.Job, error) {
	query := `SELECT` + jobColumns + `
		FROM jobs
		WHERE status = 'succeeded' AND charge_status = 'pending' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	// A NULL limit returns every row.
	rowLimit := sql.NullInt64{Int64: int64(limit), Valid: limit > 0}

	var pending []*models.Job
	if err := r.db.conn.SelectContext(ctx, &pending, query, olderThan, rowLimit); err != nil {
		return nil, fmt.Errorf("failed to list pending charges: %w", err)
	}
	return pending, nil
}
