package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"metered_gateway/internal/models"
	"metered_gateway/internal/utils"
)

type jobKey struct {
	userID  string
	feature models.FeatureID
	key     string
}

// MemoryRegistry implements Registry in process memory. Returned jobs are
// copies; callers never alias stored state.
type MemoryRegistry struct {
	mu    sync.Mutex
	byKey map[jobKey]*models.Job
	byID  map[uuid.UUID]*models.Job
	now   func() time.Time
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byKey: make(map[jobKey]*models.Job),
		byID:  make(map[uuid.UUID]*models.Job),
		now:   time.Now,
	}
}

// WithClock overrides the clock used for timestamps.
func (r *MemoryRegistry) WithClock(now func() time.Time) *MemoryRegistry {
	r.now = now
	return r
}

func (r *MemoryRegistry) GetOrCreate(ctx context.Context, userID string, feature models.FeatureID, key string, request models.JSONB) (*models.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := jobKey{userID: userID, feature: feature, key: key}
	if existing, ok := r.byKey[k]; ok {
		return existing.Clone(), false, nil
	}

	now := r.now()
	job := &models.Job{
		ID:             uuid.New(),
		UserID:         userID,
		Feature:        feature,
		IdempotencyKey: key,
		Status:         models.JobStatusRunning,
		Request:        append(models.JSONB(nil), request...),
		Attempts:       1,
		ChargeMode:     models.ChargeModeNone,
		ChargeStatus:   models.ChargeStatusNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.byKey[k] = job
	r.byID[job.ID] = job
	return job.Clone(), true, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, userID string, feature models.FeatureID, key string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byKey[jobKey{userID: userID, feature: feature, key: key}]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryRegistry) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byID[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryRegistry) Retry(ctx context.Context, held *models.Job) (*models.Job, error) {
	return r.update(held.ID, func(job *models.Job) bool {
		if !job.Status.IsRetryable() || job.Attempts != held.Attempts {
			return false
		}
		job.Status = models.JobStatusRunning
		job.Attempts++
		job.ErrorCode = nil
		job.ErrorMessage = nil
		return true
	})
}

func (r *MemoryRegistry) Reclaim(ctx context.Context, held *models.Job, staleBefore time.Time) (*models.Job, error) {
	return r.update(held.ID, func(job *models.Job) bool {
		if !CanFinalize(job, held) || !job.UpdatedAt.Before(staleBefore) {
			return false
		}
		job.Attempts++
		return true
	})
}

func (r *MemoryRegistry) MarkSucceeded(ctx context.Context, held *models.Job, result models.JSONB, charge models.Charge) (*models.Job, error) {
	return r.update(held.ID, func(job *models.Job) bool {
		if !CanFinalize(job, held) {
			return false
		}
		job.Status = models.JobStatusSucceeded
		job.Result = append(models.JSONB(nil), result...)
		job.ErrorCode = nil
		job.ErrorMessage = nil
		job.ChargeMode = charge.Mode
		if job.ChargeMode == "" {
			job.ChargeMode = models.ChargeModeNone
		}
		job.ChargeAmount = charge.Amount
		job.ChargeStatus = ChargeStatusFor(charge)
		return true
	})
}

func (r *MemoryRegistry) MarkFailed(ctx context.Context, held *models.Job, code, message string) (*models.Job, error) {
	return r.finishWithError(held, models.JobStatusFailed, code, message)
}

func (r *MemoryRegistry) MarkBlocked(ctx context.Context, held *models.Job, code, message string) (*models.Job, error) {
	return r.finishWithError(held, models.JobStatusBlocked, code, message)
}

func (r *MemoryRegistry) finishWithError(held *models.Job, status models.JobStatus, code, message string) (*models.Job, error) {
	return r.update(held.ID, func(job *models.Job) bool {
		if !CanFinalize(job, held) {
			return false
		}
		job.Status = status
		job.ErrorCode = utils.StringPtr(code)
		job.ErrorMessage = utils.StringPtr(message)
		return true
	})
}

func (r *MemoryRegistry) MarkCharged(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byID[id]
	if !ok {
		return ErrJobNotFound
	}
	switch job.ChargeStatus {
	case models.ChargeStatusCommitted:
		return nil
	case models.ChargeStatusPending, models.ChargeStatusFailed:
		job.ChargeStatus = models.ChargeStatusCommitted
		job.ChargeError = nil
		job.UpdatedAt = r.now()
		return nil
	default:
		return ErrJobConflict
	}
}

func (r *MemoryRegistry) MarkChargeFailed(ctx context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byID[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.ChargeStatus != models.ChargeStatusPending && job.ChargeStatus != models.ChargeStatusFailed {
		return ErrJobConflict
	}
	job.ChargeStatus = models.ChargeStatusFailed
	job.ChargeError = utils.StringPtr(reason)
	job.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRegistry) ListPendingCharges(ctx context.Context, olderThan time.Time, limit int) ([]*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []*models.Job
	for _, job := range r.byID {
		if job.Status == models.JobStatusSucceeded &&
			job.ChargeStatus == models.ChargeStatusPending &&
			job.UpdatedAt.Before(olderThan) {
			pending = append(pending, job.Clone())
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].UpdatedAt.Before(pending[j].UpdatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// update applies fn to the stored job under the lock. fn returns false when
// the guard fails, which maps to ErrJobConflict.
func (r *MemoryRegistry) update(id uuid.UUID, fn func(job *models.Job) bool) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byID[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !fn(job) {
		return nil, ErrJobConflict
	}
	job.UpdatedAt = r.now()
	return job.Clone(), nil
}
