// Package jobs records one durable Job per (user, feature, idempotency key)
// and guards every state transition on the attempt that owns the job.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"metered_gateway/internal/models"
)

var (
	// ErrJobNotFound is returned when no job matches the lookup.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobConflict is returned when a conditional transition lost a race:
	// the job is no longer in the status or attempt the caller observed.
	ErrJobConflict = errors.New("job state changed concurrently")
)

// Registry is the job store contract shared by every backend.
type Registry interface {
	// GetOrCreate inserts a running job for the key, or returns the existing
	// one with isNew false.
	GetOrCreate(ctx context.Context, userID string, feature models.FeatureID, key string, request models.JSONB) (job *models.Job, isNew bool, err error)

	Get(ctx context.Context, userID string, feature models.FeatureID, key string) (*models.Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// Retry moves a blocked or failed job back to running as a new attempt
	// and clears its error fields.
	Retry(ctx context.Context, job *models.Job) (*models.Job, error)

	// Reclaim starts a new attempt on a running job whose last update is
	// older than staleBefore.
	Reclaim(ctx context.Context, job *models.Job, staleBefore time.Time) (*models.Job, error)

	// MarkSucceeded stores the result and records charge as pending
	// (or none when charge.Mode is none).
	MarkSucceeded(ctx context.Context, job *models.Job, result models.JSONB, charge models.Charge) (*models.Job, error)
	MarkFailed(ctx context.Context, job *models.Job, code, message string) (*models.Job, error)
	MarkBlocked(ctx context.Context, job *models.Job, code, message string) (*models.Job, error)

	// MarkCharged flips a pending or failed charge to committed. Marking an
	// already committed charge is a no-op.
	MarkCharged(ctx context.Context, id uuid.UUID) error

	// MarkChargeFailed records a charge that could not be committed.
	MarkChargeFailed(ctx context.Context, id uuid.UUID, reason string) error

	// ListPendingCharges returns succeeded jobs whose charge is still
	// pending and whose last update is older than olderThan, oldest first.
	ListPendingCharges(ctx context.Context, olderThan time.Time, limit int) ([]*models.Job, error)
}

// CanFinalize reports whether job is still the running attempt the caller
// holds. Backends use it to guard finalize transitions.
func CanFinalize(current, held *models.Job) bool {
	return current.Status == models.JobStatusRunning && current.Attempts == held.Attempts
}

// ChargeStatusFor returns the initial charge status recorded with a result.
func ChargeStatusFor(charge models.Charge) models.ChargeStatus {
	if charge.Mode == models.ChargeModeNone || charge.Mode == "" {
		return models.ChargeStatusNone
	}
	return models.ChargeStatusPending
}
