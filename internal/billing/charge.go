// Package billing commits the charges owed by succeeded jobs and drives the
// charge outbox that retries them.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"metered_gateway/internal/audit"
	"metered_gateway/internal/credit"
	"metered_gateway/internal/jobs"
	"metered_gateway/internal/metrics"
	"metered_gateway/internal/models"
	"metered_gateway/internal/quota"
	"metered_gateway/internal/utils"
)

// ChargeCommit is the outbox message for one succeeded job.
type ChargeCommit struct {
	JobID   uuid.UUID         `json:"job_id"`
	UserID  string            `json:"user_id"`
	Feature models.FeatureID  `json:"feature"`
	Mode    models.ChargeMode `json:"mode"`
	Amount  int64             `json:"amount"`

	// ExecutedAt anchors a quota commit to the period the job ran in.
	ExecutedAt time.Time `json:"executed_at"`
}

// ChargeCommitFor builds the charge owed by a succeeded job.
func ChargeCommitFor(job *models.Job) ChargeCommit {
	return ChargeCommit{
		JobID:      job.ID,
		UserID:     job.UserID,
		Feature:    job.Feature,
		Mode:       job.ChargeMode,
		Amount:     job.ChargeAmount,
		ExecutedAt: job.UpdatedAt,
	}
}

// QuotaCommitter is the part of the quota ledger the committer needs.
type QuotaCommitter interface {
	CommitAt(ctx context.Context, userID string, feature models.FeatureID, at time.Time, ref string) error
}

// CreditConsumer is the part of the credit ledger the committer needs.
type CreditConsumer interface {
	Consume(ctx context.Context, userID string, cost int64, ref string) error
}

// Enqueuer hands a charge to the outbox.
type Enqueuer interface {
	Enqueue(ctx context.Context, item interface{}) error
}

// IsPermanent reports whether retrying a charge can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, credit.ErrInsufficientCredit) ||
		errors.Is(err, credit.ErrInvalidAmount) ||
		errors.Is(err, quota.ErrUnknownFeature) ||
		errors.Is(err, jobs.ErrJobNotFound)
}

// Committer applies charges to the ledgers. Every mutation uses the job id
// as its ledger ref, so replays are harmless.
type Committer struct {
	jobs    jobs.Registry
	quota   QuotaCommitter
	credits CreditConsumer
	outbox  Enqueuer
	audit   audit.Sink
	metrics *metrics.Metrics
	logger  *utils.Logger
}

// NewCommitter creates a committer. outbox may be nil, in which case
// failed charges wait for the reconciler.
func NewCommitter(registry jobs.Registry, q QuotaCommitter, credits CreditConsumer, outbox Enqueuer) *Committer {
	return &Committer{
		jobs:    registry,
		quota:   q,
		credits: credits,
		outbox:  outbox,
		audit:   audit.NewNoopSink(),
		logger:  utils.NewLogger("charge-committer"),
	}
}

// WithAudit records every charge outcome to sink.
func (c *Committer) WithAudit(sink audit.Sink) *Committer {
	c.audit = sink
	return c
}

// WithMetrics records charge outcomes.
func (c *Committer) WithMetrics(m *metrics.Metrics) *Committer {
	c.metrics = m
	return c
}

// Commit applies the ledger mutation for charge and marks the job charged.
func (c *Committer) Commit(ctx context.Context, charge ChargeCommit) error {
	ref := charge.JobID.String()

	switch charge.Mode {
	case models.ChargeModeNone, "":
		return nil
	case models.ChargeModeFree:
		if err := c.quota.CommitAt(ctx, charge.UserID, charge.Feature, charge.ExecutedAt, ref); err != nil {
			return fmt.Errorf("failed to commit quota: %w", err)
		}
	case models.ChargeModePaid:
		if err := c.credits.Consume(ctx, charge.UserID, charge.Amount, ref); err != nil {
			return fmt.Errorf("failed to consume credit: %w", err)
		}
	default:
		return fmt.Errorf("unknown charge mode %q", charge.Mode)
	}

	if err := c.jobs.MarkCharged(ctx, charge.JobID); err != nil {
		return fmt.Errorf("failed to mark job charged: %w", err)
	}

	c.metrics.ChargeCommit(string(charge.Mode), metrics.ChargeResultCommitted)
	c.record(charge, metrics.ChargeResultCommitted, nil)
	return nil
}

// CommitOrDefer commits the charge of a freshly succeeded job. On failure
// the charge goes to the outbox; it reports whether the charge is settled.
// The job stays pending either way, so the reconciler covers an outbox
// that is unreachable too.
func (c *Committer) CommitOrDefer(ctx context.Context, job *models.Job) bool {
	if !job.ChargeOutstanding() {
		return true
	}

	charge := ChargeCommitFor(job)
	err := c.Commit(ctx, charge)
	if err == nil {
		return true
	}

	c.logger.Warn("Charge commit failed, deferring to outbox",
		"job_id", job.ID, "mode", charge.Mode, "amount", charge.Amount, "error", err)
	c.metrics.ChargeCommit(string(charge.Mode), metrics.ChargeResultDeferred)
	c.record(charge, metrics.ChargeResultDeferred, err)

	if c.outbox == nil {
		return false
	}
	if err := c.outbox.Enqueue(ctx, charge); err != nil {
		c.logger.Error("Failed to enqueue charge, leaving it to the reconciler", "job_id", job.ID, "error", err)
	}
	return false
}

// MarkFailed records a charge that will not be retried automatically.
func (c *Committer) MarkFailed(ctx context.Context, charge ChargeCommit, cause error) error {
	c.metrics.ChargeCommit(string(charge.Mode), metrics.ChargeResultDeadLettered)
	c.record(charge, metrics.ChargeResultDeadLettered, cause)
	return c.jobs.MarkChargeFailed(ctx, charge.JobID, cause.Error())
}

// Outstanding reports whether the job behind charge still owes it.
func (c *Committer) Outstanding(ctx context.Context, charge ChargeCommit) (bool, error) {
	job, err := c.jobs.GetByID(ctx, charge.JobID)
	if err != nil {
		return false, err
	}
	return job.ChargeOutstanding(), nil
}

func (c *Committer) record(charge ChargeCommit, result string, cause error) {
	rec := &audit.Record{
		Timestamp: time.Now().UTC(),
		JobID:     charge.JobID.String(),
		UserID:    charge.UserID,
		Feature:   string(charge.Feature),
		Mode:      string(charge.Mode),
		Amount:    charge.Amount,
		Result:    result,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := c.audit.Enqueue(rec); err != nil {
		c.logger.Debug("Dropped charge audit record", "job_id", rec.JobID, "error", err)
	}
}
