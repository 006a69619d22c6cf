package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a metered execution.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusBlocked   JobStatus = "blocked"
)

// IsRetryable reports whether a new attempt may start from this status.
func (s JobStatus) IsRetryable() bool {
	return s == JobStatusFailed || s == JobStatusBlocked
}

// ChargeMode records which ledger pays for a succeeded job.
type ChargeMode string

const (
	ChargeModeNone ChargeMode = "none"
	ChargeModeFree ChargeMode = "free"
	ChargeModePaid ChargeMode = "paid"
)

// ChargeStatus tracks the charge commit of a succeeded job.
type ChargeStatus string

const (
	ChargeStatusNone      ChargeStatus = "none"
	ChargeStatusPending   ChargeStatus = "pending"
	ChargeStatusCommitted ChargeStatus = "committed"
	ChargeStatusFailed    ChargeStatus = "failed"
)

// Charge is the bookkeeping owed once a job has succeeded.
type Charge struct {
	Mode   ChargeMode
	Amount int64
}

// Job error codes.
const (
	ErrorCodeNeedConfirmation   = "need_confirmation"
	ErrorCodeNeedCredit         = "need_credit"
	ErrorCodeWorkerFailure      = "worker_failure"
	ErrorCodeWorkerTimeout      = "worker_timeout"
	ErrorCodePersistenceFailure = "persistence_failure"
)

// Job is the durable record of one idempotency-keyed execution.
type Job struct {
	ID             uuid.UUID    `db:"id"`
	UserID         string       `db:"user_id"`
	Feature        FeatureID    `db:"feature"`
	IdempotencyKey string       `db:"idempotency_key"`
	Status         JobStatus    `db:"status"`
	Request        JSONB        `db:"request"`
	Result         JSONB        `db:"result"`
	ErrorCode      *string      `db:"error_code"`
	ErrorMessage   *string      `db:"error_message"`
	Attempts       int          `db:"attempts"`
	ChargeMode     ChargeMode   `db:"charge_mode"`
	ChargeAmount   int64        `db:"charge_amount"`
	ChargeStatus   ChargeStatus `db:"charge_status"`
	ChargeError    *string      `db:"charge_error"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

// IsStale reports whether a running job has not been touched within ttl.
// A non-positive ttl disables reclaiming.
func (j *Job) IsStale(now time.Time, ttl time.Duration) bool {
	if j.Status != JobStatusRunning || ttl <= 0 {
		return false
	}
	return j.UpdatedAt.Before(now.Add(-ttl))
}

// Charge returns the charge recorded on the job.
func (j *Job) Charge() Charge {
	return Charge{Mode: j.ChargeMode, Amount: j.ChargeAmount}
}

// ChargeOutstanding reports whether the job still owes a ledger mutation.
func (j *Job) ChargeOutstanding() bool {
	if j.Status != JobStatusSucceeded || j.ChargeMode == ChargeModeNone {
		return false
	}
	return j.ChargeStatus == ChargeStatusPending || j.ChargeStatus == ChargeStatusFailed
}

// Clone returns a deep copy, so callers cannot mutate stored state.
func (j *Job) Clone() *Job {
	c := *j
	c.Request = append(JSONB(nil), j.Request...)
	c.Result = append(JSONB(nil), j.Result...)
	c.ErrorCode = cloneString(j.ErrorCode)
	c.ErrorMessage = cloneString(j.ErrorMessage)
	c.ChargeError = cloneString(j.ChargeError)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
