// Package gate is the single orchestrator every billable feature goes
// through: it deduplicates by idempotency key, decides between the free
// quota and prepaid credit, runs the generation worker at most once per
// attempt and charges only after success.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"metered_gateway/internal/jobs"
	"metered_gateway/internal/metrics"
	"metered_gateway/internal/models"
	"metered_gateway/internal/quota"
	"metered_gateway/internal/utils"
)

const maxIdempotencyKeyLen = 255

// staleMargin is added to the worker timeout when the configured stale
// threshold is too short to outlive a worker call.
const staleMargin = time.Minute

// Request is one metered execution request.
type Request struct {
	UserID         string
	Feature        models.FeatureID
	IdempotencyKey string
	Payload        json.RawMessage

	// Confirmed is the caller's consent to spend credit on this request
	// only. It is never stored on the job.
	Confirmed bool
}

// OutcomeKind is the non-error result of Execute.
type OutcomeKind string

const (
	OutcomeExecuted         OutcomeKind = "executed"
	OutcomeReplayed         OutcomeKind = "replayed"
	OutcomeRunning          OutcomeKind = "running"
	OutcomeNeedConfirmation OutcomeKind = "need_confirmation"
	OutcomeNeedCredit       OutcomeKind = "need_credit"
)

// Outcome describes how Execute resolved a request.
type Outcome struct {
	Kind   OutcomeKind
	Job    *models.Job
	Result json.RawMessage

	// RequiredCredit and Balance are set for need_confirmation and
	// need_credit outcomes.
	RequiredCredit int64
	Balance        int64
}

// Probe modes.
const (
	ModeUnlimited  = "unlimited"
	ModeFree       = "free"
	ModeNeedCredit = "need_credit"
)

// Probe is the side-effect free answer of CheckQuota.
type Probe struct {
	Mode           string
	Used           int64
	Limit          int64
	RequiredCredit int64
	Balance        int64
}

// QuotaChecker reads free-tier usage.
type QuotaChecker interface {
	Check(ctx context.Context, userID string, feature models.FeatureID) (quota.Status, error)
}

// BalanceReader reads a user's credit balance.
type BalanceReader interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

// Worker runs the billable operation.
type Worker interface {
	Generate(ctx context.Context, feature models.FeatureID, payload json.RawMessage) (json.RawMessage, error)
}

// Charger settles the charge of a succeeded job. It reports whether the
// charge was committed immediately.
type Charger interface {
	CommitOrDefer(ctx context.Context, job *models.Job) bool
}

// Config tunes the gate.
type Config struct {
	// WorkerTimeout bounds one worker invocation.
	WorkerTimeout time.Duration

	// StaleAfter is how long a running job may go untouched before a new
	// request under its key reclaims it. Zero disables reclaiming. New
	// raises it above WorkerTimeout.
	StaleAfter time.Duration
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		WorkerTimeout: 2 * time.Minute,
		StaleAfter:    10 * time.Minute,
	}
}

// Gate composes the ledgers, the job registry and the worker.
type Gate struct {
	costs   models.CostTable
	quota   QuotaChecker
	credits BalanceReader
	jobs    jobs.Registry
	worker  Worker
	charger Charger
	config  Config
	metrics *metrics.Metrics
	logger  *utils.Logger
	now     func() time.Time
}

// New creates a gate.
func New(costs models.CostTable, q QuotaChecker, credits BalanceReader, registry jobs.Registry, worker Worker, charger Charger, cfg Config) *Gate {
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = DefaultConfig().WorkerTimeout
	}
	logger := utils.NewLogger("feature-gate")
	if cfg.StaleAfter < 0 {
		cfg.StaleAfter = 0
	}
	// A running attempt may not be reclaimed while its worker call is live.
	if cfg.StaleAfter > 0 && cfg.StaleAfter <= cfg.WorkerTimeout {
		clamped := cfg.WorkerTimeout + staleMargin
		logger.Warn("Stale job threshold does not exceed the worker timeout, raising it",
			"stale_after", cfg.StaleAfter, "worker_timeout", cfg.WorkerTimeout, "clamped", clamped)
		cfg.StaleAfter = clamped
	}
	return &Gate{
		costs:   costs,
		quota:   q,
		credits: credits,
		jobs:    registry,
		worker:  worker,
		charger: charger,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// WithMetrics records gate outcomes and worker latency.
func (g *Gate) WithMetrics(m *metrics.Metrics) *Gate {
	g.metrics = m
	return g
}

// WithClock overrides the clock used for stale job detection.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Costs returns the cost table the gate was built with.
func (g *Gate) Costs() models.CostTable {
	return g.costs
}

// Execute runs req through dedupe, quota, confirmation, balance, worker
// and charge. Confirmation and credit shortfalls are outcomes, not errors.
func (g *Gate) Execute(ctx context.Context, req Request) (*Outcome, error) {
	const op = "gate.Execute"

	cost, err := g.validate(op, req)
	if err != nil {
		return nil, g.fail(req.Feature, err)
	}

	job, isNew, err := g.jobs.GetOrCreate(ctx, req.UserID, req.Feature, req.IdempotencyKey, models.JSONB(req.Payload))
	if err != nil {
		return nil, g.fail(req.Feature, persistence(op, fmt.Errorf("failed to create job: %w", err)))
	}

	if !isNew {
		var outcome *Outcome
		job, outcome, err = g.resume(ctx, op, job)
		if err != nil {
			return nil, g.fail(req.Feature, err)
		}
		if outcome != nil {
			return g.done(outcome), nil
		}
	}

	outcome, err := g.run(ctx, op, req, job, cost)
	if err != nil {
		return nil, g.fail(req.Feature, err)
	}
	return g.done(outcome), nil
}

// resume decides what to do with a job that already existed. A nil
// outcome means job is now a running attempt owned by this call.
func (g *Gate) resume(ctx context.Context, op string, job *models.Job) (*models.Job, *Outcome, error) {
	switch job.Status {
	case models.JobStatusSucceeded:
		return nil, replayed(job), nil

	case models.JobStatusRunning:
		if !job.IsStale(g.now(), g.config.StaleAfter) {
			return nil, &Outcome{Kind: OutcomeRunning, Job: job}, nil
		}
		reclaimed, err := g.jobs.Reclaim(ctx, job, g.now().Add(-g.config.StaleAfter))
		if errors.Is(err, jobs.ErrJobConflict) {
			return g.observe(ctx, op, job)
		}
		if err != nil {
			return nil, nil, persistence(op, fmt.Errorf("failed to reclaim job: %w", err))
		}
		g.logger.Warn("Reclaimed stale job", "job_id", job.ID, "attempt", reclaimed.Attempts)
		return reclaimed, nil, nil

	case models.JobStatusBlocked, models.JobStatusFailed:
		retried, err := g.jobs.Retry(ctx, job)
		if errors.Is(err, jobs.ErrJobConflict) {
			return g.observe(ctx, op, job)
		}
		if err != nil {
			return nil, nil, persistence(op, fmt.Errorf("failed to retry job: %w", err))
		}
		return retried, nil, nil

	default:
		return nil, nil, persistence(op, fmt.Errorf("job %s has unknown status %q", job.ID, job.Status))
	}
}

// observe reports the state of a job another request just took over.
func (g *Gate) observe(ctx context.Context, op string, job *models.Job) (*models.Job, *Outcome, error) {
	current, err := g.jobs.GetByID(ctx, job.ID)
	if err != nil {
		return nil, nil, persistence(op, fmt.Errorf("failed to reload job: %w", err))
	}
	if current.Status == models.JobStatusSucceeded {
		return nil, replayed(current), nil
	}
	return nil, &Outcome{Kind: OutcomeRunning, Job: current}, nil
}

// run executes steps from the quota check onward on a running attempt.
func (g *Gate) run(ctx context.Context, op string, req Request, job *models.Job, cost models.FeatureCost) (*Outcome, error) {
	status, err := g.quota.Check(ctx, req.UserID, req.Feature)
	if err != nil {
		return nil, g.abort(ctx, op, job, fmt.Errorf("failed to check quota: %w", err))
	}

	charge := models.Charge{Mode: models.ChargeModeFree}
	if !status.WithinQuota {
		if !req.Confirmed {
			blocked, err := g.jobs.MarkBlocked(ctx, job, models.ErrorCodeNeedConfirmation, "quota exhausted, confirm the credit charge")
			if err != nil {
				return g.lost(ctx, op, job, err)
			}
			return &Outcome{Kind: OutcomeNeedConfirmation, Job: blocked, RequiredCredit: cost.CreditCost}, nil
		}

		balance, err := g.credits.Balance(ctx, req.UserID)
		if err != nil {
			return nil, g.abort(ctx, op, job, fmt.Errorf("failed to read balance: %w", err))
		}
		if balance < cost.CreditCost {
			msg := fmt.Sprintf("balance %d is below the required %d credits", balance, cost.CreditCost)
			blocked, err := g.jobs.MarkBlocked(ctx, job, models.ErrorCodeNeedCredit, msg)
			if err != nil {
				return g.lost(ctx, op, job, err)
			}
			return &Outcome{Kind: OutcomeNeedCredit, Job: blocked, RequiredCredit: cost.CreditCost, Balance: balance}, nil
		}
		charge = models.Charge{Mode: models.ChargeModePaid, Amount: cost.CreditCost}
	}

	// The attempt continues even if the caller goes away; it can pick up
	// the result later through the job.
	execCtx := context.WithoutCancel(ctx)

	result, err := g.invoke(execCtx, job)
	if err != nil {
		code := models.ErrorCodeWorkerFailure
		if errors.Is(err, context.DeadlineExceeded) {
			code = models.ErrorCodeWorkerTimeout
		}
		if _, markErr := g.jobs.MarkFailed(execCtx, job, code, err.Error()); markErr != nil && !errors.Is(markErr, jobs.ErrJobConflict) {
			g.logger.Error("Failed to record worker failure", "job_id", job.ID, "error", markErr)
		}
		return nil, &Error{Kind: KindWorkerFailure, Op: op, Err: err}
	}

	succeeded, err := g.jobs.MarkSucceeded(execCtx, job, models.JSONB(result), charge)
	if err != nil {
		if errors.Is(err, jobs.ErrJobConflict) {
			return g.lost(execCtx, op, job, err)
		}
		return nil, g.abort(execCtx, op, job, fmt.Errorf("failed to store result: %w", err))
	}

	if !g.charger.CommitOrDefer(execCtx, succeeded) {
		g.logger.Info("Charge deferred to outbox", "job_id", succeeded.ID, "mode", charge.Mode)
	} else if settled, err := g.jobs.GetByID(execCtx, succeeded.ID); err == nil {
		succeeded = settled
	} else {
		g.logger.Warn("Failed to reload charged job", "job_id", succeeded.ID, "error", err)
	}
	return &Outcome{Kind: OutcomeExecuted, Job: succeeded, Result: json.RawMessage(succeeded.Result)}, nil
}

func (g *Gate) invoke(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.WorkerTimeout)
	defer cancel()

	start := time.Now()
	result, err := g.worker.Generate(ctx, job.Feature, json.RawMessage(job.Request))
	if err == nil && !json.Valid(result) {
		err = fmt.Errorf("worker returned invalid JSON")
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
	}
	g.metrics.ObserveWorker(string(job.Feature), outcome, time.Since(start))
	return result, err
}

// lost handles a finalize transition rejected because a newer attempt
// owns the job.
func (g *Gate) lost(ctx context.Context, op string, job *models.Job, err error) (*Outcome, error) {
	if !errors.Is(err, jobs.ErrJobConflict) {
		return nil, g.abort(ctx, op, job, err)
	}
	_, outcome, oerr := g.observe(ctx, op, job)
	return outcome, oerr
}

// abort marks the attempt failed after a persistence error. The error is
// returned even if recording it fails.
func (g *Gate) abort(ctx context.Context, op string, job *models.Job, cause error) error {
	if _, err := g.jobs.MarkFailed(context.WithoutCancel(ctx), job, models.ErrorCodePersistenceFailure, cause.Error()); err != nil {
		g.logger.Error("Failed to mark job failed", "job_id", job.ID, "error", err)
	}
	return persistence(op, cause)
}

// CheckQuota reports how the next execution of feature would be paid for.
// It never writes.
func (g *Gate) CheckQuota(ctx context.Context, userID string, feature models.FeatureID) (*Probe, error) {
	const op = "gate.CheckQuota"

	cost, ok := g.costs.Lookup(feature)
	if !ok {
		return nil, invalid(op, "unknown feature %q", feature)
	}

	status, err := g.quota.Check(ctx, userID, feature)
	if err != nil {
		return nil, persistence(op, err)
	}

	probe := &Probe{Used: status.Used, Limit: status.Limit}
	switch {
	case status.Unlimited:
		probe.Mode = ModeUnlimited
	case status.WithinQuota:
		probe.Mode = ModeFree
	default:
		balance, err := g.credits.Balance(ctx, userID)
		if err != nil {
			return nil, persistence(op, err)
		}
		probe.Mode = ModeNeedCredit
		probe.RequiredCredit = cost.CreditCost
		probe.Balance = balance
	}
	return probe, nil
}

// JobStatus returns the job recorded for an idempotency key.
func (g *Gate) JobStatus(ctx context.Context, userID string, feature models.FeatureID, key string) (*models.Job, error) {
	const op = "gate.JobStatus"

	if _, ok := g.costs.Lookup(feature); !ok {
		return nil, invalid(op, "unknown feature %q", feature)
	}
	if strings.TrimSpace(key) == "" {
		return nil, invalid(op, "idempotency key is required")
	}

	job, err := g.jobs.Get(ctx, userID, feature, key)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return nil, err
		}
		return nil, persistence(op, err)
	}
	return job, nil
}

func (g *Gate) validate(op string, req Request) (models.FeatureCost, error) {
	if req.UserID == "" {
		return models.FeatureCost{}, &Error{Kind: KindUnauthenticated, Op: op}
	}
	cost, ok := g.costs.Lookup(req.Feature)
	if !ok {
		return models.FeatureCost{}, invalid(op, "unknown feature %q", req.Feature)
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return models.FeatureCost{}, invalid(op, "idempotency key is required")
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		return models.FeatureCost{}, invalid(op, "idempotency key exceeds %d bytes", maxIdempotencyKeyLen)
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return models.FeatureCost{}, invalid(op, "request payload must be valid JSON")
	}
	return cost, nil
}

func (g *Gate) done(outcome *Outcome) *Outcome {
	if outcome.Job != nil {
		g.metrics.GateOutcome(string(outcome.Job.Feature), string(outcome.Kind))
	}
	return outcome
}

func (g *Gate) fail(feature models.FeatureID, err error) error {
	kind := KindOf(err)
	g.metrics.GateOutcome(string(feature), kind.String())
	if kind == KindPersistenceFailure {
		g.logger.Error("Execution aborted", "feature", feature, "error", err)
	}
	return err
}

func replayed(job *models.Job) *Outcome {
	return &Outcome{Kind: OutcomeReplayed, Job: job, Result: json.RawMessage(job.Result)}
}
