package billing

import (
	"context"
	"time"

	"metered_gateway/internal/jobs"
	"metered_gateway/internal/metrics"
	"metered_gateway/internal/utils"
)

// ReconcilerConfig controls the pending charge sweep.
type ReconcilerConfig struct {
	Interval  time.Duration
	Grace     time.Duration
	BatchSize int
}

// Reconciler re-enqueues charges left pending longer than the grace period,
// e.g. after a crash between the result write and the enqueue.
type Reconciler struct {
	jobs    jobs.Registry
	outbox  Enqueuer
	config  ReconcilerConfig
	metrics *metrics.Metrics
	logger  *utils.Logger
	now     func() time.Time

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewReconciler creates a reconciler.
func NewReconciler(registry jobs.Registry, outbox Enqueuer, cfg ReconcilerConfig, m *metrics.Metrics) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return &Reconciler{
		jobs:        registry,
		outbox:      outbox,
		config:      cfg,
		metrics:     m,
		logger:      utils.NewLogger("charge-reconciler"),
		now:         time.Now,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Reconciler) Stop() error {
	close(r.stopChan)
	<-r.stoppedChan
	return nil
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.stoppedChan)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("Charge sweep failed", "error", err)
			}
		}
	}
}

// Sweep enqueues one batch of stale pending charges and returns how many
// were enqueued.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	pending, err := r.jobs.ListPendingCharges(ctx, r.now().Add(-r.config.Grace), r.config.BatchSize)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, job := range pending {
		if err := r.outbox.Enqueue(ctx, ChargeCommitFor(job)); err != nil {
			r.logger.Warn("Failed to re-enqueue pending charge", "job_id", job.ID, "error", err)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		r.logger.Info("Re-enqueued pending charges", "count", enqueued)
		r.metrics.ChargesRequeued(enqueued)
	}
	return enqueued, nil
}
