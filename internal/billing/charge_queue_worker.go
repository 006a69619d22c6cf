package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"metered_gateway/internal/metrics"
	"metered_gateway/internal/queue"
	"metered_gateway/internal/utils"
)

// ChargeQueueWorker drains the charge outbox, retrying each charge with
// exponential backoff before dead-lettering it.
type ChargeQueueWorker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	committer   *Committer
	config      *queue.Config
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewChargeQueueWorker creates a new charge queue worker
func NewChargeQueueWorker(q queue.Queue, dlq queue.DeadLetterQueue, committer *Committer, config *queue.Config) *ChargeQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("charges")
	}

	return &ChargeQueueWorker{
		queue:       q,
		dlq:         dlq,
		committer:   committer,
		config:      config,
		logger:      utils.NewLogger("charge-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *ChargeQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop waits for the in-flight batch to finish.
func (w *ChargeQueueWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

// Enqueue adds a charge to the outbox
func (w *ChargeQueueWorker) Enqueue(ctx context.Context, item interface{}) error {
	return w.queue.Enqueue(ctx, item)
}

func (w *ChargeQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Charge worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Charge worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

func (w *ChargeQueueWorker) processBatch(ctx context.Context) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
			w.sleep(ctx, w.config.BatchTimeout)
			return
		}
		w.logger.Error("Failed to dequeue charges", "error", err)
		w.sleep(ctx, time.Second)
		return
	}

	if len(items) == 0 {
		return
	}

	w.logger.Debug("Processing charge batch", "count", len(items))
	for _, item := range items {
		if err := w.processItem(ctx, item); err != nil {
			w.logger.Error("Failed to process charge", "error", err)
		}
	}
}

// processItem commits one charge, retrying transient failures.
func (w *ChargeQueueWorker) processItem(ctx context.Context, item interface{}) error {
	var charge ChargeCommit
	if err := w.unmarshalItem(item, &charge); err != nil {
		w.deadLetter(ctx, item, fmt.Errorf("malformed charge: %w", err))
		return err
	}

	outstanding, err := w.committer.Outstanding(ctx, charge)
	if err != nil {
		w.logger.Warn("Could not load job for charge", "job_id", charge.JobID, "error", err)
	} else if !outstanding {
		w.committer.metrics.ChargeCommit(string(charge.Mode), metrics.ChargeResultSkipped)
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying charge", "job_id", charge.JobID, "attempt", attempt, "backoff", backoff)
			if !w.sleep(ctx, backoff) {
				return ctx.Err()
			}
		}

		err := w.committer.Commit(ctx, charge)
		if err == nil {
			w.logger.Debug("Charge committed", "job_id", charge.JobID, "mode", charge.Mode, "amount", charge.Amount)
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			break
		}
		w.logger.Warn("Charge commit failed", "job_id", charge.JobID, "attempt", attempt, "error", err)
	}

	w.deadLetter(ctx, charge, lastErr)
	if err := w.committer.MarkFailed(ctx, charge, lastErr); err != nil {
		w.logger.Error("Failed to mark charge failed", "job_id", charge.JobID, "error", err)
	}
	return fmt.Errorf("charge for job %s not committed: %w", charge.JobID, lastErr)
}

func (w *ChargeQueueWorker) deadLetter(ctx context.Context, item interface{}, cause error) {
	if w.dlq == nil {
		return
	}
	if err := w.dlq.Add(ctx, item, cause); err != nil {
		w.logger.Error("Failed to add to dead letter queue", "error", err)
		return
	}
	w.logger.Warn("Charge moved to DLQ", "error", cause)
}

// sleep waits for d and reports false if the worker was stopped first.
func (w *ChargeQueueWorker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-w.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *ChargeQueueWorker) unmarshalItem(item interface{}, charge *ChargeCommit) error {
	switch v := item.(type) {
	case *ChargeCommit:
		*charge = *v
		return nil
	case ChargeCommit:
		*charge = v
		return nil
	case []byte:
		return json.Unmarshal(v, charge)
	case json.RawMessage:
		return json.Unmarshal(v, charge)
	default:
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		return json.Unmarshal(data, charge)
	}
}

// GetQueueLength returns the current queue length
func (w *ChargeQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns items from the dead letter queue
func (w *ChargeQueueWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem moves a dead-lettered charge back onto the queue.
func (w *ChargeQueueWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	item, err := w.dlq.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := w.queue.Enqueue(ctx, item.Item); err != nil {
		return fmt.Errorf("failed to re-enqueue item: %w", err)
	}
	if err := w.dlq.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove from DLQ: %w", err)
	}
	return nil
}
