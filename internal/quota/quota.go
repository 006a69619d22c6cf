// Package quota tracks free-tier usage per user, feature and billing period.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"metered_gateway/internal/models"
)

// ErrUnknownFeature is returned for features missing from the cost table.
var ErrUnknownFeature = errors.New("unknown feature")

// Status is the result of a quota check.
type Status struct {
	WithinQuota bool
	Used        int64
	Limit       int64
	Unlimited   bool
}

// Store persists usage counters. Increment must be atomic and must count a
// given ref at most once.
type Store interface {
	Used(ctx context.Context, userID string, feature models.FeatureID, period models.Period) (int64, error)
	Increment(ctx context.Context, userID string, feature models.FeatureID, period models.Period, ref string) error
}

// Ledger answers quota checks against the injected cost table and commits
// successful free executions.
type Ledger struct {
	store Store
	costs models.CostTable
	now   func() time.Time
}

// NewLedger creates a quota ledger.
func NewLedger(store Store, costs models.CostTable) *Ledger {
	return &Ledger{store: store, costs: costs, now: time.Now}
}

// WithClock overrides the wall clock used to derive the current period.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Check reports current-period usage. It never writes.
func (l *Ledger) Check(ctx context.Context, userID string, feature models.FeatureID) (Status, error) {
	cost, ok := l.costs.Lookup(feature)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}

	used, err := l.store.Used(ctx, userID, feature, models.PeriodOf(l.now()))
	if err != nil {
		return Status{}, fmt.Errorf("failed to read quota usage: %w", err)
	}

	if cost.Unlimited() {
		return Status{WithinQuota: true, Used: used, Limit: cost.FreeLimit, Unlimited: true}, nil
	}
	return Status{
		WithinQuota: used < cost.FreeLimit,
		Used:        used,
		Limit:       cost.FreeLimit,
	}, nil
}

// Commit counts one free execution in the current period.
func (l *Ledger) Commit(ctx context.Context, userID string, feature models.FeatureID, ref string) error {
	return l.CommitAt(ctx, userID, feature, l.now(), ref)
}

// CommitAt counts one free execution in the period containing at. A ref
// that was already committed is not counted again.
func (l *Ledger) CommitAt(ctx context.Context, userID string, feature models.FeatureID, at time.Time, ref string) error {
	if _, ok := l.costs.Lookup(feature); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}
	if err := l.store.Increment(ctx, userID, feature, models.PeriodOf(at), ref); err != nil {
		return fmt.Errorf("failed to commit quota usage: %w", err)
	}
	return nil
}
