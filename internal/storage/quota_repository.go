package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"metered_gateway/internal/models"
	"metered_gateway/internal/quota"
)

// QuotaRepository implements quota.Store on Postgres.
type QuotaRepository struct {
	db *DB
}

var _ quota.Store = (*QuotaRepository)(nil)

// NewQuotaRepository creates a new quota repository
func NewQuotaRepository(db *DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

func (r *QuotaRepository) Used(ctx context.Context, userID string, feature models.FeatureID, period models.Period) (int64, error) {
	var used int64
	query := `SELECT count FROM quota_counters WHERE user_id = $1 AND feature = $2 AND period = $3`
	err := r.db.conn.GetContext(ctx, &used, query, userID, feature, period.String())
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get quota counter: %w", err)
	}
	return used, nil
}

// Increment bumps the counter. A non-empty ref is recorded in the same
// transaction so a replay of it is not counted twice.
func (r *QuotaRepository) Increment(ctx context.Context, userID string, feature models.FeatureID, period models.Period, ref string) error {
	return r.db.withTx(ctx, func(tx *sqlx.Tx) error {
		if ref != "" {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO quota_commits (ref, user_id, feature, period)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (ref) DO NOTHING`,
				ref, userID, feature, period.String(),
			)
			if err != nil {
				return fmt.Errorf("failed to record quota commit: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return nil
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO quota_counters (user_id, feature, period, count, updated_at)
			VALUES ($1, $2, $3, 1, NOW())
			ON CONFLICT (user_id, feature, period)
			DO UPDATE SET count = quota_counters.count + 1, updated_at = NOW()`,
			userID, feature, period.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to increment quota counter: %w", err)
		}
		return nil
	})
}

// Counters returns every recorded period for the user and feature, oldest first.
func (r *QuotaRepository) Counters(ctx context.Context, userID string, feature models.FeatureID) ([]models.QuotaCounter, error) {
	counters := []models.QuotaCounter{}
	query := `
		SELECT user_id, feature, period, count, updated_at
		FROM quota_counters
		WHERE user_id = $1 AND feature = $2
		ORDER BY period`
	if err := r.db.conn.SelectContext(ctx, &counters, query, userID, feature); err != nil {
		return nil, fmt.Errorf("failed to list quota counters: %w", err)
	}
	return counters, nil
}
