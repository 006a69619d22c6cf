package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"metered_gateway/internal/credit"
	"metered_gateway/internal/models"
)

const lotColumns = `id, user_id, amount_original, amount_remaining, external_ref, created_at`

// CreditRepository implements credit.Ledger on Postgres. Consume serializes
// per user through row locks on the user's lots.
type CreditRepository struct {
	db *DB
}

var _ credit.Ledger = (*CreditRepository)(nil)

// NewCreditRepository creates a new credit repository
func NewCreditRepository(db *DB) *CreditRepository {
	return &CreditRepository{db: db}
}

func (r *CreditRepository) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	query := `SELECT COALESCE(SUM(amount_remaining), 0) FROM credit_lots WHERE user_id = $1`
	if err := r.db.conn.GetContext(ctx, &balance, query, userID); err != nil {
		return 0, fmt.Errorf("failed to get credit balance: %w", err)
	}
	return balance, nil
}

func (r *CreditRepository) Consume(ctx context.Context, userID string, cost int64, ref string) error {
	if cost < 0 {
		return credit.ErrInvalidAmount
	}

	return r.db.withTx(ctx, func(tx *sqlx.Tx) error {
		var lots []models.CreditLot
		lockQuery := `SELECT ` + lotColumns + `
			FROM credit_lots
			WHERE user_id = $1 AND amount_remaining > 0
			ORDER BY created_at, id
			FOR UPDATE`
		if err := tx.SelectContext(ctx, &lots, lockQuery, userID); err != nil {
			return fmt.Errorf("failed to lock credit lots: %w", err)
		}

		if ref != "" {
			var applied bool
			refQuery := `SELECT EXISTS (SELECT 1 FROM credit_debits WHERE user_id = $1 AND ref = $2)`
			if err := tx.GetContext(ctx, &applied, refQuery, userID, ref); err != nil {
				return fmt.Errorf("failed to check debit reference: %w", err)
			}
			if applied {
				return nil
			}
		}

		debits, err := credit.PlanDebits(lots, cost)
		if err != nil {
			return err
		}

		debitRef := sql.NullString{String: ref, Valid: ref != ""}
		for _, d := range debits {
			if _, err := tx.ExecContext(ctx,
				`UPDATE credit_lots SET amount_remaining = amount_remaining - $2 WHERE id = $1`,
				d.LotID, d.Amount,
			); err != nil {
				return fmt.Errorf("failed to debit credit lot: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO credit_debits (lot_id, user_id, ref, amount) VALUES ($1, $2, $3, $4)`,
				d.LotID, userID, debitRef, d.Amount,
			); err != nil {
				return fmt.Errorf("failed to record credit debit: %w", err)
			}
		}
		return nil
	})
}

func (r *CreditRepository) AddLot(ctx context.Context, userID string, amount int64, ref string) (*models.CreditLot, bool, error) {
	if amount <= 0 {
		return nil, false, credit.ErrInvalidAmount
	}

	externalRef := sql.NullString{String: ref, Valid: ref != ""}
	query := `
		INSERT INTO credit_lots (id, user_id, amount_original, amount_remaining, external_ref, created_at)
		VALUES ($1, $2, $3, $3, $4, clock_timestamp())
		ON CONFLICT (external_ref) DO NOTHING
		RETURNING ` + lotColumns

	var lot models.CreditLot
	err := r.db.conn.GetContext(ctx, &lot, query, uuid.New(), userID, amount, externalRef)
	if err == nil {
		return &lot, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to add credit lot: %w", err)
	}

	existing, err := r.getByReference(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	if existing.UserID != userID {
		return nil, false, credit.ErrReferenceConflict
	}
	return existing, false, nil
}

func (r *CreditRepository) getByReference(ctx context.Context, ref string) (*models.CreditLot, error) {
	var lot models.CreditLot
	query := `SELECT ` + lotColumns + ` FROM credit_lots WHERE external_ref = $1`
	if err := r.db.conn.GetContext(ctx, &lot, query, ref); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLotNotFound
		}
		return nil, fmt.Errorf("failed to get credit lot: %w", err)
	}
	return &lot, nil
}

func (r *CreditRepository) Lots(ctx context.Context, userID string) ([]models.CreditLot, error) {
	lots := []models.CreditLot{}
	query := `SELECT ` + lotColumns + ` FROM credit_lots WHERE user_id = $1 ORDER BY created_at, id`
	if err := r.db.conn.SelectContext(ctx, &lots, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list credit lots: %w", err)
	}
	return lots, nil
}
