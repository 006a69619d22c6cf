// Package credit implements the prepaid credit ledger: append-only lots
// consumed oldest first.
package credit

import (
	"context"
	"errors"
	"fmt"

	"metered_gateway/internal/models"
)

var (
	// ErrInsufficientCredit matches *InsufficientCreditError via errors.Is.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrInvalidAmount is returned for non-positive lot amounts or costs.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrReferenceConflict is returned when a payment reference was already
	// used to credit a different user.
	ErrReferenceConflict = errors.New("payment reference belongs to another user")
)

// InsufficientCreditError reports the shortfall of a rejected Consume.
type InsufficientCreditError struct {
	Required int64
	Balance  int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: required %d, balance %d", e.Required, e.Balance)
}

func (e *InsufficientCreditError) Is(target error) bool {
	return target == ErrInsufficientCredit
}

// Ledger is the credit ledger contract shared by every backend.
type Ledger interface {
	// Balance returns the sum of remaining amounts across the user's lots.
	Balance(ctx context.Context, userID string) (int64, error)

	// Consume atomically deducts cost from the user's lots in creation order.
	// When the balance is short it returns *InsufficientCreditError and leaves
	// every lot untouched. A non-empty ref that was already debited is a no-op.
	Consume(ctx context.Context, userID string, cost int64, ref string) error

	// AddLot appends a lot and reports whether it was created. A non-empty
	// ref makes the call idempotent: the lot created by the first call with
	// that ref is returned with created false.
	AddLot(ctx context.Context, userID string, amount int64, ref string) (lot *models.CreditLot, created bool, err error)

	// Lots returns the user's lots in consumption order.
	Lots(ctx context.Context, userID string) ([]models.CreditLot, error)
}

// Debit is one deduction from one lot.
type Debit struct {
	LotID  string
	Amount int64
}

// PlanDebits walks lots (already in consumption order) and returns the
// deductions covering cost. It returns *InsufficientCreditError when the lots
// cannot cover it. lots are not modified.
func PlanDebits(lots []models.CreditLot, cost int64) ([]Debit, error) {
	balance := models.SumRemaining(lots)
	if balance < cost {
		return nil, &InsufficientCreditError{Required: cost, Balance: balance}
	}

	var debits []Debit
	remaining := cost
	for _, lot := range lots {
		if remaining == 0 {
			break
		}
		if lot.IsDepleted() {
			continue
		}
		take := min(lot.AmountRemaining, remaining)
		debits = append(debits, Debit{LotID: lot.ID.String(), Amount: take})
		remaining -= take
	}
	return debits, nil
}
