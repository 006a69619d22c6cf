package models

import (
	"time"

	"github.com/google/uuid"
)

// CreditLot is a discrete unit of prepaid balance created by a purchase.
type CreditLot struct {
	ID              uuid.UUID `db:"id" json:"id"`
	UserID          string    `db:"user_id" json:"user_id"`
	AmountOriginal  int64     `db:"amount_original" json:"amount_original"`
	AmountRemaining int64     `db:"amount_remaining" json:"amount_remaining"`
	ExternalRef     *string   `db:"external_ref" json:"reference,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// IsDepleted reports whether the lot has nothing left to consume.
func (l *CreditLot) IsDepleted() bool {
	return l.AmountRemaining <= 0
}

// Reference returns the payment reference, or "" when the lot has none.
func (l *CreditLot) Reference() string {
	if l.ExternalRef == nil {
		return ""
	}
	return *l.ExternalRef
}

// SumRemaining returns the balance represented by lots.
func SumRemaining(lots []CreditLot) int64 {
	var total int64
	for _, l := range lots {
		total += l.AmountRemaining
	}
	return total
}
