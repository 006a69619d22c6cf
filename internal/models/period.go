package models

import (
	"fmt"
	"time"
)

// Period is a billing period, the UTC calendar month.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the billing period containing t.
func PeriodOf(t time.Time) Period {
	u := t.UTC()
	return Period{Year: u.Year(), Month: u.Month()}
}

// String formats the period as YYYY-MM.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// QuotaCounter is the usage count of one feature for one user in one period.
type QuotaCounter struct {
	UserID    string    `db:"user_id" json:"user_id"`
	Feature   FeatureID `db:"feature" json:"feature"`
	Period    string    `db:"period" json:"period"`
	Count     int64     `db:"count" json:"count"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
