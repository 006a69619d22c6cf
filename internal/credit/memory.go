package credit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"metered_gateway/internal/models"
	"metered_gateway/internal/utils"
)

type userBook struct {
	mu   sync.Mutex
	lots []models.CreditLot
	refs map[string]struct{}
}

type lotRef struct {
	userID string
	lotID  uuid.UUID
}

// MemoryLedger implements Ledger in process memory. Each user's lots are
// guarded by that user's own mutex.
type MemoryLedger struct {
	mu      sync.Mutex
	books   map[string]*userBook
	lotRefs map[string]lotRef
	now     func() time.Time
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		books:   make(map[string]*userBook),
		lotRefs: make(map[string]lotRef),
		now:     time.Now,
	}
}

func (l *MemoryLedger) book(userID string) *userBook {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.books[userID]
	if !ok {
		b = &userBook{refs: make(map[string]struct{})}
		l.books[userID] = b
	}
	return b
}

func (l *MemoryLedger) Balance(ctx context.Context, userID string) (int64, error) {
	b := l.book(userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.SumRemaining(b.lots), nil
}

func (l *MemoryLedger) Consume(ctx context.Context, userID string, cost int64, ref string) error {
	if cost < 0 {
		return ErrInvalidAmount
	}

	b := l.book(userID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if ref != "" {
		if _, done := b.refs[ref]; done {
			return nil
		}
	}

	debits, err := PlanDebits(b.lots, cost)
	if err != nil {
		return err
	}

	byID := make(map[string]int64, len(debits))
	for _, d := range debits {
		byID[d.LotID] = d.Amount
	}
	for i := range b.lots {
		if amount, ok := byID[b.lots[i].ID.String()]; ok {
			b.lots[i].AmountRemaining -= amount
		}
	}

	if ref != "" {
		b.refs[ref] = struct{}{}
	}
	return nil
}

func (l *MemoryLedger) AddLot(ctx context.Context, userID string, amount int64, ref string) (*models.CreditLot, bool, error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}

	b := l.book(userID)
	b.mu.Lock()
	defer b.mu.Unlock()

	// Lock order is book then ledger; book() never holds both.
	l.mu.Lock()
	defer l.mu.Unlock()

	if ref != "" {
		if existing, ok := l.lotRefs[ref]; ok {
			if existing.userID != userID {
				return nil, false, ErrReferenceConflict
			}
			for _, lot := range b.lots {
				if lot.ID == existing.lotID {
					found := lot
					return &found, false, nil
				}
			}
		}
	}

	lot := models.CreditLot{
		ID:              uuid.New(),
		UserID:          userID,
		AmountOriginal:  amount,
		AmountRemaining: amount,
		CreatedAt:       l.now(),
	}
	if ref != "" {
		lot.ExternalRef = utils.StringPtr(ref)
		l.lotRefs[ref] = lotRef{userID: userID, lotID: lot.ID}
	}

	b.lots = append(b.lots, lot)
	created := lot
	return &created, true, nil
}

func (l *MemoryLedger) Lots(ctx context.Context, userID string) ([]models.CreditLot, error) {
	b := l.book(userID)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.CreditLot, len(b.lots))
	copy(out, b.lots)
	return out, nil
}
