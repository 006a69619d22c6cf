// Package credittest holds the behavioral contract every credit.Ledger
// backend must satisfy.
package credittest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metered_gateway/internal/credit"
)

// RunLedgerContract exercises a Ledger produced by newLedger. Each subtest
// uses fresh user ids so backends may share state between calls.
func RunLedgerContract(t *testing.T, newLedger func(t *testing.T) credit.Ledger) {
	ctx := context.Background()

	t.Run("consume depletes oldest lots first", func(t *testing.T) {
		ledger := newLedger(t)
		user := newUser()

		addLots(t, ledger, user, 4, 5, 6)
		require.NoError(t, ledger.Consume(ctx, user, 7, ""))

		assertRemaining(t, ledger, user, 0, 2, 6)
		assertBalance(t, ledger, user, 8)
	})

	t.Run("consume exact balance", func(t *testing.T) {
		ledger := newLedger(t)
		user := newUser()

		addLots(t, ledger, user, 2, 3)
		require.NoError(t, ledger.Consume(ctx, user, 5, ""))

		assertRemaining(t, ledger, user, 0, 0)
		assertBalance(t, ledger, user, 0)
	})

	t.Run("insufficient credit leaves lots untouched", func(t *testing.T) {
		ledger := newLedger(t)
		user := newUser()

		addLots(t, ledger, user, 2, 3)
		err := ledger.Consume(ctx, user, 7, "")

		require.ErrorIs(t, err, credit.ErrInsufficientCredit)
		var shortfall *credit.InsufficientCreditError
		require.ErrorAs(t, err, &shortfall)
		assert.Equal(t, int64(7), shortfall.Required)
		assert.Equal(t, int64(5), shortfall.Balance)
		assertRemaining(t, ledger, user, 2, 3)
	})

	t.Run("unknown user has zero balance", func(t *testing.T) {
		ledger := newLedger(t)
		user := newUser()

		assertBalance(t, ledger, user, 0)
		err := ledger.Consume(ctx, user, 1, "")
		assert.ErrorIs(t, err, credit.ErrInsufficientCredit)
	})

	t.Run("depleted lots are retained", func(t *testing.T) {
		ledger := newLedger(t)
		user := newUser()

		addLots(t, ledger, user, 3, 3)
		require.NoError(t, ledger.Consume(ctx, user, 3, ""))
		require.NoError(t, ledger.Consume(ctx, user, 2, ""))

		lots, err := ledger.Lots(ctx, user)
		require.NoError(t, err)
		require.Len(t, lots, 2)
		assert.Equal(t, int64(0), lots[0].AmountRemaining)
		assert.Equal(t, int64(3), lots[0].AmountOriginal)
		assert.Equal(t, int64(1), lots[1].AmountRemaining)
	})

	t.Run("consume with ref is applied once", func(t *testing.T) {
		ledger := newLedger(t)
		user := newUser()
		ref := uuid.NewString()

		addLots(t, ledger, user, 5)
		require.NoError(t, ledger.Consume(ctx, user, 3, ref))
		require.NoError(t, ledger.Consume(ctx, user, 3, ref))

		assertBalance(t, ledger, user, 2)
	})

	t.Run("add lot with ref is idempotent", func(t *testing.T) {
		ledger := newLedger(t)
		user := newUser()
		ref := "pay_" + uuid.NewString()

		first, created, err := ledger.AddLot(ctx, user, 10, ref)
		require.NoError(t, err)
		assert.True(t, created)
		second, created, err := ledger.AddLot(ctx, user, 10, ref)
		require.NoError(t, err)
		assert.False(t, created)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, ref, first.Reference())
		assertBalance(t, ledger, user, 10)

		_, _, err = ledger.AddLot(ctx, newUser(), 10, ref)
		assert.ErrorIs(t, err, credit.ErrReferenceConflict)
	})

	t.Run("add lot rejects non-positive amounts", func(t *testing.T) {
		ledger := newLedger(t)

		_, _, err := ledger.AddLot(ctx, newUser(), 0, "")
		assert.ErrorIs(t, err, credit.ErrInvalidAmount)
		_, _, err = ledger.AddLot(ctx, newUser(), -4, "")
		assert.ErrorIs(t, err, credit.ErrInvalidAmount)
	})

	t.Run("concurrent consumes never overspend", func(t *testing.T) {
		ledger := newLedger(t)
		user := newUser()

		addLots(t, ledger, user, 5, 5)

		var wg sync.WaitGroup
		var succeeded atomic.Int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := ledger.Consume(ctx, user, 3, "")
				if err == nil {
					succeeded.Add(1)
					return
				}
				assert.ErrorIs(t, err, credit.ErrInsufficientCredit)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(3), succeeded.Load())
		assertBalance(t, ledger, user, 1)
	})
}

func newUser() string {
	return fmt.Sprintf("user-%s", uuid.NewString())
}

func addLots(t *testing.T, ledger credit.Ledger, user string, amounts ...int64) {
	t.Helper()
	for _, amount := range amounts {
		_, _, err := ledger.AddLot(context.Background(), user, amount, "")
		require.NoError(t, err)
		// Keep created_at strictly increasing for backends with coarse clocks.
		time.Sleep(2 * time.Millisecond)
	}
}

func assertRemaining(t *testing.T, ledger credit.Ledger, user string, want ...int64) {
	t.Helper()
	lots, err := ledger.Lots(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, lots, len(want))
	for i, lot := range lots {
		assert.Equal(t, want[i], lot.AmountRemaining, "lot %d", i)
	}
}

func assertBalance(t *testing.T, ledger credit.Ledger, user string, want int64) {
	t.Helper()
	balance, err := ledger.Balance(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, want, balance)
}
