package credit_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metered_gateway/internal/credit"
	"metered_gateway/internal/credit/credittest"
	"metered_gateway/internal/models"
)

func TestMemoryLedger(t *testing.T) {
	credittest.RunLedgerContract(t, func(t *testing.T) credit.Ledger {
		return credit.NewMemoryLedger()
	})
}

func TestPlanDebits(t *testing.T) {
	lot := func(remaining int64) models.CreditLot {
		return models.CreditLot{ID: uuid.New(), AmountOriginal: 10, AmountRemaining: remaining}
	}

	t.Run("skips depleted lots", func(t *testing.T) {
		lots := []models.CreditLot{lot(0), lot(2), lot(5)}

		debits, err := credit.PlanDebits(lots, 4)
		require.NoError(t, err)
		require.Len(t, debits, 2)
		assert.Equal(t, credit.Debit{LotID: lots[1].ID.String(), Amount: 2}, debits[0])
		assert.Equal(t, credit.Debit{LotID: lots[2].ID.String(), Amount: 2}, debits[1])
		assert.Equal(t, int64(2), lots[1].AmountRemaining, "input must not be modified")
	})

	t.Run("zero cost plans nothing", func(t *testing.T) {
		debits, err := credit.PlanDebits([]models.CreditLot{lot(1)}, 0)
		require.NoError(t, err)
		assert.Empty(t, debits)
	})

	t.Run("shortfall", func(t *testing.T) {
		_, err := credit.PlanDebits([]models.CreditLot{lot(5)}, 7)
		var shortfall *credit.InsufficientCreditError
		require.ErrorAs(t, err, &shortfall)
		assert.Equal(t, int64(5), shortfall.Balance)
		assert.Equal(t, "insufficient credit: required 7, balance 5", shortfall.Error())
	})
}
