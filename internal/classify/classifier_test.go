package classify

import (
	"testing"
	"time"

	"tax_reporter/internal/entity"
	"tax_reporter/internal/ledger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tokenID = "1:0x1111111111111111111111111111111111111111"

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	return NewClassifier(365, zap.NewNop())
}

func disposal(ts time.Time, amount string) entity.CanonicalTransaction {
	return entity.CanonicalTransaction{
		ID:        "0xsell:0",
		Timestamp: ts,
		TokenID:   tokenID,
		Amount:    decimal.RequireFromString(amount),
		Direction: entity.DirectionOut,
	}
}

func liveQuote(usd string) entity.PriceQuote {
	return entity.PriceQuote{
		TokenID:        tokenID,
		USDPerUnit:     decimal.RequireFromString(usd),
		SourceProvider: "test",
		Confidence:     entity.ConfidenceLive,
	}
}

func slice(lotID string, acquiredAt time.Time, qty, unitCost string) entity.LotConsumption {
	return entity.LotConsumption{
		LotID:          lotID,
		QuantityTaken:  decimal.RequireFromString(qty),
		LotAcquiredAt:  acquiredAt,
		UnitCostUSD:    decimal.RequireFromString(unitCost),
		CostBasisKnown: true,
	}
}

func TestDisposalWithinWindowIsCapitalGain(t *testing.T) {
	c := newTestClassifier(t)
	acquired := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sold := acquired.AddDate(0, 0, 100)

	events := c.Classify(disposal(sold, "3"), liveQuote("5"), ledger.Result{
		Consumed: []entity.LotConsumption{slice("0xbuy:0", acquired, "3", "2")},
	})
	require.Len(t, events, 1)

	assert.Equal(t, entity.CategoryCapitalGain, events[0].Category)
	assert.Equal(t, "9", events[0].TaxableAmountUSD.String())
	assert.Equal(t, 100, events[0].HoldingPeriodDays)
	assert.Equal(t, "0xbuy:0", events[0].ConsumedLotID)
}

func TestDisposalAtLossIsCapitalLoss(t *testing.T) {
	c := newTestClassifier(t)
	acquired := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	events := c.Classify(disposal(acquired.AddDate(0, 0, 30), "2"), liveQuote("1"), ledger.Result{
		Consumed: []entity.LotConsumption{slice("0xbuy:0", acquired, "2", "4")},
	})
	require.Len(t, events, 1)

	assert.Equal(t, entity.CategoryCapitalLoss, events[0].Category)
	assert.Equal(t, "-6", events[0].TaxableAmountUSD.String())
}

func TestDisposalAtBreakEvenIsCapitalLoss(t *testing.T) {
	c := newTestClassifier(t)
	acquired := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	events := c.Classify(disposal(acquired.AddDate(0, 0, 30), "2"), liveQuote("4"), ledger.Result{
		Consumed: []entity.LotConsumption{slice("0xbuy:0", acquired, "2", "4")},
	})
	require.Len(t, events, 1)

	assert.Equal(t, entity.CategoryCapitalLoss, events[0].Category)
	assert.Equal(t, "0", events[0].TaxableAmountUSD.String())
}

func TestHoldingPeriodBoundary(t *testing.T) {
	c := newTestClassifier(t)
	acquired := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		days int
		want entity.Category
	}{
		{"exactly 365 days is still taxable", 365, entity.CategoryCapitalGain},
		{"366 days is tax free", 366, entity.CategoryTaxFreeDisposal},
		{"400 days is tax free", 400, entity.CategoryTaxFreeDisposal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sold := acquired.AddDate(0, 0, tc.days)
			events := c.Classify(disposal(sold, "1"), liveQuote("10"), ledger.Result{
				Consumed: []entity.LotConsumption{slice("0xbuy:0", acquired, "1", "2")},
			})
			require.Len(t, events, 1)
			assert.Equal(t, tc.want, events[0].Category)
			assert.Equal(t, tc.days, events[0].HoldingPeriodDays)
		})
	}
}

func TestSplitDisposalClassifiesEachSliceIndependently(t *testing.T) {
	c := newTestClassifier(t)
	oldLot := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)
	newLot := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	sold := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	events := c.Classify(disposal(sold, "5"), liveQuote("4"), ledger.Result{
		Consumed: []entity.LotConsumption{
			slice("0xold:0", oldLot, "3", "1"),
			slice("0xnew:0", newLot, "2", "5"),
		},
	})
	require.Len(t, events, 2)

	assert.Equal(t, entity.CategoryTaxFreeDisposal, events[0].Category)
	assert.Equal(t, entity.CategoryCapitalLoss, events[1].Category)
	assert.Equal(t, "-2", events[1].TaxableAmountUSD.String())
}

func TestMissingDisposalPriceIsUnclassifiable(t *testing.T) {
	c := newTestClassifier(t)
	acquired := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	events := c.Classify(disposal(acquired.AddDate(0, 0, 10), "1"), entity.PriceQuote{}, ledger.Result{
		Consumed: []entity.LotConsumption{slice("0xbuy:0", acquired, "1", "2")},
	})
	require.Len(t, events, 1)

	assert.Equal(t, entity.CategoryUnclassifiable, events[0].Category)
	assert.Equal(t, entity.ReasonPriceNotFound, events[0].Reason)
	assert.True(t, events[0].TaxableAmountUSD.IsZero())
}

func TestPendingCostBasisIsUnclassifiable(t *testing.T) {
	c := newTestClassifier(t)
	acquired := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pending := slice("0xbuy:0", acquired, "1", "0")
	pending.CostBasisKnown = false

	events := c.Classify(disposal(acquired.AddDate(0, 0, 10), "1"), liveQuote("3"), ledger.Result{
		Consumed: []entity.LotConsumption{pending},
	})
	require.Len(t, events, 1)

	assert.Equal(t, entity.CategoryUnclassifiable, events[0].Category)
	assert.Equal(t, entity.ReasonCostBasisPending, events[0].Reason)
}

func TestShortfallIsPreHistoryAcquisition(t *testing.T) {
	c := newTestClassifier(t)
	acquired := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	events := c.Classify(disposal(acquired.AddDate(0, 0, 10), "5"), liveQuote("3"), ledger.Result{
		Consumed:  []entity.LotConsumption{slice("0xbuy:0", acquired, "2", "1")},
		Shortfall: decimal.RequireFromString("3"),
	})
	require.Len(t, events, 2)

	assert.Equal(t, entity.CategoryCapitalGain, events[0].Category)
	assert.Equal(t, entity.CategoryUnclassifiable, events[1].Category)
	assert.Equal(t, entity.ReasonPreHistoryAcquisition, events[1].Reason)
	assert.Equal(t, "3", events[1].Quantity.String())
}

func TestRecurringIncomeValuedAtReceipt(t *testing.T) {
	c := newTestClassifier(t)
	tx := entity.CanonicalTransaction{
		ID:           "0xreward:0",
		Timestamp:    time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		TokenID:      tokenID,
		Amount:       decimal.RequireFromString("2.5"),
		Direction:    entity.DirectionIn,
		IncomeTagged: true,
	}

	events := c.Classify(tx, liveQuote("4"), ledger.Result{})
	require.Len(t, events, 1)

	assert.Equal(t, entity.CategoryRecurringIncome, events[0].Category)
	assert.Equal(t, "10", events[0].TaxableAmountUSD.String())
}

func TestIncomeWithoutPriceIsUnclassifiable(t *testing.T) {
	c := newTestClassifier(t)
	tx := entity.CanonicalTransaction{
		ID:           "0xreward:0",
		Timestamp:    time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		TokenID:      tokenID,
		Amount:       decimal.NewFromInt(1),
		Direction:    entity.DirectionIn,
		IncomeTagged: true,
	}

	events := c.Classify(tx, entity.PriceQuote{}, ledger.Result{})
	require.Len(t, events, 1)
	assert.Equal(t, entity.CategoryUnclassifiable, events[0].Category)
	assert.Equal(t, entity.ReasonPriceNotFound, events[0].Reason)
}

func TestPlainAcquisitionProducesNoEvent(t *testing.T) {
	c := newTestClassifier(t)
	tx := entity.CanonicalTransaction{
		ID:        "0xbuy:0",
		Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		TokenID:   tokenID,
		Amount:    decimal.NewFromInt(1),
		Direction: entity.DirectionIn,
	}
	assert.Empty(t, c.Classify(tx, liveQuote("4"), ledger.Result{}))
}

func TestMalformedRecordIsUnclassifiable(t *testing.T) {
	c := newTestClassifier(t)
	tx := entity.CanonicalTransaction{
		ID:            "0xbad:0",
		Timestamp:     time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		TokenID:       tokenID,
		Direction:     entity.DirectionIn,
		Malformed:     true,
		FailureReason: entity.ReasonMalformedRecord,
	}

	events := c.Classify(tx, entity.PriceQuote{}, ledger.Result{})
	require.Len(t, events, 1)
	assert.Equal(t, entity.CategoryUnclassifiable, events[0].Category)
	assert.Equal(t, entity.ReasonMalformedRecord, events[0].Reason)
}
