package classify

import (
	"tax_reporter/internal/entity"
	"tax_reporter/internal/ledger"
	"tax_reporter/internal/pkg/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Classifier assigns a tax category to every ledger outcome. Disposals
// that span multiple acquisition lots produce one classified event per
// consumed slice, since each slice carries its own holding period.
type Classifier struct {
	holdingPeriodDays int
	logger            *zap.Logger
}

// NewClassifier creates a classifier with the configured speculation
// window in days. Holdings strictly beyond the window dispose tax free.
func NewClassifier(holdingPeriodDays int, logger *zap.Logger) *Classifier {
	return &Classifier{
		holdingPeriodDays: holdingPeriodDays,
		logger:            logger.Named("TaxClassifier"),
	}
}

// Classify turns one canonical transaction plus its ledger result into
// zero or more classified events. Plain acquisitions only open lots and
// produce no event; income, disposals, and failures all do.
func (c *Classifier) Classify(tx entity.CanonicalTransaction, quote entity.PriceQuote, result ledger.Result) []entity.ClassifiedEvent {
	if tx.Malformed {
		reason := tx.FailureReason
		if reason == "" {
			reason = entity.ReasonMalformedRecord
		}
		return []entity.ClassifiedEvent{c.unclassifiable(tx, tx.Amount, "", reason, nil)}
	}

	switch tx.Direction {
	case entity.DirectionIn:
		return c.classifyAcquisition(tx, quote)
	case entity.DirectionOut:
		return c.classifyDisposal(tx, quote, result)
	default:
		c.logger.Warn("Skipping transaction with unknown direction", zap.String("id", tx.ID))
		return nil
	}
}

func (c *Classifier) classifyAcquisition(tx entity.CanonicalTransaction, quote entity.PriceQuote) []entity.ClassifiedEvent {
	if !tx.IncomeTagged {
		// A plain acquisition is a non-taxable event; it only opened a lot.
		return nil
	}
	if quote.Missing() {
		return []entity.ClassifiedEvent{c.unclassifiable(tx, tx.Amount, "", entity.ReasonPriceNotFound, nil)}
	}
	return []entity.ClassifiedEvent{{
		TransactionID:    tx.ID,
		Timestamp:        tx.Timestamp,
		TokenID:          tx.TokenID,
		TokenSymbol:      tx.TokenSymbol,
		Direction:        tx.Direction,
		Quantity:         tx.Amount,
		Category:         entity.CategoryRecurringIncome,
		TaxableAmountUSD: tx.Amount.Mul(quote.USDPerUnit),
		PriceQuote:       &quote,
	}}
}

func (c *Classifier) classifyDisposal(tx entity.CanonicalTransaction, quote entity.PriceQuote, result ledger.Result) []entity.ClassifiedEvent {
	events := make([]entity.ClassifiedEvent, 0, len(result.Consumed)+1)

	for _, slice := range result.Consumed {
		events = append(events, c.classifySlice(tx, quote, slice))
	}
	if result.Shortfall.IsPositive() {
		// Disposal of tokens that predate the scanned history. Their
		// acquisition date and cost are unknown, so no gain can be derived.
		events = append(events, c.unclassifiable(tx, result.Shortfall, "", entity.ReasonPreHistoryAcquisition, &quote))
	}
	return events
}

func (c *Classifier) classifySlice(tx entity.CanonicalTransaction, quote entity.PriceQuote, slice entity.LotConsumption) entity.ClassifiedEvent {
	if quote.Missing() {
		return c.unclassifiable(tx, slice.QuantityTaken, slice.LotID, entity.ReasonPriceNotFound, nil)
	}
	if !slice.CostBasisKnown {
		return c.unclassifiable(tx, slice.QuantityTaken, slice.LotID, entity.ReasonCostBasisPending, &quote)
	}

	// Holding period in whole days; partial days do not count.
	holdingDays := int(tx.Timestamp.Sub(slice.LotAcquiredAt).Hours() / 24)
	gain := quote.USDPerUnit.Sub(slice.UnitCostUSD).Mul(slice.QuantityTaken)

	category := entity.CategoryCapitalGain
	switch {
	case holdingDays > c.holdingPeriodDays:
		category = entity.CategoryTaxFreeDisposal
	case !gain.IsPositive():
		category = entity.CategoryCapitalLoss
	}

	return entity.ClassifiedEvent{
		TransactionID:     tx.ID,
		Timestamp:         tx.Timestamp,
		TokenID:           tx.TokenID,
		TokenSymbol:       tx.TokenSymbol,
		Direction:         tx.Direction,
		Quantity:          slice.QuantityTaken,
		ConsumedLotID:     slice.LotID,
		HoldingPeriodDays: holdingDays,
		Category:          category,
		TaxableAmountUSD:  gain,
		PriceQuote:        &quote,
	}
}

func (c *Classifier) unclassifiable(tx entity.CanonicalTransaction, quantity decimal.Decimal, lotID string, reason entity.Reason, quote *entity.PriceQuote) entity.ClassifiedEvent {
	metrics.UnclassifiableEvents.WithLabelValues(string(reason)).Inc()
	c.logger.Debug("Unclassifiable event",
		zap.String("id", tx.ID),
		zap.String("tokenId", tx.TokenID),
		zap.String("reason", string(reason)))
	return entity.ClassifiedEvent{
		TransactionID:    tx.ID,
		Timestamp:        tx.Timestamp,
		TokenID:          tx.TokenID,
		TokenSymbol:      tx.TokenSymbol,
		Direction:        tx.Direction,
		Quantity:         quantity,
		ConsumedLotID:    lotID,
		Category:         entity.CategoryUnclassifiable,
		Reason:           reason,
		TaxableAmountUSD: decimal.Zero,
		PriceQuote:       quote,
	}
}
