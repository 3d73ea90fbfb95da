package report

import (
	"sort"
	"time"

	"tax_reporter/internal/entity"

	"go.uber.org/zap"
)

// Assembler folds classified events into the final report. Assembly is
// deterministic: the same classified events always produce the same
// summary totals and the same event ordering.
type Assembler struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewAssembler creates the report assembler.
func NewAssembler(logger *zap.Logger) *Assembler {
	return &Assembler{
		logger: logger.Named("ReportAssembler"),
		now:    time.Now,
	}
}

// Metadata carries the run facts recorded alongside the report body.
type Metadata struct {
	PriceSourcesUsed      []string
	ProviderFailoverCount int
	OpenLotCount          int
}

// Assemble builds the report for one wallet and tax year. Events are
// sorted chronologically with the transaction id and lot id as
// tie-breakers, so reports are reproducible across runs.
func (a *Assembler) Assemble(walletAddress string, taxYear int, events []entity.ClassifiedEvent, meta Metadata) entity.TaxReport {
	sorted := make([]entity.ClassifiedEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		if sorted[i].TransactionID != sorted[j].TransactionID {
			return sorted[i].TransactionID < sorted[j].TransactionID
		}
		return sorted[i].ConsumedLotID < sorted[j].ConsumedLotID
	})

	summary := a.summarize(sorted)

	a.logger.Info("Report assembled",
		zap.String("wallet", walletAddress),
		zap.Int("taxYear", taxYear),
		zap.Int("events", len(sorted)),
		zap.Int("unclassifiable", summary.UnclassifiableCount))

	return entity.TaxReport{
		WalletAddress: walletAddress,
		TaxYear:       taxYear,
		Summary:       summary,
		Events:        sorted,
		Metadata: entity.ReportMetadata{
			SchemaVersion:         entity.ReportSchemaVersion,
			GeneratedAt:           a.now().UTC(),
			PriceSourcesUsed:      meta.PriceSourcesUsed,
			ProviderFailoverCount: meta.ProviderFailoverCount,
			OpenLotCount:          meta.OpenLotCount,
		},
	}
}

// summarize sums taxableAmountUsd per category. Rounding to 2 decimal
// places happens only here; the per-event detail keeps full precision.
// A disposal split across lots counts once toward unclassifiableCount,
// keyed by transaction id.
func (a *Assembler) summarize(events []entity.ClassifiedEvent) entity.ReportSummary {
	var summary entity.ReportSummary
	unclassifiableTxs := make(map[string]struct{})

	for _, ev := range events {
		switch ev.Category {
		case entity.CategoryCapitalGain:
			summary.TotalCapitalGainsUSD = summary.TotalCapitalGainsUSD.Add(ev.TaxableAmountUSD)
		case entity.CategoryCapitalLoss:
			summary.TotalCapitalLossesUSD = summary.TotalCapitalLossesUSD.Add(ev.TaxableAmountUSD)
		case entity.CategoryTaxFreeDisposal:
			summary.TotalTaxFreeUSD = summary.TotalTaxFreeUSD.Add(ev.TaxableAmountUSD)
		case entity.CategoryRecurringIncome:
			summary.TotalIncomeUSD = summary.TotalIncomeUSD.Add(ev.TaxableAmountUSD)
		case entity.CategoryUnclassifiable:
			unclassifiableTxs[ev.TransactionID] = struct{}{}
		}
	}

	summary.TotalCapitalGainsUSD = summary.TotalCapitalGainsUSD.Round(2)
	summary.TotalCapitalLossesUSD = summary.TotalCapitalLossesUSD.Round(2)
	summary.TotalTaxFreeUSD = summary.TotalTaxFreeUSD.Round(2)
	summary.TotalIncomeUSD = summary.TotalIncomeUSD.Round(2)
	summary.UnclassifiableCount = len(unclassifiableTxs)
	return summary
}
