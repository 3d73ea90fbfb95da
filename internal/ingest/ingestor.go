package ingest

import (
	"sort"
	"strings"

	"tax_reporter/internal/entity"
	"tax_reporter/internal/pkg/utils"
	"tax_reporter/internal/port"

	"go.uber.org/zap"
)

// Ingestor normalizes heterogeneous raw explorer payloads into canonical
// transactions for one tracked wallet. A single bad record becomes a
// malformed placeholder; it never aborts the batch.
type Ingestor struct {
	walletAddress string
	incomeRule    port.IncomeRule
	logger        *zap.Logger
}

// NewIngestor creates an Ingestor for the given wallet. incomeRule may be
// nil, in which case no transfer is tagged as recurring income.
func NewIngestor(walletAddress string, incomeRule port.IncomeRule, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		walletAddress: walletAddress,
		incomeRule:    incomeRule,
		logger:        logger.Named("Ingestor"),
	}
}

// Normalize deduplicates, converts, and orders raw transfer events. The
// returned slice is stable-sorted by (timestamp, id) ascending, the order
// every downstream component requires.
func (ing *Ingestor) Normalize(rawEvents []entity.RawTransferEvent) []entity.CanonicalTransaction {
	seen := make(map[string]struct{}, len(rawEvents))
	txs := make([]entity.CanonicalTransaction, 0, len(rawEvents))

	// Tx hashes that have transfer legs in both directions are swaps.
	inByHash := make(map[string]bool)
	outByHash := make(map[string]bool)

	for _, raw := range rawEvents {
		id := raw.ID()
		if _, dup := seen[id]; dup {
			ing.logger.Debug("Skipping duplicate transfer event", zap.String("id", id))
			continue
		}
		seen[id] = struct{}{}

		tx, ok := ing.normalizeOne(raw)
		if !ok {
			continue
		}
		if !tx.Malformed {
			hash := strings.ToLower(raw.TxHash)
			switch tx.Direction {
			case entity.DirectionIn:
				inByHash[hash] = true
			case entity.DirectionOut:
				outByHash[hash] = true
			}
		}
		txs = append(txs, tx)
	}

	// Second pass: a hash seen in both directions pairs into a swap,
	// unless the upstream hint already pinned the leg down as a fee.
	for i := range txs {
		if txs[i].Malformed || txs[i].Counterparty == entity.TagFee {
			continue
		}
		hash := hashOfID(txs[i].ID)
		if inByHash[hash] && outByHash[hash] {
			txs[i].Counterparty = entity.TagSwap
		}
	}

	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].ID < txs[j].ID
		}
		return txs[i].Timestamp.Before(txs[j].Timestamp)
	})

	ing.logger.Info("Normalized raw transfer events",
		zap.Int("rawCount", len(rawEvents)),
		zap.Int("canonicalCount", len(txs)))
	return txs
}

// normalizeOne converts a single raw event. The boolean is false when the
// event is irrelevant to the wallet (neither side matches, or a
// self-transfer) and should be dropped entirely.
func (ing *Ingestor) normalizeOne(raw entity.RawTransferEvent) (entity.CanonicalTransaction, bool) {
	fromMatches := utils.SameAddress(raw.From, ing.walletAddress)
	toMatches := utils.SameAddress(raw.To, ing.walletAddress)

	if !fromMatches && !toMatches {
		ing.logger.Debug("Dropping transfer not involving tracked wallet", zap.String("id", raw.ID()))
		return entity.CanonicalTransaction{}, false
	}
	if fromMatches && toMatches {
		// Self-transfer: holdings do not change, no tax consequence.
		ing.logger.Debug("Dropping self-transfer", zap.String("id", raw.ID()))
		return entity.CanonicalTransaction{}, false
	}

	tx := entity.CanonicalTransaction{
		ID:           raw.ID(),
		Timestamp:    raw.BlockTimestamp.UTC(),
		TokenID:      entity.TokenID(raw.ChainID, raw.TokenAddress),
		TokenSymbol:  raw.TokenSymbol,
		Counterparty: tagFromHint(raw.Hint),
	}
	if toMatches {
		tx.Direction = entity.DirectionIn
	} else {
		tx.Direction = entity.DirectionOut
	}

	amount, err := utils.AmountFromRaw(raw.RawAmount, raw.TokenDecimals)
	if err != nil {
		ing.logger.Warn("Failed to convert raw amount, keeping malformed placeholder",
			zap.String("id", raw.ID()),
			zap.Uint8("decimals", raw.TokenDecimals),
			zap.Error(err))
		tx.Malformed = true
		tx.FailureReason = entity.ReasonMalformedRecord
		return tx, true
	}
	if amount.IsZero() {
		ing.logger.Debug("Dropping zero-amount transfer", zap.String("id", raw.ID()))
		return entity.CanonicalTransaction{}, false
	}
	tx.Amount = amount

	if tx.Direction == entity.DirectionIn && ing.incomeRule != nil &&
		ing.incomeRule.IsRecurringIncome(raw.ChainID, raw.From) {
		tx.IncomeTagged = true
	}
	return tx, true
}

func tagFromHint(hint string) entity.CounterpartyTag {
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case "transfer":
		return entity.TagTransfer
	case "swap":
		return entity.TagSwap
	case "fee":
		return entity.TagFee
	default:
		return entity.TagUnknown
	}
}

// hashOfID strips the log-index suffix off a canonical transaction id.
func hashOfID(id string) string {
	if idx := strings.LastIndexByte(id, ':'); idx >= 0 {
		return id[:idx]
	}
	return id
}
