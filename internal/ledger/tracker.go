package ledger

import (
	"sort"

	"tax_reporter/internal/entity"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Result is the outcome of feeding one canonical transaction through the
// tracker. Exactly one of NewLot / Consumed is populated depending on the
// transaction direction. Shortfall is the disposal quantity that could not
// be matched against any open lot.
type Result struct {
	NewLot    *entity.Lot
	Consumed  []entity.LotConsumption
	Shortfall decimal.Decimal
}

// Tracker maintains a per-token FIFO ledger of acquisition lots. Each
// report run owns a private Tracker; nothing here is safe for concurrent
// use and nothing needs to be.
type Tracker struct {
	queues map[string][]*entity.Lot // tokenID -> open lots, index 0 oldest
	logger *zap.Logger
}

// NewTracker creates an empty ledger.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		queues: make(map[string][]*entity.Lot),
		logger: logger.Named("LotTracker"),
	}
}

// Process consumes one canonical transaction in chronological order. For IN
// transactions, quote supplies the acquisition valuation; a missing quote
// leaves the lot flagged cost-basis-pending rather than assuming zero.
func (t *Tracker) Process(tx entity.CanonicalTransaction, quote entity.PriceQuote) Result {
	switch tx.Direction {
	case entity.DirectionIn:
		return Result{NewLot: t.acquire(tx, quote), Shortfall: decimal.Zero}
	case entity.DirectionOut:
		consumed, shortfall := t.dispose(tx)
		return Result{Consumed: consumed, Shortfall: shortfall}
	default:
		t.logger.Warn("Ignoring transaction with unknown direction", zap.String("id", tx.ID))
		return Result{Shortfall: decimal.Zero}
	}
}

func (t *Tracker) acquire(tx entity.CanonicalTransaction, quote entity.PriceQuote) *entity.Lot {
	lot := &entity.Lot{
		LotID:             tx.ID,
		TokenID:           tx.TokenID,
		AcquiredAt:        tx.Timestamp,
		QuantityOriginal:  tx.Amount,
		QuantityRemaining: tx.Amount,
	}
	if quote.Missing() {
		lot.CostBasisPending = true
		t.logger.Debug("Lot created with pending cost basis",
			zap.String("lotId", lot.LotID),
			zap.String("tokenId", lot.TokenID))
	} else {
		lot.CostBasisUSD = tx.Amount.Mul(quote.USDPerUnit)
	}
	t.queues[tx.TokenID] = append(t.queues[tx.TokenID], lot)
	return lot
}

// dispose walks the token's queue from the front, consuming the oldest lots
// first. Exhausted lots are removed from the ledger. If the queue empties
// before the full amount is drawn, the remainder is returned as shortfall;
// it is never treated as a zero-cost gain.
func (t *Tracker) dispose(tx entity.CanonicalTransaction) ([]entity.LotConsumption, decimal.Decimal) {
	queue := t.queues[tx.TokenID]
	remaining := tx.Amount
	var consumed []entity.LotConsumption

	i := 0
	for i < len(queue) && remaining.IsPositive() {
		lot := queue[i]
		take := decimal.Min(lot.QuantityRemaining, remaining)

		consumed = append(consumed, entity.LotConsumption{
			LotID:          lot.LotID,
			QuantityTaken:  take,
			LotAcquiredAt:  lot.AcquiredAt,
			UnitCostUSD:    lot.UnitCostUSD(),
			CostBasisKnown: !lot.CostBasisPending,
		})

		lot.QuantityRemaining = lot.QuantityRemaining.Sub(take)
		remaining = remaining.Sub(take)
		if lot.QuantityRemaining.IsZero() {
			i++
		}
	}
	// Drop exhausted lots off the front in one cut.
	t.queues[tx.TokenID] = queue[i:]

	if remaining.IsPositive() {
		t.logger.Warn("Disposal exceeds known acquisition history",
			zap.String("id", tx.ID),
			zap.String("tokenId", tx.TokenID),
			zap.String("shortfall", remaining.String()))
	}
	return consumed, remaining
}

// BackfillCostBasis sets the cost basis of a pending lot once a quote for
// its acquisition timestamp became available later in the run.
func (t *Tracker) BackfillCostBasis(tokenID, lotID string, usdPerUnit decimal.Decimal) bool {
	for _, lot := range t.queues[tokenID] {
		if lot.LotID == lotID && lot.CostBasisPending {
			lot.CostBasisUSD = lot.QuantityOriginal.Mul(usdPerUnit)
			lot.CostBasisPending = false
			return true
		}
	}
	return false
}

// OpenPositions returns the total remaining quantity per token, the audit
// view of what the wallet still holds according to the ledger.
func (t *Tracker) OpenPositions() map[string]decimal.Decimal {
	positions := make(map[string]decimal.Decimal, len(t.queues))
	for tokenID, queue := range t.queues {
		total := decimal.Zero
		for _, lot := range queue {
			total = total.Add(lot.QuantityRemaining)
		}
		if total.IsPositive() {
			positions[tokenID] = total
		}
	}
	return positions
}

// OpenLotCount returns the number of open lots across all tokens.
func (t *Tracker) OpenLotCount() int {
	count := 0
	for _, queue := range t.queues {
		count += len(queue)
	}
	return count
}

// OpenLots returns the open lots for one token, oldest first. The returned
// slice is a copy; lots themselves stay owned by the tracker.
func (t *Tracker) OpenLots(tokenID string) []entity.Lot {
	queue := t.queues[tokenID]
	lots := make([]entity.Lot, 0, len(queue))
	for _, lot := range queue {
		lots = append(lots, *lot)
	}
	return lots
}

// PendingLots returns the open lots of one token that still have no cost
// basis, oldest first. Returned lots are copies.
func (t *Tracker) PendingLots(tokenID string) []entity.Lot {
	var lots []entity.Lot
	for _, lot := range t.queues[tokenID] {
		if lot.CostBasisPending {
			lots = append(lots, *lot)
		}
	}
	return lots
}

// Tokens lists every token id with at least one open lot, sorted for
// deterministic iteration.
func (t *Tracker) Tokens() []string {
	tokens := make([]string, 0, len(t.queues))
	for tokenID, queue := range t.queues {
		if len(queue) > 0 {
			tokens = append(tokens, tokenID)
		}
	}
	sort.Strings(tokens)
	return tokens
}
