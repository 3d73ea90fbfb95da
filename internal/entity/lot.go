package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Lot is an open acquisition record for one token. Lots are exclusively
// owned by the per-token FIFO queue inside the ledger tracker; other
// components refer to them by LotID only.
type Lot struct {
	LotID             string // id of the IN transaction that created the lot
	TokenID           string
	AcquiredAt        time.Time
	QuantityOriginal  decimal.Decimal
	QuantityRemaining decimal.Decimal

	// CostBasisUSD is the total (not per-unit) acquisition value. It is
	// deferred until a price quote for the acquisition timestamp is
	// available; until then CostBasisPending is true and any disposal
	// drawing on the lot is classified with reduced confidence.
	CostBasisUSD     decimal.Decimal
	CostBasisPending bool
}

// UnitCostUSD returns the per-unit cost basis of the lot.
func (l *Lot) UnitCostUSD() decimal.Decimal {
	if l.QuantityOriginal.IsZero() {
		return decimal.Zero
	}
	return l.CostBasisUSD.Div(l.QuantityOriginal)
}

// LotConsumption records one slice of a disposal drawn from a single lot.
// A disposal may span several lots, each slice contributing its own
// holding period.
type LotConsumption struct {
	LotID          string
	QuantityTaken  decimal.Decimal
	LotAcquiredAt  time.Time
	UnitCostUSD    decimal.Decimal
	CostBasisKnown bool
}
