package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReportSchemaVersion is bumped whenever a serialized field of TaxReport is
// renamed or removed. Consumers pin against metadata.schemaVersion.
const ReportSchemaVersion = "1"

// Category is the jurisdiction classification of one event slice.
type Category string

const (
	CategoryCapitalGain     Category = "CapitalGain"
	CategoryCapitalLoss     Category = "CapitalLoss"
	CategoryTaxFreeDisposal Category = "TaxFreeDisposal"
	CategoryRecurringIncome Category = "RecurringIncome"
	CategoryUnclassifiable  Category = "Unclassifiable"
)

// Reason explains why an event could not be classified.
type Reason string

const (
	ReasonPriceNotFound         Reason = "PRICE_NOT_FOUND"
	ReasonPreHistoryAcquisition Reason = "PRE_HISTORY_ACQUISITION"
	ReasonCostBasisPending      Reason = "COST_BASIS_PENDING"
	ReasonMalformedRecord       Reason = "MALFORMED_RECORD"
)

// ClassifiedEvent is one canonical transaction (or one lot-consumption
// slice of it) enriched with its tax classification. A disposal spanning
// multiple lots produces one event per slice, each with its own category.
type ClassifiedEvent struct {
	TransactionID     string          `json:"transactionId"`
	Timestamp         time.Time       `json:"timestampUtc"`
	TokenID           string          `json:"tokenId"`
	TokenSymbol       string          `json:"tokenSymbol,omitempty"`
	Direction         Direction       `json:"direction"`
	Quantity          decimal.Decimal `json:"quantity"`
	ConsumedLotID     string          `json:"consumedLotId,omitempty"`
	HoldingPeriodDays int             `json:"holdingPeriodDays,omitempty"`
	Category          Category        `json:"category"`
	Reason            Reason          `json:"reason,omitempty"`
	TaxableAmountUSD  decimal.Decimal `json:"taxableAmountUsd"`
	PriceQuote        *PriceQuote     `json:"priceQuote,omitempty"`
}

// ReportSummary holds per-category totals, rounded to 2 decimal places.
// Per-event detail keeps full precision; rounding happens only here.
type ReportSummary struct {
	TotalCapitalGainsUSD  decimal.Decimal `json:"totalCapitalGainsUsd"`
	TotalCapitalLossesUSD decimal.Decimal `json:"totalCapitalLossesUsd"`
	TotalTaxFreeUSD       decimal.Decimal `json:"totalTaxFreeUsd"`
	TotalIncomeUSD        decimal.Decimal `json:"totalIncomeUsd"`
	UnclassifiableCount   int             `json:"unclassifiableCount"`
}

// ReportMetadata describes how a report was produced.
type ReportMetadata struct {
	SchemaVersion         string    `json:"schemaVersion"`
	GeneratedAt           time.Time `json:"generatedAtUtc"`
	PriceSourcesUsed      []string  `json:"priceSourcesUsed"`
	ProviderFailoverCount int       `json:"providerFailoverCount"`
	OpenLotCount          int       `json:"openLotCount"`
}

// TaxReport is the final engine output. It is built fresh per request and
// never mutated after assembly.
type TaxReport struct {
	WalletAddress string            `json:"walletAddress"`
	TaxYear       int               `json:"taxYear"`
	Summary       ReportSummary     `json:"summary"`
	Events        []ClassifiedEvent `json:"events"`
	Metadata      ReportMetadata    `json:"metadata"`
}
