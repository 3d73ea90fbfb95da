package entity

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NativeTokenAddress is the reserved contract address used for a chain's
// native currency (ETH, BNB, ...) in RawTransferEvent and token ids.
const NativeTokenAddress = "native"

// Direction of a canonical transaction relative to the tracked wallet.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// CounterpartyTag describes what kind of movement a transfer leg belongs to.
type CounterpartyTag string

const (
	TagTransfer CounterpartyTag = "transfer"
	TagSwap     CounterpartyTag = "swap"
	TagFee      CounterpartyTag = "fee"
	TagUnknown  CounterpartyTag = "unknown"
)

// RawTransferEvent is a provider-specific transfer record as delivered by an
// upstream explorer or indexer. It is never mutated by the engine.
type RawTransferEvent struct {
	ChainID        int64
	BlockTimestamp time.Time
	TxHash         string
	LogIndex       uint
	TokenAddress   string // contract address, or NativeTokenAddress
	TokenSymbol    string
	TokenDecimals  uint8
	From           string
	To             string
	RawAmount      *big.Int // integer amount in the token's smallest unit
	Hint           string   // optional upstream hint: "transfer", "swap", "fee"
}

// ID returns the unique (tx hash, log index) identity of the raw event.
func (e RawTransferEvent) ID() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(e.TxHash), e.LogIndex)
}

// TokenID builds the chain-scoped token identifier "chainID:address"
// (lowercase). Native currency uses the reserved NativeTokenAddress.
func TokenID(chainID int64, tokenAddress string) string {
	addr := strings.ToLower(strings.TrimSpace(tokenAddress))
	if addr == "" {
		addr = NativeTokenAddress
	}
	return fmt.Sprintf("%d:%s", chainID, addr)
}

// ChainOfToken extracts the chain id component of a token id. The second
// return value is false when the id is not in "chainID:address" form.
func ChainOfToken(tokenID string) (int64, bool) {
	idx := strings.IndexByte(tokenID, ':')
	if idx <= 0 {
		return 0, false
	}
	var chainID int64
	if _, err := fmt.Sscanf(tokenID[:idx], "%d", &chainID); err != nil {
		return 0, false
	}
	return chainID, true
}

// TokenAddressOf extracts the address component of a token id.
func TokenAddressOf(tokenID string) string {
	idx := strings.IndexByte(tokenID, ':')
	if idx < 0 {
		return tokenID
	}
	return tokenID[idx+1:]
}

// CanonicalTransaction is the normalized, chain-agnostic form of one
// transfer leg. The full canonical set is stable-sorted by (Timestamp, ID)
// ascending; FIFO lot matching depends on that order.
type CanonicalTransaction struct {
	ID           string // tx hash + log index, unique
	Timestamp    time.Time
	TokenID      string
	TokenSymbol  string
	Amount       decimal.Decimal // decimals-adjusted, always > 0
	Direction    Direction
	Counterparty CounterpartyTag

	// IncomeTagged is set by the ingestor's income rule for recurring
	// reward receipts. Income recognition is independent of disposal.
	IncomeTagged bool

	// Malformed marks a record that failed normalization. Such a
	// placeholder is carried through the pipeline and surfaces as an
	// Unclassifiable event instead of aborting the batch.
	Malformed     bool
	FailureReason Reason
}
