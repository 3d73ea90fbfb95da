package port

import (
	"context"

	"tax_reporter/internal/entity"
)

// TransferSource is the upstream data-fetch collaborator: it lists the raw
// transfer history of a wallet on one chain. Implementations are external
// explorers/indexers or direct RPC log scans.
type TransferSource interface {
	// GetTransfers returns every transfer event touching walletAddress
	// on chainID, optionally restricted to [fromBlock, toBlock]. A zero
	// toBlock means "latest".
	GetTransfers(ctx context.Context, chainID int64, walletAddress string, fromBlock, toBlock uint64) ([]entity.RawTransferEvent, error)
}

// IncomeRule decides whether an inbound canonical transfer is a recurring
// income receipt (staking rewards, validator payouts). The rule is
// externally supplied; the engine does not infer income heuristically.
type IncomeRule interface {
	IsRecurringIncome(chainID int64, fromAddress string) bool
}
