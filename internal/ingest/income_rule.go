package ingest

import (
	"tax_reporter/internal/config"
	"tax_reporter/internal/pkg/utils"
)

// AllowListIncomeRule tags inbound transfers from configured staking/reward
// contracts as recurring income. This is the shipped IncomeRule; nothing is
// inferred from transfer patterns.
type AllowListIncomeRule struct {
	contracts map[int64]map[string]struct{}
}

// NewAllowListIncomeRule builds the rule from per-network reward contract
// allow-lists.
func NewAllowListIncomeRule(networks []config.NetworkNode) *AllowListIncomeRule {
	contracts := make(map[int64]map[string]struct{}, len(networks))
	for _, n := range networks {
		if len(n.RewardContracts) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(n.RewardContracts))
		for _, addr := range n.RewardContracts {
			set[utils.NormalizeAddress(addr)] = struct{}{}
		}
		contracts[n.ChainID] = set
	}
	return &AllowListIncomeRule{contracts: contracts}
}

// IsRecurringIncome reports whether fromAddress is an allow-listed reward
// contract on the given chain. Comparison is case-insensitive.
func (r *AllowListIncomeRule) IsRecurringIncome(chainID int64, fromAddress string) bool {
	set, ok := r.contracts[chainID]
	if !ok {
		return false
	}
	_, listed := set[utils.NormalizeAddress(fromAddress)]
	return listed
}
