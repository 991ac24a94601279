package model

import (
	"github.com/shopspring/decimal"
)

// Vault is the external read model of a yield vault. Refreshed from the
// vault-data source every cycle; never mutated locally.
type Vault struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	// NetAPY is fractional (0.05 = 5%), already net of fees.
	NetAPY decimal.Decimal `json:"net_apy"`
	// TotalAssets is denominated in the settlement asset.
	TotalAssets    decimal.Decimal `json:"total_assets"`
	LiquidityRatio decimal.Decimal `json:"liquidity_ratio"`
	// CuratorFlagged marks vaults whose curator has a poor reputation
	// signal from the data source.
	CuratorFlagged bool     `json:"curator_flagged"`
	Warnings       []string `json:"warnings"`
}

// RiskScore condenses curator and warning signals into a comparable
// number: each warning counts one point, a flagged curator two.
func (v *Vault) RiskScore() int {
	score := len(v.Warnings)
	if v.CuratorFlagged {
		score += 2
	}
	return score
}

// Position is a user's holding in one vault.
type Position struct {
	VaultAddress string `json:"vault_address"`
	VaultName    string `json:"vault_name"`
	// NetAPY of the vault the position sits in.
	NetAPY decimal.Decimal `json:"net_apy"`
	// Shares in integer base units; authoritative accounting stays in
	// base units, decimal conversion is for threshold math and display.
	Shares decimal.Decimal `json:"shares"`
	// AssetValue is the position's worth in the settlement asset.
	AssetValue decimal.Decimal `json:"asset_value"`
}

// LargestPosition picks the position with the highest asset value. When a
// user holds several vaults at once only the largest is considered for
// migration in a given cycle.
func LargestPosition(positions []Position) *Position {
	if len(positions) == 0 {
		return nil
	}
	best := &positions[0]
	for i := 1; i < len(positions); i++ {
		if positions[i].AssetValue.GreaterThan(best.AssetValue) {
			best = &positions[i]
		}
	}
	return best
}
