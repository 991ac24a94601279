package model

import (
	"github.com/shopspring/decimal"
)

// DecisionOutcome is the engine's verdict for one user.
type DecisionOutcome string

const (
	// DecisionRebalance: move funds to the target vault.
	DecisionRebalance DecisionOutcome = "rebalance"
	// DecisionHold: a target exists but the move is not worth it.
	DecisionHold DecisionOutcome = "hold"
	// DecisionIneligible: no candidate survived filtering, or the user
	// has nothing to move.
	DecisionIneligible DecisionOutcome = "ineligible"
)

// DecisionReason is structured so tests and the ledger can match on the
// variant instead of a display string.
type DecisionReason string

const (
	ReasonAPYGain            DecisionReason = "apy_gain"
	ReasonFirstDeposit       DecisionReason = "first_deposit"
	ReasonGainBelowThreshold DecisionReason = "gain_below_threshold"
	ReasonBreakEvenTooLong   DecisionReason = "break_even_too_long"
	ReasonAlreadyOptimal     DecisionReason = "already_optimal"
	ReasonNoEligibleTarget   DecisionReason = "no_eligible_target"
	ReasonNoPosition         DecisionReason = "no_position"
)

// Describe renders the human-readable reason recorded in cycle details.
func (r DecisionReason) Describe() string {
	switch r {
	case ReasonAPYGain:
		return "higher net APY available"
	case ReasonFirstDeposit:
		return "first deposit into best vault"
	case ReasonGainBelowThreshold:
		return "gain below threshold"
	case ReasonBreakEvenTooLong:
		return "break-even exceeds holding horizon"
	case ReasonAlreadyOptimal:
		return "already optimal"
	case ReasonNoEligibleTarget:
		return "no eligible target"
	case ReasonNoPosition:
		return "no position and no deposit budget"
	default:
		return string(r)
	}
}

// VaultSnapshot freezes the vault-side numbers a decision was based on.
type VaultSnapshot struct {
	Address    string          `json:"address"`
	Name       string          `json:"name,omitempty"`
	APY        decimal.Decimal `json:"apy"`
	Shares     decimal.Decimal `json:"shares"`
	AssetValue decimal.Decimal `json:"asset_value"`
}

// Decision is the output of one engine evaluation. Ephemeral: it is only
// persisted as ledger metadata attached to the action it produced.
type Decision struct {
	Outcome DecisionOutcome `json:"outcome"`
	Reason  DecisionReason  `json:"reason"`
	Current *VaultSnapshot  `json:"current,omitempty"`
	Target  *VaultSnapshot  `json:"target,omitempty"`
	// APYImprovement is fractional: target APY minus current APY.
	APYImprovement decimal.Decimal `json:"apy_improvement"`
	// EstAnnualGain is in settlement-asset units.
	EstAnnualGain decimal.Decimal `json:"est_annual_gain"`
	// BreakEvenDays is zero when undefined (non-positive gain).
	BreakEvenDays decimal.Decimal `json:"break_even_days"`
}

// ShouldRebalance reports whether the pipeline should execute a move.
func (d *Decision) ShouldRebalance() bool {
	return d.Outcome == DecisionRebalance
}
