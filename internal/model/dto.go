package model

import "time"

// OutcomeStatus is the terminal state of one user's pipeline run. Every
// user lands on exactly one of these.
type OutcomeStatus string

const (
	StatusRebalanced OutcomeStatus = "rebalanced"
	StatusSkipped    OutcomeStatus = "skipped"
	StatusError      OutcomeStatus = "error"
)

// SkipReason enumerates the stable skip variants the scheduler produces.
type SkipReason string

const (
	SkipNoSession       SkipReason = "no session authorization"
	SkipUnsupportedKind SkipReason = "unsupported authorization type"
	SkipExpired         SkipReason = "authorization expired"
	SkipRevoked         SkipReason = "authorization revoked"
	SkipInProgress      SkipReason = "rebalance already in progress"
	SkipSimulated       SkipReason = "simulated (dry run)"
	SkipBudgetLow       SkipReason = "daily operation budget low"
)

// UserResult is one user's entry in the cycle detail list.
type UserResult struct {
	Address string        `json:"address"`
	Outcome OutcomeStatus `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
	// APYImprovement is display-only; authoritative numbers live in the
	// ledger metadata.
	APYImprovement float64 `json:"apy_improvement,omitempty"`
	ReceiptID      string  `json:"receipt_id,omitempty"`
}

// CycleResult summarizes one orchestrator cycle for the triggering caller.
type CycleResult struct {
	CycleID    string       `json:"cycle_id"`
	Targeted   bool         `json:"targeted,omitempty"`
	Processed  int          `json:"processed"`
	Rebalanced int          `json:"rebalanced"`
	Skipped    int          `json:"skipped"`
	Errors     int          `json:"errors"`
	Details    []UserResult `json:"details"`
	// AbortReason is set when the safety gate stopped the cycle before
	// any user was processed.
	AbortReason string    `json:"abort_reason,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	StartedAt   time.Time `json:"started_at"`
}

// RunCycleRequest optionally narrows a cycle to the vaults that moved.
type RunCycleRequest struct {
	VaultAddresses []string `json:"vault_addresses,omitempty"`
}

// UpsertUserRequest registers a wallet or flips its auto-optimize flag.
type UpsertUserRequest struct {
	Address      string `json:"address" binding:"required"`
	AutoOptimize *bool  `json:"auto_optimize,omitempty"`
}

// UpdateStrategyRequest tunes a user's rebalance policy. Nil fields keep
// their stored value.
type UpdateStrategyRequest struct {
	MinAPYGain  *float64 `json:"min_apy_gain,omitempty"`
	MaxSlippage *float64 `json:"max_slippage,omitempty"`
	RiskTier    *string  `json:"risk_tier,omitempty"`
}

// IssueSessionRequest creates (or overwrites) a session authorization.
type IssueSessionRequest struct {
	Address        string   `json:"address" binding:"required"`
	TTLHours       int      `json:"ttl_hours,omitempty"`
	ApprovedVaults []string `json:"approved_vaults,omitempty"`
	// Legacy requests an unscoped v1 session; default is scoped v2.
	Legacy bool `json:"legacy,omitempty"`
}

// SessionResponse is the public view of an authorization. The sealed
// credential never appears here.
type SessionResponse struct {
	Address           string      `json:"address"`
	Kind              SessionKind `json:"kind"`
	SessionKeyID      string      `json:"session_key_id"`
	SessionKeyAddress string      `json:"session_key_address"`
	ExpiresAt         int64       `json:"expires_at"`
	ApprovedVaults    []string    `json:"approved_vaults,omitempty"`
	IssuedAt          time.Time   `json:"issued_at"`
}
