package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// RiskTier buckets how much vault risk a user is willing to carry. The
// decision engine widens its acceptable risk-score ceiling per tier.
type RiskTier string

const (
	RiskTierLow    RiskTier = "low"
	RiskTierMedium RiskTier = "medium"
	RiskTierHigh   RiskTier = "high"
)

// Valid reports whether the tier is one of the known buckets.
func (t RiskTier) Valid() bool {
	switch t {
	case RiskTierLow, RiskTierMedium, RiskTierHigh:
		return true
	}
	return false
}

// User is an account the orchestrator may act for. Created on first login,
// never hard-deleted; revocation only clears the enabling flags.
type User struct {
	ID string `gorm:"type:uuid;primaryKey" json:"id"`
	// Address is the wallet address, lowercased. Globally unique.
	Address      string    `gorm:"type:varchar(42);uniqueIndex;not null" json:"address"`
	AutoOptimize bool      `gorm:"not null;default:false" json:"auto_optimize"`
	AgentActive  bool      `gorm:"not null;default:false" json:"agent_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// RebalanceStrategy is the per-user policy consulted by the decision
// engine. One row per user, created lazily with defaults.
type RebalanceStrategy struct {
	Address string `gorm:"type:varchar(42);primaryKey" json:"address"`
	// MinAPYGain is a fraction (0.005 = 0.5%).
	MinAPYGain  decimal.Decimal `gorm:"type:numeric(10,6);not null" json:"min_apy_gain"`
	MaxSlippage decimal.Decimal `gorm:"type:numeric(10,6);not null" json:"max_slippage"`
	RiskTier    RiskTier        `gorm:"type:varchar(10);not null" json:"risk_tier"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (RebalanceStrategy) TableName() string { return "rebalance_strategies" }

// DefaultStrategy returns the lazily-created policy for a user that has
// never tuned one.
func DefaultStrategy(address string) *RebalanceStrategy {
	return &RebalanceStrategy{
		Address:     address,
		MinAPYGain:  decimal.NewFromFloat(0.005),
		MaxSlippage: decimal.NewFromFloat(0.01),
		RiskTier:    RiskTierMedium,
	}
}

// NormalizeAddress lowercases and validates a wallet address. All keys
// derived from an address (locks, budgets, rows) use the normalized form.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("invalid wallet address %q", raw)
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex()), nil
}
