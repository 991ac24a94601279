package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ActionKind classifies ledger entries.
type ActionKind string

const (
	ActionRebalance    ActionKind = "rebalance"
	ActionSessionEvent ActionKind = "session_event"
)

// ActionStatus is the terminal state of one action.
type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionSuccess ActionStatus = "success"
	ActionFailed  ActionStatus = "failed"
)

// ActionRecord is one write-once audit entry. Records are never mutated
// after creation; a retry writes a fresh record.
type ActionRecord struct {
	ID      string       `gorm:"type:uuid;primaryKey" json:"id"`
	Address string       `gorm:"type:varchar(42);index;not null" json:"address"`
	Kind    ActionKind   `gorm:"type:varchar(20);index;not null" json:"kind"`
	Status  ActionStatus `gorm:"type:varchar(10);not null" json:"status"`
	// FromVault is empty for first deposits and session events.
	FromVault string          `gorm:"type:varchar(42)" json:"from_vault,omitempty"`
	ToVault   string          `gorm:"type:varchar(42)" json:"to_vault,omitempty"`
	Amount    decimal.Decimal `gorm:"type:numeric(38,18)" json:"amount"`
	// ReceiptID is the external adapter's receipt (user-op hash or tx
	// hash), empty on failure.
	ReceiptID string `gorm:"type:varchar(80)" json:"receipt_id,omitempty"`
	ErrorText string `gorm:"type:text" json:"error_text,omitempty"`
	// Metadata holds the typed per-kind payload, serialized only at this
	// storage boundary.
	Metadata  datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
}

func (ActionRecord) TableName() string { return "action_records" }

// RebalanceMetadata is the typed metadata blob for rebalance actions.
type RebalanceMetadata struct {
	CycleID        string          `json:"cycle_id"`
	Targeted       bool            `json:"targeted,omitempty"`
	Simulated      bool            `json:"simulated,omitempty"`
	APYImprovement decimal.Decimal `json:"apy_improvement"`
	EstAnnualGain  decimal.Decimal `json:"est_annual_gain"`
	BreakEvenDays  decimal.Decimal `json:"break_even_days"`
	Reason         DecisionReason  `json:"reason"`
}

// SessionEventMetadata is the typed metadata blob for session lifecycle
// entries.
type SessionEventMetadata struct {
	Event        string      `json:"event"` // issued | revoked
	SessionKeyID string      `json:"session_key_id"`
	Kind         SessionKind `json:"kind,omitempty"`
	ExpiresAt    int64       `json:"expires_at,omitempty"`
}
