package model

import (
	"time"

	"gorm.io/datatypes"
)

// SessionKind tags the authorization scheme a stored session uses. The
// orchestrator only acts on kinds it understands; anything else is treated
// as unsupported and skipped, never errored.
type SessionKind string

const (
	// SessionKindLegacy is the v1 scheme: a session key without vault
	// scoping or on-chain policy parameters.
	SessionKindLegacy SessionKind = "session_v1"
	// SessionKindScoped is the current scheme: vault-scoped with policy
	// parameters registered on the user's account.
	SessionKindScoped SessionKind = "session_v2"
)

// Supported reports whether the orchestrator can act on this kind.
func (k SessionKind) Supported() bool {
	return k == SessionKindLegacy || k == SessionKindScoped
}

// SessionPolicy mirrors the on-chain policy parameters attached to a
// scoped session key.
type SessionPolicy struct {
	GasCeiling        int64 `json:"gas_ceiling"`
	RateWindowSeconds int   `json:"rate_window_seconds"`
	ValidAfter        int64 `json:"valid_after"`
	ValidUntil        int64 `json:"valid_until"`
}

// SessionAuthorization is the delegated permission to move a user's funds
// without interactive signing. The credential is stored sealed; plaintext
// exists only transiently at the moment of execution.
type SessionAuthorization struct {
	ID      string      `gorm:"type:uuid;primaryKey" json:"id"`
	Address string      `gorm:"type:varchar(42);uniqueIndex;not null" json:"address"`
	Kind    SessionKind `gorm:"type:varchar(20);not null" json:"kind"`
	// SessionKeyID identifies the key across its whole lifetime; the
	// revocation list is keyed by it.
	SessionKeyID string `gorm:"type:uuid;index;not null" json:"session_key_id"`
	// SessionKeyAddress is the public address derived from the session
	// key. Safe to expose; the on-chain registration references it.
	SessionKeyAddress string `gorm:"type:varchar(42);not null" json:"session_key_address"`
	// SealedCredential is the age-sealed private key. Nulled on revoke.
	SealedCredential []byte `gorm:"type:bytea" json:"-"`
	// ExpiresAt is absolute epoch seconds.
	ExpiresAt int64 `gorm:"not null" json:"expires_at"`
	// ApprovedVaults restricts which vaults the session may touch.
	// Empty means unrestricted (legacy sessions).
	ApprovedVaults datatypes.JSON `gorm:"type:jsonb" json:"approved_vaults"`
	IssuedAt       time.Time      `gorm:"not null" json:"issued_at"`
	Policy         datatypes.JSON `gorm:"type:jsonb" json:"policy,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (SessionAuthorization) TableName() string { return "session_authorizations" }

// Expired reports whether the authorization has lapsed at the given time.
func (s *SessionAuthorization) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.Unix()
}

// SessionValidity is the outcome of the cheap validation pass (no unseal).
type SessionValidity string

const (
	SessionValid       SessionValidity = "valid"
	SessionMissing     SessionValidity = "missing"
	SessionUnsupported SessionValidity = "unsupported"
	SessionExpired     SessionValidity = "expired"
	SessionRevoked     SessionValidity = "revoked"
)
