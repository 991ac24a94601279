package service

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/vaultpilot/vaultpilot/internal/config"
	"github.com/vaultpilot/vaultpilot/internal/model"
	"github.com/vaultpilot/vaultpilot/internal/pkg/apperrors"
	"github.com/vaultpilot/vaultpilot/internal/pkg/logger"
	"github.com/vaultpilot/vaultpilot/internal/seal"
)

type SessionStore interface {
	Save(ctx context.Context, auth *model.SessionAuthorization) error
	GetByAddress(ctx context.Context, address string) (*model.SessionAuthorization, error)
	ClearCredential(ctx context.Context, address string) error
}

type RevocationList interface {
	Revoke(ctx context.Context, sessionKeyID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, sessionKeyID string) (bool, error)
}

type SessionUserStore interface {
	GetByAddress(ctx context.Context, address string) (*model.User, error)
	SetAgentActive(ctx context.Context, address string, active bool) error
}

// SessionService owns the authorization lifecycle: issue, validate, unseal
// at the moment of use, revoke. The session private key exists in plain
// form only inside Issue (before sealing) and Unseal (at execution).
type SessionService struct {
	store       SessionStore
	revocations RevocationList
	users       SessionUserStore
	sealer      *seal.Sealer
	ledger      Ledger
	cfg         config.SessionConfig
}

func NewSessionService(store SessionStore, revocations RevocationList, users SessionUserStore, sealer *seal.Sealer, ledger Ledger, cfg config.SessionConfig) *SessionService {
	return &SessionService{
		store:       store,
		revocations: revocations,
		users:       users,
		sealer:      sealer,
		ledger:      ledger,
		cfg:         cfg,
	}
}

// Issue generates a fresh session key for the user, seals it, and persists
// the sealed form. Re-issuing overwrites the previous session wholesale.
func (s *SessionService) Issue(ctx context.Context, req model.IssueSessionRequest) (*model.SessionResponse, error) {
	address, err := model.NormalizeAddress(req.Address)
	if err != nil {
		return nil, apperrors.NewInvalidRequest(err.Error())
	}

	user, err := s.users.GetByAddress(ctx, address)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "looking up user", err)
	}
	if user == nil {
		return nil, apperrors.NewNotFound("user not registered")
	}

	ttl, err := s.resolveTTL(req.TTLHours)
	if err != nil {
		return nil, err
	}

	kind := model.SessionKindScoped
	if req.Legacy {
		kind = model.SessionKindLegacy
		if len(req.ApprovedVaults) > 0 {
			return nil, apperrors.NewInvalidRequest("legacy sessions cannot scope vaults")
		}
	}

	approved := make([]string, 0, len(req.ApprovedVaults))
	for _, raw := range req.ApprovedVaults {
		vault, err := model.NormalizeAddress(raw)
		if err != nil {
			return nil, apperrors.NewInvalidRequest(fmt.Sprintf("approved vault: %v", err))
		}
		approved = append(approved, vault)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "generating session key", err)
	}
	sealed, err := s.sealer.Seal(crypto.FromECDSA(key))
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "sealing session credential", err)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ttl).Unix()

	auth := &model.SessionAuthorization{
		ID:                uuid.NewString(),
		Address:           address,
		Kind:              kind,
		SessionKeyID:      uuid.NewString(),
		SessionKeyAddress: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
		SealedCredential:  sealed,
		ExpiresAt:         expiresAt,
		IssuedAt:          now,
	}

	if approvedJSON, err := json.Marshal(approved); err == nil {
		auth.ApprovedVaults = datatypes.JSON(approvedJSON)
	}
	if kind == model.SessionKindScoped {
		policy := model.SessionPolicy{
			GasCeiling:        s.cfg.GasCeiling,
			RateWindowSeconds: s.cfg.RateWindowSeconds,
			ValidAfter:        now.Unix(),
			ValidUntil:        expiresAt,
		}
		if policyJSON, err := json.Marshal(policy); err == nil {
			auth.Policy = datatypes.JSON(policyJSON)
		}
	}

	if err := s.store.Save(ctx, auth); err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "persisting session", err)
	}
	if err := s.users.SetAgentActive(ctx, address, true); err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "activating agent", err)
	}

	s.recordEvent(ctx, auth, "issued")
	logger.Info("Session issued", "address", address, "kind", kind, "expires_at", expiresAt)

	return s.toResponse(auth), nil
}

// Revoke invalidates the user's session. The revocation list is marked
// first: a cycle that fetched the authorization before this call must
// still see the revocation at its fresh per-user check.
func (s *SessionService) Revoke(ctx context.Context, rawAddress string) error {
	address, err := model.NormalizeAddress(rawAddress)
	if err != nil {
		return apperrors.NewInvalidRequest(err.Error())
	}

	auth, err := s.store.GetByAddress(ctx, address)
	if err != nil {
		return apperrors.New(apperrors.ErrInternal, "looking up session", err)
	}
	if auth == nil {
		return apperrors.NewNotFound("no session for address")
	}

	if err := s.revocations.Revoke(ctx, auth.SessionKeyID, s.revocationTTL(auth)); err != nil {
		return apperrors.New(apperrors.ErrInternal, "marking revocation", err)
	}
	if err := s.store.ClearCredential(ctx, address); err != nil {
		return apperrors.New(apperrors.ErrInternal, "clearing credential", err)
	}
	if err := s.users.SetAgentActive(ctx, address, false); err != nil {
		return apperrors.New(apperrors.ErrInternal, "deactivating agent", err)
	}

	s.recordEvent(ctx, auth, "revoked")
	logger.Info("Session revoked", "address", address, "session_key_id", auth.SessionKeyID)
	return nil
}

// Validate is the cheap pass: no unsealing. The revocation lookup goes to
// the store every time; caching it would reopen the read-then-revoke race.
func (s *SessionService) Validate(ctx context.Context, auth *model.SessionAuthorization) (model.SessionValidity, error) {
	if auth == nil || len(auth.SealedCredential) == 0 {
		return model.SessionMissing, nil
	}
	if !auth.Kind.Supported() {
		return model.SessionUnsupported, nil
	}
	if auth.Expired(time.Now()) {
		return model.SessionExpired, nil
	}
	revoked, err := s.revocations.IsRevoked(ctx, auth.SessionKeyID)
	if err != nil {
		return "", fmt.Errorf("revocation lookup: %w", err)
	}
	if revoked {
		return model.SessionRevoked, nil
	}
	return model.SessionValid, nil
}

// Load fetches the stored authorization for an address, nil when absent.
func (s *SessionService) Load(ctx context.Context, address string) (*model.SessionAuthorization, error) {
	return s.store.GetByAddress(ctx, address)
}

// Unseal recovers the session private key for immediate use. Callers must
// not retain the returned key beyond the single execution.
func (s *SessionService) Unseal(auth *model.SessionAuthorization) (*ecdsa.PrivateKey, error) {
	raw, err := s.sealer.Open(auth.SealedCredential)
	if err != nil {
		return nil, fmt.Errorf("opening session credential: %w", err)
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding session key: %w", err)
	}
	return key, nil
}

// ApprovedVaults decodes the session's vault scope. Empty means
// unrestricted.
func (s *SessionService) ApprovedVaults(auth *model.SessionAuthorization) []string {
	if auth == nil || len(auth.ApprovedVaults) == 0 {
		return nil
	}
	var vaults []string
	if err := json.Unmarshal(auth.ApprovedVaults, &vaults); err != nil {
		return nil
	}
	return vaults
}

func (s *SessionService) resolveTTL(hours int) (time.Duration, error) {
	if hours < 0 {
		return 0, apperrors.NewInvalidRequest("ttl_hours must be positive")
	}
	if hours == 0 {
		hours = s.cfg.DefaultTTLHours
	}
	if hours <= 0 {
		hours = 168
	}
	if s.cfg.MaxTTLHours > 0 && hours > s.cfg.MaxTTLHours {
		return 0, apperrors.NewInvalidRequest(fmt.Sprintf("ttl_hours exceeds maximum %d", s.cfg.MaxTTLHours))
	}
	return time.Duration(hours) * time.Hour, nil
}

// revocationTTL keeps the mark alive a day past the session's own expiry,
// after which expiry alone rejects it.
func (s *SessionService) revocationTTL(auth *model.SessionAuthorization) time.Duration {
	remaining := time.Until(time.Unix(auth.ExpiresAt, 0))
	if remaining < 0 {
		remaining = 0
	}
	return remaining + 24*time.Hour
}

func (s *SessionService) recordEvent(ctx context.Context, auth *model.SessionAuthorization, event string) {
	meta, err := json.Marshal(model.SessionEventMetadata{
		Event:        event,
		SessionKeyID: auth.SessionKeyID,
		Kind:         auth.Kind,
		ExpiresAt:    auth.ExpiresAt,
	})
	if err != nil {
		return
	}
	rec := &model.ActionRecord{
		ID:       uuid.NewString(),
		Address:  auth.Address,
		Kind:     model.ActionSessionEvent,
		Status:   model.ActionSuccess,
		Metadata: datatypes.JSON(meta),
	}
	if err := s.ledger.Append(ctx, rec); err != nil {
		logger.Warn("Failed to record session event", "event", event, "error", err)
	}
}

func (s *SessionService) toResponse(auth *model.SessionAuthorization) *model.SessionResponse {
	return &model.SessionResponse{
		Address:           auth.Address,
		Kind:              auth.Kind,
		SessionKeyID:      auth.SessionKeyID,
		SessionKeyAddress: auth.SessionKeyAddress,
		ExpiresAt:         auth.ExpiresAt,
		ApprovedVaults:    s.ApprovedVaults(auth),
		IssuedAt:          auth.IssuedAt,
	}
}
