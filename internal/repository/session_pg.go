package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vaultpilot/vaultpilot/internal/model"
)

type SessionRepo struct {
	db *gorm.DB
}

func NewSessionRepo(db *gorm.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Save upserts the authorization for the owning address. Re-registration
// replaces the previous session wholesale.
func (r *SessionRepo) Save(ctx context.Context, auth *model.SessionAuthorization) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"kind", "session_key_id", "session_key_address", "sealed_credential",
			"expires_at", "approved_vaults", "issued_at", "policy", "updated_at",
		}),
	}).Create(auth).Error
}

func (r *SessionRepo) GetByAddress(ctx context.Context, address string) (*model.SessionAuthorization, error) {
	var auth model.SessionAuthorization
	err := r.db.WithContext(ctx).Where("address = ?", address).First(&auth).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &auth, nil
}

// ClearCredential nulls the sealed credential in place. The row stays as a
// tombstone so issuance history remains queryable.
func (r *SessionRepo) ClearCredential(ctx context.Context, address string) error {
	return r.db.WithContext(ctx).Model(&model.SessionAuthorization{}).
		Where("address = ?", address).
		Update("sealed_credential", nil).Error
}
