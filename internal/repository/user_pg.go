package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vaultpilot/vaultpilot/internal/model"
)

type UserRepo struct {
	db *gorm.DB
}

func NewUserRepo(db *gorm.DB) *UserRepo {
	return &UserRepo{db: db}
}

// Upsert inserts the user or refreshes the mutable flags. The address is
// the conflict key; the caller normalizes it first.
func (r *UserRepo) Upsert(ctx context.Context, user *model.User) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"auto_optimize", "updated_at"}),
	}).Create(user).Error
}

func (r *UserRepo) GetByAddress(ctx context.Context, address string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("address = ?", address).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ListEligible pages through users the scheduler should consider:
// auto-optimize turned on and an agent registration still active.
func (r *UserRepo) ListEligible(ctx context.Context, offset, limit int) ([]model.User, error) {
	var users []model.User
	err := r.db.WithContext(ctx).
		Where("auto_optimize = ? AND agent_active = ?", true, true).
		Order("created_at asc").
		Offset(offset).
		Limit(limit).
		Find(&users).Error
	return users, err
}

func (r *UserRepo) SetAgentActive(ctx context.Context, address string, active bool) error {
	return r.db.WithContext(ctx).Model(&model.User{}).
		Where("address = ?", address).
		Update("agent_active", active).Error
}

// StrategyFor returns the user's policy, creating the default row on first
// touch.
func (r *UserRepo) StrategyFor(ctx context.Context, address string) (*model.RebalanceStrategy, error) {
	var strategy model.RebalanceStrategy
	err := r.db.WithContext(ctx).Where("address = ?", address).First(&strategy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fresh := model.DefaultStrategy(address)
		if err := r.db.WithContext(ctx).Create(fresh).Error; err != nil {
			return nil, err
		}
		return fresh, nil
	}
	if err != nil {
		return nil, err
	}
	return &strategy, nil
}

func (r *UserRepo) SaveStrategy(ctx context.Context, strategy *model.RebalanceStrategy) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"min_apy_gain", "max_slippage", "risk_tier", "updated_at"}),
	}).Create(strategy).Error
}
