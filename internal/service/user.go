package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vaultpilot/vaultpilot/internal/model"
	"github.com/vaultpilot/vaultpilot/internal/pkg/apperrors"
)

type UserAdminStore interface {
	Upsert(ctx context.Context, user *model.User) error
	GetByAddress(ctx context.Context, address string) (*model.User, error)
	StrategyFor(ctx context.Context, address string) (*model.RebalanceStrategy, error)
	SaveStrategy(ctx context.Context, strategy *model.RebalanceStrategy) error
}

// UserService covers registration and strategy tuning. Users are created
// on first registration and never hard-deleted; opting out clears flags
// only.
type UserService struct {
	store UserAdminStore
}

func NewUserService(store UserAdminStore) *UserService {
	return &UserService{store: store}
}

// Register creates the user row or updates the auto-optimize flag.
// Idempotent per address.
func (s *UserService) Register(ctx context.Context, req model.UpsertUserRequest) (*model.User, error) {
	address, err := model.NormalizeAddress(req.Address)
	if err != nil {
		return nil, apperrors.NewInvalidRequest(err.Error())
	}

	user, err := s.store.GetByAddress(ctx, address)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "looking up user", err)
	}
	if user == nil {
		user = &model.User{
			ID:           uuid.NewString(),
			Address:      address,
			AutoOptimize: true,
		}
	}
	if req.AutoOptimize != nil {
		user.AutoOptimize = *req.AutoOptimize
	}

	if err := s.store.Upsert(ctx, user); err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "persisting user", err)
	}
	return user, nil
}

func (s *UserService) Get(ctx context.Context, rawAddress string) (*model.User, error) {
	address, err := model.NormalizeAddress(rawAddress)
	if err != nil {
		return nil, apperrors.NewInvalidRequest(err.Error())
	}
	user, err := s.store.GetByAddress(ctx, address)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "looking up user", err)
	}
	if user == nil {
		return nil, apperrors.NewNotFound("user not registered")
	}
	return user, nil
}

// UpdateStrategy applies the non-nil fields onto the stored policy,
// creating the default row first if the user never tuned one.
func (s *UserService) UpdateStrategy(ctx context.Context, rawAddress string, req model.UpdateStrategyRequest) (*model.RebalanceStrategy, error) {
	address, err := model.NormalizeAddress(rawAddress)
	if err != nil {
		return nil, apperrors.NewInvalidRequest(err.Error())
	}
	user, err := s.store.GetByAddress(ctx, address)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "looking up user", err)
	}
	if user == nil {
		return nil, apperrors.NewNotFound("user not registered")
	}

	strategy, err := s.store.StrategyFor(ctx, address)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "loading strategy", err)
	}

	if req.MinAPYGain != nil {
		gain := decimal.NewFromFloat(*req.MinAPYGain)
		if gain.IsNegative() || gain.GreaterThan(decimal.NewFromInt(1)) {
			return nil, apperrors.NewInvalidRequest("min_apy_gain must be a fraction in [0, 1]")
		}
		strategy.MinAPYGain = gain
	}
	if req.MaxSlippage != nil {
		slippage := decimal.NewFromFloat(*req.MaxSlippage)
		if slippage.IsNegative() || slippage.GreaterThan(decimal.NewFromInt(1)) {
			return nil, apperrors.NewInvalidRequest("max_slippage must be a fraction in [0, 1]")
		}
		strategy.MaxSlippage = slippage
	}
	if req.RiskTier != nil {
		tier := model.RiskTier(*req.RiskTier)
		if !tier.Valid() {
			return nil, apperrors.NewInvalidRequest(fmt.Sprintf("unknown risk tier %q", *req.RiskTier))
		}
		strategy.RiskTier = tier
	}

	if err := s.store.SaveStrategy(ctx, strategy); err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "persisting strategy", err)
	}
	return strategy, nil
}
