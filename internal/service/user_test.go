package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vaultpilot/vaultpilot/internal/model"
	"github.com/vaultpilot/vaultpilot/internal/pkg/apperrors"
)

type mapUserAdminStore struct {
	mu         sync.Mutex
	users      map[string]*model.User
	strategies map[string]*model.RebalanceStrategy
}

func newMapUserAdminStore() *mapUserAdminStore {
	return &mapUserAdminStore{
		users:      make(map[string]*model.User),
		strategies: make(map[string]*model.RebalanceStrategy),
	}
}

func (s *mapUserAdminStore) Upsert(ctx context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *user
	s.users[user.Address] = &copied
	return nil
}

func (s *mapUserAdminStore) GetByAddress(ctx context.Context, address string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[address]
	if !ok {
		return nil, nil
	}
	copied := *user
	return &copied, nil
}

func (s *mapUserAdminStore) StrategyFor(ctx context.Context, address string) (*model.RebalanceStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strategy, ok := s.strategies[address]; ok {
		copied := *strategy
		return &copied, nil
	}
	return model.DefaultStrategy(address), nil
}

func (s *mapUserAdminStore) SaveStrategy(ctx context.Context, strategy *model.RebalanceStrategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *strategy
	s.strategies[strategy.Address] = &copied
	return nil
}

func TestRegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := NewUserService(newMapUserAdminStore())

	first, err := svc.Register(ctx, model.UpsertUserRequest{Address: "0xAbCdEf7890AbCdEf7890AbCdEf7890AbCdEf7890"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.Address != "0xabcdef7890abcdef7890abcdef7890abcdef7890" {
		t.Fatalf("address not normalized: %s", first.Address)
	}
	if !first.AutoOptimize {
		t.Fatal("new registrations default to auto-optimize on")
	}

	// Re-register with the flag off: same row, flag flipped.
	off := false
	second, err := svc.Register(ctx, model.UpsertUserRequest{Address: first.Address, AutoOptimize: &off})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("re-registering must not mint a new user")
	}
	if second.AutoOptimize {
		t.Fatal("flag update lost")
	}
}

func TestRegisterRejectsBadAddress(t *testing.T) {
	svc := NewUserService(newMapUserAdminStore())

	_, err := svc.Register(context.Background(), model.UpsertUserRequest{Address: "bogus"})
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Type != apperrors.ErrInvalidRequest {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestUpdateStrategyValidation(t *testing.T) {
	ctx := context.Background()
	store := newMapUserAdminStore()
	svc := NewUserService(store)

	user, err := svc.Register(ctx, model.UpsertUserRequest{Address: testWallet})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Out-of-range fraction.
	bad := 1.5
	if _, err := svc.UpdateStrategy(ctx, user.Address, model.UpdateStrategyRequest{MinAPYGain: &bad}); err == nil {
		t.Fatal("min_apy_gain over 1 must be rejected")
	}

	// Unknown tier.
	tier := "yolo"
	if _, err := svc.UpdateStrategy(ctx, user.Address, model.UpdateStrategyRequest{RiskTier: &tier}); err == nil {
		t.Fatal("unknown risk tier must be rejected")
	}

	// Partial update: only the named field changes.
	gain := 0.01
	strategy, err := svc.UpdateStrategy(ctx, user.Address, model.UpdateStrategyRequest{MinAPYGain: &gain})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if strategy.MinAPYGain.String() != "0.01" {
		t.Fatalf("min gain not applied: %s", strategy.MinAPYGain)
	}
	if strategy.RiskTier != model.RiskTierMedium {
		t.Fatalf("untouched field changed: %s", strategy.RiskTier)
	}

	// The tuned value survives a second partial update.
	high := string(model.RiskTierHigh)
	strategy, err = svc.UpdateStrategy(ctx, user.Address, model.UpdateStrategyRequest{RiskTier: &high})
	if err != nil {
		t.Fatalf("update tier: %v", err)
	}
	if strategy.MinAPYGain.String() != "0.01" || strategy.RiskTier != model.RiskTierHigh {
		t.Fatalf("strategy drifted: %+v", strategy)
	}
}

func TestUpdateStrategyUnknownUser(t *testing.T) {
	svc := NewUserService(newMapUserAdminStore())

	gain := 0.01
	_, err := svc.UpdateStrategy(context.Background(), testWallet, model.UpdateStrategyRequest{MinAPYGain: &gain})
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Type != apperrors.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
