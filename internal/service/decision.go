package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultpilot/vaultpilot/internal/config"
	"github.com/vaultpilot/vaultpilot/internal/model"
	"github.com/vaultpilot/vaultpilot/internal/pkg/metrics"
)

type VaultSource interface {
	Vaults(ctx context.Context) ([]model.Vault, error)
	Positions(ctx context.Context, address string) ([]model.Position, error)
}

// DecisionEngine scores one user against the vault universe and produces
// exactly one Decision. The numeric core is a pure function of its inputs
// so identical snapshots always yield the identical verdict.
type DecisionEngine struct {
	source VaultSource
	cfg    config.OrchestratorConfig
}

func NewDecisionEngine(source VaultSource, cfg config.OrchestratorConfig) *DecisionEngine {
	return &DecisionEngine{source: source, cfg: cfg}
}

// EvalParams carries the per-user inputs the scheduler resolved upstream.
type EvalParams struct {
	Address  string
	Strategy *model.RebalanceStrategy
	// ApprovedVaults narrows candidates to the session's scope. Empty
	// means unrestricted (legacy sessions).
	ApprovedVaults []string
	// TargetFilter is set in targeted cycles: only vaults whose APY
	// actually moved are worth re-scoring.
	TargetFilter []string
}

// Evaluate fetches the user's positions, then scores them against the
// given vault universe.
func (e *DecisionEngine) Evaluate(ctx context.Context, universe []model.Vault, p EvalParams) (*model.Decision, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout())
	defer cancel()

	positions, err := e.source.Positions(fetchCtx, p.Address)
	if err != nil {
		return nil, fmt.Errorf("fetching positions for %s: %w", p.Address, err)
	}
	return e.DecideFrom(positions, universe, p), nil
}

// EvaluateLive additionally fetches the vault universe. Used by the
// read-only decision preview endpoint; cycles fetch the universe once and
// share it across the batch.
func (e *DecisionEngine) EvaluateLive(ctx context.Context, p EvalParams) (*model.Decision, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout())
	defer cancel()

	universe, err := e.source.Vaults(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("fetching vaults: %w", err)
	}
	return e.Evaluate(ctx, universe, p)
}

// DecideFrom is the pure scoring core.
func (e *DecisionEngine) DecideFrom(positions []model.Position, universe []model.Vault, p EvalParams) *model.Decision {
	current := model.LargestPosition(positions)
	candidates := e.filter(universe, p)

	if len(candidates) == 0 {
		if current == nil {
			metrics.DecisionRejects.WithLabelValues(string(model.ReasonNoPosition)).Inc()
			return &model.Decision{Outcome: model.DecisionIneligible, Reason: model.ReasonNoPosition}
		}
		metrics.DecisionRejects.WithLabelValues(string(model.ReasonNoEligibleTarget)).Inc()
		return &model.Decision{
			Outcome: model.DecisionIneligible,
			Reason:  model.ReasonNoEligibleTarget,
			Current: snapshotPosition(current),
		}
	}

	target := pickTarget(candidates)
	targetSnap := snapshotVault(target)

	// No funds under management: surface the best vault with the distinct
	// first-deposit reason. There is nothing for the scheduler to move, so
	// this lands as a skip, never an executed transfer.
	if current == nil {
		return &model.Decision{
			Outcome:        model.DecisionIneligible,
			Reason:         model.ReasonFirstDeposit,
			Target:         targetSnap,
			APYImprovement: target.NetAPY,
		}
	}

	improvement := target.NetAPY.Sub(current.NetAPY)

	// 1. Current vault already beats or matches every eligible candidate.
	if target.Address == current.VaultAddress || improvement.LessThanOrEqual(decimal.Zero) {
		return &model.Decision{
			Outcome:        model.DecisionHold,
			Reason:         model.ReasonAlreadyOptimal,
			Current:        snapshotPosition(current),
			Target:         targetSnap,
			APYImprovement: improvement,
		}
	}

	// 2. Gain threshold. Equality is accepted: the threshold is the
	// minimum acceptable improvement, not an exclusive bound.
	if improvement.LessThan(e.minGain(p.Strategy)) {
		metrics.DecisionRejects.WithLabelValues(string(model.ReasonGainBelowThreshold)).Inc()
		return &model.Decision{
			Outcome:        model.DecisionHold,
			Reason:         model.ReasonGainBelowThreshold,
			Current:        snapshotPosition(current),
			Target:         targetSnap,
			APYImprovement: improvement,
			EstAnnualGain:  current.AssetValue.Mul(improvement),
		}
	}

	// 3. Break-even horizon. gain <= 0 leaves break-even undefined, which
	// can only happen here with a worthless position; treat as never
	// amortizing.
	gain := current.AssetValue.Mul(improvement)
	if gain.LessThanOrEqual(decimal.Zero) {
		metrics.DecisionRejects.WithLabelValues(string(model.ReasonBreakEvenTooLong)).Inc()
		return &model.Decision{
			Outcome:        model.DecisionHold,
			Reason:         model.ReasonBreakEvenTooLong,
			Current:        snapshotPosition(current),
			Target:         targetSnap,
			APYImprovement: improvement,
			EstAnnualGain:  gain,
		}
	}

	cost := decimal.NewFromFloat(e.cfg.RebalanceCost)
	breakEven := cost.Mul(decimal.NewFromInt(365)).Div(gain)
	if breakEven.GreaterThan(decimal.NewFromInt(int64(e.cfg.MaxHorizonDays))) {
		metrics.DecisionRejects.WithLabelValues(string(model.ReasonBreakEvenTooLong)).Inc()
		return &model.Decision{
			Outcome:        model.DecisionHold,
			Reason:         model.ReasonBreakEvenTooLong,
			Current:        snapshotPosition(current),
			Target:         targetSnap,
			APYImprovement: improvement,
			EstAnnualGain:  gain,
			BreakEvenDays:  breakEven,
		}
	}

	return &model.Decision{
		Outcome:        model.DecisionRebalance,
		Reason:         model.ReasonAPYGain,
		Current:        snapshotPosition(current),
		Target:         targetSnap,
		APYImprovement: improvement,
		EstAnnualGain:  gain,
		BreakEvenDays:  breakEven,
	}
}

// filter applies the liquidity floor, the tier-scaled risk ceiling, the
// session's vault scope, and the targeted-mode restriction.
func (e *DecisionEngine) filter(universe []model.Vault, p EvalParams) []model.Vault {
	tvlFloor := decimal.NewFromFloat(e.cfg.MinVaultTVL)
	riskCeiling := e.riskCeiling(p.Strategy)
	scope := addressSet(p.ApprovedVaults)
	targets := addressSet(p.TargetFilter)

	var out []model.Vault
	for _, v := range universe {
		if v.TotalAssets.LessThan(tvlFloor) {
			continue
		}
		if v.RiskScore() > riskCeiling {
			continue
		}
		if len(scope) > 0 {
			if _, ok := scope[v.Address]; !ok {
				continue
			}
		}
		if len(targets) > 0 {
			if _, ok := targets[v.Address]; !ok {
				continue
			}
		}
		out = append(out, v)
	}
	return out
}

// pickTarget returns the highest-APY candidate, breaking APY ties by
// address so the choice is stable across runs.
func pickTarget(candidates []model.Vault) model.Vault {
	best := candidates[0]
	for _, v := range candidates[1:] {
		if v.NetAPY.GreaterThan(best.NetAPY) {
			best = v
			continue
		}
		if v.NetAPY.Equal(best.NetAPY) && v.Address < best.Address {
			best = v
		}
	}
	return best
}

func addressSet(addrs []string) map[string]struct{} {
	if len(addrs) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[strings.ToLower(a)] = struct{}{}
	}
	return set
}

func (e *DecisionEngine) riskCeiling(s *model.RebalanceStrategy) int {
	base := e.cfg.MaxRiskScore
	if base <= 0 {
		base = 2
	}
	if s == nil {
		return base
	}
	switch s.RiskTier {
	case model.RiskTierHigh:
		return base * 4
	case model.RiskTierMedium:
		return base * 2
	default:
		return base
	}
}

func (e *DecisionEngine) minGain(s *model.RebalanceStrategy) decimal.Decimal {
	if s != nil && s.MinAPYGain.GreaterThan(decimal.Zero) {
		return s.MinAPYGain
	}
	return decimal.NewFromFloat(e.cfg.DefaultMinGain)
}

func (e *DecisionEngine) fetchTimeout() time.Duration {
	if e.cfg.FetchTimeoutMs > 0 {
		return time.Duration(e.cfg.FetchTimeoutMs) * time.Millisecond
	}
	return 10 * time.Second
}

func snapshotPosition(p *model.Position) *model.VaultSnapshot {
	return &model.VaultSnapshot{
		Address:    p.VaultAddress,
		Name:       p.VaultName,
		APY:        p.NetAPY,
		Shares:     p.Shares,
		AssetValue: p.AssetValue,
	}
}

func snapshotVault(v model.Vault) *model.VaultSnapshot {
	return &model.VaultSnapshot{
		Address:    v.Address,
		Name:       v.Name,
		APY:        v.NetAPY,
		Shares:     decimal.Zero,
		AssetValue: decimal.Zero,
	}
}
