package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultpilot/vaultpilot/internal/config"
	"github.com/vaultpilot/vaultpilot/internal/oracle"
)

// GateStatus is the safety gate's verdict before a cycle may touch funds.
type GateStatus string

const (
	GateHealthy GateStatus = "healthy"
	GateStale   GateStatus = "stale"
	// GateDepegged: the settlement asset drifted off its peg; rebalance
	// economics computed against it would be false.
	GateDepegged GateStatus = "depegged"
	// GateUnavailable: the oracle could not be read. Treated exactly like
	// an unhealthy price.
	GateUnavailable GateStatus = "unavailable"
)

// GateResult carries the verdict plus the observation it was based on.
type GateResult struct {
	Status     GateStatus      `json:"status"`
	Price      decimal.Decimal `json:"price,omitempty"`
	ObservedAt time.Time       `json:"observed_at,omitempty"`
	Detail     string          `json:"detail,omitempty"`
}

func (r GateResult) Healthy() bool { return r.Status == GateHealthy }

// SafetyGate is the fleet-wide circuit breaker. One check per cycle; any
// non-healthy verdict aborts before a single user is processed.
type SafetyGate struct {
	feed      oracle.Feed
	maxAge    time.Duration
	peg       decimal.Decimal
	tolerance decimal.Decimal
	timeout   time.Duration
}

func NewSafetyGate(feed oracle.Feed, cfg config.ChainConfig) *SafetyGate {
	maxAge := time.Duration(cfg.PriceMaxAgeSeconds) * time.Second
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	peg := decimal.NewFromFloat(cfg.PricePeg)
	if peg.LessThanOrEqual(decimal.Zero) {
		peg = decimal.NewFromInt(1)
	}
	tolerance := decimal.NewFromFloat(cfg.DepegTolerance)
	if tolerance.LessThanOrEqual(decimal.Zero) {
		tolerance = decimal.NewFromFloat(0.005)
	}
	timeout := time.Duration(cfg.OracleTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SafetyGate{feed: feed, maxAge: maxAge, peg: peg, tolerance: tolerance, timeout: timeout}
}

// Check reads the oracle once under a short timeout. A hung oracle must
// not hang the cycle, so the timeout here is independent of the caller's.
func (g *SafetyGate) Check(ctx context.Context) GateResult {
	checkCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	reading, err := g.feed.Latest(checkCtx)
	if err != nil {
		return GateResult{
			Status: GateUnavailable,
			Detail: fmt.Sprintf("price feed unavailable: %v", err),
		}
	}

	age := time.Since(reading.UpdatedAt)
	if age > g.maxAge {
		return GateResult{
			Status:     GateStale,
			Price:      reading.Price,
			ObservedAt: reading.UpdatedAt,
			Detail:     fmt.Sprintf("price is %s old, max age %s", age.Truncate(time.Second), g.maxAge),
		}
	}

	deviation := reading.Price.Sub(g.peg).Abs().Div(g.peg)
	if deviation.GreaterThan(g.tolerance) {
		return GateResult{
			Status:     GateDepegged,
			Price:      reading.Price,
			ObservedAt: reading.UpdatedAt,
			Detail:     fmt.Sprintf("price %s deviates %s from peg %s", reading.Price, deviation.Round(6), g.peg),
		}
	}

	return GateResult{Status: GateHealthy, Price: reading.Price, ObservedAt: reading.UpdatedAt}
}
