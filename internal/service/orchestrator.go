package service

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/vaultpilot/vaultpilot/internal/config"
	"github.com/vaultpilot/vaultpilot/internal/executor"
	"github.com/vaultpilot/vaultpilot/internal/model"
	"github.com/vaultpilot/vaultpilot/internal/pkg/apperrors"
	"github.com/vaultpilot/vaultpilot/internal/pkg/logger"
	"github.com/vaultpilot/vaultpilot/internal/pkg/metrics"
)

type UserLocker interface {
	TryLock(ctx context.Context, address string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, address, token string) error
}

type OpBudget interface {
	Allows(ctx context.Context, address string) (bool, error)
	Record(ctx context.Context, address string) error
}

type Ledger interface {
	Append(ctx context.Context, rec *model.ActionRecord) error
	ListByAddress(ctx context.Context, address string, kind model.ActionKind, limit int) ([]model.ActionRecord, error)
}

type UserSource interface {
	ListEligible(ctx context.Context, offset, limit int) ([]model.User, error)
	StrategyFor(ctx context.Context, address string) (*model.RebalanceStrategy, error)
}

type TransferExecutor interface {
	Execute(ctx context.Context, inst executor.Instruction, key *ecdsa.PrivateKey) (*executor.Receipt, error)
}

// Orchestrator runs rebalance cycles: one fleet-wide safety check, then a
// batched, concurrency-bounded fan-out of the per-user pipeline. A user
// failure never aborts the cycle; only the eligible-user query or the
// vault universe fetch is fatal.
type Orchestrator struct {
	users    UserSource
	source   VaultSource
	engine   *DecisionEngine
	sessions *SessionService
	gate     *SafetyGate
	locker   UserLocker
	budget   OpBudget
	ledger   Ledger
	exec     TransferExecutor
	cfg      config.OrchestratorConfig
}

func NewOrchestrator(
	users UserSource,
	source VaultSource,
	engine *DecisionEngine,
	sessions *SessionService,
	gate *SafetyGate,
	locker UserLocker,
	budget OpBudget,
	ledger Ledger,
	exec TransferExecutor,
	cfg config.OrchestratorConfig,
) *Orchestrator {
	return &Orchestrator{
		users:    users,
		source:   source,
		engine:   engine,
		sessions: sessions,
		gate:     gate,
		locker:   locker,
		budget:   budget,
		ledger:   ledger,
		exec:     exec,
		cfg:      cfg,
	}
}

// RunCycle executes one full cycle. A targeted cycle restricts candidate
// vaults to the addresses in req; an empty request evaluates the full
// universe.
func (o *Orchestrator) RunCycle(ctx context.Context, req model.RunCycleRequest) (*model.CycleResult, error) {
	started := time.Now()
	result := &model.CycleResult{
		CycleID:   uuid.NewString(),
		Targeted:  len(req.VaultAddresses) > 0,
		StartedAt: started.UTC(),
		Details:   []model.UserResult{},
	}

	// 1. Safety gate, once for the whole fleet. Any unhealthy verdict
	// aborts before a single user is touched.
	gate := o.gate.Check(ctx)
	if !gate.Healthy() {
		metrics.SafetyAborts.WithLabelValues(string(gate.Status)).Inc()
		metrics.CyclesTotal.WithLabelValues("aborted").Inc()
		result.AbortReason = fmt.Sprintf("safety gate %s: %s", gate.Status, gate.Detail)
		result.DurationMs = time.Since(started).Milliseconds()
		logger.Warn("Cycle aborted by safety gate", "cycle_id", result.CycleID, "status", gate.Status, "detail", gate.Detail)
		return result, nil
	}

	// 2. Vault universe, fetched once and shared across the batch.
	fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout())
	universe, err := o.source.Vaults(fetchCtx)
	cancel()
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("failed").Inc()
		return nil, apperrors.New(apperrors.ErrUpstream, "fetching vault universe", err)
	}

	// 3. Sequential batches, concurrent chunks inside each batch.
	offset := 0
	for {
		batch, err := o.users.ListEligible(ctx, offset, o.batchSize())
		if err != nil {
			metrics.CyclesTotal.WithLabelValues("failed").Inc()
			return nil, apperrors.New(apperrors.ErrInternal, "listing eligible users", err)
		}
		if len(batch) == 0 {
			break
		}

		for start := 0; start < len(batch); start += o.concurrency() {
			end := start + o.concurrency()
			if end > len(batch) {
				end = len(batch)
			}
			chunk := batch[start:end]

			outcomes := make([]model.UserResult, len(chunk))
			var wg sync.WaitGroup
			for i, user := range chunk {
				wg.Add(1)
				go func(i int, user model.User) {
					defer wg.Done()
					outcomes[i] = o.processUser(ctx, result.CycleID, user, universe, req.VaultAddresses)
				}(i, user)
			}
			wg.Wait()

			for _, outcome := range outcomes {
				result.Processed++
				switch outcome.Outcome {
				case model.StatusRebalanced:
					result.Rebalanced++
				case model.StatusSkipped:
					result.Skipped++
				default:
					result.Errors++
				}
				logger.Debug("User processed",
					"cycle_id", result.CycleID,
					"address", outcome.Address,
					"outcome", string(outcome.Outcome),
					"reason", outcome.Reason,
				)
				result.Details = append(result.Details, outcome)
			}
		}

		if len(batch) < o.batchSize() {
			break
		}
		offset += len(batch)
	}

	result.DurationMs = time.Since(started).Milliseconds()
	metrics.CycleDuration.Observe(time.Since(started).Seconds())
	metrics.CyclesTotal.WithLabelValues("completed").Inc()
	logger.Info("Cycle complete",
		"cycle_id", result.CycleID,
		"targeted", result.Targeted,
		"processed", result.Processed,
		"rebalanced", result.Rebalanced,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"duration_ms", result.DurationMs,
	)
	return result, nil
}

// processUser is the per-user pipeline: lock, session check, decision,
// budget, execute, ledger. Every exit path is one of rebalanced, skipped
// or error; a panic becomes an error outcome so the batch always
// continues.
func (o *Orchestrator) processUser(ctx context.Context, cycleID string, user model.User, universe []model.Vault, targetFilter []string) (res model.UserResult) {
	res = model.UserResult{Address: user.Address, Outcome: model.StatusError}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Pipeline panic", "address", user.Address, "panic", r)
			res.Outcome = model.StatusError
			res.Reason = fmt.Sprintf("internal: %v", r)
		}
		metrics.UserOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	}()

	// 1. Per-user lock: at most one in-flight pipeline per wallet, even
	// across overlapping cycle invocations. Never blocks; a held lock is
	// a skip.
	token, acquired, err := o.locker.TryLock(ctx, user.Address, o.lockTTL())
	if err != nil {
		res.Reason = fmt.Sprintf("lock acquire: %v", err)
		return res
	}
	if !acquired {
		res.Outcome = model.StatusSkipped
		res.Reason = string(model.SkipInProgress)
		return res
	}
	defer o.locker.Unlock(ctx, user.Address, token)

	// 2. Session authorization, fetched and validated fresh so a revoke
	// that landed after this cycle's user query still takes effect.
	auth, err := o.sessions.Load(ctx, user.Address)
	if err != nil {
		res.Reason = fmt.Sprintf("loading session: %v", err)
		return res
	}
	validity, err := o.sessions.Validate(ctx, auth)
	if err != nil {
		res.Reason = fmt.Sprintf("validating session: %v", err)
		return res
	}
	if validity != model.SessionValid {
		res.Outcome = model.StatusSkipped
		res.Reason = string(skipReasonFor(validity))
		return res
	}

	// 3. Decision.
	strategy, err := o.users.StrategyFor(ctx, user.Address)
	if err != nil {
		res.Reason = fmt.Sprintf("loading strategy: %v", err)
		return res
	}
	decision, err := o.engine.Evaluate(ctx, universe, EvalParams{
		Address:        user.Address,
		Strategy:       strategy,
		ApprovedVaults: o.sessions.ApprovedVaults(auth),
		TargetFilter:   targetFilter,
	})
	if err != nil {
		res.Reason = fmt.Sprintf("decision: %v", err)
		return res
	}
	res.APYImprovement = decision.APYImprovement.InexactFloat64()
	if !decision.ShouldRebalance() {
		res.Outcome = model.StatusSkipped
		res.Reason = decision.Reason.Describe()
		return res
	}

	// 4. Dry run stops short of touching funds but still records the
	// decision for audit. Nothing is spent, so the budget is not
	// consulted either.
	if o.cfg.DryRun {
		o.appendRebalance(ctx, cycleID, user.Address, decision, len(targetFilter) > 0, true, "", nil)
		res.Outcome = model.StatusSkipped
		res.Reason = string(model.SkipSimulated)
		return res
	}

	// 5. Operation budget, read just before spending. Unreadable counter
	// denies: the ceiling bounds blast radius, so no silent allow.
	allowed, err := o.budget.Allows(ctx, user.Address)
	if err != nil {
		logger.Warn("Budget check failed, denying", "address", user.Address, "error", err)
		allowed = false
	}
	if !allowed {
		metrics.BudgetDenials.Inc()
		res.Outcome = model.StatusSkipped
		res.Reason = string(model.SkipBudgetLow)
		return res
	}

	// 6. Unseal only now, immediately before execution.
	key, err := o.sessions.Unseal(auth)
	if err != nil {
		o.appendRebalance(ctx, cycleID, user.Address, decision, len(targetFilter) > 0, false, "", err)
		res.Reason = fmt.Sprintf("unsealing credential: %v", err)
		return res
	}

	// 7. Execute the move.
	receipt, err := o.exec.Execute(ctx, executor.Instruction{
		Address:   user.Address,
		FromVault: decision.Current.Address,
		ToVault:   decision.Target.Address,
		Amount:    decision.Current.AssetValue,
	}, key)
	if err != nil {
		metrics.RebalancesTotal.WithLabelValues("failed").Inc()
		o.appendRebalance(ctx, cycleID, user.Address, decision, len(targetFilter) > 0, false, "", err)
		res.Reason = fmt.Sprintf("execution: %v", err)
		return res
	}

	// 8. Budget increment and ledger write. The transfer already
	// happened, so failures here are logged, not surfaced as pipeline
	// errors.
	if err := o.budget.Record(ctx, user.Address); err != nil {
		logger.Warn("Failed to record budget use", "address", user.Address, "error", err)
	}
	metrics.RebalancesTotal.WithLabelValues("success").Inc()
	o.appendRebalance(ctx, cycleID, user.Address, decision, len(targetFilter) > 0, false, receipt.ID, nil)

	res.Outcome = model.StatusRebalanced
	res.Reason = decision.Reason.Describe()
	res.ReceiptID = receipt.ID
	return res
}

// PreviewDecision evaluates one user without locks, budget or execution.
// Serves the read-only decision endpoint.
func (o *Orchestrator) PreviewDecision(ctx context.Context, rawAddress string) (*model.Decision, error) {
	address, err := model.NormalizeAddress(rawAddress)
	if err != nil {
		return nil, apperrors.NewInvalidRequest(err.Error())
	}
	strategy, err := o.users.StrategyFor(ctx, address)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "loading strategy", err)
	}
	auth, err := o.sessions.Load(ctx, address)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "loading session", err)
	}
	decision, err := o.engine.EvaluateLive(ctx, EvalParams{
		Address:        address,
		Strategy:       strategy,
		ApprovedVaults: o.sessions.ApprovedVaults(auth),
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, "evaluating decision", err)
	}
	return decision, nil
}

func skipReasonFor(v model.SessionValidity) model.SkipReason {
	switch v {
	case model.SessionUnsupported:
		return model.SkipUnsupportedKind
	case model.SessionExpired:
		return model.SkipExpired
	case model.SessionRevoked:
		return model.SkipRevoked
	default:
		return model.SkipNoSession
	}
}

func (o *Orchestrator) appendRebalance(ctx context.Context, cycleID, address string, d *model.Decision, targeted, simulated bool, receiptID string, execErr error) {
	meta, err := json.Marshal(model.RebalanceMetadata{
		CycleID:        cycleID,
		Targeted:       targeted,
		Simulated:      simulated,
		APYImprovement: d.APYImprovement,
		EstAnnualGain:  d.EstAnnualGain,
		BreakEvenDays:  d.BreakEvenDays,
		Reason:         d.Reason,
	})
	if err != nil {
		return
	}

	rec := &model.ActionRecord{
		ID:       uuid.NewString(),
		Address:  address,
		Kind:     model.ActionRebalance,
		Status:   model.ActionSuccess,
		Metadata: datatypes.JSON(meta),
	}
	if d.Current != nil {
		rec.FromVault = d.Current.Address
		rec.Amount = d.Current.AssetValue
	}
	if d.Target != nil {
		rec.ToVault = d.Target.Address
	}
	if receiptID != "" {
		rec.ReceiptID = receiptID
	}
	if execErr != nil {
		rec.Status = model.ActionFailed
		rec.ErrorText = execErr.Error()
	}

	if err := o.ledger.Append(ctx, rec); err != nil {
		logger.Error("Failed to append ledger record", "address", address, "cycle_id", cycleID, "error", err)
	}
}

func (o *Orchestrator) batchSize() int {
	if o.cfg.BatchSize > 0 {
		return o.cfg.BatchSize
	}
	return 50
}

func (o *Orchestrator) concurrency() int {
	if o.cfg.Concurrency > 0 {
		return o.cfg.Concurrency
	}
	return 10
}

func (o *Orchestrator) lockTTL() time.Duration {
	if o.cfg.LockTTLSeconds > 0 {
		return time.Duration(o.cfg.LockTTLSeconds) * time.Second
	}
	return 2 * time.Minute
}

func (o *Orchestrator) fetchTimeout() time.Duration {
	if o.cfg.FetchTimeoutMs > 0 {
		return time.Duration(o.cfg.FetchTimeoutMs) * time.Millisecond
	}
	return 10 * time.Second
}
