package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultpilot/vaultpilot/internal/config"
	"github.com/vaultpilot/vaultpilot/internal/executor"
	"github.com/vaultpilot/vaultpilot/internal/model"
	"github.com/vaultpilot/vaultpilot/internal/oracle"
)

const (
	walletA = "0x2222222222222222222222222222222222222222"
	walletB = "0x3333333333333333333333333333333333333333"
	walletC = "0x4444444444444444444444444444444444444444"
	walletD = "0x5555555555555555555555555555555555555555"
)

type stubUserSource struct {
	mu         sync.Mutex
	users      []model.User
	strategies map[string]*model.RebalanceStrategy
}

func (s *stubUserSource) ListEligible(ctx context.Context, offset, limit int) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset >= len(s.users) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.users) {
		end = len(s.users)
	}
	return s.users[offset:end], nil
}

func (s *stubUserSource) StrategyFor(ctx context.Context, address string) (*model.RebalanceStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strategy, ok := s.strategies[address]; ok {
		return strategy, nil
	}
	return model.DefaultStrategy(address), nil
}

type stubExecutor struct {
	mu       sync.Mutex
	failFor  map[string]error
	panicFor map[string]bool
	calls    []executor.Instruction
}

func (e *stubExecutor) Execute(ctx context.Context, inst executor.Instruction, key *ecdsa.PrivateKey) (*executor.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.panicFor[inst.Address] {
		panic("executor blew up")
	}
	if err := e.failFor[inst.Address]; err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errors.New("nil session key")
	}
	e.calls = append(e.calls, inst)
	return &executor.Receipt{ID: "rcpt-" + inst.Address, Status: "queued"}, nil
}

func (e *stubExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type failingBudget struct{}

func (failingBudget) Allows(ctx context.Context, address string) (bool, error) {
	return true, errors.New("budget store down")
}

func (failingBudget) Record(ctx context.Context, address string) error {
	return errors.New("budget store down")
}

// meteredLocker counts pipelines between lock acquire and release. The
// hold keeps chunk members overlapped long enough to observe the
// fan-out width.
type meteredLocker struct {
	inner    UserLocker
	hold     time.Duration
	inFlight atomic.Int64
	peak     atomic.Int64
}

func (l *meteredLocker) TryLock(ctx context.Context, address string, ttl time.Duration) (string, bool, error) {
	cur := l.inFlight.Add(1)
	for {
		prev := l.peak.Load()
		if cur <= prev || l.peak.CompareAndSwap(prev, cur) {
			break
		}
	}
	time.Sleep(l.hold)
	return l.inner.TryLock(ctx, address, ttl)
}

func (l *meteredLocker) Unlock(ctx context.Context, address, token string) error {
	l.inFlight.Add(-1)
	return l.inner.Unlock(ctx, address, token)
}

// orchFixture wires an Orchestrator from in-memory parts. Tests mutate
// the fields they care about and call rebuild.
type orchFixture struct {
	orch        *Orchestrator
	users       *stubUserSource
	sessions    *SessionService
	sessionRepo *mapSessionStore
	userStore   *stubUserStore
	revocations *MemoryRevocations
	locker      UserLocker
	budget      OpBudget
	ledger      *captureLedger
	exec        *stubExecutor
	source      *stubVaultSource
	gate        *SafetyGate
	cfg         config.OrchestratorConfig
}

func healthyGate() *SafetyGate {
	return NewSafetyGate(&stubFeed{reading: oracle.PriceReading{
		Price:     decimal.NewFromInt(1),
		UpdatedAt: time.Now(),
	}}, gateConfig())
}

func newOrchFixture(t *testing.T, source *stubVaultSource, wallets ...string) *orchFixture {
	t.Helper()

	f := &orchFixture{
		users:       &stubUserSource{strategies: make(map[string]*model.RebalanceStrategy)},
		sessionRepo: newMapSessionStore(),
		userStore:   newStubUserStore(wallets...),
		revocations: NewMemoryRevocations(),
		locker:      NewMemoryLocker(),
		budget:      NewMemoryBudget(90, 3),
		ledger:      &captureLedger{},
		exec:        &stubExecutor{failFor: make(map[string]error), panicFor: make(map[string]bool)},
		source:      source,
		gate:        healthyGate(),
		cfg: config.OrchestratorConfig{
			BatchSize:      50,
			Concurrency:    10,
			MinVaultTVL:    100000,
			MaxRiskScore:   2,
			DefaultMinGain: 0.005,
			RebalanceCost:  2.0,
			MaxHorizonDays: 30,
			LockTTLSeconds: 60,
			FetchTimeoutMs: 2000,
		},
	}
	for _, w := range wallets {
		f.users.users = append(f.users.users, model.User{Address: w, AutoOptimize: true, AgentActive: true})
	}
	f.sessions = NewSessionService(f.sessionRepo, f.revocations, f.userStore, testSealer(t), f.ledger, config.SessionConfig{
		DefaultTTLHours: 168,
		MaxTTLHours:     720,
	})
	f.rebuild()
	return f
}

func (f *orchFixture) rebuild() {
	engine := NewDecisionEngine(f.source, f.cfg)
	f.orch = NewOrchestrator(f.users, f.source, engine, f.sessions, f.gate, f.locker, f.budget, f.ledger, f.exec, f.cfg)
}

func (f *orchFixture) issue(t *testing.T, wallets ...string) {
	t.Helper()
	for _, w := range wallets {
		if _, err := f.sessions.Issue(context.Background(), model.IssueSessionRequest{Address: w}); err != nil {
			t.Fatalf("issuing session for %s: %v", w, err)
		}
	}
}

func rebalanceSource(wallets ...string) *stubVaultSource {
	positions := make(map[string][]model.Position, len(wallets))
	for _, w := range wallets {
		positions[w] = []model.Position{mkPosition("0xvaulta", "0.03", "10000")}
	}
	return &stubVaultSource{
		vaults: []model.Vault{
			mkVault("0xvaulta", "Current", "0.03", "5000000"),
			mkVault("0xvaultb", "Better", "0.05", "8000000"),
		},
		positions: positions,
	}
}

func detailFor(t *testing.T, result *model.CycleResult, address string) model.UserResult {
	t.Helper()
	for _, d := range result.Details {
		if d.Address == address {
			return d
		}
	}
	t.Fatalf("no detail entry for %s", address)
	return model.UserResult{}
}

func TestRunCycleRebalances(t *testing.T) {
	f := newOrchFixture(t, rebalanceSource(walletA, walletB), walletA, walletB)
	f.issue(t, walletA, walletB)

	result, err := f.orch.RunCycle(context.Background(), model.RunCycleRequest{})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if result.Processed != 2 || result.Rebalanced != 2 || result.Skipped != 0 || result.Errors != 0 {
		t.Fatalf("unexpected tally: %+v", result)
	}
	for _, w := range []string{walletA, walletB} {
		d := detailFor(t, result, w)
		if d.Outcome != model.StatusRebalanced {
			t.Fatalf("%s: expected rebalanced, got %s (%s)", w, d.Outcome, d.Reason)
		}
		if d.ReceiptID == "" {
			t.Fatalf("%s: receipt missing", w)
		}
	}

	if f.exec.callCount() != 2 {
		t.Fatalf("expected 2 executions, got %d", f.exec.callCount())
	}
	for _, inst := range f.exec.calls {
		if inst.FromVault != "0xvaulta" || inst.ToVault != "0xvaultb" {
			t.Fatalf("wrong route: %+v", inst)
		}
		if !inst.Amount.Equal(decimal.NewFromInt(10000)) {
			t.Fatalf("wrong amount: %s", inst.Amount)
		}
	}

	moves := f.ledger.byKind(model.ActionRebalance)
	if len(moves) != 2 {
		t.Fatalf("expected 2 ledger records, got %d", len(moves))
	}
	for _, rec := range moves {
		if rec.Status != model.ActionSuccess || rec.ReceiptID == "" {
			t.Fatalf("bad ledger record: %+v", rec)
		}
	}
}

func TestRunCycleSkipVariantsNeverError(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t, rebalanceSource(walletA, walletB, walletC, walletD), walletA, walletB, walletC, walletD)

	// walletA: never issued a session.
	// walletB: session expired.
	f.issue(t, walletB)
	authB, _ := f.sessionRepo.GetByAddress(ctx, walletB)
	authB.ExpiresAt = time.Now().Add(-time.Hour).Unix()
	f.sessionRepo.Save(ctx, authB)

	// walletC: revocation marked but the credential row still present,
	// the exact state between a revoke's two writes.
	f.issue(t, walletC)
	authC, _ := f.sessionRepo.GetByAddress(ctx, walletC)
	f.revocations.Revoke(ctx, authC.SessionKeyID, time.Hour)

	// walletD: an authorization kind this build does not know.
	f.issue(t, walletD)
	authD, _ := f.sessionRepo.GetByAddress(ctx, walletD)
	authD.Kind = model.SessionKind("session_v9")
	f.sessionRepo.Save(ctx, authD)

	result, err := f.orch.RunCycle(ctx, model.RunCycleRequest{})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if result.Errors != 0 {
		t.Fatalf("session problems are skips, not errors: %+v", result.Details)
	}
	if result.Skipped != 4 {
		t.Fatalf("expected 4 skips, got %d", result.Skipped)
	}

	want := map[string]model.SkipReason{
		walletA: model.SkipNoSession,
		walletB: model.SkipExpired,
		walletC: model.SkipRevoked,
		walletD: model.SkipUnsupportedKind,
	}
	for w, reason := range want {
		d := detailFor(t, result, w)
		if d.Outcome != model.StatusSkipped || d.Reason != string(reason) {
			t.Fatalf("%s: got %s %q, want skipped %q", w, d.Outcome, d.Reason, reason)
		}
	}
	if f.exec.callCount() != 0 {
		t.Fatal("no funds may move for any skip variant")
	}
}

func TestRunCycleSafetyGateAborts(t *testing.T) {
	f := newOrchFixture(t, rebalanceSource(walletA), walletA)
	f.issue(t, walletA)
	f.gate = NewSafetyGate(&stubFeed{reading: oracle.PriceReading{
		Price:     decimal.NewFromInt(1),
		UpdatedAt: time.Now().Add(-3 * time.Hour),
	}}, gateConfig())
	f.rebuild()

	result, err := f.orch.RunCycle(context.Background(), model.RunCycleRequest{})
	if err != nil {
		t.Fatalf("a gate abort is a reported outcome, not an error: %v", err)
	}

	if result.AbortReason == "" || !strings.Contains(result.AbortReason, string(GateStale)) {
		t.Fatalf("abort reason should name the gate status: %q", result.AbortReason)
	}
	if result.Processed != 0 || len(result.Details) != 0 {
		t.Fatalf("no user may be processed after an abort: %+v", result)
	}
	if f.exec.callCount() != 0 {
		t.Fatal("no funds may move after an abort")
	}
}

func TestRunCycleUniverseFetchError(t *testing.T) {
	source := rebalanceSource(walletA)
	source.vaultsErr = errors.New("subgraph down")
	f := newOrchFixture(t, source, walletA)
	f.issue(t, walletA)

	result, err := f.orch.RunCycle(context.Background(), model.RunCycleRequest{})
	if err == nil {
		t.Fatal("an unfetchable universe must fail the cycle")
	}
	if result != nil {
		t.Fatalf("failed cycle should not return a partial result: %+v", result)
	}
}

func TestRunCycleFailureIsolation(t *testing.T) {
	f := newOrchFixture(t, rebalanceSource(walletA, walletB), walletA, walletB)
	f.issue(t, walletA, walletB)
	f.exec.failFor[walletB] = errors.New("relayer rejected: insufficient allowance")

	result, err := f.orch.RunCycle(context.Background(), model.RunCycleRequest{})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if result.Rebalanced != 1 || result.Errors != 1 {
		t.Fatalf("one success and one isolated failure expected: %+v", result)
	}
	okDetail := detailFor(t, result, walletA)
	if okDetail.Outcome != model.StatusRebalanced {
		t.Fatalf("walletA should be unaffected: %+v", okDetail)
	}
	failDetail := detailFor(t, result, walletB)
	if failDetail.Outcome != model.StatusError || !strings.Contains(failDetail.Reason, "execution") {
		t.Fatalf("walletB should surface the execution error: %+v", failDetail)
	}

	// The failure is on the ledger with its error text.
	var failed []model.ActionRecord
	for _, rec := range f.ledger.byKind(model.ActionRebalance) {
		if rec.Status == model.ActionFailed {
			failed = append(failed, rec)
		}
	}
	if len(failed) != 1 || failed[0].Address != walletB || failed[0].ErrorText == "" {
		t.Fatalf("expected one failed ledger record for walletB: %+v", failed)
	}
}

func TestRunCyclePanicIsolation(t *testing.T) {
	f := newOrchFixture(t, rebalanceSource(walletA, walletB), walletA, walletB)
	f.issue(t, walletA, walletB)
	f.exec.panicFor[walletB] = true

	result, err := f.orch.RunCycle(context.Background(), model.RunCycleRequest{})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if result.Rebalanced != 1 || result.Errors != 1 {
		t.Fatalf("panic should cost one user, not the batch: %+v", result)
	}
	d := detailFor(t, result, walletB)
	if d.Outcome != model.StatusError || !strings.Contains(d.Reason, "internal") {
		t.Fatalf("panic should land as an internal error outcome: %+v", d)
	}
}

func TestRunCycleBudgetExhaustion(t *testing.T) {
	// Ceiling 4 with reserve 3 leaves exactly one operation per day.
	f := newOrchFixture(t, rebalanceSource(walletA), walletA)
	f.issue(t, walletA)
	f.budget = NewMemoryBudget(4, 3)
	f.rebuild()

	first, err := f.orch.RunCycle(context.Background(), model.RunCycleRequest{})
	if err != nil || first.Rebalanced != 1 {
		t.Fatalf("first cycle should rebalance: err=%v result=%+v", err, first)
	}

	second, err := f.orch.RunCycle(context.Background(), model.RunCycleRequest{})
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	d := detailFor(t, second, walletA)
	if d.Outcome != model.StatusSkipped || d.Reason != string(model.SkipBudgetLow) {
		t.Fatalf("exhausted budget should skip: %+v", d)
	}
	if f.exec.callCount() != 1 {
		t.Fatalf("expected exactly one execution across both cycles, got %d", f.exec.callCount())
	}
}

func TestRunCycleBudgetFailsClosed(t *testing.T) {
	f := newOrchFixture(t, rebalanceSource(walletA), walletA)
	f.issue(t, walletA)
	f.budget = failingBudget{}
	f.rebuild()

	result, err := f.orch.RunCycle(context.Background(), model.RunCycleRequest{})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	d := detailFor(t, result, walletA)
	if d.Outcome != model.StatusSkipped || d.Reason != string(model.SkipBudgetLow) {
		t.Fatalf("unreadable budget must deny, got %+v", d)
	}
	if f.exec.callCount() != 0 {
		t.Fatal("no execution when the budget cannot be read")
	}
}

func TestRunCycleDryRun(t *testing.T) {
	f := newOrchFixture(t, rebalanceSource(walletA), walletA)
	f.issue(t, walletA)
	f.cfg.DryRun = true
	f.rebuild()

	result, err := f.orch.RunCycle(context.Background(), model.RunCycleRequest{})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	d := detailFor(t, result, walletA)
	if d.Outcome != model.StatusSkipped || d.Reason != string(model.SkipSimulated) {
		t.Fatalf("dry run should simulate: %+v", d)
	}
	if f.exec.callCount() != 0 {
		t.Fatal("dry run must not execute")
	}
	// The would-be move is still recorded for audit.
	if len(f.ledger.byKind(model.ActionRebalance)) != 1 {
		t.Fatal("dry run should leave a ledger record")
	}
}

func TestRunCycleDryRunSurvivesBudgetOutage(t *testing.T) {
	// Simulation decides before it budgets: a down counter store must
	// not turn a would-be move into a budget skip.
	f := newOrchFixture(t, rebalanceSource(walletA), walletA)
	f.issue(t, walletA)
	f.budget = failingBudget{}
	f.cfg.DryRun = true
	f.rebuild()

	result, err := f.orch.RunCycle(context.Background(), model.RunCycleRequest{})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	d := detailFor(t, result, walletA)
	if d.Outcome != model.StatusSkipped || d.Reason != string(model.SkipSimulated) {
		t.Fatalf("dry run should simulate regardless of the budget store: %+v", d)
	}
	if len(f.ledger.byKind(model.ActionRebalance)) != 1 {
		t.Fatal("dry run should leave a ledger record")
	}
	if f.exec.callCount() != 0 {
		t.Fatal("dry run must not execute")
	}
}

func TestRunCycleRespectsHeldLock(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t, rebalanceSource(walletA), walletA)
	f.issue(t, walletA)

	token, ok, err := f.locker.TryLock(ctx, walletA, time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-lock: ok=%t err=%v", ok, err)
	}

	result, err := f.orch.RunCycle(ctx, model.RunCycleRequest{})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	d := detailFor(t, result, walletA)
	if d.Outcome != model.StatusSkipped || d.Reason != string(model.SkipInProgress) {
		t.Fatalf("locked user should be skipped: %+v", d)
	}

	// Release and rerun: the user is processable again.
	if err := f.locker.Unlock(ctx, walletA, token); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	result, err = f.orch.RunCycle(ctx, model.RunCycleRequest{})
	if err != nil || result.Rebalanced != 1 {
		t.Fatalf("unlocked user should rebalance: err=%v result=%+v", err, result)
	}
}

func TestRunCycleTargeted(t *testing.T) {
	source := rebalanceSource(walletA)
	// A better vault exists, but the targeted cycle only re-scores the
	// one that moved.
	source.vaults = append(source.vaults, mkVault("0xvaultc", "Best overall", "0.09", "9000000"))
	f := newOrchFixture(t, source, walletA)
	f.issue(t, walletA)

	result, err := f.orch.RunCycle(context.Background(), model.RunCycleRequest{
		VaultAddresses: []string{"0xvaultb"},
	})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if !result.Targeted {
		t.Fatal("result should be marked targeted")
	}
	if f.exec.callCount() != 1 || f.exec.calls[0].ToVault != "0xvaultb" {
		t.Fatalf("targeted cycle must stay inside the filter: %+v", f.exec.calls)
	}
}

func TestRunCycleBatchPagination(t *testing.T) {
	var wallets []string
	for i := 0; i < 120; i++ {
		wallets = append(wallets, fmt.Sprintf("0x%040x", i+1))
	}
	f := newOrchFixture(t, &stubVaultSource{
		vaults: []model.Vault{mkVault("0xvaultb", "Better", "0.05", "8000000")},
	}, wallets...)

	// No sessions issued: every user lands as a deterministic skip, and
	// all three pages are walked.
	result, err := f.orch.RunCycle(context.Background(), model.RunCycleRequest{})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if result.Processed != 120 || result.Skipped != 120 {
		t.Fatalf("expected all 120 users processed as skips: %+v", result)
	}
}

func TestRunCycleConcurrencyBound(t *testing.T) {
	// Three chunks of ten: enough users to cross chunk boundaries while
	// the metered locker watches the fan-out width.
	var wallets []string
	for i := 0; i < 30; i++ {
		wallets = append(wallets, fmt.Sprintf("0x%040x", i+1))
	}
	f := newOrchFixture(t, rebalanceSource(wallets...), wallets...)
	f.issue(t, wallets...)

	metered := &meteredLocker{inner: f.locker, hold: 10 * time.Millisecond}
	f.locker = metered
	f.rebuild()

	result, err := f.orch.RunCycle(context.Background(), model.RunCycleRequest{})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if result.Rebalanced != 30 {
		t.Fatalf("expected all 30 users rebalanced: %+v", result)
	}

	peak := metered.peak.Load()
	if peak > int64(f.cfg.Concurrency) {
		t.Fatalf("%d pipelines in flight, chunk limit is %d", peak, f.cfg.Concurrency)
	}
	if peak <= 1 {
		t.Fatalf("chunk members should overlap, peak was %d", peak)
	}
}

func TestPreviewDecision(t *testing.T) {
	f := newOrchFixture(t, rebalanceSource(walletA), walletA)
	f.issue(t, walletA)

	decision, err := f.orch.PreviewDecision(context.Background(), walletA)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if decision.Outcome != model.DecisionRebalance || decision.Target.Address != "0xvaultb" {
		t.Fatalf("unexpected preview: %+v", decision)
	}

	// Preview is read-only.
	if f.exec.callCount() != 0 {
		t.Fatal("preview must not execute")
	}
	if len(f.ledger.byKind(model.ActionRebalance)) != 0 {
		t.Fatal("preview must not write the ledger")
	}
}
