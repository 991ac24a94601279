package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// In-memory implementations of the lock, budget and revocation stores.
// Used as the fallback when Redis is not configured (single-instance
// deployments) and as the fixture store in tests. Semantics mirror the
// Redis implementations including TTL behavior.

type memoryLockEntry struct {
	token   string
	expires time.Time
}

type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLockEntry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLockEntry)}
}

func (l *MemoryLocker) TryLock(ctx context.Context, address string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if entry, ok := l.locks[address]; ok && now.Before(entry.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.locks[address] = memoryLockEntry{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLocker) Unlock(ctx context.Context, address, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.locks[address]; ok && entry.token == token {
		delete(l.locks, address)
	}
	return nil
}

type MemoryBudget struct {
	mu      sync.RWMutex
	used    map[string]int
	ceiling int
	reserve int
}

func NewMemoryBudget(ceiling, reserve int) *MemoryBudget {
	if ceiling <= 0 {
		ceiling = 90
	}
	if reserve < 0 {
		reserve = 0
	}
	return &MemoryBudget{used: make(map[string]int), ceiling: ceiling, reserve: reserve}
}

func (b *MemoryBudget) Allows(ctx context.Context, address string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.used[b.key(address)]+b.reserve < b.ceiling, nil
}

func (b *MemoryBudget) Record(ctx context.Context, address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used[b.key(address)]++
	return nil
}

func (b *MemoryBudget) key(address string) string {
	return address + ":" + time.Now().UTC().Format("2006-01-02")
}

type MemoryRevocations struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{revoked: make(map[string]time.Time)}
}

func (r *MemoryRevocations) Revoke(ctx context.Context, sessionKeyID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[sessionKeyID] = time.Now().Add(ttl)
	return nil
}

func (r *MemoryRevocations) IsRevoked(ctx context.Context, sessionKeyID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	expires, ok := r.revoked[sessionKeyID]
	if !ok {
		return false, nil
	}
	return time.Now().Before(expires), nil
}
