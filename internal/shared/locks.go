package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// BalanceLockKey builds the lock key serialising mutations for one
// material within a plant. All balance, layer and average-cost writes for
// the key go through this lock.
func BalanceLockKey(orgID, plantID, materialID int64) string {
	return fmt.Sprintf("ledger:%d:%d:%d:lock", orgID, plantID, materialID)
}

// LockManager serialises read-modify-write sequences per key. A process
// local mutex is always held; when a redislock client is configured an
// additional distributed lock covers multi-instance deployments.
type LockManager struct {
	mu     sync.Mutex
	locks  map[string]*keyLock
	locker *redislock.Client
	ttl    time.Duration
	logger *slog.Logger
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewLockManager constructs a LockManager. locker may be nil.
func NewLockManager(locker *redislock.Client, ttl time.Duration, logger *slog.Logger) *LockManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LockManager{locks: make(map[string]*keyLock), locker: locker, ttl: ttl, logger: logger}
}

// ErrLockNotObtained indicates the distributed lock could not be acquired.
var ErrLockNotObtained = errors.New("lock not obtained")

// Acquire blocks the calling goroutine until the key lock is held and
// returns a release function. Release must run on all exit paths.
func (m *LockManager) Acquire(ctx context.Context, key string) (func(), error) {
	if m == nil {
		return func() {}, nil
	}
	m.mu.Lock()
	kl, ok := m.locks[key]
	if !ok {
		kl = &keyLock{}
		m.locks[key] = kl
	}
	kl.refs++
	m.mu.Unlock()

	kl.mu.Lock()

	var dist *redislock.Lock
	if m.locker != nil {
		lock, err := m.locker.Obtain(ctx, key, m.ttl, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 50),
		})
		if errors.Is(err, redislock.ErrNotObtained) {
			m.release(key, kl, nil)
			return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
		}
		if err != nil {
			m.release(key, kl, nil)
			return nil, err
		}
		dist = lock
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		m.release(key, kl, dist)
	}, nil
}

func (m *LockManager) release(key string, kl *keyLock, dist *redislock.Lock) {
	if dist != nil {
		if err := dist.Release(context.Background()); err != nil && m.logger != nil {
			m.logger.Warn("release distributed lock", slog.String("key", key), slog.Any("error", err))
		}
	}
	kl.mu.Unlock()
	m.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}
