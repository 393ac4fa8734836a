package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/adapters/config"
	"github.com/selivandex/tradeswarm/pkg/logger"
)

// DispatchLock guards the registry dispatch tick so only one process pushes
// queued messages at a time. Swapping implementations (Redis, PostgreSQL,
// etcd) only requires satisfying this interface.
type DispatchLock interface {
	// TryAcquire attempts to take the dispatch lock for one tick
	TryAcquire(ctx context.Context) (bool, error)
	// Release releases the lock
	Release(ctx context.Context) error
}

// RedLock implements DispatchLock on the Redlock algorithm
type RedLock struct {
	manager  *redlock.RedLock
	lockName string
	ttl      time.Duration
}

// NewDispatchLock creates a redlock-backed dispatch lock
func NewDispatchLock(cfg *config.RedisConfig, lockName string, ttl time.Duration) (*RedLock, error) {
	addr := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manager, err := redlock.NewRedLock(ctx, []string{addr})
	if err != nil {
		return nil, fmt.Errorf("failed to create redlock manager: %w", err)
	}

	logger.Info("dispatch lock manager initialized",
		zap.String("lock", lockName),
		zap.Duration("ttl", ttl),
	)

	return &RedLock{manager: manager, lockName: lockName, ttl: ttl}, nil
}

// TryAcquire attempts to take the dispatch lock; contention is not an error
func (l *RedLock) TryAcquire(ctx context.Context) (bool, error) {
	expiry, err := l.manager.Lock(ctx, l.lockName, l.ttl)
	if err != nil {
		logger.Debug("dispatch lock held by another process",
			zap.String("lock", l.lockName),
		)
		return false, nil
	}
	if expiry <= 0 {
		return false, fmt.Errorf("failed to acquire dispatch lock: invalid expiry %v", expiry)
	}
	return true, nil
}

// Release releases the dispatch lock
func (l *RedLock) Release(ctx context.Context) error {
	if err := l.manager.UnLock(ctx, l.lockName); err != nil {
		logger.Warn("failed to release dispatch lock (may have expired)",
			zap.String("lock", l.lockName),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// NoopLock always grants the lock; used in single-process mode and tests
type NoopLock struct{}

// TryAcquire always succeeds
func (NoopLock) TryAcquire(ctx context.Context) (bool, error) { return true, nil }

// Release is a no-op
func (NoopLock) Release(ctx context.Context) error { return nil }
