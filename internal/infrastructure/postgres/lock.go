package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Advisory lock keys
const (
	SweepLockID  int64 = 0x61646865 // "adhe"
	OutboxLockID int64 = 123456789
)

// AdvisoryLock is a session-level pg advisory lock. Lock and unlock run on
// the same pooled connection, which stays acquired while the lock is held.
type AdvisoryLock struct {
	pool   *pgxpool.Pool
	id     int64
	logger *zap.Logger
}

// NewAdvisoryLock creates a lock for id
func NewAdvisoryLock(pool *pgxpool.Pool, id int64, logger *zap.Logger) *AdvisoryLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdvisoryLock{pool: pool, id: id, logger: logger}
}

// TryLock implements adherence.Locker.
func (l *AdvisoryLock) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.id).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// unlock must not be skipped because the caller's context ended
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", l.id); err != nil {
			l.logger.Error("failed to release advisory lock", zap.Int64("lock_id", l.id), zap.Error(err))
		}
		conn.Release()
	}
	return release, true, nil
}
