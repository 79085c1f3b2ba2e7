package pgstore

import (
	"context"
	"fmt"
	"time"
)

// SweepLockKey is the advisory lock that elects the sweeping daemon.
const SweepLockKey int64 = 0x636f6e64 // "cond"

// TryLeader takes a session advisory lock on a dedicated connection. When
// ok is true the caller must call release once its work is done; when false
// another session holds the lock.
func (s *Store) TryLeader(ctx context.Context, key int64) (release func(), ok bool, err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire leader connection: %w", err)
	}
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			// A connection that cannot unlock must not return to the pool
			// still holding the lock.
			_ = conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}, true, nil
}
