package reconcile

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/md-rashed-zaman/resumeai/libs/db"
)

// PGLocker is a Postgres session advisory lock. The lock lives on one pooled
// connection, which is held until Unlock.
type PGLocker struct {
	pool *db.Pool
	conn *pgxpool.Conn
}

func NewPGLocker(pool *db.Pool) *PGLocker {
	return &PGLocker{pool: pool}
}

func (l *PGLocker) TryLock(ctx context.Context, key int64) (bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return false, err
	}
	if !locked {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *PGLocker) Unlock(ctx context.Context, key int64) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()
	_, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
	return err
}
