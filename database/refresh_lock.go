package database

import (
	"context"
	"fmt"
	"hash/fnv"

	apperrors "entity-hierarchy-engine/errors"
	"entity-hierarchy-engine/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RefreshLockKey derives the advisory lock key for an aggregate refresh. The
// partition qualifier is mandatory: a key derived from the aggregate name
// alone collides when two partitions refresh an aggregate with the same name
// at the same time.
func RefreshLockKey(partition models.PartitionID, aggregateName string) int64 {
	h := fnv.New64a()
	h.Write([]byte(string(partition) + "." + aggregateName))
	return int64(h.Sum64())
}

// PgRefreshLock provides aggregate refresh mutual exclusion through
// PostgreSQL advisory locks. The lock is pinned to a pooled connection for
// its whole duration; if the holder crashes, the session dies and PostgreSQL
// releases the lock, which is what keeps a wedged REFRESHING state impossible.
type PgRefreshLock struct {
	pool *pgxpool.Pool
}

// NewPgRefreshLock creates an advisory-lock based refresh locker
func NewPgRefreshLock(pool *pgxpool.Pool) *PgRefreshLock {
	return &PgRefreshLock{pool: pool}
}

// TryAcquire attempts to take the partition-qualified lock for an aggregate.
// Returns acquired=false without error when another holder has it - that is
// the expected refresh race, not a failure. The returned release func must be
// called exactly once when acquired.
func (l *PgRefreshLock) TryAcquire(ctx context.Context, partition models.PartitionID, aggregateName string) (func(), bool, error) {
	key := RefreshLockKey(partition, aggregateName)

	// The advisory lock belongs to a session, so the connection must stay
	// checked out until release
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseConnection,
			"failed to acquire connection for refresh lock", err)
	}

	var acquired bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired)
	if err != nil {
		conn.Release()
		return nil, false, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			fmt.Sprintf("failed to try refresh lock for %q", aggregateName), err)
	}

	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// Unlock on a background context: release must work even when the
		// refresh context has already expired
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}

	return release, true, nil
}
