package services

import (
	"context"
	"sync"
	"time"

	"entity-hierarchy-engine/models"
)

// LeaseLock is an in-process RefreshLocker with lease semantics: every
// acquisition carries an expiry, so a holder that never releases (crashed
// goroutine, lost reference) cannot wedge an aggregate in the refreshing
// state. Used in tests and single-instance deployments; multi-instance
// deployments use the PostgreSQL advisory lock instead.
type LeaseLock struct {
	mu     sync.Mutex
	leases map[int64]time.Time
	lease  time.Duration
	now    func() time.Time
}

// NewLeaseLock creates a lease lock with the given lease duration
func NewLeaseLock(lease time.Duration) *LeaseLock {
	return &LeaseLock{
		leases: make(map[int64]time.Time),
		lease:  lease,
		now:    time.Now,
	}
}

// leaseLockKey mirrors the advisory-lock key derivation: the partition
// qualifier prevents identically named aggregates in different partitions
// from sharing a lock.
func leaseLockKey(partition models.PartitionID, aggregateName string) int64 {
	return lockKeyHash(string(partition) + "." + aggregateName)
}

// TryAcquire attempts to take the lease for (partition, aggregateName).
// acquired=false means another holder has an unexpired lease - the expected
// refresh race, never an error.
func (l *LeaseLock) TryAcquire(ctx context.Context, partition models.PartitionID, aggregateName string) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	key := leaseLockKey(partition, aggregateName)

	l.mu.Lock()
	defer l.mu.Unlock()

	if expiry, held := l.leases[key]; held && l.now().Before(expiry) {
		return nil, false, nil
	}

	grantedExpiry := l.now().Add(l.lease)
	l.leases[key] = grantedExpiry

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		// Release only our own lease; if it expired and someone else
		// re-acquired, their expiry differs and must survive
		if expiry, held := l.leases[key]; held && expiry.Equal(grantedExpiry) {
			delete(l.leases, key)
		}
	}

	return release, true, nil
}

// HeldKeys returns the number of currently unexpired leases
func (l *LeaseLock) HeldKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	now := l.now()
	for _, expiry := range l.leases {
		if now.Before(expiry) {
			count++
		}
	}
	return count
}

// lockKeyHash is fnv64a over the qualified lock name
func lockKeyHash(s string) int64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211

	var h uint64 = offset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return int64(h)
}
