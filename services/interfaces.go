package services

import (
	"context"
	"encoding/json"
	"time"

	"entity-hierarchy-engine/models"
)

// HierarchyStore is the durable source of truth (the L3 tier). Implemented
// by database.PgHierarchyStore in production and MockHierarchyStore in tests.
type HierarchyStore interface {
	Partition() models.PartitionID
	GetNode(ctx context.Context, id models.NodeID) (*models.Node, error)
	GetAncestors(ctx context.Context, id models.NodeID, maxDepth int) ([]models.Node, error)
	GetDescendants(ctx context.Context, id models.NodeID, maxDepth int) ([]models.Node, error)
	GetChildren(ctx context.Context, id models.NodeID) ([]models.Node, error)
	ListNodes(ctx context.Context) ([]models.Node, error)
	CountDescendants(ctx context.Context, id models.NodeID) (int64, error)
	CreateNode(ctx context.Context, id models.NodeID, parentID models.NodeID, payload json.RawMessage) (*models.Node, error)
	MoveNode(ctx context.Context, id models.NodeID, newParentID models.NodeID) (*models.Node, error)
	DeleteNode(ctx context.Context, id models.NodeID) ([]models.NodeID, error)
	Ping(ctx context.Context) error
}

// CacheService is the L1 process-local cache. Mutated only by the owning
// process; invalidated explicitly by key or prefix.
type CacheService interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Clear(ctx context.Context) error
	GetStats() CacheStats
	Stop()
}

// SharedCache is the L2 distributed cache shared across engine instances.
// Implementations must degrade, not fail: an unreachable backend surfaces as
// a tier_unavailable error the coordinator treats as a miss.
type SharedCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Publish(ctx context.Context, channel string, payload interface{}) error
	Ping(ctx context.Context) error
	Close() error
}

// RefreshLocker provides the namespaced mutual exclusion required before any
// aggregate recomputation. Locks are scoped by (partition, aggregate name)
// and must be lease-based so a crashed holder cannot wedge an aggregate in
// the refreshing state.
type RefreshLocker interface {
	TryAcquire(ctx context.Context, partition models.PartitionID, aggregateName string) (release func(), acquired bool, err error)
}

// AggregateStore persists materialized aggregate records (the L4 tier)
type AggregateStore interface {
	GetRecord(ctx context.Context, partition models.PartitionID, id models.NodeID, kind models.AggregateKind) (*models.AggregateRecord, error)
	UpsertRecords(ctx context.Context, records []models.AggregateRecord) error
	MarkStale(ctx context.Context, partition models.PartitionID, ids []models.NodeID) error
	MarkSubtreeStale(ctx context.Context, partition models.PartitionID, pathPrefix models.Path) error
	DeleteRecords(ctx context.Context, partition models.PartitionID, ids []models.NodeID) error
	Stats(ctx context.Context, partition models.PartitionID) (*AggregateStoreStats, error)
}

// MetricsService records engine counters and timings
type MetricsService interface {
	IncrementCounter(name string, tags map[string]string)
	RecordTiming(name string, duration time.Duration, tags map[string]string)
	RecordTierHit(tier models.Tier)
	RecordTierMiss(tier models.Tier)
	TierHitRates() map[string]float64
	GetMetrics() map[string]interface{}
}

// PoolStatsProvider exposes connection-pool utilization to the health monitor
type PoolStatsProvider interface {
	PoolUtilization() float64
}

// InvalidationCallback receives invalidation events. Delivery is
// at-least-once and ordered per node; callbacks must be idempotent.
type InvalidationCallback func(event models.InvalidationEvent)
