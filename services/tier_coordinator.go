package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "entity-hierarchy-engine/errors"
	"entity-hierarchy-engine/models"
)

// TierCoordinatorConfig holds the cache tier TTLs
type TierCoordinatorConfig struct {
	LocalTTL  time.Duration `json:"local_ttl"`
	SharedTTL time.Duration `json:"shared_ttl"`
}

// DefaultTierCoordinatorConfig returns default tier settings
func DefaultTierCoordinatorConfig() *TierCoordinatorConfig {
	return &TierCoordinatorConfig{
		LocalTTL:  30 * time.Second,
		SharedTTL: 5 * time.Minute,
	}
}

// cachedAnswer is the payload stored in L1 and L2 for one resolved query
type cachedAnswer struct {
	Nodes   []models.Node   `json:"nodes,omitempty"`
	NodeIDs []models.NodeID `json:"node_ids,omitempty"`
}

// TierCoordinator walks a read through the cache hierarchy: L1 process-local,
// L2 shared, L4 precomputed aggregates, then L3 durable store. Lower tiers
// populate upward on a hit. L2 being down degrades that tier to a guaranteed
// miss instead of failing the read; only L3 errors can fail a read, and even
// then a stale L4 record is served flagged when the caller is out of time.
type TierCoordinator struct {
	local   CacheService
	shared  SharedCache
	manager *AggregateManager
	store   HierarchyStore
	aggs    AggregateStore
	metrics MetricsService
	logger  Logger
	config  *TierCoordinatorConfig
}

// NewTierCoordinator wires the four tiers together
func NewTierCoordinator(local CacheService, shared SharedCache, manager *AggregateManager, store HierarchyStore, aggs AggregateStore, metrics MetricsService, logger Logger, config *TierCoordinatorConfig) *TierCoordinator {
	if config == nil {
		config = DefaultTierCoordinatorConfig()
	}
	if logger == nil {
		logger = NewDefaultLogger()
	}

	return &TierCoordinator{
		local:   local,
		shared:  shared,
		manager: manager,
		store:   store,
		aggs:    aggs,
		metrics: metrics,
		logger:  logger.With(String("component", "tier_coordinator")),
		config:  config,
	}
}

// queryCacheKey builds the cache key for one query, folding in a depth bound
// when one applies. The "@" suffix keeps depth-bounded variants under the
// exact key's invalidation prefix without colliding with other node IDs.
func queryCacheKey(partition models.PartitionID, query models.QueryType, id models.NodeID, maxDepth int) string {
	key := models.CacheKey(partition, query, id)
	if maxDepth > 0 {
		key = fmt.Sprintf("%s@%d", key, maxDepth)
	}
	return key
}

// Read resolves one hierarchy query through the tiers. maxDepth bounds
// ancestor and descendant queries; 0 means unbounded.
func (c *TierCoordinator) Read(ctx context.Context, query models.QueryType, id models.NodeID, maxDepth int) (*models.ResolveResult, error) {
	partition := c.store.Partition()
	key := queryCacheKey(partition, query, id, maxDepth)

	// L1
	var answer cachedAnswer
	if err := c.local.Get(ctx, key, &answer); err == nil {
		c.metrics.RecordTierHit(models.TierL1)
		return resultFrom(answer, models.TierL1), nil
	}
	c.metrics.RecordTierMiss(models.TierL1)

	// L2. An unreachable backend is a miss, not a failure.
	found, err := c.shared.Get(ctx, key, &answer)
	if err != nil {
		c.logger.Warn("shared tier degraded to miss", String("key", key), String("error", err.Error()))
	}
	if found {
		c.metrics.RecordTierHit(models.TierL2)
		c.populateLocal(ctx, key, answer)
		return resultFrom(answer, models.TierL2), nil
	}
	c.metrics.RecordTierMiss(models.TierL2)

	// L4 answers ancestor queries from the materialized ancestor list. A
	// fresh record serves directly; a stale one is remembered so a read that
	// runs out of time on L3 can still answer, flagged.
	var staleFallback *models.ResolveResult
	if query == models.QueryAncestors && maxDepth == 0 {
		record, fresh, aggErr := c.aggregateAnswer(ctx, id)
		if aggErr == nil && record != nil {
			aggResult := &models.ResolveResult{
				NodeIDs: record.Value.Ancestors,
				Tier:    models.TierL4,
			}
			if fresh {
				c.metrics.RecordTierHit(models.TierL4)
				c.populate(ctx, key, cachedAnswer{NodeIDs: record.Value.Ancestors})
				return aggResult, nil
			}
			aggResult.Stale = true
			staleFallback = aggResult
		}
		c.metrics.RecordTierMiss(models.TierL4)
	}

	// L3
	nodes, err := c.readStore(ctx, query, id, maxDepth)
	if err != nil {
		if staleFallback != nil && isDeadlinePressure(err) {
			c.logger.Warn("serving stale aggregate under deadline pressure",
				String("node_id", string(id)),
				String("error", err.Error()))
			c.metrics.IncrementCounter("stale_fallback_served", map[string]string{"query": string(query)})
			staleFallback.Warning = apperrors.NewStaleReadWarning(string(id)).Message
			return staleFallback, nil
		}
		return nil, err
	}
	c.metrics.RecordTierHit(models.TierL3)

	answer = cachedAnswer{Nodes: nodes}
	c.populate(ctx, key, answer)
	return resultFrom(answer, models.TierL3), nil
}

// aggregateAnswer fetches the ancestor-list record for a node, tolerating a
// missing node (the caller will get the authoritative not_found from L3)
func (c *TierCoordinator) aggregateAnswer(ctx context.Context, id models.NodeID) (*models.AggregateRecord, bool, error) {
	node, err := c.store.GetNode(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return c.manager.GetIfUsable(ctx, node, models.AggregateAncestorList)
}

// readStore answers the query from the durable store
func (c *TierCoordinator) readStore(ctx context.Context, query models.QueryType, id models.NodeID, maxDepth int) ([]models.Node, error) {
	switch query {
	case models.QueryAncestors:
		return c.store.GetAncestors(ctx, id, maxDepth)
	case models.QueryDescendants:
		return c.store.GetDescendants(ctx, id, maxDepth)
	case models.QueryChildren:
		return c.store.GetChildren(ctx, id)
	default:
		return nil, apperrors.NewValidationError("INVALID_QUERY_TYPE",
			fmt.Sprintf("unknown query type: %s", query), nil)
	}
}

// populate writes an answer to both cache tiers, best effort
func (c *TierCoordinator) populate(ctx context.Context, key string, answer cachedAnswer) {
	c.populateLocal(ctx, key, answer)

	if err := c.shared.Set(ctx, key, answer, c.config.SharedTTL); err != nil {
		c.logger.Warn("failed to populate shared tier", String("key", key), String("error", err.Error()))
	}
}

func (c *TierCoordinator) populateLocal(ctx context.Context, key string, answer cachedAnswer) {
	if err := c.local.Set(ctx, key, answer, c.config.LocalTTL); err != nil {
		c.logger.Warn("failed to populate local tier", String("key", key), String("error", err.Error()))
	}
}

// Invalidate clears every cache entry the given nodes could answer. L4
// records for removed nodes are deleted; every surviving node keeps its
// record, flagged stale. Subtree prefixes flag whole moved or deleted
// subtrees without enumerating them. Repeating an invalidation is harmless;
// every step here is idempotent.
func (c *TierCoordinator) Invalidate(ctx context.Context, kind models.MutationKind, ids, removed []models.NodeID, subtreePrefixes []models.Path) error {
	partition := c.store.Partition()

	sharedKeys := make([]string, 0, len(ids)*3)
	for _, id := range ids {
		for _, query := range []models.QueryType{models.QueryAncestors, models.QueryDescendants, models.QueryChildren} {
			key := models.CacheKey(partition, query, id)

			if err := c.local.Delete(ctx, key); err != nil {
				return fmt.Errorf("failed to invalidate local tier: %w", err)
			}
			// Depth-bounded variants live under "key@"
			if err := c.local.DeletePrefix(ctx, key+"@"); err != nil {
				return fmt.Errorf("failed to invalidate local tier: %w", err)
			}

			sharedKeys = append(sharedKeys, key)
			if err := c.shared.DeletePrefix(ctx, key+"@"); err != nil {
				c.logger.Warn("shared tier invalidation degraded; entries expire by TTL",
					String("key", key), String("error", err.Error()))
			}
		}
	}

	if err := c.shared.Delete(ctx, sharedKeys...); err != nil {
		// Entries left behind expire by TTL; readers re-validate aggregate
		// freshness through the path hash regardless
		c.logger.Warn("shared tier invalidation degraded; entries expire by TTL",
			String("error", err.Error()))
	}

	// L4: only records for nodes that no longer exist are deleted. Everything
	// still alive, ancestors of a deleted subtree included, keeps its record
	// flagged stale, preserving it as a deadline-pressure fallback.
	if len(removed) > 0 {
		if err := c.aggs.DeleteRecords(ctx, partition, removed); err != nil {
			return err
		}
	}
	removedSet := make(map[models.NodeID]bool, len(removed))
	for _, id := range removed {
		removedSet[id] = true
	}
	surviving := make([]models.NodeID, 0, len(ids))
	for _, id := range ids {
		if !removedSet[id] {
			surviving = append(surviving, id)
		}
	}
	if len(surviving) > 0 {
		if err := c.aggs.MarkStale(ctx, partition, surviving); err != nil {
			return err
		}
	}
	for _, prefix := range subtreePrefixes {
		if err := c.aggs.MarkSubtreeStale(ctx, partition, prefix); err != nil {
			return err
		}
	}

	c.manager.NoteMutation()
	c.metrics.IncrementCounter("invalidations", map[string]string{"kind": string(kind)})

	return nil
}

// Stop releases the coordinator's owned resources
func (c *TierCoordinator) Stop() {
	c.local.Stop()
}

// resultFrom converts a cached answer into a resolve result
func resultFrom(answer cachedAnswer, tier models.Tier) *models.ResolveResult {
	return &models.ResolveResult{
		Nodes:   answer.Nodes,
		NodeIDs: answer.NodeIDs,
		Tier:    tier,
	}
}

// isDeadlinePressure reports whether an error means the caller's time budget
// ran out rather than the data being wrong
func isDeadlinePressure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return apperrors.IsType(err, apperrors.ErrTypeTimeout)
}
