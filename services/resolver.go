package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"entity-hierarchy-engine/models"
)

// HierarchyResolver is the public face of one partition's hierarchy: reads
// go through the cache tiers, writes go to the durable store and then drive
// invalidation, broadcast and refresh scheduling. The sequencing on the
// write path is fixed: commit first, then invalidate, then broadcast, then
// nudge the scheduler. A crash between steps leaves caches stale at worst,
// and staleness is always detectable through the path hash.
type HierarchyResolver struct {
	store       HierarchyStore
	coordinator *TierCoordinator
	manager     *AggregateManager
	broadcaster *InvalidationBroadcaster
	scheduler   *RefreshScheduler
	metrics     MetricsService
	logger      Logger
}

// NewHierarchyResolver wires the resolver for one partition
func NewHierarchyResolver(store HierarchyStore, coordinator *TierCoordinator, manager *AggregateManager, broadcaster *InvalidationBroadcaster, scheduler *RefreshScheduler, metrics MetricsService, logger Logger) *HierarchyResolver {
	if logger == nil {
		logger = NewDefaultLogger()
	}

	return &HierarchyResolver{
		store:       store,
		coordinator: coordinator,
		manager:     manager,
		broadcaster: broadcaster,
		scheduler:   scheduler,
		metrics:     metrics,
		logger:      logger.With(String("component", "resolver"), String("partition", string(store.Partition()))),
	}
}

// Partition returns the partition this resolver serves
func (r *HierarchyResolver) Partition() models.PartitionID {
	return r.store.Partition()
}

// GetNode fetches one node from the durable store
func (r *HierarchyResolver) GetNode(ctx context.Context, id models.NodeID) (*models.Node, error) {
	return r.store.GetNode(ctx, id)
}

// ResolveAncestors returns a node's ancestor chain, nearest tiers first.
// maxDepth > 0 limits the chain to the nearest maxDepth ancestors.
func (r *HierarchyResolver) ResolveAncestors(ctx context.Context, id models.NodeID, maxDepth int) (*models.ResolveResult, error) {
	return r.resolve(ctx, models.QueryAncestors, id, maxDepth)
}

// ResolveDescendants returns a node's subtree. maxDepth > 0 limits how many
// levels below the node are included.
func (r *HierarchyResolver) ResolveDescendants(ctx context.Context, id models.NodeID, maxDepth int) (*models.ResolveResult, error) {
	return r.resolve(ctx, models.QueryDescendants, id, maxDepth)
}

// ResolveChildren returns a node's direct children
func (r *HierarchyResolver) ResolveChildren(ctx context.Context, id models.NodeID) (*models.ResolveResult, error) {
	return r.resolve(ctx, models.QueryChildren, id, 0)
}

func (r *HierarchyResolver) resolve(ctx context.Context, query models.QueryType, id models.NodeID, maxDepth int) (*models.ResolveResult, error) {
	started := time.Now()

	result, err := r.coordinator.Read(ctx, query, id, maxDepth)

	r.metrics.RecordTiming("resolve", time.Since(started), map[string]string{"query": string(query)})
	if err != nil {
		return nil, err
	}

	if result.Stale {
		r.logger.Warn("resolved from stale data",
			String("query", string(query)),
			String("node_id", string(id)))
	}
	return result, nil
}

// CreateNode inserts a node under a parent and propagates the change
func (r *HierarchyResolver) CreateNode(ctx context.Context, id, parentID models.NodeID, payload json.RawMessage) (*models.Node, error) {
	node, err := r.store.CreateNode(ctx, id, parentID, payload)
	if err != nil {
		return nil, err
	}

	if err := r.afterMutation(ctx, models.MutationCreate, node.Path, node.Path, nil, nil); err != nil {
		return node, err
	}

	r.logger.Info("node created",
		String("node_id", string(id)),
		String("path", string(node.Path)))
	return node, nil
}

// MoveNode reparents a node and its whole subtree and propagates the change
func (r *HierarchyResolver) MoveNode(ctx context.Context, id, newParentID models.NodeID) (*models.Node, error) {
	before, err := r.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	// Every node in the subtree gets a rewritten path, so every one of their
	// cached answers is suspect after the move. Enumerate them up front; the
	// path chains alone only cover the ancestors of the two endpoints.
	subtree, err := r.store.GetDescendants(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	subtreeIDs := make([]models.NodeID, 0, len(subtree))
	for _, descendant := range subtree {
		subtreeIDs = append(subtreeIDs, descendant.ID)
	}

	moved, err := r.store.MoveNode(ctx, id, newParentID)
	if err != nil {
		return nil, err
	}

	if err := r.afterMutation(ctx, models.MutationMove, before.Path, moved.Path, subtreeIDs, nil); err != nil {
		return moved, err
	}

	r.logger.Info("node moved",
		String("node_id", string(id)),
		String("old_path", string(before.Path)),
		String("new_path", string(moved.Path)))
	return moved, nil
}

// DeleteNode removes a node and its subtree and propagates the change. The
// returned IDs are every node the delete removed.
func (r *HierarchyResolver) DeleteNode(ctx context.Context, id models.NodeID) ([]models.NodeID, error) {
	before, err := r.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	deleted, err := r.store.DeleteNode(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.afterMutation(ctx, models.MutationDelete, before.Path, "", deleted, deleted); err != nil {
		return deleted, err
	}

	r.logger.Info("node deleted",
		String("node_id", string(id)),
		Int("subtree_size", len(deleted)))
	return deleted, nil
}

// afterMutation runs the post-commit propagation: invalidation scope, cache
// and aggregate invalidation, event broadcast, refresh nudge. extraIDs adds
// nodes outside the paths' ancestor chains, such as a moved or deleted
// subtree; removed names the nodes that no longer exist, so their aggregate
// records are deleted while surviving ancestors only get flagged.
func (r *HierarchyResolver) afterMutation(ctx context.Context, kind models.MutationKind, oldPath, newPath models.Path, extraIDs, removed []models.NodeID) error {
	scope, err := ComputeScope(kind, oldPath, newPath)
	if err != nil {
		return fmt.Errorf("mutation committed but scope computation failed: %w", err)
	}

	seen := make(map[models.NodeID]bool, len(scope.NodeIDs))
	for _, sid := range scope.NodeIDs {
		seen[sid] = true
	}
	for _, extra := range extraIDs {
		if !seen[extra] {
			seen[extra] = true
			scope.NodeIDs = append(scope.NodeIDs, extra)
		}
	}

	if err := r.coordinator.Invalidate(ctx, kind, scope.NodeIDs, removed, scope.SubtreePrefixes); err != nil {
		// The write is durable; the caller can safely retry the (idempotent)
		// invalidation
		return fmt.Errorf("mutation committed but invalidation failed: %w", err)
	}

	event := NewInvalidationEvent(r.store.Partition(), kind, scope.NodeIDs)
	if err := r.broadcaster.Broadcast(ctx, event); err != nil {
		return fmt.Errorf("mutation committed but broadcast failed: %w", err)
	}

	if r.scheduler != nil {
		r.scheduler.Trigger()
	}

	r.metrics.IncrementCounter("mutations", map[string]string{"kind": string(kind)})
	return nil
}

// TriggerRefresh starts a background refresh of one aggregate kind
func (r *HierarchyResolver) TriggerRefresh(ctx context.Context, kind models.AggregateKind) (models.RefreshStatus, error) {
	return r.manager.TriggerRefresh(ctx, kind)
}

// OnInvalidation registers a callback for this partition's invalidation
// events; the returned function unsubscribes
func (r *HierarchyResolver) OnInvalidation(callback InvalidationCallback) func() {
	return r.broadcaster.Subscribe(callback)
}
