package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"entity-hierarchy-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resolverFixture struct {
	store    *MockHierarchyStore
	local    *ShardedCache
	shared   *MemorySharedCache
	aggs     *MemoryAggregateStore
	manager  *AggregateManager
	resolver *HierarchyResolver
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()

	store := NewMockHierarchyStore("p1")
	local := NewShardedCache(4, 64, time.Minute)
	t.Cleanup(local.Stop)
	shared := NewMemorySharedCache()
	aggs := NewMemoryAggregateStore()
	manager := newTestManager(store, aggs)
	metrics := NewInMemoryMetrics()

	coordinator := NewTierCoordinator(local, shared, manager, store, aggs, metrics, newTestLogger(), nil)
	broadcaster := newTestBroadcaster(shared)
	t.Cleanup(broadcaster.Stop)

	resolver := NewHierarchyResolver(store, coordinator, manager, broadcaster, nil, metrics, newTestLogger())

	return &resolverFixture{
		store:    store,
		local:    local,
		shared:   shared,
		aggs:     aggs,
		manager:  manager,
		resolver: resolver,
	}
}

func nodeIDs(nodes []models.Node) []models.NodeID {
	ids := make([]models.NodeID, 0, len(nodes))
	for _, node := range nodes {
		ids = append(ids, node.ID)
	}
	return ids
}

func (f *resolverFixture) createTree(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	_, err := f.resolver.CreateNode(ctx, "root", "", nil)
	require.NoError(t, err)
	_, err = f.resolver.CreateNode(ctx, "A", "root", nil)
	require.NoError(t, err)
	_, err = f.resolver.CreateNode(ctx, "B", "A", nil)
	require.NoError(t, err)
	_, err = f.resolver.CreateNode(ctx, "C", "root", nil)
	require.NoError(t, err)
}

func TestResolver_CreateAndResolveAncestors(t *testing.T) {
	f := newResolverFixture(t)
	f.createTree(t)
	ctx := context.Background()

	result, err := f.resolver.ResolveAncestors(ctx, "B", 0)
	require.NoError(t, err)
	assert.Equal(t, models.TierL3, result.Tier)
	assert.Equal(t, []models.NodeID{"root", "A"}, nodeIDs(result.Nodes))

	result, err = f.resolver.ResolveAncestors(ctx, "B", 0)
	require.NoError(t, err)
	assert.Equal(t, models.TierL1, result.Tier)
}

func TestResolver_MoveRewritesCachedAncestry(t *testing.T) {
	f := newResolverFixture(t)
	f.createTree(t)
	ctx := context.Background()

	_, err := f.resolver.CreateNode(ctx, "X", "root", nil)
	require.NoError(t, err)

	// Warm every tier with B's pre-move ancestry
	_, err = f.manager.Refresh(ctx, models.AggregateAncestorList)
	require.NoError(t, err)
	result, err := f.resolver.ResolveAncestors(ctx, "B", 0)
	require.NoError(t, err)
	require.Equal(t, models.TierL4, result.Tier)
	require.Equal(t, []models.NodeID{"root", "A"}, result.NodeIDs)

	_, err = f.resolver.MoveNode(ctx, "A", "X")
	require.NoError(t, err)

	// B moved with A; its cached chain must not survive
	result, err = f.resolver.ResolveAncestors(ctx, "B", 0)
	require.NoError(t, err)
	assert.Equal(t, models.TierL3, result.Tier)
	assert.False(t, result.Stale)
	assert.Equal(t, []models.NodeID{"root", "X", "A"}, nodeIDs(result.Nodes))

	// The pre-move aggregate is flagged, not deleted
	record, err := f.aggs.GetRecord(ctx, "p1", "B", models.AggregateAncestorList)
	require.NoError(t, err)
	assert.True(t, record.Stale)
	assert.Equal(t, models.AggregateStale, f.manager.State(models.AggregateAncestorList))
}

func TestResolver_MoveToRoot(t *testing.T) {
	f := newResolverFixture(t)
	f.createTree(t)
	ctx := context.Background()

	// Warm B's ancestry, then promote A to a root of its own
	result, err := f.resolver.ResolveAncestors(ctx, "B", 0)
	require.NoError(t, err)
	require.Equal(t, []models.NodeID{"root", "A"}, nodeIDs(result.Nodes))

	moved, err := f.resolver.MoveNode(ctx, "A", "")
	require.NoError(t, err)
	assert.Equal(t, models.Path("A"), moved.Path)
	assert.True(t, moved.IsRoot())

	result, err = f.resolver.ResolveAncestors(ctx, "B", 0)
	require.NoError(t, err)
	assert.Equal(t, []models.NodeID{"A"}, nodeIDs(result.Nodes))

	node, err := f.resolver.GetNode(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, models.Path("A.B"), node.Path)
	assert.Equal(t, 2, node.Depth)
}

func TestResolver_MoveIntoOwnSubtreeRejected(t *testing.T) {
	f := newResolverFixture(t)
	f.createTree(t)

	_, err := f.resolver.MoveNode(context.Background(), "A", "B")
	assert.Error(t, err)
}

func TestResolver_DeleteRemovesSubtreeEverywhere(t *testing.T) {
	f := newResolverFixture(t)
	f.createTree(t)
	ctx := context.Background()

	_, err := f.manager.Refresh(ctx, models.AggregateAncestorList)
	require.NoError(t, err)
	_, err = f.resolver.ResolveAncestors(ctx, "B", 0)
	require.NoError(t, err)

	deleted, err := f.resolver.DeleteNode(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []models.NodeID{"A", "B"}, deleted)

	_, err = f.resolver.GetNode(ctx, "B")
	assert.Error(t, err)
	_, err = f.resolver.ResolveAncestors(ctx, "B", 0)
	assert.Error(t, err)

	// Deleted nodes lose their aggregate records outright
	_, err = f.aggs.GetRecord(ctx, "p1", "B", models.AggregateAncestorList)
	assert.Error(t, err)
	_, err = f.aggs.GetRecord(ctx, "p1", "A", models.AggregateAncestorList)
	assert.Error(t, err)

	// The surviving ancestor keeps its record, flagged stale not deleted
	record, err := f.aggs.GetRecord(ctx, "p1", "root", models.AggregateAncestorList)
	require.NoError(t, err)
	assert.True(t, record.Stale)
	_, err = f.aggs.GetRecord(ctx, "p1", "C", models.AggregateAncestorList)
	require.NoError(t, err)

	// The rest of the tree is untouched
	result, err := f.resolver.ResolveChildren(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []models.NodeID{"C"}, nodeIDs(result.Nodes))
}

func TestResolver_MutationsBroadcastEvents(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var events []models.InvalidationEvent
	unsubscribe := f.resolver.OnInvalidation(func(event models.InvalidationEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	defer unsubscribe()

	f.createTree(t)
	_, err := f.resolver.MoveNode(ctx, "B", "C")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 5
	}, 5*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	for _, event := range events[:4] {
		assert.Equal(t, models.MutationCreate, event.Kind)
		assert.Equal(t, models.PartitionID("p1"), event.Partition)
	}

	moveEvent := events[4]
	assert.Equal(t, models.MutationMove, moveEvent.Kind)
	assert.ElementsMatch(t, []models.NodeID{"root", "A", "B", "C"}, moveEvent.NodeIDs)
	assert.NotEmpty(t, moveEvent.EventID)
}

func TestResolver_TriggerRefresh(t *testing.T) {
	f := newResolverFixture(t)
	f.createTree(t)
	ctx := context.Background()

	status, err := f.resolver.TriggerRefresh(ctx, models.AggregateAncestorList)
	require.NoError(t, err)
	assert.Equal(t, models.RefreshStarted, status)

	f.manager.Wait()
	assert.Equal(t, models.AggregateFresh, f.manager.State(models.AggregateAncestorList))

	record, err := f.aggs.GetRecord(ctx, "p1", "B", models.AggregateAncestorList)
	require.NoError(t, err)
	assert.Equal(t, []models.NodeID{"root", "A"}, record.Value.Ancestors)
}

func TestResolver_DepthBoundedQueries(t *testing.T) {
	f := newResolverFixture(t)
	f.createTree(t)
	ctx := context.Background()

	result, err := f.resolver.ResolveAncestors(ctx, "B", 1)
	require.NoError(t, err)
	assert.Equal(t, []models.NodeID{"A"}, nodeIDs(result.Nodes))

	result, err = f.resolver.ResolveDescendants(ctx, "root", 1)
	require.NoError(t, err)
	assert.Equal(t, []models.NodeID{"A", "C"}, nodeIDs(result.Nodes))
}
