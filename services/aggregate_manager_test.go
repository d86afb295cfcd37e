package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"entity-hierarchy-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateManager_RefreshComputesAncestorLists(t *testing.T) {
	store := buildTestTree(t, "p1")
	aggs := NewMemoryAggregateStore()
	manager := newTestManager(store, aggs)
	ctx := context.Background()

	status, err := manager.Refresh(ctx, models.AggregateAncestorList)
	require.NoError(t, err)
	assert.Equal(t, models.RefreshStarted, status)
	assert.Equal(t, models.AggregateFresh, manager.State(models.AggregateAncestorList))

	node, err := store.GetNode(ctx, "B")
	require.NoError(t, err)

	record, fresh, err := manager.GetIfUsable(ctx, node, models.AggregateAncestorList)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, fresh)
	assert.Equal(t, []models.NodeID{"root", "A"}, record.Value.Ancestors)
}

func TestAggregateManager_RefreshComputesDescendantCounts(t *testing.T) {
	store := buildTestTree(t, "p1")
	aggs := NewMemoryAggregateStore()
	manager := newTestManager(store, aggs)
	ctx := context.Background()

	_, err := manager.Refresh(ctx, models.AggregateDescendantCount)
	require.NoError(t, err)

	record, err := aggs.GetRecord(ctx, "p1", "root", models.AggregateDescendantCount)
	require.NoError(t, err)
	assert.Equal(t, int64(3), record.Value.DescendantCount)

	record, err = aggs.GetRecord(ctx, "p1", "B", models.AggregateDescendantCount)
	require.NoError(t, err)
	assert.Equal(t, int64(0), record.Value.DescendantCount)
}

func TestAggregateManager_RefreshComputesSubtreeStats(t *testing.T) {
	store := buildTestTree(t, "p1")
	aggs := NewMemoryAggregateStore()
	manager := newTestManager(store, aggs)
	ctx := context.Background()

	_, err := manager.Refresh(ctx, models.AggregateSubtreeStats)
	require.NoError(t, err)

	record, err := aggs.GetRecord(ctx, "p1", "root", models.AggregateSubtreeStats)
	require.NoError(t, err)
	require.NotNil(t, record.Value.Stats)

	// Subtree of root: root, A, B, C; leaves are B and C
	assert.Equal(t, int64(4), record.Value.Stats.NodeCount)
	assert.Equal(t, 3, record.Value.Stats.MaxDepth)
	assert.Equal(t, int64(2), record.Value.Stats.LeafCount)
}

func TestAggregateManager_ConcurrentTriggersCollapseToOneExecution(t *testing.T) {
	store := buildTestTree(t, "p1")
	aggs := NewMemoryAggregateStore()
	manager := newTestManager(store, aggs)
	ctx := context.Background()

	const triggers = 50

	entered := make(chan struct{})
	gate := make(chan struct{})
	var enterOnce sync.Once
	store.OnList = func() {
		enterOnce.Do(func() { close(entered) })
		<-gate
	}

	results := make(chan models.RefreshStatus, triggers)
	errs := make(chan error, triggers)

	var wg sync.WaitGroup
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := manager.Refresh(ctx, models.AggregateDescendantCount)
			results <- status
			errs <- err
		}()
	}

	// Wait until the winner is inside the recomputation, then let every
	// loser bounce off the lock before releasing it
	<-entered
	require.Eventually(t, func() bool {
		return len(results) == triggers-1
	}, 5*time.Second, time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	started, contended := 0, 0
	for status := range results {
		switch status {
		case models.RefreshStarted:
			started++
		case models.RefreshAlreadyInProgress:
			contended++
		}
	}

	assert.Equal(t, 1, started, "exactly one trigger must win the lock")
	assert.Equal(t, triggers-1, contended)
}

func TestAggregateManager_RecordStaleAfterMove(t *testing.T) {
	store := buildTestTree(t, "p1")
	aggs := NewMemoryAggregateStore()
	manager := newTestManager(store, aggs)
	ctx := context.Background()

	_, err := manager.Refresh(ctx, models.AggregateAncestorList)
	require.NoError(t, err)

	// Moving A rewrites B's path, so B's record was computed against a
	// path hash that no longer matches
	_, err = store.MoveNode(ctx, "A", "C")
	require.NoError(t, err)

	node, err := store.GetNode(ctx, "B")
	require.NoError(t, err)

	record, fresh, err := manager.GetIfUsable(ctx, node, models.AggregateAncestorList)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.False(t, fresh, "record computed before the move must not read as fresh")

	// A new refresh restores freshness with the rewritten ancestry
	_, err = manager.Refresh(ctx, models.AggregateAncestorList)
	require.NoError(t, err)

	record, fresh, err = manager.GetIfUsable(ctx, node, models.AggregateAncestorList)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, []models.NodeID{"root", "C", "A"}, record.Value.Ancestors)
}

func TestAggregateManager_FailedRefreshStaysStale(t *testing.T) {
	store := buildTestTree(t, "p1")
	aggs := NewMemoryAggregateStore()
	aggs.UpsertErr = errors.New("disk full")
	manager := newTestManager(store, aggs)
	ctx := context.Background()

	status, err := manager.Refresh(ctx, models.AggregateAncestorList)
	assert.Error(t, err)
	assert.Equal(t, models.RefreshFailed, status)
	assert.Equal(t, models.AggregateStale, manager.State(models.AggregateAncestorList))

	stats := manager.GetStats()
	for _, s := range stats {
		if s.Kind == string(models.AggregateAncestorList) {
			assert.Equal(t, int64(1), s.Failures)
			assert.NotEmpty(t, s.LastError)
		}
	}
}

func TestAggregateManager_NoteMutationFlipsFreshToStale(t *testing.T) {
	store := buildTestTree(t, "p1")
	manager := newTestManager(store, NewMemoryAggregateStore())
	ctx := context.Background()

	_, err := manager.Refresh(ctx, models.AggregateAncestorList)
	require.NoError(t, err)
	require.Equal(t, models.AggregateFresh, manager.State(models.AggregateAncestorList))

	manager.NoteMutation()
	assert.Equal(t, models.AggregateStale, manager.State(models.AggregateAncestorList))

	ages := manager.StalenessAges()
	assert.Greater(t, ages[models.AggregateDescendantCount], time.Duration(0))
}

func TestAggregateManager_UnknownKindRejected(t *testing.T) {
	store := buildTestTree(t, "p1")
	manager := newTestManager(store, NewMemoryAggregateStore())

	status, err := manager.Refresh(context.Background(), "bogus")
	assert.Error(t, err)
	assert.Equal(t, models.RefreshFailed, status)
}

func TestAggregateManager_TriggerRefreshRunsInBackground(t *testing.T) {
	store := buildTestTree(t, "p1")
	aggs := NewMemoryAggregateStore()
	manager := newTestManager(store, aggs)
	ctx := context.Background()

	status, err := manager.TriggerRefresh(ctx, models.AggregateAncestorList)
	require.NoError(t, err)
	assert.Equal(t, models.RefreshStarted, status)

	manager.Wait()
	assert.Equal(t, models.AggregateFresh, manager.State(models.AggregateAncestorList))

	_, err = aggs.GetRecord(ctx, "p1", "B", models.AggregateAncestorList)
	assert.NoError(t, err)
}
