package services

import (
	"context"
	"io"
	"testing"
	"time"

	"entity-hierarchy-engine/models"

	"github.com/stretchr/testify/require"
)

func newTestLogger() Logger {
	return NewStructuredLogger(LogLevelError, io.Discard)
}

// buildTestTree creates root -> A -> B plus root -> C in a fresh mock store
func buildTestTree(t *testing.T, partition models.PartitionID) *MockHierarchyStore {
	t.Helper()

	store := NewMockHierarchyStore(partition)
	ctx := context.Background()

	_, err := store.CreateNode(ctx, "root", "", nil)
	require.NoError(t, err)
	_, err = store.CreateNode(ctx, "A", "root", nil)
	require.NoError(t, err)
	_, err = store.CreateNode(ctx, "B", "A", nil)
	require.NoError(t, err)
	_, err = store.CreateNode(ctx, "C", "root", nil)
	require.NoError(t, err)

	return store
}

func newTestManager(store *MockHierarchyStore, aggs AggregateStore) *AggregateManager {
	return NewAggregateManager(store, aggs, NewLeaseLock(time.Minute), NewInMemoryMetrics(), newTestLogger(), nil)
}
