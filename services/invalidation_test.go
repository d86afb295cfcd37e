package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"entity-hierarchy-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeScope_Create(t *testing.T) {
	scope, err := ComputeScope(models.MutationCreate, "", "root.A.B")
	require.NoError(t, err)

	// The new node and every ancestor have suspect cached answers
	assert.Equal(t, []models.NodeID{"root", "A", "B"}, scope.NodeIDs)
	assert.Empty(t, scope.SubtreePrefixes)
}

func TestComputeScope_Move(t *testing.T) {
	// A moved from under root to under root.X
	scope, err := ComputeScope(models.MutationMove, "root.A", "root.X.A")
	require.NoError(t, err)

	assert.Equal(t, []models.NodeID{"root", "A", "X"}, scope.NodeIDs)
	assert.Equal(t, []models.Path{"root.A", "root.X.A"}, scope.SubtreePrefixes)
}

func TestComputeScope_Delete(t *testing.T) {
	scope, err := ComputeScope(models.MutationDelete, "root.A", "")
	require.NoError(t, err)

	assert.Equal(t, []models.NodeID{"root", "A"}, scope.NodeIDs)
	assert.Equal(t, []models.Path{"root.A"}, scope.SubtreePrefixes)
}

func TestComputeScope_MalformedPath(t *testing.T) {
	_, err := ComputeScope(models.MutationCreate, "", "root..B")
	assert.Error(t, err)
}

func newTestBroadcaster(shared SharedCache) *InvalidationBroadcaster {
	b := NewInvalidationBroadcaster(shared, NewInMemoryMetrics(), newTestLogger(), &BroadcasterConfig{
		QueueSize:        256,
		DeliveryAttempts: 3,
		Channel:          "hierarchy:invalidations",
	})
	b.Start()
	return b
}

func TestBroadcaster_OrderedDelivery(t *testing.T) {
	b := newTestBroadcaster(nil)
	ctx := context.Background()

	var mu sync.Mutex
	var received []string
	unsubscribe := b.Subscribe(func(event models.InvalidationEvent) {
		mu.Lock()
		received = append(received, event.EventID)
		mu.Unlock()
	})
	defer unsubscribe()

	const events = 100
	sent := make([]string, 0, events)
	for i := 0; i < events; i++ {
		event := NewInvalidationEvent("p1", models.MutationCreate, []models.NodeID{models.NodeID(fmt.Sprintf("n%d", i))})
		sent = append(sent, event.EventID)
		require.NoError(t, b.Broadcast(ctx, event))
	}

	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, sent, received, "delivery order must match enqueue order")
}

func TestBroadcaster_RedeliversOnPanic(t *testing.T) {
	b := newTestBroadcaster(nil)
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	delivered := 0
	b.Subscribe(func(event models.InvalidationEvent) {
		mu.Lock()
		attempts++
		current := attempts
		mu.Unlock()

		if current < 3 {
			panic("transient consumer failure")
		}
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	require.NoError(t, b.Broadcast(ctx, NewInvalidationEvent("p1", models.MutationMove, []models.NodeID{"A"})))
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, delivered)
}

func TestBroadcaster_AbandonsAfterRepeatedPanics(t *testing.T) {
	b := newTestBroadcaster(nil)
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	b.Subscribe(func(event models.InvalidationEvent) {
		mu.Lock()
		attempts++
		mu.Unlock()
		panic("permanent consumer failure")
	})

	require.NoError(t, b.Broadcast(ctx, NewInvalidationEvent("p1", models.MutationDelete, []models.NodeID{"A"})))
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts, "delivery stops after the configured attempts")
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := newTestBroadcaster(nil)
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	unsubscribe := b.Subscribe(func(event models.InvalidationEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, b.Broadcast(ctx, NewInvalidationEvent("p1", models.MutationCreate, []models.NodeID{"A"})))

	// Let the first event drain before unsubscribing
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, time.Millisecond)

	unsubscribe()
	require.NoError(t, b.Broadcast(ctx, NewInvalidationEvent("p1", models.MutationCreate, []models.NodeID{"B"})))
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestBroadcaster_PublishesToSharedChannel(t *testing.T) {
	shared := NewMemorySharedCache()
	b := newTestBroadcaster(shared)
	ctx := context.Background()

	event := NewInvalidationEvent("p1", models.MutationCreate, []models.NodeID{"root", "A"})
	require.NoError(t, b.Broadcast(ctx, event))
	b.Stop()

	published := shared.Published("hierarchy:invalidations")
	require.Len(t, published, 1)
	assert.Contains(t, string(published[0]), event.EventID)
}
