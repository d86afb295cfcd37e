package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"entity-hierarchy-engine/models"

	"github.com/google/uuid"
)

// InvalidationScope lists everything one mutation makes suspect: the node
// IDs whose cached query answers must go, plus the subtree path prefixes
// whose aggregates must be flagged wholesale.
type InvalidationScope struct {
	NodeIDs         []models.NodeID
	SubtreePrefixes []models.Path
}

// ComputeScope derives the invalidation scope of a mutation from the paths
// it touched. Because a materialized path is the chain of ancestor IDs, the
// affected ancestors fall straight out of the path segments; no store round
// trip is needed. Moves carry both the old and the new location, so both
// subtrees and both ancestor chains are in scope.
func ComputeScope(kind models.MutationKind, oldPath, newPath models.Path) (InvalidationScope, error) {
	scope := InvalidationScope{}
	seen := make(map[models.NodeID]bool)

	addChain := func(p models.Path) error {
		ids, err := models.DecodePath(p)
		if err != nil {
			return fmt.Errorf("failed to decode path for invalidation scope: %w", err)
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				scope.NodeIDs = append(scope.NodeIDs, id)
			}
		}
		return nil
	}

	switch kind {
	case models.MutationCreate:
		if err := addChain(newPath); err != nil {
			return scope, err
		}

	case models.MutationMove:
		if err := addChain(oldPath); err != nil {
			return scope, err
		}
		if err := addChain(newPath); err != nil {
			return scope, err
		}
		scope.SubtreePrefixes = []models.Path{oldPath, newPath}

	case models.MutationDelete:
		if err := addChain(oldPath); err != nil {
			return scope, err
		}
		scope.SubtreePrefixes = []models.Path{oldPath}

	default:
		return scope, fmt.Errorf("unknown mutation kind: %s", kind)
	}

	return scope, nil
}

// NewInvalidationEvent builds the change notification for a mutation
func NewInvalidationEvent(partition models.PartitionID, kind models.MutationKind, nodeIDs []models.NodeID) models.InvalidationEvent {
	return models.InvalidationEvent{
		EventID:   uuid.New().String(),
		Partition: partition,
		Kind:      kind,
		NodeIDs:   nodeIDs,
		Timestamp: time.Now(),
	}
}

// BroadcasterConfig holds invalidation fan-out settings
type BroadcasterConfig struct {
	QueueSize        int    `json:"queue_size"`
	DeliveryAttempts int    `json:"delivery_attempts"`
	Channel          string `json:"channel"`
}

// DefaultBroadcasterConfig returns default fan-out settings
func DefaultBroadcasterConfig() *BroadcasterConfig {
	return &BroadcasterConfig{
		QueueSize:        1024,
		DeliveryAttempts: 3,
		Channel:          "hierarchy:invalidations",
	}
}

// subscriber is one registered invalidation consumer
type subscriber struct {
	id       int
	callback InvalidationCallback
}

// InvalidationBroadcaster fans invalidation events out to registered
// callbacks and to the shared pub/sub channel for external consumers.
// Delivery is asynchronous but ordered: a single dispatcher drains the queue
// in enqueue order, so two events touching the same node can never be
// observed swapped. Delivery is at-least-once; a panicking callback gets the
// event redelivered before it is abandoned.
type InvalidationBroadcaster struct {
	shared  SharedCache
	config  *BroadcasterConfig
	metrics MetricsService
	logger  Logger

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int

	queue    chan models.InvalidationEvent
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewInvalidationBroadcaster creates a broadcaster; Start must be called to
// begin dispatching
func NewInvalidationBroadcaster(shared SharedCache, metrics MetricsService, logger Logger, config *BroadcasterConfig) *InvalidationBroadcaster {
	if config == nil {
		config = DefaultBroadcasterConfig()
	}
	if logger == nil {
		logger = NewDefaultLogger()
	}

	return &InvalidationBroadcaster{
		shared:   shared,
		config:   config,
		metrics:  metrics,
		logger:   logger.With(String("component", "invalidation_broadcaster")),
		subs:     make(map[int]*subscriber),
		queue:    make(chan models.InvalidationEvent, config.QueueSize),
		stopChan: make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine
func (b *InvalidationBroadcaster) Start() {
	b.wg.Add(1)
	go b.dispatch()
}

// Subscribe registers a callback for invalidation events. The returned
// function unsubscribes; events already queued may still be delivered after
// it returns.
func (b *InvalidationBroadcaster) Subscribe(callback InvalidationCallback) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{id: id, callback: callback}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Broadcast enqueues an event for asynchronous delivery. The mutation that
// produced the event has already committed; Broadcast never blocks it beyond
// queue admission.
func (b *InvalidationBroadcaster) Broadcast(ctx context.Context, event models.InvalidationEvent) error {
	select {
	case b.queue <- event:
		b.metrics.IncrementCounter("invalidation_enqueued", map[string]string{"kind": string(event.Kind)})
		return nil
	case <-b.stopChan:
		return fmt.Errorf("broadcaster stopped; event %s not enqueued", event.EventID)
	case <-ctx.Done():
		return fmt.Errorf("failed to enqueue invalidation event %s: %w", event.EventID, ctx.Err())
	}
}

// Stop drains the queue and halts the dispatcher
func (b *InvalidationBroadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
	})
	b.wg.Wait()
}

// dispatch is the single delivery loop. One goroutine means enqueue order is
// delivery order for every subscriber.
func (b *InvalidationBroadcaster) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.queue:
			b.deliver(event)
		case <-b.stopChan:
			// Drain what was accepted before shutdown
			for {
				select {
				case event := <-b.queue:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// deliver fans one event out to every subscriber and the shared channel
func (b *InvalidationBroadcaster) deliver(event models.InvalidationEvent) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliverTo(sub, event)
	}

	if b.shared != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := b.shared.Publish(ctx, b.config.Channel, event); err != nil {
			// External consumers re-validate through path hashes on their
			// next read, so a lost publish degrades freshness, not
			// correctness
			b.logger.Warn("failed to publish invalidation event",
				String("event_id", event.EventID),
				String("error", err.Error()))
		}
		cancel()
	}

	b.metrics.IncrementCounter("invalidation_delivered", map[string]string{"kind": string(event.Kind)})
}

// deliverTo invokes one callback with redelivery on panic
func (b *InvalidationBroadcaster) deliverTo(sub *subscriber, event models.InvalidationEvent) {
	for attempt := 1; attempt <= b.config.DeliveryAttempts; attempt++ {
		if b.invoke(sub, event) {
			return
		}
		b.logger.Warn("invalidation callback panicked; redelivering",
			String("event_id", event.EventID),
			Int("subscriber", sub.id),
			Int("attempt", attempt))
	}

	b.metrics.IncrementCounter("invalidation_abandoned", nil)
	b.logger.Error("abandoning invalidation delivery after repeated panics", nil,
		String("event_id", event.EventID),
		Int("subscriber", sub.id))
}

// invoke runs one callback, converting a panic into a failed delivery
func (b *InvalidationBroadcaster) invoke(sub *subscriber, event models.InvalidationEvent) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	sub.callback(event)
	return true
}

// QueueDepth reports the number of events awaiting delivery
func (b *InvalidationBroadcaster) QueueDepth() int {
	return len(b.queue)
}
