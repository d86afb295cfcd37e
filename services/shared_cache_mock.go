package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	apperrors "entity-hierarchy-engine/errors"
	"entity-hierarchy-engine/models"
)

// MemorySharedCache is an in-memory SharedCache used in tests and cacheless
// local runs. Setting Down simulates a backend outage: every operation
// returns tier_unavailable until it is cleared.
type MemorySharedCache struct {
	mu   sync.RWMutex
	data map[string]memorySharedEntry
	pubs map[string][]json.RawMessage
	down bool
}

type memorySharedEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemorySharedCache creates an empty in-memory shared cache
func NewMemorySharedCache() *MemorySharedCache {
	return &MemorySharedCache{
		data: make(map[string]memorySharedEntry),
		pubs: make(map[string][]json.RawMessage),
	}
}

// SetDown toggles the simulated outage
func (c *MemorySharedCache) SetDown(down bool) {
	c.mu.Lock()
	c.down = down
	c.mu.Unlock()
}

func (c *MemorySharedCache) checkUp(op string) error {
	c.mu.RLock()
	down := c.down
	c.mu.RUnlock()
	if down {
		return apperrors.NewTierUnavailableError("L2", op+" failed", nil)
	}
	return nil
}

// Get retrieves a value; the bool result distinguishes miss from hit
func (c *MemorySharedCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if err := c.checkUp("get"); err != nil {
		return false, err
	}

	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return false, nil
	}
	if err := json.Unmarshal(entry.value, dest); err != nil {
		return false, nil
	}
	return true, nil
}

// Set stores a value with a TTL
func (c *MemorySharedCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := c.checkUp("set"); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.data[key] = memorySharedEntry{value: data, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes keys; absent keys are a no-op
func (c *MemorySharedCache) Delete(ctx context.Context, keys ...string) error {
	if err := c.checkUp("delete"); err != nil {
		return err
	}

	c.mu.Lock()
	for _, key := range keys {
		delete(c.data, key)
	}
	c.mu.Unlock()
	return nil
}

// DeletePrefix removes every key under a prefix
func (c *MemorySharedCache) DeletePrefix(ctx context.Context, prefix string) error {
	if err := c.checkUp("delete_prefix"); err != nil {
		return err
	}

	c.mu.Lock()
	for key := range c.data {
		if strings.HasPrefix(key, prefix) {
			delete(c.data, key)
		}
	}
	c.mu.Unlock()
	return nil
}

// Publish records a published payload; tests can inspect it with Published
func (c *MemorySharedCache) Publish(ctx context.Context, channel string, payload interface{}) error {
	if err := c.checkUp("publish"); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pubs[channel] = append(c.pubs[channel], data)
	c.mu.Unlock()
	return nil
}

// Published returns everything published to one channel
func (c *MemorySharedCache) Published(channel string) []json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]json.RawMessage(nil), c.pubs[channel]...)
}

// Contains reports whether a live entry exists for a key
func (c *MemorySharedCache) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.data[key]
	return ok && time.Now().Before(entry.expiresAt)
}

// Ping reports simulated reachability
func (c *MemorySharedCache) Ping(ctx context.Context) error {
	return c.checkUp("ping")
}

// Close is a no-op
func (c *MemorySharedCache) Close() error {
	return nil
}

// MemoryAggregateStore is an in-memory AggregateStore used in tests
type MemoryAggregateStore struct {
	mu      sync.RWMutex
	records map[string]models.AggregateRecord

	// UpsertErr, when set, fails UpsertRecords; tests use it to drive the
	// refresh state machine through its failure path
	UpsertErr error
}

// NewMemoryAggregateStore creates an empty in-memory aggregate store
func NewMemoryAggregateStore() *MemoryAggregateStore {
	return &MemoryAggregateStore{
		records: make(map[string]models.AggregateRecord),
	}
}

func aggregateKey(partition models.PartitionID, id models.NodeID, kind models.AggregateKind) string {
	return string(partition) + "\x00" + string(id) + "\x00" + string(kind)
}

// GetRecord fetches one aggregate record
func (s *MemoryAggregateStore) GetRecord(ctx context.Context, partition models.PartitionID, id models.NodeID, kind models.AggregateKind) (*models.AggregateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[aggregateKey(partition, id, kind)]
	if !ok {
		return nil, apperrors.NewNotFoundError(apperrors.ErrCodeAggregateNotFound,
			"aggregate record not found", nil)
	}
	copied := record
	return &copied, nil
}

// UpsertRecords replaces a batch of records and clears their stale flags
func (s *MemoryAggregateStore) UpsertRecords(ctx context.Context, records []models.AggregateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.UpsertErr != nil {
		return s.UpsertErr
	}

	for _, record := range records {
		record.Stale = false
		s.records[aggregateKey(record.Partition, record.NodeID, record.Value.Kind)] = record
	}
	return nil
}

// MarkStale flags every kind for the given nodes
func (s *MemoryAggregateStore) MarkStale(ctx context.Context, partition models.PartitionID, ids []models.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		for key, record := range s.records {
			if record.Partition == partition && record.NodeID == id {
				record.Stale = true
				s.records[key] = record
			}
		}
	}
	return nil
}

// MarkSubtreeStale flags every record at or under a path prefix
func (s *MemoryAggregateStore) MarkSubtreeStale(ctx context.Context, partition models.PartitionID, pathPrefix models.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, record := range s.records {
		if record.Partition != partition {
			continue
		}
		if record.NodePath == pathPrefix || models.IsAncestorOf(pathPrefix, record.NodePath) {
			record.Stale = true
			s.records[key] = record
		}
	}
	return nil
}

// DeleteRecords removes records for deleted nodes
func (s *MemoryAggregateStore) DeleteRecords(ctx context.Context, partition models.PartitionID, ids []models.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		for key, record := range s.records {
			if record.Partition == partition && record.NodeID == id {
				delete(s.records, key)
			}
		}
	}
	return nil
}

// Stats summarizes the stored records for one partition
func (s *MemoryAggregateStore) Stats(ctx context.Context, partition models.PartitionID) (*AggregateStoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &AggregateStoreStats{ByKind: make(map[string]int64)}
	for _, record := range s.records {
		if record.Partition != partition {
			continue
		}
		stats.TotalRecords++
		stats.ByKind[string(record.Value.Kind)]++
		if record.Stale {
			stats.StaleRecords++
			continue
		}
		if stats.OldestFresh == nil || record.ComputedAt.Before(*stats.OldestFresh) {
			computedAt := record.ComputedAt
			stats.OldestFresh = &computedAt
		}
	}
	return stats, nil
}
