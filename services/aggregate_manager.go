package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "entity-hierarchy-engine/errors"
	"entity-hierarchy-engine/models"
)

// AggregateManagerConfig holds aggregate refresh settings
type AggregateManagerConfig struct {
	RefreshTimeout time.Duration `json:"refresh_timeout"`
	StalenessSLA   time.Duration `json:"staleness_sla"`
}

// DefaultAggregateManagerConfig returns default aggregate settings
func DefaultAggregateManagerConfig() *AggregateManagerConfig {
	return &AggregateManagerConfig{
		RefreshTimeout: 2 * time.Minute,
		StalenessSLA:   10 * time.Minute,
	}
}

// aggregateStatus is the in-memory refresh state of one aggregate kind
type aggregateStatus struct {
	state       models.AggregateState
	lastRefresh time.Time
	lastError   string
	refreshes   int64
	failures    int64
}

// AggregateManagerStats is a snapshot of one aggregate kind's state machine
type AggregateManagerStats struct {
	Kind        string                `json:"kind"`
	State       models.AggregateState `json:"state"`
	LastRefresh time.Time             `json:"last_refresh"`
	LastError   string                `json:"last_error,omitempty"`
	Refreshes   int64                 `json:"refreshes"`
	Failures    int64                 `json:"failures"`
}

// AggregateManager owns the L4 tier: it recomputes materialized aggregates
// from the durable store and tracks each kind through fresh, stale and
// refreshing states. Every recomputation is guarded by a refresh lock scoped
// to (partition, kind), so concurrent triggers across the fleet collapse to
// one execution; the losers report already_in_progress, never an error.
type AggregateManager struct {
	store    HierarchyStore
	aggStore AggregateStore
	locker   RefreshLocker
	metrics  MetricsService
	logger   Logger
	config   *AggregateManagerConfig
	retryer  *apperrors.Retryer

	mu     sync.Mutex
	status map[models.AggregateKind]*aggregateStatus

	refreshWG sync.WaitGroup
}

// AllAggregateKinds lists every aggregate kind the manager maintains
var AllAggregateKinds = []models.AggregateKind{
	models.AggregateAncestorList,
	models.AggregateDescendantCount,
	models.AggregateSubtreeStats,
}

// NewAggregateManager creates an aggregate manager for the store's partition
func NewAggregateManager(store HierarchyStore, aggStore AggregateStore, locker RefreshLocker, metrics MetricsService, logger Logger, config *AggregateManagerConfig) *AggregateManager {
	if config == nil {
		config = DefaultAggregateManagerConfig()
	}
	if logger == nil {
		logger = NewDefaultLogger()
	}

	status := make(map[models.AggregateKind]*aggregateStatus, len(AllAggregateKinds))
	for _, kind := range AllAggregateKinds {
		// Everything starts stale: nothing has been computed against the
		// current tree yet
		status[kind] = &aggregateStatus{state: models.AggregateStale}
	}

	return &AggregateManager{
		store:    store,
		aggStore: aggStore,
		locker:   locker,
		metrics:  metrics,
		logger:   logger.With(String("component", "aggregate_manager"), String("partition", string(store.Partition()))),
		config:   config,
		retryer:  apperrors.NewRetryer(apperrors.RefreshRetryConfig()),
		status:   status,
	}
}

// Refresh recomputes one aggregate kind synchronously. If another holder owns
// the refresh lock the call returns already_in_progress immediately.
func (m *AggregateManager) Refresh(ctx context.Context, kind models.AggregateKind) (models.RefreshStatus, error) {
	if !m.knownKind(kind) {
		return models.RefreshFailed, apperrors.NewValidationError(apperrors.ErrCodeInvalidAggregate,
			fmt.Sprintf("unknown aggregate kind: %s", kind), nil)
	}

	release, acquired, err := m.locker.TryAcquire(ctx, m.store.Partition(), string(kind))
	if err != nil {
		return models.RefreshFailed, fmt.Errorf("failed to acquire refresh lock for %s: %w", kind, err)
	}
	if !acquired {
		m.metrics.IncrementCounter("aggregate_refresh_contended", map[string]string{"kind": string(kind)})
		return models.RefreshAlreadyInProgress, nil
	}
	defer release()

	if err := m.runRefresh(ctx, kind); err != nil {
		return models.RefreshFailed, err
	}
	return models.RefreshStarted, nil
}

// TriggerRefresh starts an asynchronous refresh of one aggregate kind. The
// returned status reflects lock acquisition only; the recomputation itself
// runs in the background and logs its outcome.
func (m *AggregateManager) TriggerRefresh(ctx context.Context, kind models.AggregateKind) (models.RefreshStatus, error) {
	if !m.knownKind(kind) {
		return models.RefreshFailed, apperrors.NewValidationError(apperrors.ErrCodeInvalidAggregate,
			fmt.Sprintf("unknown aggregate kind: %s", kind), nil)
	}

	release, acquired, err := m.locker.TryAcquire(ctx, m.store.Partition(), string(kind))
	if err != nil {
		return models.RefreshFailed, fmt.Errorf("failed to acquire refresh lock for %s: %w", kind, err)
	}
	if !acquired {
		m.metrics.IncrementCounter("aggregate_refresh_contended", map[string]string{"kind": string(kind)})
		return models.RefreshAlreadyInProgress, nil
	}

	m.refreshWG.Add(1)
	go func() {
		defer m.refreshWG.Done()
		defer release()

		// The refresh outlives the triggering request, so it gets its own
		// deadline instead of the caller's
		refreshCtx, cancel := context.WithTimeout(context.Background(), m.config.RefreshTimeout)
		defer cancel()

		if err := m.runRefresh(refreshCtx, kind); err != nil {
			m.logger.Error("background aggregate refresh failed", err, String("kind", string(kind)))
		}
	}()

	return models.RefreshStarted, nil
}

// RefreshStale synchronously refreshes every kind currently not fresh. Used
// by the scheduler tick.
func (m *AggregateManager) RefreshStale(ctx context.Context) {
	for _, kind := range AllAggregateKinds {
		if m.State(kind) == models.AggregateFresh {
			continue
		}
		if _, err := m.Refresh(ctx, kind); err != nil {
			m.logger.Error("scheduled aggregate refresh failed", err, String("kind", string(kind)))
		}
	}
}

// runRefresh performs the recomputation for one kind. The caller must hold
// the refresh lock.
func (m *AggregateManager) runRefresh(ctx context.Context, kind models.AggregateKind) error {
	m.setState(kind, models.AggregateRefreshing)
	started := time.Now()

	err := m.retryer.Execute(ctx, func() error {
		records, err := m.computeRecords(ctx, kind)
		if err != nil {
			return err
		}
		return m.aggStore.UpsertRecords(ctx, records)
	})

	m.mu.Lock()
	status := m.status[kind]
	if err != nil {
		status.state = models.AggregateStale
		status.lastError = err.Error()
		status.failures++
	} else {
		status.state = models.AggregateFresh
		status.lastRefresh = time.Now()
		status.lastError = ""
		status.refreshes++
	}
	m.mu.Unlock()

	m.metrics.RecordTiming("aggregate_refresh", time.Since(started), map[string]string{"kind": string(kind)})
	if err != nil {
		m.metrics.IncrementCounter("aggregate_refresh_failed", map[string]string{"kind": string(kind)})
		return fmt.Errorf("failed to refresh aggregate %s: %w", kind, err)
	}

	m.logger.Info("aggregate refreshed",
		String("kind", string(kind)),
		Duration("took", time.Since(started)))
	return nil
}

// computeRecords scans the partition's tree once and materializes all records
// for one aggregate kind
func (m *AggregateManager) computeRecords(ctx context.Context, kind models.AggregateKind) ([]models.AggregateRecord, error) {
	nodes, err := m.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes for aggregate computation: %w", err)
	}

	partition := m.store.Partition()
	computedAt := time.Now()

	byPath := make(map[models.Path]*models.Node, len(nodes))
	prefixesOf := make([][]models.Path, len(nodes))
	for i := range nodes {
		byPath[nodes[i].Path] = &nodes[i]

		// PrefixPaths yields every ancestor path plus the node's own,
		// shortest first
		prefixes, err := models.PrefixPaths(nodes[i].Path)
		if err != nil {
			return nil, fmt.Errorf("stored path for node %s is not canonical: %w", nodes[i].ID, err)
		}
		prefixesOf[i] = prefixes
	}

	records := make([]models.AggregateRecord, 0, len(nodes))
	makeRecord := func(node *models.Node, value models.AggregateValue) models.AggregateRecord {
		return models.AggregateRecord{
			NodeID:         node.ID,
			Partition:      partition,
			NodePath:       node.Path,
			Value:          value,
			SourcePathHash: node.PathHash,
			ComputedAt:     computedAt,
		}
	}

	switch kind {
	case models.AggregateAncestorList:
		for i := range nodes {
			prefixes := prefixesOf[i]
			ancestors := make([]models.NodeID, 0, len(prefixes)-1)
			for _, prefix := range prefixes[:len(prefixes)-1] {
				if ancestor, ok := byPath[prefix]; ok {
					ancestors = append(ancestors, ancestor.ID)
				}
			}
			records = append(records, makeRecord(&nodes[i],
				models.AggregateValue{Kind: kind, Ancestors: ancestors}))
		}

	case models.AggregateDescendantCount:
		counts := make(map[models.Path]int64, len(nodes))
		for i := range nodes {
			prefixes := prefixesOf[i]
			for _, prefix := range prefixes[:len(prefixes)-1] {
				counts[prefix]++
			}
		}
		for i := range nodes {
			records = append(records, makeRecord(&nodes[i],
				models.AggregateValue{Kind: kind, DescendantCount: counts[nodes[i].Path]}))
		}

	case models.AggregateSubtreeStats:
		stats := make(map[models.Path]*models.SubtreeStats, len(nodes))
		hasChild := make(map[models.Path]bool, len(nodes))
		for i := range nodes {
			node := &nodes[i]
			// A node counts toward the subtree of every prefix, itself
			// included
			for _, prefix := range prefixesOf[i] {
				s, ok := stats[prefix]
				if !ok {
					s = &models.SubtreeStats{}
					stats[prefix] = s
				}
				s.NodeCount++
				if node.Depth > s.MaxDepth {
					s.MaxDepth = node.Depth
				}
			}
			if parent := models.ParentPath(node.Path); parent != "" {
				hasChild[parent] = true
			}
		}
		for i := range nodes {
			if hasChild[nodes[i].Path] {
				continue
			}
			for _, prefix := range prefixesOf[i] {
				stats[prefix].LeafCount++
			}
		}
		for i := range nodes {
			records = append(records, makeRecord(&nodes[i],
				models.AggregateValue{Kind: kind, Stats: stats[nodes[i].Path]}))
		}

	default:
		return nil, apperrors.NewValidationError(apperrors.ErrCodeInvalidAggregate,
			fmt.Sprintf("unknown aggregate kind: %s", kind), nil)
	}

	return records, nil
}

// GetIfUsable fetches a node's aggregate record and reports whether it is
// fresh. A record is fresh only when it is not flagged stale and its source
// path hash still matches the node's live path hash; anything else may only
// be served flagged.
func (m *AggregateManager) GetIfUsable(ctx context.Context, node *models.Node, kind models.AggregateKind) (record *models.AggregateRecord, fresh bool, err error) {
	record, err = m.aggStore.GetRecord(ctx, node.Partition, node.ID, kind)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	fresh = !record.Stale && record.SourcePathHash == node.PathHash
	return record, fresh, nil
}

// NoteMutation flips every fresh kind to stale after a hierarchy write. The
// durable stale flags on individual records are set by the invalidation path;
// this only moves the in-memory state machine so the scheduler knows to act.
func (m *AggregateManager) NoteMutation() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, status := range m.status {
		if status.state == models.AggregateFresh {
			status.state = models.AggregateStale
		}
	}
}

// State returns the current state of one aggregate kind
func (m *AggregateManager) State(kind models.AggregateKind) models.AggregateState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if status, ok := m.status[kind]; ok {
		return status.state
	}
	return models.AggregateStale
}

// StalenessAges returns, per kind, the time since the last successful
// refresh. Kinds never refreshed report a zero time and are the monitor's
// concern once the SLA window has passed since startup.
func (m *AggregateManager) StalenessAges() map[models.AggregateKind]time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	ages := make(map[models.AggregateKind]time.Duration, len(m.status))
	for kind, status := range m.status {
		if status.state == models.AggregateFresh {
			ages[kind] = 0
			continue
		}
		if status.lastRefresh.IsZero() {
			ages[kind] = m.config.StalenessSLA // never refreshed counts as at the SLA edge
			continue
		}
		ages[kind] = time.Since(status.lastRefresh)
	}
	return ages
}

// GetStats returns a snapshot of every kind's state machine
func (m *AggregateManager) GetStats() []AggregateManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make([]AggregateManagerStats, 0, len(AllAggregateKinds))
	for _, kind := range AllAggregateKinds {
		status := m.status[kind]
		stats = append(stats, AggregateManagerStats{
			Kind:        string(kind),
			State:       status.state,
			LastRefresh: status.lastRefresh,
			LastError:   status.lastError,
			Refreshes:   status.refreshes,
			Failures:    status.failures,
		})
	}
	return stats
}

// Wait blocks until all background refreshes have finished
func (m *AggregateManager) Wait() {
	m.refreshWG.Wait()
}

func (m *AggregateManager) setState(kind models.AggregateKind, state models.AggregateState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[kind].state = state
}

func (m *AggregateManager) knownKind(kind models.AggregateKind) bool {
	for _, k := range AllAggregateKinds {
		if k == kind {
			return true
		}
	}
	return false
}
