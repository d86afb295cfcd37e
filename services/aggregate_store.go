package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "entity-hierarchy-engine/errors"
	"entity-hierarchy-engine/models"

	"github.com/lib/pq"
)

// AggregateStoreStats summarizes the L4 tier for one partition
type AggregateStoreStats struct {
	TotalRecords int64            `json:"total_records"`
	StaleRecords int64            `json:"stale_records"`
	ByKind       map[string]int64 `json:"by_kind"`
	OldestFresh  *time.Time       `json:"oldest_fresh,omitempty"`
}

// DatabaseAggregateStore implements AggregateStore over the
// hierarchy_aggregates table. Records are never deleted on invalidation -
// they are flagged stale and kept, so the coordinator can still fall back to
// a flagged value under deadline pressure.
type DatabaseAggregateStore struct {
	db     *sql.DB
	logger Logger
}

// NewDatabaseAggregateStore creates the L4 aggregate store
func NewDatabaseAggregateStore(db *sql.DB, logger Logger) *DatabaseAggregateStore {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	return &DatabaseAggregateStore{
		db:     db,
		logger: logger.With(String("component", "aggregate_store")),
	}
}

// GetRecord fetches one aggregate record, stale or fresh
func (s *DatabaseAggregateStore) GetRecord(ctx context.Context, partition models.PartitionID, id models.NodeID, kind models.AggregateKind) (*models.AggregateRecord, error) {
	query := `
		SELECT node_id, partition_id, node_path, value, source_path_hash, computed_at, stale
		FROM hierarchy_aggregates
		WHERE partition_id = $1 AND node_id = $2 AND kind = $3`

	var record models.AggregateRecord
	var valueJSON []byte

	err := s.db.QueryRowContext(ctx, query, string(partition), string(id), string(kind)).Scan(
		&record.NodeID,
		&record.Partition,
		&record.NodePath,
		&valueJSON,
		&record.SourcePathHash,
		&record.ComputedAt,
		&record.Stale,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(apperrors.ErrCodeAggregateNotFound,
			fmt.Sprintf("aggregate %s for node %s not found", kind, id), nil)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery, "failed to query aggregate record", err)
	}

	if err := json.Unmarshal(valueJSON, &record.Value); err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery, "failed to decode aggregate value", err)
	}

	return &record, nil
}

// UpsertRecords atomically replaces a batch of aggregate records and clears
// their stale flags. Freshness is still re-checked at read time against the
// node's live path hash, so a refresh that raced a concurrent move cannot
// serve its snapshot as fresh.
func (s *DatabaseAggregateStore) UpsertRecords(ctx context.Context, records []models.AggregateRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery, "failed to begin aggregate upsert", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO hierarchy_aggregates
			(partition_id, node_id, kind, node_path, value, source_path_hash, computed_at, stale)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false)
		ON CONFLICT (partition_id, node_id, kind) DO UPDATE SET
			node_path = EXCLUDED.node_path,
			value = EXCLUDED.value,
			source_path_hash = EXCLUDED.source_path_hash,
			computed_at = EXCLUDED.computed_at,
			stale = false`)
	if err != nil {
		return apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery, "failed to prepare aggregate upsert", err)
	}
	defer stmt.Close()

	for _, record := range records {
		valueJSON, err := json.Marshal(record.Value)
		if err != nil {
			return fmt.Errorf("failed to serialize aggregate value for node %s: %w", record.NodeID, err)
		}

		if _, err := stmt.ExecContext(ctx,
			string(record.Partition),
			string(record.NodeID),
			string(record.Value.Kind),
			string(record.NodePath),
			valueJSON,
			string(record.SourcePathHash),
			record.ComputedAt,
		); err != nil {
			return apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
				fmt.Sprintf("failed to upsert aggregate for node %s", record.NodeID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery, "failed to commit aggregate upsert", err)
	}

	return nil
}

// MarkStale flags all aggregate kinds for the given nodes. Flagging an
// absent node is a no-op, keeping invalidation idempotent.
func (s *DatabaseAggregateStore) MarkStale(ctx context.Context, partition models.PartitionID, ids []models.NodeID) error {
	if len(ids) == 0 {
		return nil
	}

	nodeIDs := make([]string, len(ids))
	for i, id := range ids {
		nodeIDs[i] = string(id)
	}

	query := `
		UPDATE hierarchy_aggregates
		SET stale = true
		WHERE partition_id = $1 AND node_id = ANY($2)`

	if _, err := s.db.ExecContext(ctx, query, string(partition), pq.Array(nodeIDs)); err != nil {
		return apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery, "failed to mark aggregates stale", err)
	}

	return nil
}

// MarkSubtreeStale flags every aggregate whose node lives at or under a path
// prefix. Used on subtree moves, where the affected node set is not known as
// an ID list without scanning the tree first.
func (s *DatabaseAggregateStore) MarkSubtreeStale(ctx context.Context, partition models.PartitionID, pathPrefix models.Path) error {
	query := `
		UPDATE hierarchy_aggregates
		SET stale = true
		WHERE partition_id = $1 AND (node_path = $2 OR node_path LIKE $2 || '.%')`

	if _, err := s.db.ExecContext(ctx, query, string(partition), string(pathPrefix)); err != nil {
		return apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery, "failed to mark subtree aggregates stale", err)
	}

	return nil
}

// DeleteRecords removes aggregate rows for deleted nodes. Deletion only
// happens when the node itself is gone; path changes mark stale instead.
func (s *DatabaseAggregateStore) DeleteRecords(ctx context.Context, partition models.PartitionID, ids []models.NodeID) error {
	if len(ids) == 0 {
		return nil
	}

	nodeIDs := make([]string, len(ids))
	for i, id := range ids {
		nodeIDs[i] = string(id)
	}

	query := `
		DELETE FROM hierarchy_aggregates
		WHERE partition_id = $1 AND node_id = ANY($2)`

	if _, err := s.db.ExecContext(ctx, query, string(partition), pq.Array(nodeIDs)); err != nil {
		return apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery, "failed to delete aggregate records", err)
	}

	return nil
}

// Stats returns L4 tier statistics for one partition
func (s *DatabaseAggregateStore) Stats(ctx context.Context, partition models.PartitionID) (*AggregateStoreStats, error) {
	stats := &AggregateStoreStats{ByKind: make(map[string]int64)}

	summaryQuery := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE stale),
		       MIN(computed_at) FILTER (WHERE NOT stale)
		FROM hierarchy_aggregates
		WHERE partition_id = $1`

	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx, summaryQuery, string(partition)).Scan(
		&stats.TotalRecords, &stats.StaleRecords, &oldest)
	if err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery, "failed to query aggregate stats", err)
	}
	if oldest.Valid {
		stats.OldestFresh = &oldest.Time
	}

	kindQuery := `
		SELECT kind, COUNT(*)
		FROM hierarchy_aggregates
		WHERE partition_id = $1
		GROUP BY kind`

	rows, err := s.db.QueryContext(ctx, kindQuery, string(partition))
	if err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery, "failed to query aggregate kind counts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery, "failed to scan aggregate kind count", err)
		}
		stats.ByKind[kind] = count
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery, "failed to read aggregate kind counts", err)
	}

	return stats, nil
}
