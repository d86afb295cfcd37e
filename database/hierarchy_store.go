package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "entity-hierarchy-engine/errors"
	"entity-hierarchy-engine/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// pathHashSQL recomputes the fixed-width path hash inside SQL during bulk
// path rewrites. It must stay byte-identical to models.HashPath: first 16
// bytes of sha256, hex encoded.
const pathHashSQL = `encode(substring(sha256(convert_to(%s, 'UTF8')) from 1 for 16), 'hex')`

// PgHierarchyStore is the durable source of truth for the hierarchy. Ancestor
// and descendant lookups are prefix-range scans over the path index, never
// recursive self-joins.
type PgHierarchyStore struct {
	db        *PostgresService
	partition models.PartitionID
}

// NewPgHierarchyStore creates a hierarchy store bound to one partition
func NewPgHierarchyStore(db *PostgresService, partition models.PartitionID) *PgHierarchyStore {
	return &PgHierarchyStore{
		db:        db,
		partition: partition,
	}
}

// Partition returns the partition this store serves
func (s *PgHierarchyStore) Partition() models.PartitionID {
	return s.partition
}

const nodeColumns = `id, partition_id, path, depth, path_hash, parent_id, payload, created_at, updated_at`

// scanNode scans one hierarchy_nodes row
func scanNode(row pgx.Row) (*models.Node, error) {
	var node models.Node
	var parentID *string
	var payload []byte

	err := row.Scan(
		&node.ID,
		&node.Partition,
		&node.Path,
		&node.Depth,
		&node.PathHash,
		&parentID,
		&payload,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID != nil {
		node.ParentID = models.NodeID(*parentID)
	}
	node.Payload = json.RawMessage(payload)

	return &node, nil
}

// GetNode retrieves a single node by identifier
func (s *PgHierarchyStore) GetNode(ctx context.Context, id models.NodeID) (*models.Node, error) {
	query := fmt.Sprintf(`SELECT %s FROM hierarchy_nodes WHERE partition_id = $1 AND id = $2`, nodeColumns)

	node, err := scanNode(s.db.QueryRow(ctx, query, s.partition, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.NewNotFoundError(apperrors.ErrCodeNodeNotFound,
				fmt.Sprintf("node %q not found", id), nil)
		}
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			"failed to get node", err)
	}

	return node, nil
}

// GetAncestors returns the node's ancestors ordered root-to-immediate-parent.
// When maxDepth > 0 only the nearest maxDepth ancestors are returned. Each
// ancestor path is a prefix of the node's path, so the lookup is a batch of
// exact index probes rather than a tree walk.
func (s *PgHierarchyStore) GetAncestors(ctx context.Context, id models.NodeID, maxDepth int) ([]models.Node, error) {
	node, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	segments, err := models.DecodePath(node.Path)
	if err != nil {
		return nil, apperrors.NewInvalidPathError(
			fmt.Sprintf("stored path for node %q is malformed", id), err)
	}

	if len(segments) <= 1 {
		return []models.Node{}, nil
	}

	// Build every ancestor path prefix
	ancestorPaths := make([]string, 0, len(segments)-1)
	prefix := models.Path("")
	for _, segment := range segments[:len(segments)-1] {
		prefix, err = models.ChildPath(prefix, segment)
		if err != nil {
			return nil, apperrors.NewInvalidPathError(
				fmt.Sprintf("stored path for node %q is malformed", id), err)
		}
		ancestorPaths = append(ancestorPaths, string(prefix))
	}

	if maxDepth > 0 && len(ancestorPaths) > maxDepth {
		// Nearest ancestors are the deepest prefixes
		ancestorPaths = ancestorPaths[len(ancestorPaths)-maxDepth:]
	}

	query := fmt.Sprintf(`
		SELECT %s FROM hierarchy_nodes
		WHERE partition_id = $1 AND path = ANY($2)
		ORDER BY depth ASC
	`, nodeColumns)

	rows, err := s.db.Query(ctx, query, s.partition, ancestorPaths)
	if err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			"failed to get ancestors", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// GetDescendants returns every node under the given node's path prefix,
// bounded by maxDepth levels below it when maxDepth > 0, ordered by path.
func (s *PgHierarchyStore) GetDescendants(ctx context.Context, id models.NodeID, maxDepth int) ([]models.Node, error) {
	node, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s FROM hierarchy_nodes
		WHERE partition_id = $1
		  AND path LIKE $2
		  AND ($3 <= 0 OR depth <= $4)
		ORDER BY path ASC
	`, nodeColumns)

	prefix := string(node.Path) + models.PathDelimiter + "%"
	rows, err := s.db.Query(ctx, query, s.partition, prefix, maxDepth, node.Depth+maxDepth)
	if err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			"failed to get descendants", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// GetChildren returns descendants exactly one level below the node
func (s *PgHierarchyStore) GetChildren(ctx context.Context, id models.NodeID) ([]models.Node, error) {
	node, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s FROM hierarchy_nodes
		WHERE partition_id = $1 AND path LIKE $2 AND depth = $3
		ORDER BY path ASC
	`, nodeColumns)

	prefix := string(node.Path) + models.PathDelimiter + "%"
	rows, err := s.db.Query(ctx, query, s.partition, prefix, node.Depth+1)
	if err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			"failed to get children", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// ListNodes returns every node in the partition ordered by path. Used by the
// aggregate refresh to recompute the snapshot in one scan.
func (s *PgHierarchyStore) ListNodes(ctx context.Context) ([]models.Node, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM hierarchy_nodes
		WHERE partition_id = $1
		ORDER BY path ASC
	`, nodeColumns)

	rows, err := s.db.Query(ctx, query, s.partition)
	if err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			"failed to list nodes", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// CountDescendants counts the subtree below a node without materializing it
func (s *PgHierarchyStore) CountDescendants(ctx context.Context, id models.NodeID) (int64, error) {
	node, err := s.GetNode(ctx, id)
	if err != nil {
		return 0, err
	}

	var count int64
	prefix := string(node.Path) + models.PathDelimiter + "%"
	err = s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM hierarchy_nodes WHERE partition_id = $1 AND path LIKE $2`,
		s.partition, prefix,
	).Scan(&count)
	if err != nil {
		return 0, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			"failed to count descendants", err)
	}

	return count, nil
}

// CreateNode inserts a node under the given parent. An empty parent ID
// creates a root node.
func (s *PgHierarchyStore) CreateNode(ctx context.Context, id models.NodeID, parentID models.NodeID, payload json.RawMessage) (*models.Node, error) {
	parentPath := models.Path("")
	if parentID != "" {
		parent, err := s.GetNode(ctx, parentID)
		if err != nil {
			return nil, err
		}
		parentPath = parent.Path
	}

	path, err := models.ChildPath(parentPath, id)
	if err != nil {
		return nil, apperrors.NewInvalidPathError(
			fmt.Sprintf("identifier %q cannot be embedded in a path", id), err)
	}

	now := time.Now().UTC()
	node := &models.Node{
		ID:        id,
		Partition: s.partition,
		Path:      path,
		Depth:     models.Depth(path),
		PathHash:  models.HashPath(path),
		ParentID:  parentID,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var parentArg interface{}
	if parentID != "" {
		parentArg = string(parentID)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO hierarchy_nodes (id, partition_id, path, depth, path_hash, parent_id, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, node.ID, node.Partition, node.Path, node.Depth, node.PathHash, parentArg, []byte(node.Payload), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.NewConflictError(apperrors.ErrCodeNodeExists,
				fmt.Sprintf("node %q already exists", id), err)
		}
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			"failed to create node", err)
	}

	return node, nil
}

// MoveNode reparents a node and rewrites the path of every descendant in a
// single transaction. A write-ahead marker committed before the rewrite makes
// a crash mid-move detectable by RecoverIncompleteMoves.
func (s *PgHierarchyStore) MoveNode(ctx context.Context, id models.NodeID, newParentID models.NodeID) (*models.Node, error) {
	node, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	newParentPath := models.Path("")
	if newParentID != "" {
		newParent, err := s.GetNode(ctx, newParentID)
		if err != nil {
			return nil, err
		}
		if newParent.ID == node.ID || models.IsAncestorOf(node.Path, newParent.Path) {
			return nil, apperrors.NewConflictError(apperrors.ErrCodeCyclicMove,
				fmt.Sprintf("cannot move node %q under its own subtree", id), nil)
		}
		newParentPath = newParent.Path
	}

	oldPath := node.Path
	newPath, err := models.ChildPath(newParentPath, id)
	if err != nil {
		return nil, apperrors.NewInvalidPathError(
			fmt.Sprintf("identifier %q cannot be embedded in a path", id), err)
	}
	if newPath == oldPath {
		return node, nil
	}
	depthDelta := models.Depth(newPath) - models.Depth(oldPath)

	// Write-ahead marker in its own transaction: committed before the
	// rewrite so an interrupted move is visible to recovery.
	moveID := uuid.New().String()
	_, err = s.db.Exec(ctx, `
		INSERT INTO hierarchy_moves (move_id, partition_id, node_id, old_path, new_path, started_at, completed)
		VALUES ($1, $2, $3, $4, $5, $6, false)
	`, moveID, s.partition, id, oldPath, newPath, time.Now().UTC())
	if err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			"failed to record move marker", err)
	}

	if err := s.applyMove(ctx, oldPath, newPath, depthDelta, id, newParentID); err != nil {
		return nil, err
	}

	_, err = s.db.Exec(ctx,
		`UPDATE hierarchy_moves SET completed = true, completed_at = $1 WHERE move_id = $2`,
		time.Now().UTC(), moveID)
	if err != nil {
		// The move itself committed; recovery will settle the marker
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			"move applied but marker completion failed", err)
	}

	return s.GetNode(ctx, id)
}

// applyMove performs the transactional path rewrite of a subtree
func (s *PgHierarchyStore) applyMove(ctx context.Context, oldPath, newPath models.Path, depthDelta int, id, newParentID models.NodeID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseConnection,
			"failed to begin move transaction", err)
	}
	defer tx.Rollback(ctx)

	// Rewrite the node and its whole subtree via prefix substitution; the
	// path hash is recomputed per row to keep staleness detection honest
	rewrite := fmt.Sprintf(`
		UPDATE hierarchy_nodes
		SET path = $1 || substr(path, $2),
		    depth = depth + $3,
		    path_hash = %s,
		    updated_at = $4
		WHERE partition_id = $5 AND (path = $6 OR path LIKE $7)
	`, fmt.Sprintf(pathHashSQL, "$1 || substr(path, $2)"))

	prefix := string(oldPath) + models.PathDelimiter + "%"
	_, err = tx.Exec(ctx, rewrite,
		string(newPath), len(oldPath)+1, depthDelta, time.Now().UTC(),
		s.partition, oldPath, prefix)
	if err != nil {
		return apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			"failed to rewrite subtree paths", err)
	}

	var parentArg interface{}
	if newParentID != "" {
		parentArg = string(newParentID)
	}
	_, err = tx.Exec(ctx,
		`UPDATE hierarchy_nodes SET parent_id = $1 WHERE partition_id = $2 AND id = $3`,
		parentArg, s.partition, id)
	if err != nil {
		return apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			"failed to update parent reference", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseConnection,
			"failed to commit move transaction", err)
	}

	return nil
}

// DeleteNode removes a node and its entire subtree
func (s *PgHierarchyStore) DeleteNode(ctx context.Context, id models.NodeID) ([]models.NodeID, error) {
	node, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	prefix := string(node.Path) + models.PathDelimiter + "%"
	rows, err := s.db.Query(ctx, `
		DELETE FROM hierarchy_nodes
		WHERE partition_id = $1 AND (path = $2 OR path LIKE $3)
		RETURNING id
	`, s.partition, node.Path, prefix)
	if err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			"failed to delete subtree", err)
	}
	defer rows.Close()

	var deleted []models.NodeID
	for rows.Next() {
		var delID string
		if err := rows.Scan(&delID); err != nil {
			return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
				"failed to scan deleted id", err)
		}
		deleted = append(deleted, models.NodeID(delID))
	}

	return deleted, rows.Err()
}

// IncompleteMove describes a move marker whose rewrite may not have committed
type IncompleteMove struct {
	MoveID  string
	NodeID  models.NodeID
	OldPath models.Path
	NewPath models.Path
}

// RecoverIncompleteMoves settles move markers left behind by a crash. The
// rewrite itself is atomic, so each marker is either fully applied (node sits
// at its new path) or never applied; both cases just need the marker closed.
func (s *PgHierarchyStore) RecoverIncompleteMoves(ctx context.Context) ([]IncompleteMove, error) {
	rows, err := s.db.Query(ctx, `
		SELECT move_id, node_id, old_path, new_path
		FROM hierarchy_moves
		WHERE partition_id = $1 AND completed = false
	`, s.partition)
	if err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			"failed to list incomplete moves", err)
	}
	defer rows.Close()

	var pending []IncompleteMove
	for rows.Next() {
		var m IncompleteMove
		if err := rows.Scan(&m.MoveID, &m.NodeID, &m.OldPath, &m.NewPath); err != nil {
			return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
				"failed to scan move marker", err)
		}
		pending = append(pending, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			"failed reading move markers", err)
	}

	for _, m := range pending {
		_, err := s.db.Exec(ctx,
			`UPDATE hierarchy_moves SET completed = true, completed_at = $1 WHERE move_id = $2`,
			time.Now().UTC(), m.MoveID)
		if err != nil {
			return pending, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
				"failed to settle move marker", err)
		}
	}

	return pending, nil
}

// Ping checks store reachability
func (s *PgHierarchyStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// collectNodes drains a node result set
func collectNodes(rows pgx.Rows) ([]models.Node, error) {
	nodes := []models.Node{}
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
				"failed to scan node row", err)
		}
		nodes = append(nodes, *node)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabaseQuery,
			"failed reading node rows", err)
	}
	return nodes, nil
}

// isUniqueViolation reports a unique-constraint failure (SQLSTATE 23505)
func isUniqueViolation(err error) bool {
	type sqlState interface{ SQLState() string }
	if pgErr, ok := err.(sqlState); ok {
		return pgErr.SQLState() == "23505"
	}
	return false
}
