package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "entity-hierarchy-engine/errors"
	"entity-hierarchy-engine/models"
)

// MockHierarchyStore is an in-memory HierarchyStore with the same contract
// as the PostgreSQL implementation. Used in tests and for local development
// without a database.
type MockHierarchyStore struct {
	mu        sync.RWMutex
	partition models.PartitionID
	nodes     map[models.NodeID]*models.Node

	// OnList, when set, runs at the start of every ListNodes call. Tests use
	// it to hold a refresh mid-flight.
	OnList func()

	// PingErr, when set, makes Ping fail
	PingErr error
}

// NewMockHierarchyStore creates an empty in-memory store for one partition
func NewMockHierarchyStore(partition models.PartitionID) *MockHierarchyStore {
	return &MockHierarchyStore{
		partition: partition,
		nodes:     make(map[models.NodeID]*models.Node),
	}
}

// Partition returns the store's partition
func (s *MockHierarchyStore) Partition() models.PartitionID {
	return s.partition
}

// GetNode fetches one node
func (s *MockHierarchyStore) GetNode(ctx context.Context, id models.NodeID) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *MockHierarchyStore) getLocked(id models.NodeID) (*models.Node, error) {
	node, ok := s.nodes[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(apperrors.ErrCodeNodeNotFound,
			fmt.Sprintf("node %s not found", id), nil)
	}
	copied := *node
	return &copied, nil
}

// GetAncestors returns the ancestor chain, root first. maxDepth > 0 keeps
// only the nearest maxDepth ancestors.
func (s *MockHierarchyStore) GetAncestors(ctx context.Context, id models.NodeID, maxDepth int) ([]models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}

	prefixes, err := models.PrefixPaths(node.Path)
	if err != nil {
		return nil, apperrors.NewInvalidPathError(
			fmt.Sprintf("stored path %q is not canonical", node.Path), err)
	}
	prefixes = prefixes[:len(prefixes)-1]
	if maxDepth > 0 && len(prefixes) > maxDepth {
		prefixes = prefixes[len(prefixes)-maxDepth:]
	}

	ancestors := make([]models.Node, 0, len(prefixes))
	for _, prefix := range prefixes {
		for _, candidate := range s.nodes {
			if candidate.Path == prefix {
				ancestors = append(ancestors, *candidate)
				break
			}
		}
	}
	return ancestors, nil
}

// GetDescendants returns the subtree below a node, shallow first. maxDepth
// > 0 limits how many levels below the node are included.
func (s *MockHierarchyStore) GetDescendants(ctx context.Context, id models.NodeID, maxDepth int) ([]models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}

	var descendants []models.Node
	for _, candidate := range s.nodes {
		if !models.IsAncestorOf(node.Path, candidate.Path) {
			continue
		}
		if maxDepth > 0 && candidate.Depth > node.Depth+maxDepth {
			continue
		}
		descendants = append(descendants, *candidate)
	}

	sort.Slice(descendants, func(i, j int) bool {
		if descendants[i].Depth != descendants[j].Depth {
			return descendants[i].Depth < descendants[j].Depth
		}
		return descendants[i].Path < descendants[j].Path
	})
	return descendants, nil
}

// GetChildren returns a node's direct children
func (s *MockHierarchyStore) GetChildren(ctx context.Context, id models.NodeID) ([]models.Node, error) {
	return s.GetDescendants(ctx, id, 1)
}

// ListNodes returns every node in the partition
func (s *MockHierarchyStore) ListNodes(ctx context.Context) ([]models.Node, error) {
	if s.OnList != nil {
		s.OnList()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]models.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		nodes = append(nodes, *node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
	return nodes, nil
}

// CountDescendants counts the subtree below a node
func (s *MockHierarchyStore) CountDescendants(ctx context.Context, id models.NodeID) (int64, error) {
	descendants, err := s.GetDescendants(ctx, id, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(descendants)), nil
}

// CreateNode inserts a node under a parent; parentID "" creates a root
func (s *MockHierarchyStore) CreateNode(ctx context.Context, id, parentID models.NodeID, payload json.RawMessage) (*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[id]; exists {
		return nil, apperrors.NewConflictError(apperrors.ErrCodeNodeExists,
			fmt.Sprintf("node %s already exists", id), nil)
	}

	parentPath := models.Path("")
	if parentID != "" {
		parent, err := s.getLocked(parentID)
		if err != nil {
			return nil, err
		}
		parentPath = parent.Path
	}

	path, err := models.ChildPath(parentPath, id)
	if err != nil {
		return nil, apperrors.NewInvalidPathError(
			fmt.Sprintf("node ID %s cannot appear in a path", id), err)
	}

	now := time.Now()
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
	s.nodes[id] = node

	copied := *node
	return &copied, nil
}

// MoveNode reparents a node, rewriting its whole subtree atomically
func (s *MockHierarchyStore) MoveNode(ctx context.Context, id, newParentID models.NodeID) (*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(apperrors.ErrCodeNodeNotFound,
			fmt.Sprintf("node %s not found", id), nil)
	}

	newParentPath := models.Path("")
	if newParentID != "" {
		newParent, ok := s.nodes[newParentID]
		if !ok {
			return nil, apperrors.NewNotFoundError(apperrors.ErrCodeNodeNotFound,
				fmt.Sprintf("node %s not found", newParentID), nil)
		}
		if newParent.ID == id || models.IsAncestorOf(node.Path, newParent.Path) {
			return nil, apperrors.NewConflictError(apperrors.ErrCodeCyclicMove,
				fmt.Sprintf("cannot move node %s under its own descendant %s", id, newParentID), nil)
		}
		newParentPath = newParent.Path
	}

	oldPath := node.Path
	newPath, err := models.ChildPath(newParentPath, id)
	if err != nil {
		return nil, apperrors.NewInvalidPathError(
			fmt.Sprintf("node ID %s cannot appear in a path", id), err)
	}

	now := time.Now()
	for _, candidate := range s.nodes {
		if candidate.Path != oldPath && !models.IsAncestorOf(oldPath, candidate.Path) {
			continue
		}
		rebased, err := models.RebasePath(candidate.Path, oldPath, newPath)
		if err != nil {
			return nil, apperrors.NewInvalidPathError(
				fmt.Sprintf("failed to rebase path %q", candidate.Path), err)
		}
		candidate.Path = rebased
		candidate.Depth = models.Depth(rebased)
		candidate.PathHash = models.HashPath(rebased)
		candidate.UpdatedAt = now
	}
	node.ParentID = newParentID

	copied := *node
	return &copied, nil
}

// DeleteNode removes a node and its subtree, returning every removed ID
func (s *MockHierarchyStore) DeleteNode(ctx context.Context, id models.NodeID) ([]models.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(apperrors.ErrCodeNodeNotFound,
			fmt.Sprintf("node %s not found", id), nil)
	}

	var deleted []models.NodeID
	for candidateID, candidate := range s.nodes {
		if candidate.Path == node.Path || models.IsAncestorOf(node.Path, candidate.Path) {
			deleted = append(deleted, candidateID)
		}
	}
	for _, deletedID := range deleted {
		delete(s.nodes, deletedID)
	}

	sort.Slice(deleted, func(i, j int) bool { return deleted[i] < deleted[j] })
	return deleted, nil
}

// Ping reports store reachability
func (s *MockHierarchyStore) Ping(ctx context.Context) error {
	return s.PingErr
}
