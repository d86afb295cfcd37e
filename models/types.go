package models

import (
	"encoding/json"
	"time"
)

// NodeID uniquely identifies a node in the hierarchy
type NodeID string

// PartitionID identifies an isolated hierarchy namespace. Cache keys and
// refresh locks are always scoped by partition so that two partitions with
// identically named aggregates never collide.
type PartitionID string

// Node represents one entity in the hierarchy tree
type Node struct {
	ID        NodeID          `json:"id"`
	Partition PartitionID     `json:"partition"`
	Path      Path            `json:"path"`
	Depth     int             `json:"depth"`
	PathHash  PathHash        `json:"path_hash"`
	ParentID  NodeID          `json:"parent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IsRoot reports whether the node has no parent
func (n *Node) IsRoot() bool {
	return n.ParentID == ""
}

// Tier identifies a level of the cache hierarchy
type Tier int

const (
	TierL1 Tier = iota + 1 // process-local cache
	TierL2                 // shared distributed cache
	TierL3                 // durable store, authoritative
	TierL4                 // precomputed aggregates
)

// String returns the tier label used in metrics and responses
func (t Tier) String() string {
	switch t {
	case TierL1:
		return "L1"
	case TierL2:
		return "L2"
	case TierL3:
		return "L3"
	case TierL4:
		return "L4"
	default:
		return "unknown"
	}
}

// QueryType identifies the kind of hierarchy query a cache entry answers
type QueryType string

const (
	QueryAncestors   QueryType = "ancestors"
	QueryDescendants QueryType = "descendants"
	QueryChildren    QueryType = "children"
)

// CacheKey builds the namespaced cache key for a hierarchy query. The
// partition prefix is load-bearing: it keeps partitions that reuse node IDs
// from ever sharing a cache entry.
func CacheKey(partition PartitionID, query QueryType, id NodeID) string {
	return string(partition) + ":" + string(query) + ":" + string(id)
}

// QueryKeyPrefix returns the cache-key prefix covering every node for one
// query type in a partition, used for pattern invalidation.
func QueryKeyPrefix(partition PartitionID, query QueryType) string {
	return string(partition) + ":" + string(query) + ":"
}

// AggregateKind identifies a precomputed aggregate variant
type AggregateKind string

const (
	AggregateAncestorList    AggregateKind = "ancestor_list"
	AggregateDescendantCount AggregateKind = "descendant_count"
	AggregateSubtreeStats    AggregateKind = "subtree_stats"
)

// SubtreeStats holds precomputed statistics over a node's subtree
type SubtreeStats struct {
	NodeCount int64 `json:"node_count"`
	MaxDepth  int   `json:"max_depth"`
	LeafCount int64 `json:"leaf_count"`
}

// AggregateValue is the tagged variant carried by an AggregateRecord. Exactly
// the field matching Kind is populated; consumers validate shape through the
// Kind tag instead of an untyped map.
type AggregateValue struct {
	Kind            AggregateKind `json:"kind"`
	Ancestors       []NodeID      `json:"ancestors,omitempty"`
	DescendantCount int64         `json:"descendant_count,omitempty"`
	Stats           *SubtreeStats `json:"stats,omitempty"`
}

// AggregateRecord is one materialized aggregate row for a node. The record is
// authoritative only while SourcePathHash matches the node's live path hash;
// a mismatch or an explicit stale mark means the value may only be served
// with a staleness flag.
type AggregateRecord struct {
	NodeID         NodeID         `json:"node_id"`
	Partition      PartitionID    `json:"partition"`
	NodePath       Path           `json:"node_path"`
	Value          AggregateValue `json:"value"`
	SourcePathHash PathHash       `json:"source_path_hash"`
	ComputedAt     time.Time      `json:"computed_at"`
	Stale          bool           `json:"stale"`
}

// MutationKind identifies a hierarchy write operation
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationMove   MutationKind = "move"
	MutationDelete MutationKind = "delete"
)

// InvalidationEvent is the compact change notification published on every
// mutation. Delivery to subscribers is at-least-once; consumers must be
// idempotent on EventID.
type InvalidationEvent struct {
	EventID   string       `json:"event_id"`
	Partition PartitionID  `json:"partition"`
	Kind      MutationKind `json:"kind"`
	NodeIDs   []NodeID     `json:"node_ids"`
	Timestamp time.Time    `json:"timestamp"`
}

// ResolveResult is the answer to a hierarchy read, annotated with the tier
// that served it and a staleness flag. Stale results are never returned
// silently as fresh: Warning carries the stale_read annotation.
type ResolveResult struct {
	Nodes   []Node   `json:"nodes"`
	NodeIDs []NodeID `json:"node_ids,omitempty"`
	Tier    Tier     `json:"tier"`
	Stale   bool     `json:"stale"`
	Warning string   `json:"warning,omitempty"`
}

// RefreshStatus is the outcome of a refresh trigger
type RefreshStatus string

const (
	RefreshStarted           RefreshStatus = "started"
	RefreshAlreadyInProgress RefreshStatus = "already_in_progress"
	RefreshFailed            RefreshStatus = "error"
)

// AggregateState tracks the refresh state machine of one aggregate namespace
type AggregateState string

const (
	AggregateFresh      AggregateState = "fresh"
	AggregateStale      AggregateState = "stale"
	AggregateRefreshing AggregateState = "refreshing"
)
