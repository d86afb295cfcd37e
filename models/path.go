package models

import (
	"crypto/sha256"
	"fmt"
	"strings"

	apperrors "entity-hierarchy-engine/errors"
)

// PathDelimiter separates node IDs inside a materialized path
const PathDelimiter = "."

// Path is the materialized path of a node: the IDs of every node from the
// root down to the node itself, joined by PathDelimiter. Ancestry checks and
// subtree scans are plain string-prefix operations over this encoding, which
// is what lets the durable store answer them with an index range scan instead
// of recursive joins.
type Path string

// PathHash is the fixed-width hash of a Path, used to detect that an
// aggregate was computed against a path that has since been rewritten.
type PathHash string

// EncodePath joins node IDs into a canonical path. Every segment must be
// non-empty and delimiter-free; anything else would make the encoding
// ambiguous under prefix scans.
func EncodePath(ids []NodeID) (Path, error) {
	if len(ids) == 0 {
		return "", nil
	}

	parts := make([]string, len(ids))
	for i, id := range ids {
		if err := validateSegment(id); err != nil {
			return "", err
		}
		parts[i] = string(id)
	}

	return Path(strings.Join(parts, PathDelimiter)), nil
}

// DecodePath splits a path into its node IDs. Non-canonical encodings
// (empty segments from doubled, leading or trailing delimiters) are rejected,
// never silently truncated.
func DecodePath(p Path) ([]NodeID, error) {
	if p == "" {
		return nil, nil
	}

	parts := strings.Split(string(p), PathDelimiter)
	ids := make([]NodeID, len(parts))
	for i, part := range parts {
		if part == "" {
			return nil, apperrors.NewInvalidPathError(
				fmt.Sprintf("malformed path %q: empty segment at position %d", p, i), nil)
		}
		ids[i] = NodeID(part)
	}

	return ids, nil
}

// ValidatePath reports whether a path is canonical
func ValidatePath(p Path) error {
	_, err := DecodePath(p)
	return err
}

// Depth returns the number of segments in a path. For every canonical path,
// Depth(p) == len(DecodePath(p)).
func Depth(p Path) int {
	if p == "" {
		return 0
	}
	return strings.Count(string(p), PathDelimiter) + 1
}

// HashPath returns the fixed-width path hash: the first 16 bytes of
// sha256(path), hex encoded. The SQL-side recomputation during subtree moves
// must produce the identical value.
func HashPath(p Path) PathHash {
	sum := sha256.Sum256([]byte(p))
	return PathHash(fmt.Sprintf("%x", sum[:16]))
}

// IsAncestorOf reports whether candidate is a strict ancestor of of. The
// delimiter boundary matters: "root.A" is not an ancestor of "root.AB".
func IsAncestorOf(candidate, of Path) bool {
	if candidate == of {
		return false
	}
	if candidate == "" {
		return of != ""
	}
	return strings.HasPrefix(string(of), string(candidate)+PathDelimiter)
}

// ParentPath returns the path with its leaf removed, or "" for a root path
func ParentPath(p Path) Path {
	idx := strings.LastIndex(string(p), PathDelimiter)
	if idx < 0 {
		return ""
	}
	return p[:idx]
}

// ChildPath appends one segment to a path
func ChildPath(parent Path, id NodeID) (Path, error) {
	if err := validateSegment(id); err != nil {
		return "", err
	}
	if parent == "" {
		return Path(id), nil
	}
	return parent + PathDelimiter + Path(id), nil
}

// LeafID returns the last segment of a path
func LeafID(p Path) NodeID {
	idx := strings.LastIndex(string(p), PathDelimiter)
	return NodeID(p[idx+1:])
}

// RebasePath rewrites a path from under oldPrefix to under newPrefix. The
// path must be oldPrefix itself or a descendant of it.
func RebasePath(p, oldPrefix, newPrefix Path) (Path, error) {
	if p == oldPrefix {
		return newPrefix, nil
	}
	if !IsAncestorOf(oldPrefix, p) {
		return "", fmt.Errorf("path %q is not under prefix %q", p, oldPrefix)
	}
	return newPrefix + p[len(oldPrefix):], nil
}

// PrefixPaths returns every ancestor path of p plus p itself, shortest first
func PrefixPaths(p Path) ([]Path, error) {
	ids, err := DecodePath(p)
	if err != nil {
		return nil, err
	}

	prefixes := make([]Path, 0, len(ids))
	current := Path("")
	for _, id := range ids {
		current, err = ChildPath(current, id)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, current)
	}
	return prefixes, nil
}

// validateSegment checks that one node ID can appear inside a path
func validateSegment(id NodeID) error {
	if id == "" {
		return apperrors.NewInvalidPathError("invalid path segment: empty node ID", nil)
	}
	if strings.Contains(string(id), PathDelimiter) {
		return apperrors.NewInvalidPathError(
			fmt.Sprintf("invalid path segment %q: contains delimiter %q", id, PathDelimiter), nil)
	}
	return nil
}
