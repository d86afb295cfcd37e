package models

import (
	"fmt"
	"testing"

	apperrors "entity-hierarchy-engine/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePath_RoundTrip(t *testing.T) {
	ids := []NodeID{"root", "A", "B"}

	path, err := EncodePath(ids)
	require.NoError(t, err)
	assert.Equal(t, Path("root.A.B"), path)

	decoded, err := DecodePath(path)
	require.NoError(t, err)
	assert.Equal(t, ids, decoded)
}

func TestEncodePath_RejectsEmbeddedDelimiter(t *testing.T) {
	_, err := EncodePath([]NodeID{"root", "a.b"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "contains delimiter")
}

func TestEncodePath_RejectsEmptySegment(t *testing.T) {
	_, err := EncodePath([]NodeID{"root", ""})
	assert.Error(t, err)
}

func TestDecodePath_Empty(t *testing.T) {
	ids, err := DecodePath("")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDecodePath_Malformed(t *testing.T) {
	// Non-canonical encodings must fail, never truncate
	for _, p := range []Path{"root..B", ".root", "root."} {
		_, err := DecodePath(p)
		assert.Error(t, err, "expected %q to be rejected", p)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeInvalidPath),
			"rejection of %q must carry the invalid_path type", p)
	}
}

func TestEncodePath_MalformedSegmentsAreTyped(t *testing.T) {
	// Codec failures carry the invalid_path type so callers map them to 400
	// without re-wrapping
	_, err := EncodePath([]NodeID{"root", "a.b"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeInvalidPath))

	_, err = ChildPath("root", "")
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeInvalidPath))
}

func TestDepth_MatchesDecodedLength(t *testing.T) {
	paths := []Path{"", "root", "root.A", "root.A.B", "a.b.c.d.e"}

	for _, p := range paths {
		decoded, err := DecodePath(p)
		require.NoError(t, err)
		assert.Equal(t, len(decoded), Depth(p), "depth invariant broken for %q", p)
	}
}

func TestIsAncestorOf(t *testing.T) {
	assert.True(t, IsAncestorOf("root", "root.A"))
	assert.True(t, IsAncestorOf("root", "root.A.B"))
	assert.True(t, IsAncestorOf("root.A", "root.A.B"))

	// A path is not its own ancestor
	assert.False(t, IsAncestorOf("root.A", "root.A"))

	// Sibling prefix without a delimiter boundary is not ancestry
	assert.False(t, IsAncestorOf("root.A", "root.AB"))
	assert.False(t, IsAncestorOf("root.A.B", "root.A"))

	// Empty path is an ancestor of everything non-empty
	assert.True(t, IsAncestorOf("", "root"))
	assert.True(t, IsAncestorOf("", "root.A.B"))
	assert.False(t, IsAncestorOf("", ""))
}

func TestIsAncestorOf_EveryPrefix(t *testing.T) {
	full := Path("r.a.b.c.d")
	decoded, err := DecodePath(full)
	require.NoError(t, err)

	prefix := Path("")
	for i := 0; i < len(decoded)-1; i++ {
		var perr error
		prefix, perr = ChildPath(prefix, decoded[i])
		require.NoError(t, perr)
		assert.True(t, IsAncestorOf(prefix, full), "prefix %q should be ancestor of %q", prefix, full)
	}
}

func TestParentPath(t *testing.T) {
	assert.Equal(t, Path("root.A"), ParentPath("root.A.B"))
	assert.Equal(t, Path(""), ParentPath("root"))
}

func TestChildPath(t *testing.T) {
	child, err := ChildPath("root.A", "B")
	require.NoError(t, err)
	assert.Equal(t, Path("root.A.B"), child)

	fromRoot, err := ChildPath("", "root")
	require.NoError(t, err)
	assert.Equal(t, Path("root"), fromRoot)

	_, err = ChildPath("root", "a.b")
	assert.Error(t, err)
}

func TestLeafID(t *testing.T) {
	assert.Equal(t, NodeID("B"), LeafID("root.A.B"))
	assert.Equal(t, NodeID("root"), LeafID("root"))
}

func TestHashPath_FixedWidthAndDeterministic(t *testing.T) {
	h1 := HashPath("root.A.B")
	h2 := HashPath("root.A.B")
	h3 := HashPath("root.A.C")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, string(h1), 32)
	assert.Len(t, string(h3), 32)
}

func TestRebasePath(t *testing.T) {
	// Moving root.A under root.X rewrites the whole subtree
	rebased, err := RebasePath("root.A.B", "root.A", "root.X.A")
	require.NoError(t, err)
	assert.Equal(t, Path("root.X.A.B"), rebased)

	// The moved node itself maps onto the new prefix
	self, err := RebasePath("root.A", "root.A", "root.X.A")
	require.NoError(t, err)
	assert.Equal(t, Path("root.X.A"), self)

	_, err = RebasePath("root.B.C", "root.A", "root.X.A")
	assert.Error(t, err)
}

func TestCacheKey_PartitionIsolation(t *testing.T) {
	// Two partitions sharing a node ID must never share a cache key
	k1 := CacheKey("tenant-1", QueryAncestors, "B")
	k2 := CacheKey("tenant-2", QueryAncestors, "B")
	assert.NotEqual(t, k1, k2)
	assert.Equal(t, "tenant-1:ancestors:B", k1)
}

func TestEncodePath_LongChain(t *testing.T) {
	ids := make([]NodeID, 50)
	for i := range ids {
		ids[i] = NodeID(fmt.Sprintf("n%d", i))
	}

	path, err := EncodePath(ids)
	require.NoError(t, err)
	assert.Equal(t, 50, Depth(path))
	assert.Equal(t, NodeID("n49"), LeafID(path))
}
