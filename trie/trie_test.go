package trie

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gofractally/arbtrie/node"
	"github.com/gofractally/arbtrie/objid"
	"github.com/gofractally/arbtrie/segment"
)

func newTestTrie(t *testing.T, segSize uint64) (*Trie, *segment.Session) {
	t.Helper()
	dir := t.TempDir()
	f, err := segment.Open(filepath.Join(dir, "segs"), filepath.Join(dir, "header"), segment.Config{
		SegmentSize: segSize,
		MaxSegments: 4096,
	})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	ids, err := objid.Open(filepath.Join(dir, "ids"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { ids.Close() })

	tr, err := New(ids, f)
	require.NoError(t, err)

	sess, err := f.StartSession()
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	return tr, sess
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	tr, sess := newTestTrie(t, 1<<16)
	root, err := tr.Upsert(sess, objid.Nil, []byte("a"), []byte("1"))
	require.NoError(t, err)

	_, err = tr.Get(root, []byte("b"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertOverwriteReplacesValue(t *testing.T) {
	tr, sess := newTestTrie(t, 1<<16)
	root, err := tr.Upsert(sess, objid.Nil, []byte("a"), []byte("1"))
	require.NoError(t, err)
	root, err = tr.Upsert(sess, root, []byte("a"), []byte("22"))
	require.NoError(t, err)

	got, err := tr.Get(root, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("22"), got)
}

func TestRemoveLastKeyEmptiesTrie(t *testing.T) {
	tr, sess := newTestTrie(t, 1<<16)
	root, err := tr.Upsert(sess, objid.Nil, []byte("only"), []byte("v"))
	require.NoError(t, err)

	root, removed, err := tr.Remove(sess, root, []byte("only"))
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, objid.Nil, root)
}

// TestRefactorFromBinaryToBranch first stores the empty key, so the root is a
// binary node with an empty prefix and every later key becomes one more
// entry in it. Inserting BinaryMaxEntries+50 keys pushes that node past its
// entry-count/byte-size thresholds, forcing refactorBinary to split it into
// a BranchNode whose BinaryNode children group the keys by first byte
// (spec §4.4).
func TestRefactorFromBinaryToBranch(t *testing.T) {
	tr, sess := newTestTrie(t, 1<<20)
	root := objid.Nil
	var err error
	root, err = tr.Upsert(sess, root, nil, []byte("root"))
	require.NoError(t, err)
	for i := 0; i < node.BinaryMaxEntries+50; i++ {
		key := []byte(fmt.Sprintf("%c%04d", 'a'+byte(i%26), i))
		root, err = tr.Upsert(sess, root, key, []byte(fmt.Sprintf("val%d", i)))
		require.NoError(t, err)
	}
	for i := 0; i < node.BinaryMaxEntries+50; i++ {
		key := []byte(fmt.Sprintf("%c%04d", 'a'+byte(i%26), i))
		got, err := tr.Get(root, key)
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("val%d", i)), got)
	}
}

// TestRandomizedAgainstReferenceMap is a package-level analogue of the
// root database test, exercising Upsert/Remove directly without the
// Database/Session wrapper layer.
func TestRandomizedAgainstReferenceMap(t *testing.T) {
	tr, sess := newTestTrie(t, 1<<20)
	ref := map[string]string{}
	root := objid.Nil
	rnd := rand.New(rand.NewSource(42))

	for i := 0; i < 400; i++ {
		key := fmt.Sprintf("key-%03d", rnd.Intn(100))
		if rnd.Intn(4) == 0 {
			newRoot, removed, err := tr.Remove(sess, root, []byte(key))
			require.NoError(t, err)
			if removed {
				delete(ref, key)
				root = newRoot
			}
			continue
		}
		val := fmt.Sprintf("v%d", rnd.Intn(1_000_000))
		ref[key] = val
		newRoot, err := tr.Upsert(sess, root, []byte(key), []byte(val))
		require.NoError(t, err)
		root = newRoot
	}

	for key, want := range ref {
		got, err := tr.Get(root, []byte(key))
		require.NoError(t, err)
		require.Equal(t, []byte(want), got, "key %q", key)
	}
}

// TestLargeValueStoredOutOfLine exercises the >62-byte value path, where
// makeValue allocates a standalone valueShape object instead of inlining.
func TestLargeValueStoredOutOfLine(t *testing.T) {
	tr, sess := newTestTrie(t, 1<<20)
	big := make([]byte, 500)
	for i := range big {
		big[i] = byte(i)
	}
	root, err := tr.Upsert(sess, objid.Nil, []byte("k"), big)
	require.NoError(t, err)

	got, err := tr.Get(root, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, big, got)
}

// TestZeroLengthValueStaysInline is spec §8's boundary case for a
// zero-length value: it must still round-trip as an inline value rather
// than being mistaken for an absent/object-id reference.
func TestZeroLengthValueStaysInline(t *testing.T) {
	tr, sess := newTestTrie(t, 1<<16)
	root, err := tr.Upsert(sess, objid.Nil, []byte("empty"), []byte{})
	require.NoError(t, err)

	got, err := tr.Get(root, []byte("empty"))
	require.NoError(t, err)
	require.Equal(t, []byte{}, got)
}
