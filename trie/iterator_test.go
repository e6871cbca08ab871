package trie

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gofractally/arbtrie/objid"
)

func TestIteratorOrdersKeysAndFiltersByPrefix(t *testing.T) {
	tr, sess := newTestTrie(t, 1<<20)
	root := objid.Nil
	var err error
	for _, kv := range []struct{ k, v string }{
		{"apple", "1"},
		{"app", "2"},
		{"apricot", "3"},
		{"banana", "4"},
	} {
		root, err = tr.Upsert(sess, root, []byte(kv.k), []byte(kv.v))
		require.NoError(t, err)
	}

	it, err := tr.NewIterator(root, []byte("ap"))
	require.NoError(t, err)

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.Equal(t, []string{"app", "apple", "apricot"}, keys)
}

func TestIteratorPrevWalksBackward(t *testing.T) {
	tr, sess := newTestTrie(t, 1<<20)
	root := objid.Nil
	var err error
	for _, k := range []string{"a", "b", "c"} {
		root, err = tr.Upsert(sess, root, []byte(k), []byte(k))
		require.NoError(t, err)
	}

	it, err := tr.NewIterator(root, nil)
	require.NoError(t, err)
	require.Equal(t, 3, it.Len())

	for it.Next() {
	}
	var keys []string
	for it.Prev() {
		keys = append(keys, string(it.Key()))
	}
	require.Equal(t, []string{"c", "b", "a"}, keys)
}

func TestIteratorEmptyTrie(t *testing.T) {
	tr, _ := newTestTrie(t, 1<<16)
	it, err := tr.NewIterator(objid.Nil, nil)
	require.NoError(t, err)
	require.Equal(t, 0, it.Len())
	require.False(t, it.Next())
}
