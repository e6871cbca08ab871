package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gofractally/arbtrie/objid"
)

func TestBinaryNodePutGetDelete(t *testing.T) {
	n := NewBinaryNode([]byte("foo"), 3)
	inserted := n.Put([]byte("bar"), inlineValue([]byte("1")))
	require.True(t, inserted)
	inserted = n.Put([]byte("baz"), inlineValue([]byte("2")))
	require.True(t, inserted)
	inserted = n.Put([]byte("bar"), inlineValue([]byte("overwritten")))
	require.False(t, inserted)

	v, ok := n.Get([]byte("bar"))
	require.True(t, ok)
	require.Equal(t, []byte("overwritten"), v.Inline)

	_, ok = n.Get([]byte("nope"))
	require.False(t, ok)

	require.True(t, n.Delete([]byte("baz")))
	require.False(t, n.Delete([]byte("baz")))
	_, ok = n.Get([]byte("baz"))
	require.False(t, ok)
}

func TestBinaryNodeRoundTrip(t *testing.T) {
	n := NewBinaryNode([]byte("prefix"), 5)
	n.Put([]byte("a"), inlineValue([]byte("1")))
	n.Put([]byte("b"), idValue(objid.ID{Region: 5, Index: 42}))
	n.Put([]byte("ccc"), inlineValue([]byte("three")))

	data := n.Encode()
	got, err := DecodeBinaryNode(data)
	require.NoError(t, err)
	require.Equal(t, n.Prefix, got.Prefix)
	require.Equal(t, len(n.Entries), len(got.Entries))
	for i, e := range n.Entries {
		require.Equal(t, e.Suffix, got.Entries[i].Suffix)
		require.Equal(t, e.Value, got.Entries[i].Value)
	}
}

func TestBinaryNodeChecksumMismatch(t *testing.T) {
	n := NewBinaryNode(nil, 0)
	n.Put([]byte("x"), inlineValue([]byte("y")))
	data := n.Encode()
	data[len(data)-1] ^= 0xFF // corrupt the suffix byte, body no longer matches checksum
	_, err := DecodeBinaryNode(data)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestBinaryNodeNeedsRefactor(t *testing.T) {
	n := NewBinaryNode(nil, 0)
	for i := 0; i <= BinaryMaxEntries; i++ {
		n.Entries = append(n.Entries, BinaryEntry{Suffix: []byte{byte(i % 256), byte(i / 256)}, Value: inlineValue([]byte("v"))})
	}
	require.True(t, n.NeedsRefactor())
}

func TestBranchNodeSetlistRoundTrip(t *testing.T) {
	n := NewBranchNode([]byte("pre"), 7)
	n.Branches['a'] = objid.ID{Region: 7, Index: 1}
	n.Branches['z'] = objid.ID{Region: 7, Index: 2}
	eof := inlineValue([]byte("eof"))
	n.EOF = &eof

	require.Equal(t, ShapeSetlist, n.Shape())
	data := n.Encode()
	got, err := DecodeBranchNode(data)
	require.NoError(t, err)
	require.Equal(t, ShapeSetlist, got.Type)
	require.Equal(t, n.Branches, got.Branches)
	require.NotNil(t, got.EOF)
	require.Equal(t, []byte("eof"), got.EOF.Inline)
}

func TestBranchNodeInnerRoundTrip(t *testing.T) {
	n := NewBranchNode(nil, 1)
	for i := 0; i < 100; i++ {
		n.Branches[byte(i)] = objid.ID{Region: 1, Index: uint32(i)}
	}
	require.Equal(t, ShapeInner, n.Shape())
	data := n.Encode()
	got, err := DecodeBranchNode(data)
	require.NoError(t, err)
	require.Equal(t, ShapeInner, got.Type)
	require.Equal(t, n.Branches, got.Branches)
}

func TestBranchNodeFullRoundTrip(t *testing.T) {
	n := NewBranchNode(nil, 2)
	for i := 0; i < 250; i++ {
		n.Branches[byte(i)] = objid.ID{Region: 2, Index: uint32(i)}
	}
	require.Equal(t, ShapeFull, n.Shape())
	data := n.Encode()
	got, err := DecodeBranchNode(data)
	require.NoError(t, err)
	require.Equal(t, ShapeFull, got.Type)
	require.Equal(t, n.Branches, got.Branches)
}

func TestBranchNodeLowerBound(t *testing.T) {
	n := NewBranchNode(nil, 0)
	n.Branches[10] = objid.ID{Index: 1}
	n.Branches[20] = objid.ID{Index: 2}
	n.Branches[30] = objid.ID{Index: 3}

	b, ok := n.LowerBound(15)
	require.True(t, ok)
	require.Equal(t, byte(20), b)

	_, ok = n.LowerBound(31)
	require.False(t, ok)
}

func TestBranchNodeClone(t *testing.T) {
	n := NewBranchNode([]byte("p"), 0)
	n.Branches[1] = objid.ID{Index: 9}
	eof := inlineValue([]byte("v"))
	n.EOF = &eof

	c := n.Clone()
	c.Branches[1] = objid.ID{Index: 99}
	c.EOF.Inline[0] = 'z'

	require.Equal(t, uint32(9), n.Branches[1].Index)
	require.Equal(t, byte('v'), n.EOF.Inline[0])
}

func TestChooseBranchShape(t *testing.T) {
	require.Equal(t, ShapeSetlist, ChooseBranchShape(0))
	require.Equal(t, ShapeSetlist, ChooseBranchShape(SetlistToInner-1))
	require.Equal(t, ShapeInner, ChooseBranchShape(SetlistToInner))
	require.Equal(t, ShapeInner, ChooseBranchShape(InnerToFull-1))
	require.Equal(t, ShapeFull, ChooseBranchShape(InnerToFull))
}
