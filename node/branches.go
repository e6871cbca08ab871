package node

import (
	"math/bits"
	"sort"

	"github.com/gofractally/arbtrie/objid"
	"github.com/pkg/errors"
)

// BranchNode is the single-byte-indexed interior shape: it holds up to
// 257 branches (256 byte values plus an EOF slot) each pointing at a
// child id, plus an optional EOF value of its own. It is encoded as one
// of three physical layouts (setlist, inner, full) chosen by branch
// count (spec §4.4); the in-memory representation is shared since all
// three answer the same "branch byte -> child id" question and differ
// only in how compactly they do it.
type BranchNode struct {
	Header
	EOF      *Value
	Branches map[byte]objid.ID // present branch byte -> child id, same IDRegion
}

// NewBranchNode creates an empty branch node.
func NewBranchNode(prefix []byte, idRegion uint8) *BranchNode {
	return &BranchNode{
		Header:   Header{Prefix: append([]byte(nil), prefix...), IDRegion: idRegion},
		Branches: make(map[byte]objid.ID),
	}
}

// Clone deep-copies the node.
func (n *BranchNode) Clone() *BranchNode {
	out := &BranchNode{
		Header:   n.Header,
		Branches: make(map[byte]objid.ID, len(n.Branches)),
	}
	out.Prefix = append([]byte(nil), n.Prefix...)
	if n.EOF != nil {
		v := *n.EOF
		v.Inline = append([]byte(nil), n.EOF.Inline...)
		out.EOF = &v
	}
	for b, id := range n.Branches {
		out.Branches[b] = id
	}
	return out
}

// Shape returns the encoding this node currently needs, per the branch
// count thresholds (spec §4.4).
func (n *BranchNode) Shape() Shape {
	return ChooseBranchShape(len(n.Branches))
}

// SortedBranchBytes returns the present branch bytes in ascending order,
// for callers (the iterator) that need to walk children in key order.
func (n *BranchNode) SortedBranchBytes() []byte {
	return n.sortedBranchBytes()
}

// sortedBranchBytes returns the present branch bytes in ascending order.
func (n *BranchNode) sortedBranchBytes() []byte {
	out := make([]byte, 0, len(n.Branches))
	for b := range n.Branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LowerBound returns the smallest present branch byte >= from, used by
// the iterator to advance without re-scanning from the start.
func (n *BranchNode) LowerBound(from byte) (byte, bool) {
	bs := n.sortedBranchBytes()
	i := sort.Search(len(bs), func(i int) bool { return bs[i] >= from })
	if i >= len(bs) {
		return 0, false
	}
	return bs[i], true
}

func (n *BranchNode) encode() []byte {
	n.NumBranches = uint16(len(n.Branches))
	n.HasEOF = n.EOF != nil
	n.Type = n.Shape()

	hdrBuf := make([]byte, n.Header.encodedSize())
	n.Header.encode(hdrBuf)
	body := append([]byte(nil), hdrBuf...)

	if n.HasEOF {
		body = append(body, encodeValue(*n.EOF)...)
	}

	switch n.Type {
	case ShapeSetlist:
		body = append(body, encodeSetlistBody(n)...)
	case ShapeInner:
		body = append(body, encodeInnerBody(n)...)
	case ShapeFull:
		body = append(body, encodeFullBody(n)...)
	}

	n.Size = uint32(len(body) + 4)
	le.PutUint32(body[4:8], n.Size)
	out := make([]byte, 4+len(body))
	cs := Checksum(body)
	le.PutUint32(out[0:4], cs)
	copy(out[4:], body)
	return out
}

// Encode is an alias kept for symmetry with BinaryNode.Encode.
func (n *BranchNode) Encode() []byte { return n.encode() }

func encodeValue(v Value) []byte {
	if v.IsInline() {
		out := make([]byte, 2+len(v.Inline))
		out[0] = valKindInline
		out[1] = byte(len(v.Inline))
		copy(out[2:], v.Inline)
		return out
	}
	out := make([]byte, 6)
	out[0] = valKindID
	out[1] = v.ID.Region
	le.PutUint32(out[2:6], v.ID.Index)
	return out
}

func decodeValue(src []byte) (Value, int, error) {
	if len(src) < 2 {
		return Value{}, 0, errors.New("node: truncated value")
	}
	switch src[0] {
	case valKindInline:
		vlen := int(src[1])
		if len(src) < 2+vlen {
			return Value{}, 0, errors.New("node: truncated inline value")
		}
		return inlineValue(src[2 : 2+vlen]), 2 + vlen, nil
	case valKindID:
		if len(src) < 6 {
			return Value{}, 0, errors.New("node: truncated id value")
		}
		return idValue(objid.ID{Region: src[1], Index: le.Uint32(src[2:6])}), 6, nil
	default:
		return Value{}, 0, errors.New("node: unknown value kind")
	}
}

// setlist: sorted branch bytes array, then parallel child index array
// (region is shared, stored once in the header).
func encodeSetlistBody(n *BranchNode) []byte {
	bs := n.sortedBranchBytes()
	out := make([]byte, len(bs)+4*len(bs))
	copy(out, bs)
	idxArea := out[len(bs):]
	for i, b := range bs {
		le.PutUint32(idxArea[i*4:i*4+4], n.Branches[b].Index)
	}
	return out
}

func decodeSetlistBody(src []byte, count int) (map[byte]objid.ID, error) {
	if len(src) < count+4*count {
		return nil, errors.New("node: truncated setlist body")
	}
	bs := src[:count]
	idxArea := src[count : count+4*count]
	out := make(map[byte]objid.ID, count)
	for i, b := range bs {
		out[b] = objid.ID{Index: le.Uint32(idxArea[i*4 : i*4+4])}
	}
	return out, nil
}

// inner: 4x64-bit presence bitmap (256 bits) followed by a dense array of
// child ids ordered by popcount position (spec §4.4: "supports fast
// lower-bound/upper-bound with bit tricks").
func encodeInnerBody(n *BranchNode) []byte {
	var bitmap [4]uint64
	for b := range n.Branches {
		bitmap[b/64] |= 1 << (uint(b) % 64)
	}
	out := make([]byte, 32+4*len(n.Branches))
	for i, w := range bitmap {
		le.PutUint64(out[i*8:i*8+8], w)
	}
	idxArea := out[32:]
	pos := 0
	for b := 0; b < 256; b++ {
		id, ok := n.Branches[byte(b)]
		if !ok {
			continue
		}
		le.PutUint32(idxArea[pos*4:pos*4+4], id.Index)
		pos++
	}
	return out
}

func decodeInnerBody(src []byte, count int) (map[byte]objid.ID, error) {
	if len(src) < 32+4*count {
		return nil, errors.New("node: truncated inner body")
	}
	var bitmap [4]uint64
	for i := range bitmap {
		bitmap[i] = le.Uint64(src[i*8 : i*8+8])
	}
	idxArea := src[32 : 32+4*count]
	out := make(map[byte]objid.ID, count)
	pos := 0
	for b := 0; b < 256; b++ {
		word := bitmap[b/64]
		if word&(1<<(uint(b)%64)) == 0 {
			continue
		}
		out[byte(b)] = objid.ID{Index: le.Uint32(idxArea[pos*4 : pos*4+4])}
		pos++
	}
	if pos != count {
		return nil, errors.New("node: inner bitmap popcount mismatch")
	}
	return out, nil
}

// popcountBelow returns the number of set bits in bitmap strictly below
// branch byte b, giving its dense-array position - kept for callers doing
// their own bitmap math (e.g. future constant-time lower_bound variants).
func popcountBelow(bitmap [4]uint64, b byte) int {
	count := 0
	word := int(b) / 64
	for i := 0; i < word; i++ {
		count += bits.OnesCount64(bitmap[i])
	}
	mask := (uint64(1) << (uint(b) % 64)) - 1
	count += bits.OnesCount64(bitmap[word] & mask)
	return count
}

// full: constant-time 257-slot array (index 0 unused here since EOF is
// carried in the shared header's HasEOF/EOF value; indices 1..256 map to
// branch bytes 0..255).
func encodeFullBody(n *BranchNode) []byte {
	out := make([]byte, 257*4)
	for b := 0; b < 256; b++ {
		id, ok := n.Branches[byte(b)]
		if !ok {
			le.PutUint32(out[(b+1)*4:(b+1)*4+4], ^uint32(0))
			continue
		}
		le.PutUint32(out[(b+1)*4:(b+1)*4+4], id.Index)
	}
	return out
}

func decodeFullBody(src []byte) (map[byte]objid.ID, error) {
	if len(src) < 257*4 {
		return nil, errors.New("node: truncated full body")
	}
	out := make(map[byte]objid.ID)
	for b := 0; b < 256; b++ {
		idx := le.Uint32(src[(b+1)*4 : (b+1)*4+4])
		if idx == ^uint32(0) {
			continue
		}
		out[byte(b)] = objid.ID{Index: idx}
	}
	return out, nil
}

// DecodeBranchNode reverses Encode for any of the three branch-indexed
// shapes, verifying the checksum and restoring each child id's Region
// from the header's shared IDRegion.
func DecodeBranchNode(data []byte) (*BranchNode, error) {
	if len(data) < 4 {
		return nil, errors.New("node: branch node too short")
	}
	wantChecksum := le.Uint32(data[0:4])
	body := data[4:]
	if Checksum(body) != wantChecksum {
		return nil, ErrChecksumMismatch
	}
	h, n, err := decodeHeader(body)
	if err != nil {
		return nil, err
	}
	rest := body[n:]

	var eof *Value
	if h.HasEOF {
		v, consumed, err := decodeValue(rest)
		if err != nil {
			return nil, err
		}
		eof = &v
		rest = rest[consumed:]
	}

	var branches map[byte]objid.ID
	switch h.Type {
	case ShapeSetlist:
		branches, err = decodeSetlistBody(rest, int(h.NumBranches))
	case ShapeInner:
		branches, err = decodeInnerBody(rest, int(h.NumBranches))
	case ShapeFull:
		branches, err = decodeFullBody(rest)
	default:
		return nil, ErrUnknownShape
	}
	if err != nil {
		return nil, err
	}
	for b, id := range branches {
		branches[b] = objid.ID{Region: h.IDRegion, Index: id.Index}
	}
	return &BranchNode{Header: h, EOF: eof, Branches: branches}, nil
}
