package node

import (
	"bytes"
	"sort"

	"github.com/gofractally/arbtrie/objid"
	"github.com/pkg/errors"
)

// BinaryEntry is one sorted (suffix, value) pair held directly inside a
// binary node (spec §4.4 "Binary node": "Designed so that read paths
// touch <= 1 page... Keys are sorted (binary search on lookup)").
type BinaryEntry struct {
	Suffix []byte
	Value  Value
}

// BinaryNode is the leaf-bucket shape: a small, sorted set of full
// key suffixes with their values, used while a subtree has few enough
// distinct children that per-byte branching would waste space.
type BinaryNode struct {
	Header
	Entries []BinaryEntry // sorted by Suffix
}

// NewBinaryNode creates an empty binary node with the given shared
// prefix and owning id region.
func NewBinaryNode(prefix []byte, idRegion uint8) *BinaryNode {
	return &BinaryNode{Header: Header{Type: ShapeBinary, Prefix: append([]byte(nil), prefix...), IDRegion: idRegion}}
}

func (n *BinaryNode) find(suffix []byte) (int, bool) {
	i := sort.Search(len(n.Entries), func(i int) bool {
		return bytes.Compare(n.Entries[i].Suffix, suffix) >= 0
	})
	if i < len(n.Entries) && bytes.Equal(n.Entries[i].Suffix, suffix) {
		return i, true
	}
	return i, false
}

// Get returns the value stored for suffix, if any.
func (n *BinaryNode) Get(suffix []byte) (Value, bool) {
	i, ok := n.find(suffix)
	if !ok {
		return Value{}, false
	}
	return n.Entries[i].Value, true
}

// Put inserts or overwrites suffix's value, returning whether this was a
// fresh insertion (as opposed to an overwrite of an existing suffix).
func (n *BinaryNode) Put(suffix []byte, v Value) (inserted bool) {
	i, ok := n.find(suffix)
	if ok {
		n.Entries[i].Value = v
		return false
	}
	entry := BinaryEntry{Suffix: append([]byte(nil), suffix...), Value: v}
	n.Entries = append(n.Entries, BinaryEntry{})
	copy(n.Entries[i+1:], n.Entries[i:])
	n.Entries[i] = entry
	return true
}

// Delete removes suffix's entry, if present.
func (n *BinaryNode) Delete(suffix []byte) bool {
	i, ok := n.find(suffix)
	if !ok {
		return false
	}
	n.Entries = append(n.Entries[:i], n.Entries[i+1:]...)
	return true
}

// Clone deep-copies the node, for the copy-on-write path when the
// original's refcount is shared.
func (n *BinaryNode) Clone() *BinaryNode {
	out := &BinaryNode{
		Header:  n.Header,
		Entries: make([]BinaryEntry, len(n.Entries)),
	}
	out.Prefix = append([]byte(nil), n.Prefix...)
	for i, e := range n.Entries {
		out.Entries[i] = BinaryEntry{Suffix: append([]byte(nil), e.Suffix...), Value: e.Value}
	}
	return out
}

// EncodedSize estimates the packed byte size, used to decide whether an
// insertion must trigger a refactor to setlist (spec §4.4: "When the
// packed content plus growth slack would exceed ~3500 bytes... triggers a
// refactor").
func (n *BinaryNode) EncodedSize() int {
	size := n.Header.encodedSize() + 2
	for _, e := range n.Entries {
		size += 2 + 1 + len(e.Suffix)
		if e.Value.IsInline() {
			size += 1 + len(e.Value.Inline)
		} else {
			size += 5
		}
	}
	return size
}

// NeedsRefactor reports whether this node has outgrown the binary shape
// (spec §4.4, §8 boundary: "Node refactor thresholds: ... binary->setlist").
func (n *BinaryNode) NeedsRefactor() bool {
	return len(n.Entries) > BinaryMaxEntries || n.EncodedSize() > BinaryMaxBytes
}

const (
	valKindInline byte = 0
	valKindID     byte = 1
)

// Encode packs the node into dst-independent bytes; checksum is computed
// over everything after the checksum field itself.
func (n *BinaryNode) Encode() []byte {
	n.NumBranches = uint16(len(n.Entries))
	body := make([]byte, 0, n.EncodedSize())
	hdrBuf := make([]byte, n.Header.encodedSize())
	n.Header.encode(hdrBuf)
	body = append(body, hdrBuf...)

	countBuf := make([]byte, 2)
	le.PutUint16(countBuf, uint16(len(n.Entries)))
	body = append(body, countBuf...)

	for _, e := range n.Entries {
		var lenBuf [2]byte
		le.PutUint16(lenBuf[:], uint16(len(e.Suffix)))
		body = append(body, lenBuf[:]...)
		if e.Value.IsInline() {
			body = append(body, valKindInline, byte(len(e.Value.Inline)))
			body = append(body, e.Value.Inline...)
		} else {
			body = append(body, valKindID, e.Value.ID.Region)
			var idxBuf [4]byte
			le.PutUint32(idxBuf[:], e.Value.ID.Index)
			body = append(body, idxBuf[:]...)
		}
		body = append(body, e.Suffix...)
	}

	n.Size = uint32(len(body) + 4)
	le.PutUint32(body[4:8], n.Size)
	out := make([]byte, 4+len(body))
	cs := Checksum(body)
	le.PutUint32(out[0:4], cs)
	copy(out[4:], body)
	return out
}

// DecodeBinaryNode reverses Encode, verifying the checksum.
func DecodeBinaryNode(data []byte) (*BinaryNode, error) {
	if len(data) < 4 {
		return nil, errors.New("node: binary node too short")
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
	if h.Type != ShapeBinary {
		return nil, ErrUnknownShape
	}
	rest := body[n:]
	if len(rest) < 2 {
		return nil, errors.New("node: truncated entry count")
	}
	count := int(le.Uint16(rest[0:2]))
	rest = rest[2:]
	entries := make([]BinaryEntry, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < 2 {
			return nil, errors.New("node: truncated entry")
		}
		suffixLen := int(le.Uint16(rest[0:2]))
		rest = rest[2:]
		if len(rest) < 1 {
			return nil, errors.New("node: truncated value kind")
		}
		kind := rest[0]
		rest = rest[1:]
		var v Value
		switch kind {
		case valKindInline:
			if len(rest) < 1 {
				return nil, errors.New("node: truncated inline length")
			}
			vlen := int(rest[0])
			rest = rest[1:]
			if len(rest) < vlen {
				return nil, errors.New("node: truncated inline value")
			}
			v = inlineValue(rest[:vlen])
			rest = rest[vlen:]
		case valKindID:
			if len(rest) < 5 {
				return nil, errors.New("node: truncated id value")
			}
			region := rest[0]
			idx := le.Uint32(rest[1:5])
			v = idValue(objid.ID{Region: region, Index: idx})
			rest = rest[5:]
		default:
			return nil, errors.New("node: unknown value kind")
		}
		if len(rest) < suffixLen {
			return nil, errors.New("node: truncated suffix")
		}
		suffix := append([]byte(nil), rest[:suffixLen]...)
		rest = rest[suffixLen:]
		entries = append(entries, BinaryEntry{Suffix: suffix, Value: v})
	}
	return &BinaryNode{Header: h, Entries: entries}, nil
}
