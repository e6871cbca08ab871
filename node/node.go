// Package node implements L4: the four on-disk trie node layouts (binary,
// setlist, inner, full), their shared header, and the refactor thresholds
// that pick among them as a node's branch count changes.
package node

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

var le = binary.LittleEndian

// Shape identifies which of the four physical layouts a node's bytes use.
type Shape uint8

const (
	ShapeBinary Shape = iota
	ShapeSetlist
	ShapeInner
	ShapeFull
)

func (s Shape) String() string {
	switch s {
	case ShapeBinary:
		return "binary"
	case ShapeSetlist:
		return "setlist"
	case ShapeInner:
		return "inner"
	case ShapeFull:
		return "full"
	default:
		return "unknown"
	}
}

// Refactor thresholds (spec §4.4 / §8 "Node refactor thresholds"). The
// exact binary->setlist cutover is a tuning parameter (SPEC_FULL §3,
// resolving the spec's binary_refactor_threshold open question) exposed
// as a package variable rather than hardcoded so callers can tune it.
var (
	// BinaryMaxEntries caps the number of key/value pairs a binary node
	// holds before it refactors to setlist.
	BinaryMaxEntries = 254
	// BinaryMaxBytes caps the packed size (header + entries) of a binary
	// node before it refactors to setlist.
	BinaryMaxBytes = 3500

	// SetlistToInner is the branch count at which a setlist node
	// refactors to inner (spec §4.4: "~64").
	SetlistToInner = 64
	// InnerToFull is the branch count at which an inner node refactors
	// to full (spec §4.4: "~200").
	InnerToFull = 200
)

// ChooseBranchShape picks the setlist/inner/full encoding for a
// branch-indexed node with numBranches present children, per the
// thresholds above. It never returns ShapeBinary: that shape is reserved
// for leaf-bucket nodes (see BinaryNode) and is chosen by the trie layer,
// not by branch count.
func ChooseBranchShape(numBranches int) Shape {
	switch {
	case numBranches < SetlistToInner:
		return ShapeSetlist
	case numBranches < InnerToFull:
		return ShapeInner
	default:
		return ShapeFull
	}
}

// headerFixedSize is the byte size Header reserves besides the
// variable-length prefix. The fields take 27 bytes (checksum 4, size 4,
// type 1, has_eof 1, id_region 1, id_index 4, num_branches 2,
// descendants 8, prefix_size 2); the 28th is a spare byte that encode
// leaves zero after the prefix. No prefix capacity is stored.
const headerFixedSize = 4 + 4 + 1 + 1 + 4 + 2 + 8 + 2 + 2

// MaxPrefix bounds a node's stored path fragment.
const MaxPrefix = 1024

// Header is the fixed prefix shared by all four node encodings.
type Header struct {
	Checksum    uint32
	Size        uint32 // encoded size of the whole node, including this header
	Type        Shape
	HasEOF      bool
	IDRegion    uint8 // shared region every child id lives in
	IDIndex     uint32
	NumBranches uint16
	Descendants uint64
	Prefix      []byte
}

func (h Header) encodedSize() int {
	return headerFixedSize + len(h.Prefix)
}

func (h Header) encode(dst []byte) {
	le.PutUint32(dst[0:4], h.Checksum)
	le.PutUint32(dst[4:8], h.Size)
	dst[8] = byte(h.Type)
	if h.HasEOF {
		dst[9] = 1
	} else {
		dst[9] = 0
	}
	dst[10] = h.IDRegion
	le.PutUint32(dst[11:15], h.IDIndex)
	le.PutUint16(dst[15:17], h.NumBranches)
	le.PutUint64(dst[17:25], h.Descendants)
	le.PutUint16(dst[25:27], uint16(len(h.Prefix)))
	copy(dst[27:27+len(h.Prefix)], h.Prefix)
}

func decodeHeader(src []byte) (Header, int, error) {
	if len(src) < headerFixedSize {
		return Header{}, 0, errors.New("node: truncated header")
	}
	prefixSize := int(le.Uint16(src[25:27]))
	if headerFixedSize+prefixSize > len(src) {
		return Header{}, 0, errors.New("node: truncated prefix")
	}
	prefix := make([]byte, prefixSize)
	copy(prefix, src[27:27+prefixSize])
	h := Header{
		Checksum:    le.Uint32(src[0:4]),
		Size:        le.Uint32(src[4:8]),
		Type:        Shape(src[8]),
		HasEOF:      src[9] != 0,
		IDRegion:    src[10],
		IDIndex:     le.Uint32(src[11:15]),
		NumBranches: le.Uint16(src[15:17]),
		Descendants: le.Uint64(src[17:25]),
		Prefix:      prefix,
	}
	return h, headerFixedSize + prefixSize, nil
}

// Checksum computes the XXH3-family checksum over body (the node bytes
// excluding the checksum field itself), per spec §4.4: "recomputed on
// every mutation and verified on every read that is not a pure
// pointer-follow". xxhash.Sum64, truncated to 32 bits, stands in for XXH3.
func Checksum(body []byte) uint32 {
	return uint32(xxhash.Sum64(body))
}

// ErrChecksumMismatch is returned by Decode when a node's stored checksum
// does not match its body.
var ErrChecksumMismatch = errors.New("node: checksum mismatch")

// ErrUnknownShape is returned when a Header's Type byte names a shape that
// cannot be decoded by this package.
var ErrUnknownShape = errors.New("node: unknown shape")
