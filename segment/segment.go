// Package segment implements L0 (block/file mapping) and L2 (segment
// allocator) from the storage engine spec: a large mmap-backed file cut
// into fixed-size segments, an append-only active segment per writer
// session, and a bounded free queue that recycles emptied segments
// without ever handing a reader a byte range that might be rewritten.
package segment

import (
	"sync/atomic"
	"unsafe"
)

// DefaultSize is the typical segment size named in spec §3.1.
const DefaultSize = 32 * 1024 * 1024

// Alignment is the byte alignment every object allocation is rounded up to.
const Alignment = 16

// Sentinel is the AllocPos value meaning "this segment is finalized": it
// has stopped accepting appends and is eligible for compaction.
const Sentinel = ^uint64(0)

// headerSize is the size in bytes of the per-segment header living at
// offset 0 of every segment.
const headerSize = 32

// HeaderSize exports headerSize for packages outside segment (the
// compactor needs it as the starting offset of the first object in a
// segment).
const HeaderSize = headerSize

// Header is the mutable bookkeeping living at the start of every segment,
// per spec §3.1 / §6 ("Segment bytes"). Fields are accessed atomically
// through unsafe casts into the mmap'd backing array, the same technique
// mmap-backed engines in the Go ecosystem use to treat file bytes as
// atomics without a copy.
type Header struct {
	AllocPos    *atomic.Uint64 // bytes written so far, or Sentinel if finalized
	NumObjects  *atomic.Uint64
	Age         *atomic.Uint64 // monotonic stamp, used by the compactor for tie-breaking
	LastSyncPos *atomic.Uint64 // bytes already fsynced
}

func headerAt(base []byte, offset int64) Header {
	p := unsafe.Pointer(&base[offset])
	return Header{
		AllocPos:    (*atomic.Uint64)(unsafe.Add(p, 0)),
		NumObjects:  (*atomic.Uint64)(unsafe.Add(p, 8)),
		Age:         (*atomic.Uint64)(unsafe.Add(p, 16)),
		LastSyncPos: (*atomic.Uint64)(unsafe.Add(p, 24)),
	}
}

// ObjectHeaderSize is the size of the header prefixing every stored
// object (spec §3.1: checksum, size, type tag, owning id).
const ObjectHeaderSize = 24

// ObjectHeader is the shared prefix of every object stored in a segment.
type ObjectHeader struct {
	Checksum uint32
	Size     uint32 // payload size, excluding this header
	Type     uint8
	Region   uint8
	_        uint16 // padding
	OwnerIdx uint32 // owning id's index within Region
}

func (h ObjectHeader) encode(dst []byte) {
	_ = dst[ObjectHeaderSize-1]
	le.PutUint32(dst[0:4], h.Checksum)
	le.PutUint32(dst[4:8], h.Size)
	dst[8] = h.Type
	dst[9] = h.Region
	dst[10], dst[11] = 0, 0
	le.PutUint32(dst[12:16], h.OwnerIdx)
	// bytes 16..24 reserved for future use / alignment padding.
}

func decodeObjectHeader(src []byte) ObjectHeader {
	_ = src[ObjectHeaderSize-1]
	return ObjectHeader{
		Checksum: le.Uint32(src[0:4]),
		Size:     le.Uint32(src[4:8]),
		Type:     src[8],
		Region:   src[9],
		OwnerIdx: le.Uint32(src[12:16]),
	}
}

// AlignUp rounds n up to the next multiple of Alignment.
func AlignUp(n uint64) uint64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}
