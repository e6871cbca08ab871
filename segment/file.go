package segment

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

const (
	engineMagic   uint64 = 0x61726274726965 // "arbtrie" as 7 ASCII bytes (56 bits)
	engineVersion uint32 = 1

	// engineHeaderFixedSize covers magic, version(+pad), segSize, allocPtr,
	// endPtr, nextAge, numSegments, maxSegments - before the free-queue
	// ring that follows it in the header file. Every atomic field sits on
	// an offset at least as aligned as its own size.
	engineHeaderFixedSize = 56
)

// engineHeader is the mmap'd "header" file from spec §6: magic, version,
// segment_size, alloc_ptr, end_ptr, next_alloc_age, and the free_seg_buffer
// ring itself.
type engineHeader struct {
	raw []byte

	magic       *atomic.Uint64
	version     *atomic.Uint32
	segSize     *atomic.Uint64
	allocPtr    *atomic.Uint64
	endPtr      *atomic.Uint64
	nextAge     *atomic.Uint64
	numSegments *atomic.Uint32
	maxSegments *atomic.Uint32
}

func mapEngineHeader(raw []byte) engineHeader {
	p := unsafe.Pointer(&raw[0])
	return engineHeader{
		raw:         raw,
		magic:       (*atomic.Uint64)(unsafe.Add(p, 0)),
		version:     (*atomic.Uint32)(unsafe.Add(p, 8)),
		segSize:     (*atomic.Uint64)(unsafe.Add(p, 16)),
		allocPtr:    (*atomic.Uint64)(unsafe.Add(p, 24)),
		endPtr:      (*atomic.Uint64)(unsafe.Add(p, 32)),
		nextAge:     (*atomic.Uint64)(unsafe.Add(p, 40)),
		numSegments: (*atomic.Uint32)(unsafe.Add(p, 48)),
		maxSegments: (*atomic.Uint32)(unsafe.Add(p, 52)),
	}
}

func (h engineHeader) ring() []byte {
	return h.raw[engineHeaderFixedSize:]
}

func (h engineHeader) ringSlot(i uint64) *atomic.Uint32 {
	n := h.maxSegments.Load()
	off := (i % uint64(n)) * 4
	return (*atomic.Uint32)(unsafe.Pointer(&h.ring()[off]))
}

// segState is the current view of the mmap'd segment bytes. It is
// replaced wholesale (via an atomic pointer swap) whenever the backing
// file grows, so hot-path readers never take a lock to dereference it.
type segState struct {
	data []byte
}

// File is the L0/L2 segment file: one big mmap'd region cut into
// fixed-size segments, plus the L2 free-queue bookkeeping.
type File struct {
	growMu sync.Mutex // serializes file growth only; never held on the read/alloc hot path

	segsPath string
	hdrPath  string
	segsFile *os.File
	hdrFile  *os.File
	hdrMap   mmap.MMap

	hdr engineHeader

	state atomic.Pointer[segState]

	segSize     uint64
	maxSegments uint32

	mlock bool

	sessionBitmap atomic.Uint64
	sessions      [MaxSessions]atomic.Pointer[Session]
}

// Config controls how a File is opened.
type Config struct {
	SegmentSize uint64
	MaxSegments uint32
	Mlock       bool
}

func (c Config) withDefaults() Config {
	if c.SegmentSize == 0 {
		c.SegmentSize = DefaultSize
	}
	if c.MaxSegments == 0 {
		c.MaxSegments = 4096
	}
	return c
}

// Open maps (creating if necessary) the segment file at segsPath and the
// header file at hdrPath, per the on-disk layout in spec §6.
func Open(segsPath, hdrPath string, cfg Config) (*File, error) {
	cfg = cfg.withDefaults()

	hdrFile, err := os.OpenFile(hdrPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "segment: open header file")
	}
	hdrSize := int64(engineHeaderFixedSize + int(cfg.MaxSegments)*4)
	fi, err := hdrFile.Stat()
	if err != nil {
		hdrFile.Close()
		return nil, err
	}
	freshHeader := fi.Size() == 0
	if fi.Size() < hdrSize {
		if err := hdrFile.Truncate(hdrSize); err != nil {
			hdrFile.Close()
			return nil, errors.Wrap(err, "segment: truncate header")
		}
	}
	hdrMap, err := mmap.Map(hdrFile, mmap.RDWR, 0)
	if err != nil {
		hdrFile.Close()
		return nil, errors.Wrap(err, "segment: mmap header")
	}
	hdr := mapEngineHeader(hdrMap)
	if freshHeader {
		hdr.magic.Store(engineMagic)
		hdr.version.Store(engineVersion)
		hdr.segSize.Store(cfg.SegmentSize)
		hdr.maxSegments.Store(cfg.MaxSegments)
	} else {
		if hdr.magic.Load() != engineMagic || hdr.version.Load() != engineVersion {
			hdrMap.Unmap()
			hdrFile.Close()
			return nil, errors.New("segment: bad header magic/version")
		}
	}

	segsFile, err := os.OpenFile(segsPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		hdrMap.Unmap()
		hdrFile.Close()
		return nil, errors.Wrap(err, "segment: open segs file")
	}

	f := &File{
		segsPath:    segsPath,
		hdrPath:     hdrPath,
		segsFile:    segsFile,
		hdrFile:     hdrFile,
		hdrMap:      hdrMap,
		hdr:         hdr,
		segSize:     hdr.segSize.Load(),
		maxSegments: hdr.maxSegments.Load(),
		mlock:       cfg.Mlock,
	}
	if err := f.remap(); err != nil {
		segsFile.Close()
		hdrMap.Unmap()
		hdrFile.Close()
		return nil, err
	}
	return f, nil
}

func (f *File) Close() error {
	if m := f.state.Load(); m != nil {
		mmap.MMap(m.data).Unmap()
	}
	if err := f.segsFile.Close(); err != nil {
		return err
	}
	if err := f.hdrMap.Unmap(); err != nil {
		return err
	}
	return f.hdrFile.Close()
}

func (f *File) SegmentSize() uint64 { return f.segSize }

// remap re-mmaps the segs file after its length changed, swapping the
// atomic state pointer so concurrent readers either see the old or the
// new mapping, never a torn one.
func (f *File) remap() error {
	fi, err := f.segsFile.Stat()
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		f.state.Store(&segState{data: nil})
		return nil
	}
	if old := f.state.Load(); old != nil {
		mmap.MMap(old.data).Unmap()
	}
	m, err := mmap.Map(f.segsFile, mmap.RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "segment: mmap segs")
	}
	f.state.Store(&segState{data: m})
	return nil
}

func (f *File) numSegments() uint32 {
	return f.hdr.numSegments.Load()
}

// NumSegmentsHint returns the current number of segments in the backing
// file, for callers (the compactor) that scan all segments looking for a
// candidate. It is a point-in-time snapshot; the file may grow
// concurrently.
func (f *File) NumSegmentsHint() uint32 {
	return f.numSegments()
}

// PushFree returns segment n to the free queue and returns the new
// end_ptr, for use by callers outside the package (the compactor) once
// they have fully drained it.
func (f *File) PushFree(n uint32) uint64 {
	return f.pushFree(n)
}

// SyncSegment flushes the whole backing mapping to disk. mmap-go exposes
// no partial-range flush, so this is the same as Sync(SyncSync); kept as
// a named step so callers that only touched one segment still read as
// syncing "that segment".
func (f *File) SyncSegment(n uint32) error {
	return f.Sync(SyncSync)
}

// growFile extends the segs file by one segment and remaps it, returning
// the new segment's number. Must be called with growMu held.
func (f *File) growFile() (uint32, error) {
	n := f.numSegments()
	if n >= f.maxSegments {
		return 0, ErrOutOfSpace
	}
	newSize := int64(uint64(n+1) * f.segSize)
	if err := f.segsFile.Truncate(newSize); err != nil {
		return 0, errors.Wrap(err, "segment: grow")
	}
	if err := f.remap(); err != nil {
		return 0, err
	}
	f.hdr.numSegments.Store(n + 1)
	seg := headerAt(f.state.Load().data, int64(n)*int64(f.segSize))
	seg.AllocPos.Store(headerSize)
	seg.NumObjects.Store(0)
	seg.Age.Store(f.hdr.nextAge.Add(1))
	seg.LastSyncPos.Store(0)
	return n, nil
}

// segmentBytes returns the full byte range of segment n.
func (f *File) segmentBytes(n uint32) []byte {
	st := f.state.Load()
	off := uint64(n) * f.segSize
	return st.data[off : off+f.segSize]
}

// SegmentHeader returns the atomic header view for segment n.
func (f *File) SegmentHeader(n uint32) Header {
	return headerAt(f.segmentBytes(n), 0)
}

// ObjectBytes returns the payload bytes of the object whose header starts
// at byte offset within segment n.
func (f *File) ObjectBytes(n uint32, offset uint64) ([]byte, ObjectHeader) {
	seg := f.segmentBytes(n)
	oh := decodeObjectHeader(seg[offset : offset+ObjectHeaderSize])
	start := offset + ObjectHeaderSize
	return seg[start : start+uint64(oh.Size)], oh
}

// ShrinkObject updates the declared payload size of the object whose
// header starts at offset within segment n, for in-place modifications
// that write fewer bytes than the object's originally reserved payload
// (the reserved space itself is never given back; only the next
// compaction pass reclaims it).
func (f *File) ShrinkObject(n uint32, offset uint64, newSize uint32) {
	seg := f.segmentBytes(n)
	hdr := seg[offset : offset+ObjectHeaderSize]
	oh := decodeObjectHeader(hdr)
	if newSize > oh.Size {
		panic("segment: ShrinkObject given a larger size")
	}
	oh.Size = newSize
	oh.encode(hdr)
}
