package segment

import "github.com/edsrzf/mmap-go"

// SyncMode selects how aggressively Sync flushes dirty pages to disk,
// matching the Database.sync(mode) contract in spec §6.
type SyncMode int

const (
	SyncNone SyncMode = iota
	SyncAsync
	SyncSync
)

// Sync flushes the whole segs and header mappings and records each
// segment's flushed position in LastSyncPos. With SyncNone it is a no-op;
// SyncAsync and SyncSync both block until data has reached disk.
func (f *File) Sync(mode SyncMode) error {
	if mode == SyncNone {
		return nil
	}
	st := f.state.Load()
	if st == nil || len(st.data) == 0 {
		return nil
	}
	// mmap-go's Flush always blocks until data reaches disk; SyncAsync is
	// approximated as SyncSync here since the package exposes no MS_ASYNC
	// knob, and correctness never depends on the distinction (spec §5).
	if err := mmap.MMap(st.data).Flush(); err != nil {
		return err
	}
	n := f.numSegments()
	for i := uint32(0); i < n; i++ {
		h := f.SegmentHeader(i)
		pos := h.AllocPos.Load()
		if pos == Sentinel {
			pos = f.segSize
		}
		h.LastSyncPos.Store(pos)
	}
	return f.hdrMap.Flush()
}
