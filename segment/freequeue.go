package segment

// pushFree publishes segment n at the current end_ptr slot and advances
// end_ptr. Called by the compactor once a segment has been fully drained
// (spec §4.3 step 4). Returns the new end_ptr value.
func (f *File) pushFree(n uint32) uint64 {
	end := f.hdr.endPtr.Load()
	f.hdr.ringSlot(end).Store(n)
	newEnd := end + 1
	f.hdr.endPtr.Store(newEnd)
	return newEnd
}

// EndPtr returns the current end_ptr.
func (f *File) EndPtr() uint64 { return f.hdr.endPtr.Load() }

// AllocPtr returns the current alloc_ptr.
func (f *File) AllocPtr() uint64 { return f.hdr.allocPtr.Load() }

// popFree reuses the segment at the current alloc_ptr slot, advancing
// alloc_ptr. Caller must already have verified alloc_ptr < end_ptr and
// that no session might still read the segment being recycled (spec
// invariant 1, enforced by getNewSegment's min_read_ptr check).
func (f *File) popFree() (uint32, bool) {
	for {
		cur := f.hdr.allocPtr.Load()
		if cur >= f.hdr.endPtr.Load() {
			return 0, false
		}
		n := f.hdr.ringSlot(cur).Load()
		if f.hdr.allocPtr.CompareAndSwap(cur, cur+1) {
			return n, true
		}
	}
}
