package segment

// finalize sets a segment's alloc_pos to the sentinel, excluding it from
// further appends and making it eligible for compaction (spec §4.2
// "Finalization").
func (f *File) finalize(n uint32) {
	f.SegmentHeader(n).AllocPos.Store(Sentinel)
}

// MinReadPtr returns the minimum alloc_ptr view among all sessions
// currently holding a read lock, or the current end_ptr if no session is
// active (spec §4.2 step 1).
func (f *File) MinReadPtr() uint64 {
	min := f.EndPtr()
	any := false
	for i := range f.sessions {
		s := f.sessions[i].Load()
		if s == nil {
			continue
		}
		view := uint32(s.lockWord.Load())
		if view == notHoldingLock {
			continue
		}
		if !any || uint64(view) < min {
			min = uint64(view)
			any = true
		}
	}
	if !any {
		return f.EndPtr()
	}
	return min
}

// SetSessionEndPtrs publishes newEnd into the high 32 bits of every active
// session's lock word with release ordering, called by the compactor
// immediately after advancing end_ptr (spec §4.3 step 4).
func (f *File) SetSessionEndPtrs(newEnd uint64) {
	end32 := uint32(newEnd)
	for i := range f.sessions {
		s := f.sessions[i].Load()
		if s == nil {
			continue
		}
		for {
			old := s.lockWord.Load()
			allocView := uint32(old)
			nw := packLockWord(allocView, end32)
			if s.lockWord.CompareAndSwap(old, nw) {
				break
			}
		}
	}
}

// GetNewSegment implements the new-segment protocol from spec §4.2: prefer
// reusing a segment from the free queue, falling back to growing the file.
func (f *File) GetNewSegment() (uint32, error) {
	minRead := f.MinReadPtr()
	allocPtr := f.AllocPtr()
	if minRead > allocPtr {
		if n, ok := f.popFree(); ok {
			f.resetSegment(n)
			return n, nil
		}
	}
	f.growMu.Lock()
	defer f.growMu.Unlock()
	return f.growFile()
}

func (f *File) resetSegment(n uint32) {
	h := f.SegmentHeader(n)
	h.NumObjects.Store(0)
	h.Age.Store(f.hdr.nextAge.Add(1))
	h.LastSyncPos.Store(0)
	h.AllocPos.Store(headerSize)
}

// Alloc reserves ceil((ObjectHeaderSize+size)/Alignment)*Alignment bytes in
// the session's active segment, writing the object header and returning
// the segment number, the byte offset of the header, and the payload
// slice to fill in. If the current active segment cannot fit the
// request, it is finalized and a new one is obtained.
func (s *Session) Alloc(oh ObjectHeader, size uint32) (segNum uint32, offset uint64, payload []byte, err error) {
	total := AlignUp(uint64(ObjectHeaderSize) + uint64(size))
	if total > s.file.segSize-headerSize {
		return 0, 0, nil, ErrObjectTooLarge
	}

	for {
		if !s.haveActive {
			n, err := s.file.GetNewSegment()
			if err != nil {
				return 0, 0, nil, err
			}
			s.activeSegment = n
			s.haveActive = true
		}

		h := s.file.SegmentHeader(s.activeSegment)
		for {
			pos := h.AllocPos.Load()
			if pos == Sentinel {
				break
			}
			if pos+total > s.file.segSize {
				s.file.finalize(s.activeSegment)
				s.haveActive = false
				break
			}
			if h.AllocPos.CompareAndSwap(pos, pos+total) {
				oh.Size = size
				seg := s.file.segmentBytes(s.activeSegment)
				oh.encode(seg[pos : pos+ObjectHeaderSize])
				h.NumObjects.Add(1)
				return s.activeSegment, pos, seg[pos+ObjectHeaderSize : pos+total], nil
			}
		}
	}
}
