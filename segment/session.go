package segment

import (
	"math"
	"sync/atomic"
)

// MaxSessions is the hard cap on concurrently open sessions (spec §3.1:
// "at most 64 sessions"), tracked by a single 64-bit availability bitmask.
const MaxSessions = 64

// notHoldingLock is the sentinel low-32-bits value meaning a session is
// not currently inside a read-lock scope.
const notHoldingLock = math.MaxUint32

// Session is a per-thread handle: an active write segment plus the atomic
// lock word that publishes this thread's view of the free queue so the
// allocator never recycles a segment the thread might still be reading
// (spec §3.1, §5).
//
// The lock word's low 32 bits hold the session's alloc_ptr view
// (notHoldingLock when not inside a ReadLock); the high 32 bits hold the
// compactor's last-published end_ptr view.
type Session struct {
	file *File
	slot uint8

	lockWord atomic.Uint64

	activeSegment uint32
	haveActive    bool
}

func packLockWord(allocView, endView uint32) uint64 {
	return uint64(endView)<<32 | uint64(allocView)
}

// StartSession atomically reserves a session slot.
func (f *File) StartSession() (*Session, error) {
	for {
		old := f.sessionBitmap.Load()
		free := ^old
		if free == 0 {
			return nil, ErrNoFreeSessionSlot
		}
		slot := uint8(trailingZeros64(free))
		if f.sessionBitmap.CompareAndSwap(old, old|(uint64(1)<<slot)) {
			s := &Session{file: f, slot: slot}
			s.lockWord.Store(packLockWord(notHoldingLock, uint32(f.EndPtr())))
			f.sessions[slot].Store(s)
			return s, nil
		}
	}
}

// Close releases the session's slot. Any active (unfinalized) segment is
// finalized so the compactor can eventually reclaim it.
func (s *Session) Close() {
	if s.haveActive {
		s.file.finalize(s.activeSegment)
	}
	s.file.sessions[s.slot].Store(nil)
	for {
		old := s.file.sessionBitmap.Load()
		if s.file.sessionBitmap.CompareAndSwap(old, old&^(uint64(1)<<s.slot)) {
			return
		}
	}
}

func trailingZeros64(x uint64) int {
	if x == 0 {
		return 64
	}
	n := 0
	for x&1 == 0 {
		n++
		x >>= 1
	}
	return n
}

// ReadLock is the scope during which a session has published its
// alloc_ptr view, making it safe to dereference object locations without
// racing the compactor's segment recycling.
type ReadLock struct {
	s *Session
}

// Lock publishes the session's current alloc_ptr view and returns a scope
// guarding reads. Release with Unlock (or defer rl.Unlock()).
func (s *Session) Lock() ReadLock {
	allocView := uint32(s.file.AllocPtr())
	for {
		old := s.lockWord.Load()
		endView := uint32(old >> 32)
		nw := packLockWord(allocView, endView)
		if s.lockWord.CompareAndSwap(old, nw) {
			break
		}
	}
	return ReadLock{s: s}
}

// Unlock withdraws the session's published view, allowing the allocator to
// recycle segments again on its next scan.
func (rl ReadLock) Unlock() {
	s := rl.s
	for {
		old := s.lockWord.Load()
		endView := uint32(old >> 32)
		nw := packLockWord(notHoldingLock, endView)
		if s.lockWord.CompareAndSwap(old, nw) {
			return
		}
	}
}

// Session returns the Session this read lock belongs to, for convenience.
func (rl ReadLock) Session() *Session { return rl.s }

// ActiveSegment returns the session's current write segment number. Valid
// only after at least one Alloc call since the session's last finalize.
func (s *Session) ActiveSegment() uint32 { return s.activeSegment }
