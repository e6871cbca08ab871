package segment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestFile(t *testing.T, segSize uint64, maxSegs uint32) *File {
	t.Helper()
	dir := t.TempDir()
	f, err := Open(filepath.Join(dir, "segs"), filepath.Join(dir, "header"), Config{
		SegmentSize: segSize,
		MaxSegments: maxSegs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestAllocWithinSegment(t *testing.T) {
	f := openTestFile(t, 4096, 4)
	s, err := f.StartSession()
	require.NoError(t, err)
	defer s.Close()

	_, off1, payload1, err := s.Alloc(ObjectHeader{Type: 1}, 32)
	require.NoError(t, err)
	require.Len(t, payload1, 32)
	require.Equal(t, uint64(headerSize), off1)

	_, off2, _, err := s.Alloc(ObjectHeader{Type: 1}, 16)
	require.NoError(t, err)
	require.Greater(t, off2, off1)
}

func TestAllocFinalizesAndGrows(t *testing.T) {
	f := openTestFile(t, 256, 8)
	s, err := f.StartSession()
	require.NoError(t, err)
	defer s.Close()

	var lastSeg uint32
	for i := 0; i < 10; i++ {
		seg, _, _, err := s.Alloc(ObjectHeader{Type: 2}, 32)
		require.NoError(t, err)
		lastSeg = seg
	}
	require.GreaterOrEqual(t, f.numSegments(), uint32(2))
	_ = lastSeg
}

func TestObjectTooLarge(t *testing.T) {
	f := openTestFile(t, 256, 4)
	s, err := f.StartSession()
	require.NoError(t, err)
	defer s.Close()

	_, _, _, err = s.Alloc(ObjectHeader{}, 10000)
	require.ErrorIs(t, err, ErrObjectTooLarge)
}

func TestSessionLimit(t *testing.T) {
	f := openTestFile(t, 4096, 4)
	var sessions []*Session
	for i := 0; i < MaxSessions; i++ {
		s, err := f.StartSession()
		require.NoError(t, err)
		sessions = append(sessions, s)
	}
	_, err := f.StartSession()
	require.ErrorIs(t, err, ErrNoFreeSessionSlot)

	sessions[0].Close()
	_, err = f.StartSession()
	require.NoError(t, err)
}

func TestReadLockPublishesAllocView(t *testing.T) {
	f := openTestFile(t, 4096, 4)
	s, err := f.StartSession()
	require.NoError(t, err)
	defer s.Close()

	rl := s.Lock()
	view := uint32(s.lockWord.Load())
	require.Equal(t, uint32(f.AllocPtr()), view)
	rl.Unlock()
	require.Equal(t, uint32(notHoldingLock), uint32(s.lockWord.Load()))
}

func TestFreeQueueRecycle(t *testing.T) {
	f := openTestFile(t, 256, 4)
	s, err := f.StartSession()
	require.NoError(t, err)
	defer s.Close()

	seg, _, _, err := s.Alloc(ObjectHeader{}, 32)
	require.NoError(t, err)
	f.finalize(seg)
	f.pushFree(seg)

	require.Equal(t, uint64(1), f.EndPtr())
	got, ok := f.popFree()
	require.True(t, ok)
	require.Equal(t, seg, got)
}

func TestSyncNoError(t *testing.T) {
	f := openTestFile(t, 4096, 4)
	s, err := f.StartSession()
	require.NoError(t, err)
	defer s.Close()
	_, _, _, err = s.Alloc(ObjectHeader{}, 16)
	require.NoError(t, err)
	require.NoError(t, f.Sync(SyncSync))
}
