package compact

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gofractally/arbtrie/objid"
	"github.com/gofractally/arbtrie/segment"
)

// harness bundles a segment.File and objid.Allocator plus an OwnerOf
// closure that records which id owns which (region, idx) pair, mirroring
// how the trie layer would hand ownership info to the compactor.
type harness struct {
	t    *testing.T
	file *segment.File
	ids  *objid.Allocator
}

func newHarness(t *testing.T, segSize uint64, maxSegs uint32) *harness {
	t.Helper()
	dir := t.TempDir()
	f, err := segment.Open(filepath.Join(dir, "segs"), filepath.Join(dir, "header"), segment.Config{
		SegmentSize: segSize,
		MaxSegments: maxSegs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	ids, err := objid.Open(filepath.Join(dir, "ids"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { ids.Close() })

	return &harness{t: t, file: f, ids: ids}
}

func (h *harness) ownerOf(region, idx uint32) objid.ID {
	return objid.ID{Region: uint8(region), Index: idx}
}

// put allocates an id and writes a single object for it via sess, returning
// the id.
func (h *harness) put(sess *segment.Session, region uint8, payload []byte) objid.ID {
	h.t.Helper()
	id, err := h.ids.Allocate(region)
	require.NoError(h.t, err)

	segNum, offset, dst, err := sess.Alloc(segment.ObjectHeader{
		Region:   id.Region,
		OwnerIdx: id.Index,
	}, uint32(len(payload)))
	require.NoError(h.t, err)
	copy(dst, payload)

	loc := objid.EncodeLocation(h.file.SegmentSize(), segNum, offset)
	h.ids.SetLocation(id, loc)
	return id
}

func TestCompactorReclaimsDeadSpace(t *testing.T) {
	h := newHarness(t, 4096, 8)
	region, err := h.ids.NewRegion()
	require.NoError(t, err)

	writer, err := h.file.StartSession()
	require.NoError(t, err)
	defer writer.Close()

	payload := make([]byte, 200)
	var ids []objid.ID
	for i := 0; i < 10; i++ {
		ids = append(ids, h.put(writer, region, payload))
	}
	// free every other object, leaving the segment(s) roughly half dead.
	for i, id := range ids {
		if i%2 == 0 {
			h.ids.Release(id)
		}
	}
	writer.Close()

	c, err := New(h.file, h.ids, h.ownerOf, nil)
	require.NoError(t, err)
	defer c.Stop()

	ran, err := c.RunOnce()
	require.NoError(t, err)
	require.True(t, ran)

	stats := c.Stats()
	require.Greater(t, stats.SegmentsReclaimed, uint64(0))
	require.Greater(t, stats.ObjectsMoved, uint64(0))

	// surviving ids must still resolve to readable, intact payloads.
	for i, id := range ids {
		if i%2 == 0 {
			continue
		}
		meta := h.ids.Load(id)
		require.Greater(t, meta.Refcount(), uint32(0))
		segNum, offset := objid.DecodeLocation(h.file.SegmentSize(), meta.Location())
		got, _ := h.file.ObjectBytes(segNum, offset)
		require.Equal(t, payload, got)
	}
}

func TestCompactorNoCandidateWhenSparse(t *testing.T) {
	h := newHarness(t, 1<<20, 8)
	writer, err := h.file.StartSession()
	require.NoError(t, err)
	defer writer.Close()

	region, err := h.ids.NewRegion()
	require.NoError(t, err)
	h.put(writer, region, make([]byte, 32))

	c, err := New(h.file, h.ids, h.ownerOf, nil)
	require.NoError(t, err)
	defer c.Stop()

	ran, err := c.RunOnce()
	require.NoError(t, err)
	require.False(t, ran) // segment still open (not finalized), nothing to do
}

func TestCompactorStartStop(t *testing.T) {
	h := newHarness(t, 4096, 8)
	c, err := New(h.file, h.ids, h.ownerOf, nil)
	require.NoError(t, err)
	c.Start()
	c.Stop()
}
