// Package compact implements the L3 background compactor: a single
// goroutine that reclaims partially empty, finalized segments by copying
// their still-live objects into its own active segment and returning the
// drained source segment to the free queue (spec §4.3).
package compact

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gofractally/arbtrie/objid"
	"github.com/gofractally/arbtrie/segment"
)

// idleSleep is how long the compactor waits when no segment qualifies for
// compaction (spec §4.3: "The loop sleeps 100 ms when nothing qualifies").
const idleSleep = 100 * time.Millisecond

// freeSpaceThresholdDivisor implements "exceeding a threshold
// (segment_size/16)".
const freeSpaceThresholdDivisor = 16

// Mover is the object-location protocol the compactor drives; it is
// satisfied by *objid.Allocator and kept as an interface so tests can
// substitute a fake.
type Mover interface {
	Load(id objid.ID) objid.MetaWord
	TryStartMove(id objid.ID, expectLocation uint64) (started, retry bool)
	TryCommitMove(id objid.ID, fromLocation, toLocation uint64) bool
	AbortMove(id objid.ID, location uint64)
}

// Stats accumulates lifetime compactor counters, exposed for tests and for
// the metrics package to scrape.
type Stats struct {
	PassesRun         uint64
	SegmentsReclaimed uint64
	ObjectsMoved      uint64
	ObjectsSkipped    uint64
	MoveAborts        uint64
	BytesReclaimed    uint64
}

// Compactor owns the single background goroutine from spec §4.3.
type Compactor struct {
	file    *segment.File
	ids     Mover
	session *segment.Session
	log     *logrus.Entry

	// OwnerOf resolves an object's owning id given its region/index, as
	// recorded in the object header, so the compactor can look up the
	// current meta word without the caller threading ids through the walk.
	OwnerOf func(region, idx uint32) objid.ID

	stats  Stats
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a compactor bound to file, using its own session for both
// reading (via read-locks) and writing (its own active segment).
func New(file *segment.File, ids Mover, ownerOf func(region, idx uint32) objid.ID, log *logrus.Entry) (*Compactor, error) {
	s, err := file.StartSession()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Compactor{
		file:    file,
		ids:     ids,
		session: s,
		log:     log.WithField("component", "compactor"),
		OwnerOf: ownerOf,
	}, nil
}

// Start runs the compaction loop in its own goroutine until Stop is called.
func (c *Compactor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx)
}

// Stop signals the loop to exit and waits for it to do so.
func (c *Compactor) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.session.Close()
}

// Stats returns a snapshot of the compactor's lifetime counters.
func (c *Compactor) Stats() Stats {
	return c.stats
}

func (c *Compactor) loop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ran, err := c.RunOnce()
		if err != nil {
			c.log.WithError(err).Warn("compaction pass failed")
		}
		c.stats.PassesRun++
		if !ran {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleSleep):
			}
		}
	}
}

// candidate picks the finalized segment with the largest free space
// exceeding the 1/16 threshold, breaking ties by smallest age (oldest
// first), per spec §4.3 steps 1 and "Tie-breaking / fairness".
func (c *Compactor) candidate() (uint32, bool) {
	n := c.file.NumSegmentsHint()
	threshold := c.file.SegmentSize() / freeSpaceThresholdDivisor

	var best uint32
	var bestFree uint64
	var bestAge uint64
	found := false

	for i := uint32(0); i < n; i++ {
		h := c.file.SegmentHeader(i)
		if h.AllocPos.Load() != segment.Sentinel {
			continue // not finalized
		}
		free := c.freeSpace(i)
		if free <= threshold {
			continue
		}
		age := h.Age.Load()
		if !found || free > bestFree || (free == bestFree && age < bestAge) {
			best, bestFree, bestAge, found = i, free, age, true
		}
	}
	return best, found
}

// freeSpace walks segment n's objects and sums the bytes occupied by dead
// ones (refcount zero, or the id's meta word no longer points here) - the
// space the compactor could reclaim by draining this segment.
func (c *Compactor) freeSpace(n uint32) uint64 {
	var dead uint64
	c.walk(n, func(id objid.ID, curLoc uint64, objTotal uint64, oh segment.ObjectHeader, payload []byte) {
		meta := c.ids.Load(id)
		if meta.Refcount() == 0 || meta.Location() != curLoc {
			dead += objTotal
		}
	})
	return dead
}

// walk calls fn for every object physically stored in segment n, in
// on-disk order, driven by the segment's num_objects count (the segment
// header's alloc_pos is overwritten with the finalize sentinel, so it can
// no longer bound the scan once a segment is a compaction candidate).
func (c *Compactor) walk(n uint32, fn func(id objid.ID, curLoc, objTotal uint64, oh segment.ObjectHeader, payload []byte)) {
	h := c.file.SegmentHeader(n)
	size := c.file.SegmentSize()
	count := h.NumObjects.Load()
	offset := uint64(segment.HeaderSize)
	for i := uint64(0); i < count; i++ {
		payload, oh := c.file.ObjectBytes(n, offset)
		objTotal := segment.AlignUp(uint64(segment.ObjectHeaderSize) + uint64(oh.Size))
		id := c.OwnerOf(uint32(oh.Region), oh.OwnerIdx)
		curLoc := objid.EncodeLocation(size, n, offset)
		fn(id, curLoc, objTotal, oh, payload)
		offset += objTotal
	}
}

// RunOnce executes a single compaction pass (spec §4.3 steps 1-4). It
// returns false when nothing qualified, so the caller can back off.
func (c *Compactor) RunOnce() (bool, error) {
	src, ok := c.candidate()
	if !ok {
		return false, nil
	}

	rl := c.session.Lock()
	defer rl.Unlock()

	before := c.stats.BytesReclaimed
	if err := c.drain(src); err != nil {
		return true, err
	}

	h := c.file.SegmentHeader(src)
	h.NumObjects.Store(0)
	newEnd := c.file.PushFree(src)
	c.file.SetSessionEndPtrs(newEnd)
	c.stats.SegmentsReclaimed++
	c.log.WithFields(logrus.Fields{
		"segment": src,
		"bytes":   c.stats.BytesReclaimed - before,
	}).Debug("segment reclaimed")
	return true, nil
}

// drain walks segment src's objects, moving every still-live one into the
// compactor's own active segment (spec §4.3 step 3).
func (c *Compactor) drain(src uint32) error {
	var walkErr error
	c.walk(src, func(id objid.ID, curLoc, objTotal uint64, oh segment.ObjectHeader, payload []byte) {
		if walkErr != nil {
			return
		}
		meta := c.ids.Load(id)
		if meta.Refcount() == 0 || meta.Location() != curLoc {
			c.stats.ObjectsSkipped++
			c.stats.BytesReclaimed += objTotal
			return
		}

		started, retry := c.ids.TryStartMove(id, curLoc)
		for retry {
			// dirty (a concurrent in-place modify is in flight) or the meta
			// word changed under the CAS: reload and retry, bounded by one
			// object copy's worth of contention.
			started, retry = c.ids.TryStartMove(id, curLoc)
		}
		if !started {
			c.stats.ObjectsSkipped++
			c.stats.BytesReclaimed += objTotal
			return
		}

		dstSeg, dstOff, dstPayload, err := c.session.Alloc(segment.ObjectHeader{
			Type:     oh.Type,
			Region:   oh.Region,
			OwnerIdx: oh.OwnerIdx,
		}, oh.Size)
		if err != nil {
			c.ids.AbortMove(id, curLoc)
			walkErr = err
			return
		}
		copy(dstPayload, payload)

		newLoc := objid.EncodeLocation(c.file.SegmentSize(), dstSeg, dstOff)
		if !c.ids.TryCommitMove(id, curLoc, newLoc) {
			// lost the race (freed or modified concurrently): the
			// reserved destination bytes are simply left dead; the
			// segment they landed in still accounts for them correctly
			// via its own alloc_pos, so nothing is double-counted - only
			// this object's space is wasted until that segment, too, is
			// eventually compacted.
			c.ids.AbortMove(id, curLoc)
			c.stats.MoveAborts++
		} else {
			c.stats.ObjectsMoved++
		}
	})
	if walkErr != nil {
		return walkErr
	}

	return c.file.SyncSegment(c.session.ActiveSegment())
}
