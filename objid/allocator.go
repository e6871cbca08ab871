package objid

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// regionState is the per-region allocation bookkeeping. The dense index
// counter bump-allocates never-before-used ids; the free list threads
// through the meta words of released ids (spec §4.1: "the allocator keeps
// a singly-linked free list threaded through the meta words of freed ids").
type regionState struct {
	nextIndex atomic.Uint32
	// freeHead holds (index+1) of the first free id in this region, or 0
	// if the list is empty.
	freeHead atomic.Uint64
}

// Allocator is the L1 id allocator: an mmap-backed array of atomic meta
// words, partitioned into NumRegions regions.
type Allocator struct {
	growMu sync.Mutex

	path string
	file *os.File
	data mmap.MMap

	maxPerRegion uint64
	regions      [NumRegions]*regionState
	numRegions   atomic.Uint32 // regions reserved so far by NewRegion
}

// Open maps (creating if necessary) the id file at path, sized to hold
// maxIDsTotal ids split evenly across NumRegions regions.
func Open(path string, maxIDsTotal uint64) (*Allocator, error) {
	if maxIDsTotal == 0 {
		maxIDsTotal = NumRegions * (1 << 20)
	}
	maxPerRegion := maxIDsTotal / NumRegions
	size := int64(maxPerRegion * NumRegions * 8)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "objid: open %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "objid: stat")
	}
	if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "objid: truncate")
		}
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "objid: mmap")
	}

	a := &Allocator{
		path:         path,
		file:         f,
		data:         m,
		maxPerRegion: maxPerRegion,
	}
	for i := range a.regions {
		a.regions[i] = &regionState{}
	}
	if err := a.reconstructFreeLists(); err != nil {
		m.Unmap()
		f.Close()
		return nil, err
	}
	// Region 0, index 0 collides with the zero-value Nil sentinel; reserve
	// it permanently so Allocate never hands it out.
	if a.regions[0].nextIndex.Load() == 0 {
		a.regions[0].nextIndex.Store(1)
	}
	return a, nil
}

// reconstructFreeLists scans the meta-word array for entries with
// refcount==0 and relinks them into each region's free list, per the
// persistence contract in spec §4.1: only the meta-word array survives a
// restart, the free list is rebuilt by scanning it.
func (a *Allocator) reconstructFreeLists() error {
	for region := uint8(0); region < NumRegions; region++ {
		rs := a.regions[region]
		var head uint64
		var hi uint32
		// Ids are bump-allocated in index order: every index below the
		// highest non-zero word has been handed out, and a zero word there
		// is a freed id whose free-list link is empty.
		for idx := uint32(0); uint64(idx) < a.maxPerRegion; idx++ {
			if a.wordAt(ID{Region: region, Index: idx}) != 0 {
				hi = idx + 1
			}
		}
		for idx := uint32(0); idx < hi; idx++ {
			w := a.wordAt(ID{Region: region, Index: idx})
			if region == 0 && idx == 0 {
				continue // reserved as Nil, never allocated
			}
			mw := MetaWord(w)
			if mw.Refcount() == 0 {
				a.storeWord(ID{Region: region, Index: idx}, uint64(MetaWord(0).withLocation(head)))
				head = uint64(idx) + 1
			}
		}
		if hi > 0 {
			rs.nextIndex.Store(hi)
		}
		rs.freeHead.Store(head)
	}
	return nil
}

func (a *Allocator) Close() error {
	if err := a.data.Unmap(); err != nil {
		return err
	}
	return a.file.Close()
}

// NewRegion reserves a fresh region for a thread-local allocation domain
// (e.g. one region per trie-node's child set).
func (a *Allocator) NewRegion() (uint8, error) {
	n := a.numRegions.Add(1) - 1
	if n >= NumRegions {
		a.numRegions.Add(^uint32(0)) // undo
		return 0, errors.New("objid: no regions left")
	}
	return uint8(n), nil
}

func (a *Allocator) slotOffset(id ID) uint64 {
	return id.slot(a.maxPerRegion) * 8
}

func (a *Allocator) wordPtr(id ID) *atomic.Uint64 {
	off := a.slotOffset(id)
	return (*atomic.Uint64)(unsafe.Pointer(&a.data[off]))
}

func (a *Allocator) wordAt(id ID) uint64 {
	return a.wordPtr(id).Load()
}

func (a *Allocator) storeWord(id ID, w uint64) {
	a.wordPtr(id).Store(w)
}

// Get returns the raw atomic word for id, for lock-free reads and CAS
// protocols implemented by higher layers (segment modify/compactor move).
func (a *Allocator) Get(id ID) *atomic.Uint64 {
	return a.wordPtr(id)
}

// Load reads id's current meta word with acquire semantics.
func (a *Allocator) Load(id ID) MetaWord {
	return MetaWord(a.wordPtr(id).Load())
}

// Allocate assigns a fresh id in region, with refcount=1 and no location
// yet (the caller must publish a location once the object's bytes have
// been written, via SetLocation).
func (a *Allocator) Allocate(region uint8) (ID, error) {
	rs := a.regions[region]

	for {
		head := rs.freeHead.Load()
		if head == 0 {
			break
		}
		idx := uint32(head - 1)
		id := ID{Region: region, Index: idx}
		w := a.Load(id)
		if w.Refcount() != 0 {
			// Lost a race with another popper; the free list moved on.
			continue
		}
		next := w.Location()
		if rs.freeHead.CompareAndSwap(head, next) {
			a.storeWord(id, uint64(NewMetaWord()))
			return id, nil
		}
	}

	idx := rs.nextIndex.Add(1) - 1
	if uint64(idx) >= a.maxPerRegion {
		rs.nextIndex.Add(^uint32(0))
		return ID{}, ErrIDSpaceExhausted
	}
	id := ID{Region: region, Index: idx}
	a.storeWord(id, uint64(NewMetaWord()))
	return id, nil
}

// SetLocation publishes id's first (or updated) location. The caller must
// ensure the object bytes are durably written before this call: the write
// happens-before this store (spec §5 ordering guarantees), since the store
// uses release ordering via atomic.Uint64.Store.
func (a *Allocator) SetLocation(id ID, location uint64) {
	p := a.wordPtr(id)
	for {
		old := MetaWord(p.Load())
		assertf(old.Refcount() > 0, "objid: SetLocation on freed id %s", id)
		nw := old.withLocation(location)
		if p.CompareAndSwap(uint64(old), uint64(nw)) {
			return
		}
	}
}

// Retain increments id's refcount, saturating: ErrRefcountOverflow is
// returned rather than overflowing (spec §4.1, recoverable per §7).
func (a *Allocator) Retain(id ID) error {
	p := a.wordPtr(id)
	for {
		old := MetaWord(p.Load())
		assertf(old.Refcount() > 0, "objid: Retain on freed id %s", id)
		if old.Refcount() == MaxRefcount {
			return ErrRefcountOverflow
		}
		nw := old.withRefcount(old.Refcount() + 1)
		if p.CompareAndSwap(uint64(old), uint64(nw)) {
			return nil
		}
	}
}

// Release decrements id's refcount. If it reaches zero, the id transitions
// to freed and is pushed onto its region's free list. Returns true if this
// call freed the id.
func (a *Allocator) Release(id ID) bool {
	p := a.wordPtr(id)
	var freed bool
	for {
		old := MetaWord(p.Load())
		assertf(old.Refcount() > 0, "objid: refcount underflow on id %s", id)
		rc := old.Refcount() - 1
		var nw MetaWord
		if rc == 0 {
			nw = MetaWord(0) // refcount 0, state clean, location overwritten below
			freed = true
		} else {
			nw = old.withRefcount(rc)
		}
		if p.CompareAndSwap(uint64(old), uint64(nw)) {
			break
		}
	}
	if !freed {
		return false
	}
	a.pushFree(id)
	return true
}

func (a *Allocator) pushFree(id ID) {
	rs := a.regions[id.Region]
	p := a.wordPtr(id)
	for {
		head := rs.freeHead.Load()
		// next-free pointer is threaded through the freed word's location field
		nw := MetaWord(0).withLocation(head)
		p.Store(uint64(nw))
		if rs.freeHead.CompareAndSwap(head, uint64(id.Index)+1) {
			return
		}
	}
}

// TryStartMove attempts the compactor's clean->moving CAS (spec §4.3).
// started reports that the id is now moving at expectLocation. retry is
// true when the id is dirty or the CAS lost a race with another update of
// the word; the caller should then call again. Both false means the caller
// should skip the object (freed, moved elsewhere, or already moving).
func (a *Allocator) TryStartMove(id ID, expectLocation uint64) (started bool, retry bool) {
	p := a.wordPtr(id)
	old := MetaWord(p.Load())
	if old.Refcount() == 0 || old.Location() != expectLocation {
		return false, false
	}
	switch old.State() {
	case StateDirty:
		return false, true
	case StateMoving:
		return false, false
	}
	nw := old.withState(StateMoving)
	if p.CompareAndSwap(uint64(old), uint64(nw)) {
		return true, false
	}
	return false, true
}

// TryCommitMove attempts the compactor's moving->clean(new_loc) CAS. On
// failure the caller must return the reserved destination bytes to the
// segment's free-space accounting.
func (a *Allocator) TryCommitMove(id ID, fromLocation, toLocation uint64) bool {
	p := a.wordPtr(id)
	old := MetaWord(p.Load())
	if old.State() != StateMoving || old.Location() != fromLocation {
		return false
	}
	nw := old.withState(StateClean).withLocation(toLocation)
	return p.CompareAndSwap(uint64(old), uint64(nw))
}

// AbortMove reverts a moving id back to clean at its original location,
// used when TryCommitMove loses the race.
func (a *Allocator) AbortMove(id ID, location uint64) {
	p := a.wordPtr(id)
	for {
		old := MetaWord(p.Load())
		if old.State() != StateMoving {
			return
		}
		nw := old.withState(StateClean)
		if p.CompareAndSwap(uint64(old), uint64(nw)) {
			return
		}
	}
}

// BeginModify implements the modify-lock half of the in-place update
// protocol (spec §4.5): clean -> dirty. Callers spin (ContentionRetry) if
// they observe the id already moving.
func (a *Allocator) BeginModify(id ID) (ok bool, contended bool) {
	p := a.wordPtr(id)
	old := MetaWord(p.Load())
	switch old.State() {
	case StateMoving:
		return false, true
	case StateDirty:
		return false, true
	}
	nw := old.withState(StateDirty)
	return p.CompareAndSwap(uint64(old), uint64(nw)), false
}

// EndModify closes the modify-lock: dirty -> clean at the (possibly
// updated) location.
func (a *Allocator) EndModify(id ID, newLocation uint64) {
	p := a.wordPtr(id)
	for {
		old := MetaWord(p.Load())
		assertf(old.State() == StateDirty, "objid: EndModify on non-dirty id %s", id)
		nw := old.withState(StateClean).withLocation(newLocation)
		if p.CompareAndSwap(uint64(old), uint64(nw)) {
			return
		}
	}
}

// MarkRead opportunistically sets the advisory read bit with relaxed
// ordering; correctness never depends on it (spec §9).
func (a *Allocator) MarkRead(id ID) {
	p := a.wordPtr(id)
	old := p.Load()
	nw := uint64(MetaWord(old).withReadBit(true))
	if old != nw {
		p.CompareAndSwap(old, nw)
	}
}
