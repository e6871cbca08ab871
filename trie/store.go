// Package trie implements L5: the radix trie operations (get, upsert,
// remove, iterate, version) layered over the L4 node encodings and the
// L1/L2 object store.
package trie

import (
	"github.com/pkg/errors"

	"github.com/gofractally/arbtrie/node"
	"github.com/gofractally/arbtrie/objid"
	"github.com/gofractally/arbtrie/segment"
)

// ErrNotFound is returned by operations that look up a key absent from
// the trie (spec §7 "NotFound": "yes - returned as empty optional";
// surfaced here as a sentinel error since Go has no optional type).
var ErrNotFound = errors.New("trie: key not found")

// ErrKeyTooLarge and ErrValueTooLarge implement spec §6's size limits.
var (
	ErrKeyTooLarge   = errors.New("trie: key exceeds maximum length")
	ErrValueTooLarge = errors.New("trie: value exceeds maximum length")
)

// MaxKeyLen is the largest key this package accepts (spec §6: "Keys are
// arbitrary byte strings <= 1024 bytes").
const MaxKeyLen = 1024

// Store binds the node encodings to the underlying object allocator and
// segment file: it is the thin adapter layer that turns node ids into
// bytes and back.
type Store struct {
	ids  *objid.Allocator
	file *segment.File
}

// NewStore wraps an id allocator and segment file for use by Trie.
func NewStore(ids *objid.Allocator, file *segment.File) *Store {
	return &Store{ids: ids, file: file}
}

// loadRaw reads id's current object bytes through its published location,
// verifying the object header's declared size against the slice.
func (s *Store) loadRaw(id objid.ID) ([]byte, uint8, error) {
	meta := s.ids.Load(id)
	if meta.IsFreed() || meta.Refcount() == 0 {
		return nil, 0, errors.Errorf("trie: load of freed id %s", id)
	}
	segNum, offset := objid.DecodeLocation(s.file.SegmentSize(), meta.Location())
	payload, oh := s.file.ObjectBytes(segNum, offset)
	return payload, oh.Type, nil
}

// loadBinary loads and decodes id as a binary node.
func (s *Store) loadBinary(id objid.ID) (*node.BinaryNode, error) {
	raw, _, err := s.loadRaw(id)
	if err != nil {
		return nil, err
	}
	return node.DecodeBinaryNode(raw)
}

// loadBranch loads and decodes id as a branch (setlist/inner/full) node.
func (s *Store) loadBranch(id objid.ID) (*node.BranchNode, error) {
	raw, _, err := s.loadRaw(id)
	if err != nil {
		return nil, err
	}
	return node.DecodeBranchNode(raw)
}

// shapeOf reports which shape id's stored object currently uses, without
// fully decoding it.
func (s *Store) shapeOf(id objid.ID) (node.Shape, error) {
	_, typ, err := s.loadRaw(id)
	if err != nil {
		return 0, err
	}
	return node.Shape(typ), nil
}

// storeBytes allocates a fresh id in region and publishes data as its
// object bytes.
func (s *Store) storeBytes(sess *segment.Session, region uint8, shape node.Shape, data []byte) (objid.ID, error) {
	id, err := s.ids.Allocate(region)
	if err != nil {
		return objid.ID{}, err
	}
	segNum, offset, dst, err := sess.Alloc(segment.ObjectHeader{
		Type:     uint8(shape),
		Region:   id.Region,
		OwnerIdx: id.Index,
	}, uint32(len(data)))
	if err != nil {
		return objid.ID{}, err
	}
	copy(dst, data)
	loc := objid.EncodeLocation(s.file.SegmentSize(), segNum, offset)
	s.ids.SetLocation(id, loc)
	return id, nil
}

// putBinary allocates a new object for n and returns its id.
func (s *Store) putBinary(sess *segment.Session, n *node.BinaryNode) (objid.ID, error) {
	return s.storeBytes(sess, n.IDRegion, node.ShapeBinary, n.Encode())
}

// putBranch allocates a new object for n and returns its id.
func (s *Store) putBranch(sess *segment.Session, n *node.BranchNode) (objid.ID, error) {
	data := n.Encode()
	return s.storeBytes(sess, n.IDRegion, n.Type, data)
}

// modifyInPlace implements the clean->dirty->clean half of the in-place
// update protocol (spec §4.5 step 1, §4.1 state machine): it takes id's
// modify lock, overwrites its bytes if they fit the already-allocated
// object, and releases the lock either at the new location (success) or
// unchanged (the caller must fall back to cloning on failure).
func (s *Store) modifyInPlace(id objid.ID, data []byte) (ok bool, err error) {
	began, contended := s.ids.BeginModify(id)
	for contended {
		// moving or dirty: spin until the other party commits or aborts.
		began, contended = s.ids.BeginModify(id)
	}
	if !began {
		return false, nil
	}
	fits, err := s.overwriteRaw(id, data)
	if err != nil {
		meta := s.ids.Load(id)
		s.ids.EndModify(id, meta.Location())
		return false, err
	}
	meta := s.ids.Load(id)
	s.ids.EndModify(id, meta.Location())
	return fits, nil
}

// overwriteBinary re-encodes n into id's existing object bytes in place,
// valid only when the new encoding fits the already-allocated object and
// the id is not shared or concurrently modified (spec §4.5 step 1:
// "modify in place under a modify-lock... if the node has spare capacity
// for the change").
func (s *Store) overwriteBinary(id objid.ID, n *node.BinaryNode) (fits bool, err error) {
	return s.modifyInPlace(id, n.Encode())
}

func (s *Store) overwriteBranch(id objid.ID, n *node.BranchNode) (fits bool, err error) {
	return s.modifyInPlace(id, n.Encode())
}

func (s *Store) overwriteRaw(id objid.ID, data []byte) (bool, error) {
	meta := s.ids.Load(id)
	segNum, offset := objid.DecodeLocation(s.file.SegmentSize(), meta.Location())
	dst, _ := s.file.ObjectBytes(segNum, offset)
	if len(data) > len(dst) {
		return false, nil
	}
	copy(dst, data)
	s.file.ShrinkObject(segNum, offset, uint32(len(data)))
	return true, nil
}

// retain increments id's refcount; a nil/Nil id is a no-op, matching the
// convention that an absent child is simply not linked.
func (s *Store) retain(id objid.ID) error {
	if id.IsNil() {
		return nil
	}
	return s.ids.Retain(id)
}

// release decrements id's refcount, recursively releasing children (and,
// for binary leaf values, standalone value objects) once it reaches zero
// (spec §4.5 step 4: "recursively dropping now-unreferenced subtrees").
func (s *Store) release(id objid.ID) error {
	if id.IsNil() {
		return nil
	}
	freed := s.ids.Release(id)
	if !freed {
		return nil
	}
	shape, err := s.shapeOf(id)
	if err != nil {
		return err
	}
	if shape == node.ShapeBinary {
		bn, err := s.loadBinary(id)
		if err != nil {
			return err
		}
		for _, e := range bn.Entries {
			if !e.Value.IsInline() {
				if err := s.release(e.Value.ID); err != nil {
					return err
				}
			}
		}
		return nil
	}
	bn, err := s.loadBranch(id)
	if err != nil {
		return err
	}
	if bn.EOF != nil && !bn.EOF.IsInline() {
		if err := s.release(bn.EOF.ID); err != nil {
			return err
		}
	}
	for _, child := range bn.Branches {
		if err := s.release(child); err != nil {
			return err
		}
	}
	return nil
}
