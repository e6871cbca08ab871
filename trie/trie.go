package trie

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/gofractally/arbtrie/node"
	"github.com/gofractally/arbtrie/objid"
	"github.com/gofractally/arbtrie/segment"
)

// Trie is one radix-trie instance: a Store plus the id region its nodes and
// standalone values are allocated from. Roots are plain objid.ID values the
// caller threads through Upsert/Remove/Get; version-to-root bookkeeping
// lives one layer up, in the database package, so this package stays a pure
// function of (root, key) -> (root, value).
type Trie struct {
	store  *Store
	ids    *objid.Allocator
	region uint8
}

// New creates a Trie that allocates its nodes and values from a fresh id
// region. Nil (objid.Nil) is the empty trie's root.
func New(ids *objid.Allocator, file *segment.File) (*Trie, error) {
	region, err := ids.NewRegion()
	if err != nil {
		return nil, err
	}
	return &Trie{store: NewStore(ids, file), ids: ids, region: region}, nil
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func (tr *Trie) makeValue(sess *segment.Session, data []byte) (node.Value, error) {
	if len(data) <= node.InlineMax {
		return node.InlineValue(data), nil
	}
	id, err := tr.store.storeBytes(sess, tr.region, valueShape, data)
	if errors.Is(err, segment.ErrObjectTooLarge) {
		return node.Value{}, ErrValueTooLarge
	}
	if err != nil {
		return node.Value{}, err
	}
	return node.Value{ID: id}, nil
}

// valueShape marks a standalone value object; it is never interpreted by
// the node package, only used as the object header's Type tag.
const valueShape node.Shape = 0xFF

func (tr *Trie) resolveValue(v node.Value) ([]byte, error) {
	if v.IsInline() {
		return v.Inline, nil
	}
	raw, _, err := tr.store.loadRaw(v.ID)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), raw...), nil
}

// Get resolves key against root, returning ErrNotFound if absent.
func (tr *Trie) Get(root objid.ID, key []byte) ([]byte, error) {
	if len(key) > MaxKeyLen {
		return nil, ErrKeyTooLarge
	}
	id := root
	cur := key
	for {
		if id.IsNil() {
			return nil, ErrNotFound
		}
		shape, err := tr.store.shapeOf(id)
		if err != nil {
			return nil, err
		}
		if shape == node.ShapeBinary {
			bn, err := tr.store.loadBinary(id)
			if err != nil {
				return nil, err
			}
			if !bytes.HasPrefix(cur, bn.Prefix) {
				return nil, ErrNotFound
			}
			v, ok := bn.Get(cur[len(bn.Prefix):])
			if !ok {
				return nil, ErrNotFound
			}
			return tr.resolveValue(v)
		}
		brn, err := tr.store.loadBranch(id)
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(cur, brn.Prefix) {
			return nil, ErrNotFound
		}
		rest := cur[len(brn.Prefix):]
		if len(rest) == 0 {
			if brn.EOF == nil {
				return nil, ErrNotFound
			}
			return tr.resolveValue(*brn.EOF)
		}
		child, ok := brn.Branches[rest[0]]
		if !ok {
			return nil, ErrNotFound
		}
		id = child
		cur = rest[1:]
	}
}

// Upsert inserts or overwrites key's value under root, returning the new
// root (unchanged if the update happened in place).
func (tr *Trie) Upsert(sess *segment.Session, root objid.ID, key, value []byte) (objid.ID, error) {
	if len(key) > MaxKeyLen {
		return objid.Nil, ErrKeyTooLarge
	}
	val, err := tr.makeValue(sess, value)
	if err != nil {
		return objid.Nil, err
	}
	return tr.upsert(sess, root, key, val)
}

func (tr *Trie) upsert(sess *segment.Session, id objid.ID, key []byte, val node.Value) (objid.ID, error) {
	if id.IsNil() {
		bn := node.NewBinaryNode(key, tr.region)
		bn.Put(nil, val)
		return tr.store.putBinary(sess, bn)
	}
	shape, err := tr.store.shapeOf(id)
	if err != nil {
		return objid.Nil, err
	}
	if shape == node.ShapeBinary {
		bn, err := tr.store.loadBinary(id)
		if err != nil {
			return objid.Nil, err
		}
		cpl := commonPrefixLen(bn.Prefix, key)
		if cpl < len(bn.Prefix) {
			return tr.splitBinary(sess, id, bn, cpl, key, val)
		}
		return tr.upsertWithinBinary(sess, id, bn, key[cpl:], val)
	}
	brn, err := tr.store.loadBranch(id)
	if err != nil {
		return objid.Nil, err
	}
	cpl := commonPrefixLen(brn.Prefix, key)
	if cpl < len(brn.Prefix) {
		return tr.splitBranch(sess, id, brn, cpl, key, val)
	}
	return tr.upsertWithinBranch(sess, id, brn, key[cpl:], val)
}

// splitBinary handles a key whose path diverges partway through a binary
// node's shared prefix: the node is rehomed under a shorter prefix as a
// child of a new branch node, alongside a sibling for the new key.
func (tr *Trie) splitBinary(sess *segment.Session, id objid.ID, bn *node.BinaryNode, cpl int, key []byte, val node.Value) (objid.ID, error) {
	oldDivByte := bn.Prefix[cpl]
	renamed := bn.Clone()
	renamed.Prefix = append([]byte(nil), bn.Prefix[cpl+1:]...)
	oldChildID, err := tr.store.putBinary(sess, renamed)
	if err != nil {
		return objid.Nil, err
	}
	if err := tr.store.release(id); err != nil {
		return objid.Nil, err
	}

	parent := node.NewBranchNode(append([]byte(nil), bn.Prefix[:cpl]...), tr.region)
	parent.Branches[oldDivByte] = oldChildID

	if cpl == len(key) {
		parent.EOF = &val
	} else {
		leaf := node.NewBinaryNode(append([]byte(nil), key[cpl+1:]...), tr.region)
		leaf.Put(nil, val)
		leafID, err := tr.store.putBinary(sess, leaf)
		if err != nil {
			return objid.Nil, err
		}
		parent.Branches[key[cpl]] = leafID
	}
	return tr.store.putBranch(sess, parent)
}

// splitBranch mirrors splitBinary for a branch node's diverging prefix.
func (tr *Trie) splitBranch(sess *segment.Session, id objid.ID, brn *node.BranchNode, cpl int, key []byte, val node.Value) (objid.ID, error) {
	oldDivByte := brn.Prefix[cpl]
	renamed := brn.Clone()
	renamed.Prefix = append([]byte(nil), brn.Prefix[cpl+1:]...)
	oldChildID, err := tr.store.putBranch(sess, renamed)
	if err != nil {
		return objid.Nil, err
	}
	if err := tr.store.release(id); err != nil {
		return objid.Nil, err
	}

	parent := node.NewBranchNode(append([]byte(nil), brn.Prefix[:cpl]...), tr.region)
	parent.Branches[oldDivByte] = oldChildID

	if cpl == len(key) {
		parent.EOF = &val
	} else {
		leaf := node.NewBinaryNode(append([]byte(nil), key[cpl+1:]...), tr.region)
		leaf.Put(nil, val)
		leafID, err := tr.store.putBinary(sess, leaf)
		if err != nil {
			return objid.Nil, err
		}
		parent.Branches[key[cpl]] = leafID
	}
	return tr.store.putBranch(sess, parent)
}

// commitBinary writes target back under id, modifying in place when id is
// not shared and the new bytes fit, otherwise cloning into a fresh id and
// releasing the old one (spec §4.5 step 1: modify-in-place vs. copy-on-write).
func (tr *Trie) commitBinary(sess *segment.Session, id objid.ID, shared bool, target *node.BinaryNode) (objid.ID, error) {
	if !shared {
		ok, err := tr.store.overwriteBinary(id, target)
		if err != nil {
			return objid.Nil, err
		}
		if ok {
			return id, nil
		}
	}
	newID, err := tr.store.putBinary(sess, target)
	if err != nil {
		return objid.Nil, err
	}
	if err := tr.store.release(id); err != nil {
		return objid.Nil, err
	}
	return newID, nil
}

func (tr *Trie) commitBranch(sess *segment.Session, id objid.ID, shared bool, target *node.BranchNode) (objid.ID, error) {
	if !shared {
		ok, err := tr.store.overwriteBranch(id, target)
		if err != nil {
			return objid.Nil, err
		}
		if ok {
			return id, nil
		}
	}
	newID, err := tr.store.putBranch(sess, target)
	if err != nil {
		return objid.Nil, err
	}
	if err := tr.store.release(id); err != nil {
		return objid.Nil, err
	}
	return newID, nil
}

func (tr *Trie) upsertWithinBinary(sess *segment.Session, id objid.ID, bn *node.BinaryNode, suffix []byte, val node.Value) (objid.ID, error) {
	shared := tr.ids.Load(id).Refcount() > 1
	target := bn
	if shared {
		target = bn.Clone()
	}
	oldVal, hadOld := target.Get(suffix)
	target.Put(suffix, val)
	if hadOld && !oldVal.IsInline() {
		if err := tr.store.release(oldVal.ID); err != nil {
			return objid.Nil, err
		}
	}

	if target.NeedsRefactor() {
		newID, err := tr.refactorBinary(sess, target)
		if err != nil {
			return objid.Nil, err
		}
		if err := tr.store.release(id); err != nil {
			return objid.Nil, err
		}
		return newID, nil
	}
	return tr.commitBinary(sess, id, shared, target)
}

// refactorBinary rewrites an overgrown binary node as a branch node,
// grouping entries by their first suffix byte (spec §4.4: binary nodes
// refactor to setlist once they exceed the entry-count/byte-size threshold).
func (tr *Trie) refactorBinary(sess *segment.Session, bn *node.BinaryNode) (objid.ID, error) {
	brn := node.NewBranchNode(bn.Prefix, bn.IDRegion)
	groups := make(map[byte][]node.BinaryEntry)
	for _, e := range bn.Entries {
		if len(e.Suffix) == 0 {
			v := e.Value
			brn.EOF = &v
			continue
		}
		b := e.Suffix[0]
		groups[b] = append(groups[b], node.BinaryEntry{Suffix: e.Suffix[1:], Value: e.Value})
	}
	for b, entries := range groups {
		child := node.NewBinaryNode(nil, bn.IDRegion)
		child.Entries = entries
		childID, err := tr.store.putBinary(sess, child)
		if err != nil {
			return objid.Nil, err
		}
		brn.Branches[b] = childID
	}
	return tr.store.putBranch(sess, brn)
}

func (tr *Trie) upsertWithinBranch(sess *segment.Session, id objid.ID, brn *node.BranchNode, rest []byte, val node.Value) (objid.ID, error) {
	shared := tr.ids.Load(id).Refcount() > 1
	target := brn
	if shared {
		target = brn.Clone()
	}

	if len(rest) == 0 {
		old := target.EOF
		target.EOF = &val
		if old != nil && !old.IsInline() {
			if err := tr.store.release(old.ID); err != nil {
				return objid.Nil, err
			}
		}
	} else {
		b := rest[0]
		childID := target.Branches[b] // zero value objid.Nil if absent
		newChildID, err := tr.upsert(sess, childID, rest[1:], val)
		if err != nil {
			return objid.Nil, err
		}
		target.Branches[b] = newChildID
	}
	return tr.commitBranch(sess, id, shared, target)
}

// Remove deletes key from root, if present. removed reports whether a
// matching entry existed; newRoot is root unchanged (or objid.Nil) when
// nothing was removed.
func (tr *Trie) Remove(sess *segment.Session, root objid.ID, key []byte) (newRoot objid.ID, removed bool, err error) {
	if len(key) > MaxKeyLen {
		return root, false, ErrKeyTooLarge
	}
	return tr.remove(sess, root, key)
}

func (tr *Trie) remove(sess *segment.Session, id objid.ID, key []byte) (objid.ID, bool, error) {
	if id.IsNil() {
		return objid.Nil, false, nil
	}
	shape, err := tr.store.shapeOf(id)
	if err != nil {
		return objid.Nil, false, err
	}
	if shape == node.ShapeBinary {
		bn, err := tr.store.loadBinary(id)
		if err != nil {
			return objid.Nil, false, err
		}
		if !bytes.HasPrefix(key, bn.Prefix) {
			return id, false, nil
		}
		return tr.removeBinary(sess, id, bn, key[len(bn.Prefix):])
	}
	brn, err := tr.store.loadBranch(id)
	if err != nil {
		return objid.Nil, false, err
	}
	if !bytes.HasPrefix(key, brn.Prefix) {
		return id, false, nil
	}
	return tr.removeBranch(sess, id, brn, key[len(brn.Prefix):])
}

func (tr *Trie) removeBinary(sess *segment.Session, id objid.ID, bn *node.BinaryNode, suffix []byte) (objid.ID, bool, error) {
	oldVal, ok := bn.Get(suffix)
	if !ok {
		return id, false, nil
	}
	shared := tr.ids.Load(id).Refcount() > 1
	target := bn
	if shared {
		target = bn.Clone()
	}
	target.Delete(suffix)
	if !oldVal.IsInline() {
		if err := tr.store.release(oldVal.ID); err != nil {
			return objid.Nil, false, err
		}
	}

	if len(target.Entries) == 0 {
		if err := tr.store.release(id); err != nil {
			return objid.Nil, false, err
		}
		return objid.Nil, true, nil
	}
	newID, err := tr.commitBinary(sess, id, shared, target)
	return newID, true, err
}

func (tr *Trie) removeBranch(sess *segment.Session, id objid.ID, brn *node.BranchNode, rest []byte) (objid.ID, bool, error) {
	if len(rest) == 0 && brn.EOF == nil {
		return id, false, nil
	}
	if len(rest) > 0 {
		if _, ok := brn.Branches[rest[0]]; !ok {
			return id, false, nil
		}
	}

	shared := tr.ids.Load(id).Refcount() > 1
	target := brn
	if shared {
		target = brn.Clone()
	}

	if len(rest) == 0 {
		old := target.EOF
		target.EOF = nil
		if !old.IsInline() {
			if err := tr.store.release(old.ID); err != nil {
				return objid.Nil, false, err
			}
		}
	} else {
		b := rest[0]
		childID := target.Branches[b]
		newChildID, ok, err := tr.remove(sess, childID, rest[1:])
		if err != nil {
			return objid.Nil, false, err
		}
		if !ok {
			return id, false, nil
		}
		if newChildID.IsNil() {
			delete(target.Branches, b)
		} else {
			target.Branches[b] = newChildID
		}
	}

	if target.EOF == nil && len(target.Branches) == 0 {
		if err := tr.store.release(id); err != nil {
			return objid.Nil, false, err
		}
		return objid.Nil, true, nil
	}
	if target.EOF == nil && len(target.Branches) == 1 {
		var onlyByte byte
		var onlyChild objid.ID
		for b, c := range target.Branches {
			onlyByte, onlyChild = b, c
		}
		mergedID, err := tr.mergeChild(sess, target.Prefix, onlyByte, onlyChild)
		if err != nil {
			return objid.Nil, false, err
		}
		if err := tr.store.release(id); err != nil {
			return objid.Nil, false, err
		}
		return mergedID, true, nil
	}
	newID, err := tr.commitBranch(sess, id, shared, target)
	return newID, true, err
}

// mergeChild folds a branch node's sole surviving child into its place,
// extending the child's prefix by the parent's prefix plus the one branch
// byte that led to it (spec §4.5: "a branch node with a single remaining
// child and no EOF value is merged away").
func (tr *Trie) mergeChild(sess *segment.Session, parentPrefix []byte, branchByte byte, childID objid.ID) (objid.ID, error) {
	newPrefix := make([]byte, 0, len(parentPrefix)+1)
	newPrefix = append(newPrefix, parentPrefix...)
	newPrefix = append(newPrefix, branchByte)

	shape, err := tr.store.shapeOf(childID)
	if err != nil {
		return objid.Nil, err
	}
	if shape == node.ShapeBinary {
		bn, err := tr.store.loadBinary(childID)
		if err != nil {
			return objid.Nil, err
		}
		merged := bn.Clone()
		merged.Prefix = append(newPrefix, bn.Prefix...)
		newID, err := tr.store.putBinary(sess, merged)
		if err != nil {
			return objid.Nil, err
		}
		if err := tr.store.release(childID); err != nil {
			return objid.Nil, err
		}
		return newID, nil
	}
	brn, err := tr.store.loadBranch(childID)
	if err != nil {
		return objid.Nil, err
	}
	merged := brn.Clone()
	merged.Prefix = append(newPrefix, brn.Prefix...)
	newID, err := tr.store.putBranch(sess, merged)
	if err != nil {
		return objid.Nil, err
	}
	if err := tr.store.release(childID); err != nil {
		return objid.Nil, err
	}
	return newID, nil
}

// Retain increments root's refcount, used when a caller wants to keep a
// version alive independently of the root that produced it (spec §4.5:
// roots are themselves refcounted objects).
func (tr *Trie) Retain(root objid.ID) error {
	return tr.store.retain(root)
}

// Release drops a reference to root, freeing the whole subtree once no
// version references it anymore.
func (tr *Trie) Release(root objid.ID) error {
	return tr.store.release(root)
}
