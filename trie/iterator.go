package trie

import (
	"bytes"

	"github.com/gofractally/arbtrie/node"
	"github.com/gofractally/arbtrie/objid"
)

// Iterator walks a snapshot of a trie rooted at a fixed id in lexical key
// order (spec §4.5 "Iteration": "iterators observe a fixed version"). The
// walk is collected eagerly at construction time rather than lazily via a
// cursor stack: since root is itself copy-on-write and immutable once
// built, a snapshot taken up front is exactly as consistent as a live cursor
// would be, at the cost of O(n) memory for the matching key range.
type Iterator struct {
	keys   [][]byte
	values [][]byte
	pos    int
}

// NewIterator builds an iterator over every key under root that starts with
// prefix (prefix may be nil/empty to iterate the whole trie).
func (tr *Trie) NewIterator(root objid.ID, prefix []byte) (*Iterator, error) {
	var keys, values [][]byte
	err := tr.walk(root, nil, func(k, v []byte) {
		if !bytes.HasPrefix(k, prefix) {
			return
		}
		keys = append(keys, append([]byte(nil), k...))
		values = append(values, append([]byte(nil), v...))
	})
	if err != nil {
		return nil, err
	}
	return &Iterator{keys: keys, values: values, pos: -1}, nil
}

// Next advances to the next entry, returning false once exhausted.
func (it *Iterator) Next() bool {
	if it.pos+1 >= len(it.keys) {
		it.pos = len(it.keys)
		return false
	}
	it.pos++
	return true
}

// Prev steps back to the previous entry, returning false at the start.
func (it *Iterator) Prev() bool {
	if it.pos <= 0 {
		it.pos = -1
		return false
	}
	it.pos--
	return true
}

// Key returns the current entry's key, or nil if the cursor is off either end.
func (it *Iterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.keys) {
		return nil
	}
	return it.keys[it.pos]
}

// Value returns the current entry's value, or nil if the cursor is off
// either end.
func (it *Iterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.values) {
		return nil
	}
	return it.values[it.pos]
}

// Len reports the total number of entries this iterator will visit.
func (it *Iterator) Len() int { return len(it.keys) }

// walk performs a DFS in key order, invoking visit for every (key, value)
// pair reachable from id. EOF values are visited before a node's branches
// since the empty continuation sorts before any byte-prefixed one.
func (tr *Trie) walk(id objid.ID, prefix []byte, visit func(key, value []byte)) error {
	if id.IsNil() {
		return nil
	}
	shape, err := tr.store.shapeOf(id)
	if err != nil {
		return err
	}
	if shape == node.ShapeBinary {
		bn, err := tr.store.loadBinary(id)
		if err != nil {
			return err
		}
		full := append(append([]byte(nil), prefix...), bn.Prefix...)
		for _, e := range bn.Entries {
			v, err := tr.resolveValue(e.Value)
			if err != nil {
				return err
			}
			visit(append(append([]byte(nil), full...), e.Suffix...), v)
		}
		return nil
	}
	brn, err := tr.store.loadBranch(id)
	if err != nil {
		return err
	}
	full := append(append([]byte(nil), prefix...), brn.Prefix...)
	if brn.EOF != nil {
		v, err := tr.resolveValue(*brn.EOF)
		if err != nil {
			return err
		}
		visit(append([]byte(nil), full...), v)
	}
	for _, b := range brn.SortedBranchBytes() {
		childPrefix := append(append([]byte(nil), full...), b)
		if err := tr.walk(brn.Branches[b], childPrefix, visit); err != nil {
			return err
		}
	}
	return nil
}
