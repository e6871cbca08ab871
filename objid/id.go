// Package objid implements the object-id allocator described in the
// storage engine's L1 layer: a dense id space partitioned into regions,
// each id carrying an atomic meta word that encodes refcount, state and
// current location.
package objid

import "fmt"

// NumRegions is the number of partitions the id space is split into.
// Regions give per-thread allocation locality and let a trie node pack a
// child reference into a single 32-bit index plus the node's shared region.
const NumRegions = 64

// ID is a stable handle to an object: a region plus a dense index within
// that region.
type ID struct {
	Region uint8
	Index  uint32
}

// Nil is the zero-value id, never allocated by the allocator.
var Nil = ID{}

func (id ID) IsNil() bool {
	return id == Nil
}

func (id ID) String() string {
	return fmt.Sprintf("%d.%d", id.Region, id.Index)
}

// slot returns the id's position in the flat meta-word array.
func (id ID) slot(maxPerRegion uint64) uint64 {
	return uint64(id.Region)*maxPerRegion + uint64(id.Index)
}
