package objid

import "github.com/pkg/errors"

// Error kinds from spec §7 that are local to the id allocator.
var (
	// ErrRefcountOverflow is returned by Retain when the 15-bit refcount
	// is already saturated; the meta word is left unchanged. The trie and
	// database layers return it to their caller as is.
	ErrRefcountOverflow = errors.New("objid: refcount overflow")

	// ErrIDSpaceExhausted is returned by Allocate when a region's dense
	// index space is used up and its free list is empty. The id file is
	// sized once, at Open, and never grows; higher layers return this
	// error as is.
	ErrIDSpaceExhausted = errors.New("objid: id space exhausted")
)

// assertf panics with a formatted message; used for invariant violations
// that indicate a bug rather than a recoverable condition (spec §7).
func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(errors.Errorf(format, args...))
	}
}
