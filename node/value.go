package node

import "github.com/gofractally/arbtrie/objid"

// InlineMax is the largest value size stored directly inside a node
// rather than as a standalone object (spec §4.5: "Values <= 62 bytes:
// inlined into the parent binary node").
const InlineMax = 62

// Value is either bytes inlined into the owning node, or the id of a
// standalone object holding larger bytes.
type Value struct {
	Inline []byte   // non-nil for inline values; len(Inline) <= InlineMax
	ID     objid.ID // valid (non-nil) when Inline is nil
}

// IsInline reports whether this value's bytes live inside the node.
func (v Value) IsInline() bool {
	return v.Inline != nil
}

// InlineValue builds a Value holding b inline, copying b so the caller's
// backing array can be reused. make([]byte, len(b)) is non-nil even for
// len(b) == 0, so a zero-length value still reports IsInline() == true
// rather than being mistaken for an object id reference.
func InlineValue(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{Inline: cp}
}

func inlineValue(b []byte) Value { return InlineValue(b) }

func idValue(id objid.ID) Value {
	return Value{ID: id}
}
