package schema

import "fmt"

// A Hint is one link of a field's type-hint chain. Containers carry the next
// link in Elem; the chain ends at a primitive, enum, data, key or record leaf.
// The chain length must exactly match the nesting depth of the value it
// describes.
type Hint struct {
	// Kind of this chain element.
	Kind Kind

	// Type is the registered type name for enum/data/key/record leaves,
	// or the primitive name for primitive leaves. Empty for containers.
	Type string

	// Primitive is set when Kind is KindPrimitive.
	Primitive Primitive

	// Optional marks a field that may be absent (nil pointer, empty
	// container). Only meaningful on the outermost chain element.
	Optional bool

	// Elem is the remaining chain. Non-nil if and only if Kind is a
	// container kind.
	Elem *Hint
}

// String renders the chain in type-alias form, e.g. "list[map[Color]]".
func (h *Hint) String() string {
	if h == nil {
		return "<none>"
	}
	var base string
	switch h.Kind {
	case KindList:
		base = fmt.Sprintf("list[%s]", h.Elem.String())
	case KindMap:
		base = fmt.Sprintf("map[%s]", h.Elem.String())
	case KindPrimitive:
		base = h.Primitive.String()
	default:
		base = h.Type
	}
	if h.Optional {
		return base + "?"
	}
	return base
}

// Leaf returns the innermost chain element.
func (h *Hint) Leaf() *Hint {
	for h.Elem != nil {
		h = h.Elem
	}
	return h
}

// Depth returns the number of container levels in the chain.
func (h *Hint) Depth() int {
	n := 0
	for h.Elem != nil {
		n++
		h = h.Elem
	}
	return n
}
