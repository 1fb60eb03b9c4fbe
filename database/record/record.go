// Package record defines the capability interfaces shared by all stored
// values. A value becomes storable by embedding Base and registering its type
// with the schema registry; kind discrimination (data vs key vs record) is
// done by the registry, never by the value itself.
package record

import (
	"github.com/tevino/abool"
)

// Data is the base capability of every serializable value. The seal state is
// provided by embedding Base; sealed values are treated as immutable by the
// storage layer.
type Data interface {
	// IsSealed reports whether the value has been sealed.
	IsSealed() bool

	// Seal marks the value immutable. Sealing is one-way.
	Seal()
}

// A Key identifies a record within its table. Keys are compared by their
// serialized token sequence; two keys of different registered types never
// match. GetKey returns the key itself.
type Key interface {
	Data
	GetKey() Key
}

// A Record is a storable value bound to a key type. The key fields are
// embedded in the record itself; GetKey extracts them as a standalone key.
type Record interface {
	Data
	GetKey() Key
}

// Base provides the seal state for Data implementations. Embed it as the
// first field of every data, key and record struct. The zero value is
// unsealed and ready to use.
type Base struct {
	sealed abool.AtomicBool
}

// IsSealed reports whether the value has been sealed.
func (b *Base) IsSealed() bool {
	return b.sealed.IsSet()
}

// Seal marks the value immutable.
func (b *Base) Seal() {
	b.sealed.Set()
}
