package serialize

// TypeField is the wire name of the type discriminator stamped on serialized
// documents.
const TypeField = "_type"

// TypeInclusion controls whether the type discriminator is embedded in
// serialized documents.
type TypeInclusion uint8

// Type inclusion policies.
const (
	// IncludeAlways stamps the discriminator on every document and nested
	// data value.
	IncludeAlways TypeInclusion = iota

	// IncludeAsNeeded stamps the discriminator only where the runtime type
	// differs from the statically expected schema type. Top-level documents
	// are always stamped, their expected type is not stored anywhere else.
	IncludeAsNeeded

	// IncludeOmit never stamps the discriminator. Documents serialized under
	// Omit cannot be deserialized, the type must be supplied out-of-band.
	IncludeOmit
)

func (t TypeInclusion) String() string {
	switch t {
	case IncludeAlways:
		return "always"
	case IncludeAsNeeded:
		return "as-needed"
	case IncludeOmit:
		return "omit"
	default:
		return "invalid"
	}
}

// TypePlacement controls where the discriminator goes within the serialized
// document.
type TypePlacement uint8

// Type placements.
const (
	// PlaceFirst writes the discriminator before all data fields.
	PlaceFirst TypePlacement = iota

	// PlaceLast writes the discriminator after all data fields.
	PlaceLast
)

func (t TypePlacement) String() string {
	switch t {
	case PlaceFirst:
		return "first"
	case PlaceLast:
		return "last"
	default:
		return "invalid"
	}
}
