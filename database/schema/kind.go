package schema

// Kind classifies a registered type or one element of a type-hint chain.
type Kind uint8

// Type kinds.
const (
	KindInvalid Kind = iota
	KindPrimitive
	KindEnum
	KindData
	KindKey
	KindRecord
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindEnum:
		return "enum"
	case KindData:
		return "data"
	case KindKey:
		return "key"
	case KindRecord:
		return "record"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// IsContainer returns whether the kind is a sequence or mapping.
func (k Kind) IsContainer() bool {
	return k == KindList || k == KindMap
}

// Primitive identifies a supported scalar wire type.
type Primitive uint8

// Primitive types.
const (
	PrimInvalid Primitive = iota
	PrimString
	PrimInt
	PrimFloat
	PrimBool
	PrimBytes
	PrimUUID
	PrimTime
)

func (p Primitive) String() string {
	switch p {
	case PrimString:
		return "string"
	case PrimInt:
		return "int"
	case PrimFloat:
		return "float"
	case PrimBool:
		return "bool"
	case PrimBytes:
		return "bytes"
	case PrimUUID:
		return "uuid"
	case PrimTime:
		return "time"
	default:
		return "invalid"
	}
}
