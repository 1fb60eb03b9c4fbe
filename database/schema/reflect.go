package schema

import (
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/gofrs/uuid"
)

var (
	timeType  = reflect.TypeOf(time.Time{})
	uuidType  = reflect.TypeOf(uuid.UUID{})
	bytesType = reflect.TypeOf([]byte(nil))
)

// buildFields reflects over the struct type and produces the ordered field
// list. Called with r.mu held.
func (r *Registry) buildFields(rt reflect.Type) ([]Field, error) {
	var fields []Field
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)

		if sf.Anonymous {
			// Embedded parent types contribute their fields in place;
			// plumbing embeds without exported fields are skipped.
			embedded, err := r.embeddedFields(sf)
			if err != nil {
				return nil, err
			}
			fields = append(fields, embedded...)
			continue
		}
		if sf.PkgPath != "" {
			// unexported
			continue
		}

		wireName, typeOverride := parseTag(sf)
		if wireName == "" {
			wireName = SnakeCase(sf.Name)
		}

		hint, err := r.hintFor(sf.Type, typeOverride)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", sf.Name, err)
		}

		fields = append(fields, Field{
			Name:   wireName,
			GoName: sf.Name,
			Hint:   hint,
			index:  sf.Index,
		})
	}
	return fields, nil
}

func (r *Registry) embeddedFields(sf reflect.StructField) ([]Field, error) {
	et := sf.Type
	if et.Kind() == reflect.Ptr {
		return nil, fmt.Errorf("%w: embedded field %s must not be a pointer", ErrSchemaViolation, sf.Name)
	}

	if spec, ok := r.byType[et]; ok {
		fields := make([]Field, len(spec.Fields))
		for i, f := range spec.Fields {
			idx := make([]int, 0, len(sf.Index)+len(f.index))
			idx = append(idx, sf.Index...)
			f.index = append(idx, f.index...)
			fields[i] = f
		}
		return fields, nil
	}

	// Embedded types without exported fields carry no data (for example
	// record.Base or query.Base) and are skipped.
	if et.Kind() == reflect.Struct && !hasExportedFields(et) {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: embedded type %s must be registered first", ErrNotRegistered, et.String())
}

// hintFor builds the type-hint chain for a Go field type. Called with r.mu
// held.
func (r *Registry) hintFor(t reflect.Type, typeOverride string) (*Hint, error) {
	optional := false
	if t.Kind() == reflect.Ptr {
		optional = true
		t = t.Elem()
	}

	// Interface fields hold polymorphic values; the schema type must be
	// named explicitly in the struct tag.
	if t.Kind() == reflect.Interface {
		if typeOverride == "" {
			return nil, fmt.Errorf(
				"%w: interface field needs an explicit schema type, use the `polystore:\",type=Name\"` tag",
				ErrSchemaViolation,
			)
		}
		spec, err := r.lookupLocked(typeOverride)
		if err != nil {
			return nil, err
		}
		return &Hint{Kind: spec.Kind, Type: spec.Name, Optional: optional}, nil
	}

	// Registered types take precedence over structural detection so that
	// enums (named integer types) are not mistaken for primitives.
	if spec, ok := r.byType[t]; ok {
		return &Hint{Kind: spec.Kind, Type: spec.Name, Optional: optional}, nil
	}

	switch t {
	case timeType:
		return &Hint{Kind: KindPrimitive, Type: "time", Primitive: PrimTime, Optional: optional}, nil
	case uuidType:
		return &Hint{Kind: KindPrimitive, Type: "uuid", Primitive: PrimUUID, Optional: optional}, nil
	case bytesType:
		return &Hint{Kind: KindPrimitive, Type: "bytes", Primitive: PrimBytes, Optional: optional}, nil
	}

	switch t.Kind() {
	case reflect.String:
		return &Hint{Kind: KindPrimitive, Type: "string", Primitive: PrimString, Optional: optional}, nil
	case reflect.Int, reflect.Int32, reflect.Int64:
		return &Hint{Kind: KindPrimitive, Type: "int", Primitive: PrimInt, Optional: optional}, nil
	case reflect.Float32, reflect.Float64:
		return &Hint{Kind: KindPrimitive, Type: "float", Primitive: PrimFloat, Optional: optional}, nil
	case reflect.Bool:
		return &Hint{Kind: KindPrimitive, Type: "bool", Primitive: PrimBool, Optional: optional}, nil
	case reflect.Slice:
		elem, err := r.hintFor(t.Elem(), typeOverride)
		if err != nil {
			return nil, err
		}
		return &Hint{Kind: KindList, Optional: optional, Elem: elem}, nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map fields must have string keys, got %s", ErrSchemaViolation, t.String())
		}
		elem, err := r.hintFor(t.Elem(), typeOverride)
		if err != nil {
			return nil, err
		}
		return &Hint{Kind: KindMap, Optional: optional, Elem: elem}, nil
	case reflect.Struct:
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, t.String())
	default:
		return nil, fmt.Errorf("%w: unsupported field type %s", ErrSchemaViolation, t.String())
	}
}

func parseTag(sf reflect.StructField) (wireName, typeOverride string) {
	tag, ok := sf.Tag.Lookup("polystore")
	if !ok {
		return "", ""
	}
	parts := strings.Split(tag, ",")
	wireName = parts[0]
	for _, p := range parts[1:] {
		if strings.HasPrefix(p, "type=") {
			typeOverride = strings.TrimPrefix(p, "type=")
		}
	}
	return wireName, typeOverride
}

func hasExportedFields(t reflect.Type) bool {
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).PkgPath == "" {
			return true
		}
	}
	return false
}

// SnakeCase converts a PascalCase or camelCase name to snake_case, keeping
// acronym runs together (ISOCode becomes iso_code).
func SnakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (!unicode.IsUpper(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PascalCase converts a snake_case name to PascalCase.
func PascalCase(name string) string {
	parts := strings.Split(name, "_")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}
