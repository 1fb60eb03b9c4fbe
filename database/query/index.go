package query

import (
	"fmt"

	"github.com/polystore/polystore/database/schema"
)

// IndexFields returns the wire field paths an index for the given query type
// must cover, in declaration order. Nested data and record fields are walked
// with dotted paths; key fields are single scalar columns (their delimited
// form). Container fields cannot be indexed or queried and are a hard error.
func IndexFields(reg *schema.Registry, querySpec *schema.Spec) ([]string, error) {
	var paths []string
	if err := appendIndexFields(reg, querySpec, "", &paths); err != nil {
		return nil, err
	}
	return paths, nil
}

func appendIndexFields(reg *schema.Registry, spec *schema.Spec, prefix string, paths *[]string) error {
	for i := range spec.Fields {
		f := &spec.Fields[i]
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}

		switch f.Hint.Kind {
		case schema.KindPrimitive, schema.KindEnum, schema.KindKey:
			*paths = append(*paths, path)

		case schema.KindData, schema.KindRecord:
			nested, err := reg.Lookup(f.Hint.Type)
			if err != nil {
				return err
			}
			if err := appendIndexFields(reg, nested, path, paths); err != nil {
				return err
			}

		default:
			return fmt.Errorf(
				"%w: field %s of %s is a container, containers cannot be indexed or queried",
				schema.ErrSchemaViolation, path, spec.Name,
			)
		}
	}
	return nil
}
