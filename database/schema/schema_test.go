package schema

import (
	"reflect"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Color int

const (
	ColorRed Color = iota
	ColorGreen
	ColorBlue
)

type Address struct {
	Street string
	City   string
	Zip    *string
}

type PersonKey struct {
	PersonID string
}

type Person struct {
	PersonKey
	Name      string
	Born      time.Time
	Tag       uuid.UUID
	Favorite  Color
	Addresses []Address
	Scores    map[string]float64
	Notes     *string
	Raw       []byte
}

type Employee struct {
	Person
	Company string
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	r.MustRegisterEnum(Color(0), "Red", "Green", "Blue")
	r.MustRegister(Address{})
	r.MustRegister(PersonKey{}, AsKey())
	r.MustRegister(Person{}, AsRecord(PersonKey{}))
	r.MustRegister(Employee{}, AsRecord(PersonKey{}), Parent(Person{}))
	return r
}

func TestRegisterAndLookup(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	spec, err := r.Lookup("Person")
	require.NoError(t, err)
	assert.Equal(t, KindRecord, spec.Kind)
	assert.Equal(t, "PersonKey", spec.KeyType)

	keySpec, err := r.Lookup("PersonKey")
	require.NoError(t, err)
	assert.Equal(t, KindKey, keySpec.Kind)

	_, err = r.Lookup("Stranger")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	_, err := r.Register(Address{})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRegisterRequiresNestedTypes(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	type Wrapper struct {
		Inner Address
	}
	_, err := r.Register(Wrapper{})
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestFieldHints(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	spec, err := r.Lookup("Person")
	require.NoError(t, err)

	expect := map[string]string{
		"person_id": "string",
		"name":      "string",
		"born":      "time",
		"tag":       "uuid",
		"favorite":  "Color",
		"addresses": "list[Address]",
		"scores":    "map[float]",
		"notes":     "string?",
		"raw":       "bytes",
	}
	require.Len(t, spec.Fields, len(expect))
	for name, hint := range expect {
		f, ok := spec.FieldByName(name)
		require.True(t, ok, "missing field %s", name)
		assert.Equal(t, hint, f.Hint.String(), "field %s", name)
	}
}

func TestEmbeddedParentFieldsComeFirst(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	spec, err := r.Lookup("Employee")
	require.NoError(t, err)
	require.NotEmpty(t, spec.Fields)
	assert.Equal(t, "person_id", spec.Fields[0].Name)
	assert.Equal(t, "company", spec.Fields[len(spec.Fields)-1].Name)
}

func TestFieldValueThroughEmbedding(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	e := Employee{Company: "Acme"}
	e.PersonID = "p1"
	e.Name = "Ada"

	spec, err := r.SpecOf(&e)
	require.NoError(t, err)

	f, ok := spec.FieldByName("person_id")
	require.True(t, ok)
	assert.Equal(t, "p1", f.Value(valueOf(t, &e)).Interface())

	f, ok = spec.FieldByName("company")
	require.True(t, ok)
	assert.Equal(t, "Acme", f.Value(valueOf(t, &e)).Interface())
}

func TestEnumNamesAndValues(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	spec, err := r.Lookup("Color")
	require.NoError(t, err)

	name, err := spec.EnumName(1)
	require.NoError(t, err)
	assert.Equal(t, "Green", name)

	v, err := spec.EnumValue("Blue")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = spec.EnumName(7)
	assert.ErrorIs(t, err, ErrSchemaViolation)
	_, err = spec.EnumValue("Purple")
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestDescendants(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	names, err := r.Descendants("Person")
	require.NoError(t, err)
	assert.Equal(t, []string{"Employee", "Person"}, names)

	names, err = r.Descendants("Employee")
	require.NoError(t, err)
	assert.Equal(t, []string{"Employee"}, names)
}

func TestCommonBase(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	base, err := r.CommonBase([]string{"Employee", "Person"})
	require.NoError(t, err)
	assert.Equal(t, "Person", base)

	base, err = r.CommonBase([]string{"Employee"})
	require.NoError(t, err)
	assert.Equal(t, "Employee", base)

	_, err = r.CommonBase([]string{"Person", "Address"})
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestTableFor(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	spec, err := r.Lookup("Employee")
	require.NoError(t, err)
	table, err := r.TableFor(spec)
	require.NoError(t, err)
	assert.Equal(t, "Person", table)

	keySpec, err := r.Lookup("PersonKey")
	require.NoError(t, err)
	table, err = r.TableFor(keySpec)
	require.NoError(t, err)
	assert.Equal(t, "Person", table)
}

func TestAliases(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.MustRegister(Address{}, WithAlias("PostalAddress"))

	spec, err := r.Lookup("PostalAddress")
	require.NoError(t, err)
	assert.Equal(t, "Address", spec.Name)
}

func TestSnakeCase(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"PersonID":  "person_id",
		"ISOCode":   "iso_code",
		"Name":      "name",
		"HTTPProxy": "http_proxy",
		"A":         "a",
		"TradeDate": "trade_date",
	}
	for in, want := range cases {
		assert.Equal(t, want, SnakeCase(in), "input %s", in)
	}
}

func valueOf(t *testing.T, ptr any) reflect.Value {
	t.Helper()
	v := reflect.ValueOf(ptr)
	require.Equal(t, reflect.Ptr, v.Kind())
	return v.Elem()
}

func TestPascalCase(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "TradeDate", PascalCase("trade_date"))
	assert.Equal(t, "Name", PascalCase("name"))
}
