package record_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polystore/polystore/database/record"
	"github.com/polystore/polystore/database/schema"
)

type ContactKey struct {
	record.Base
	Email string
}

func (k *ContactKey) GetKey() record.Key { return k }

type Contact struct {
	ContactKey
	Name    string
	Home    *PhoneNumber
	Work    PhoneNumber
	Backups []*PhoneNumber
}

type PhoneNumber struct {
	record.Base
	Number string
}

func newTestRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry()
	r.MustRegister(PhoneNumber{})
	r.MustRegister(ContactKey{}, schema.AsKey())
	r.MustRegister(Contact{}, schema.AsRecord(ContactKey{}))
	return r
}

func TestSealIsOneWay(t *testing.T) {
	t.Parallel()

	k := &ContactKey{Email: "a@example.com"}
	assert.False(t, k.IsSealed())
	k.Seal()
	assert.True(t, k.IsSealed())
	k.Seal()
	assert.True(t, k.IsSealed())
}

func TestBuildSealsNestedValues(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	c := &Contact{
		Name:    "Ada",
		Home:    &PhoneNumber{Number: "1"},
		Work:    PhoneNumber{Number: "2"},
		Backups: []*PhoneNumber{{Number: "3"}},
	}
	c.Email = "a@example.com"

	require.NoError(t, record.BuildIn(reg, c))
	assert.True(t, c.IsSealed())
	assert.True(t, c.Home.IsSealed())
	assert.True(t, c.Work.IsSealed())
	assert.True(t, c.Backups[0].IsSealed())
}

func TestBuildRejectsUnregisteredTypes(t *testing.T) {
	t.Parallel()
	reg := schema.NewRegistry()

	err := record.BuildIn(reg, &PhoneNumber{Number: "1"})
	assert.ErrorIs(t, err, schema.ErrNotRegistered)
}

func TestBuildNilValue(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	assert.ErrorIs(t, record.BuildIn(reg, nil), record.ErrNilValue)
}

func TestGetKeyReturnsEmbeddedKey(t *testing.T) {
	t.Parallel()

	c := &Contact{Name: "Ada"}
	c.Email = "a@example.com"

	key, ok := c.GetKey().(*ContactKey)
	require.True(t, ok)
	assert.Equal(t, "a@example.com", key.Email)
}

func TestEnsureSealed(t *testing.T) {
	t.Parallel()

	var nilKey *ContactKey
	assert.ErrorIs(t, record.EnsureSealed(nilKey), record.ErrNilValue)

	k := &ContactKey{Email: "a@example.com"}
	assert.ErrorIs(t, record.EnsureSealed(k), record.ErrNotSealed)
	k.Seal()
	assert.NoError(t, record.EnsureSealed(k))
}
