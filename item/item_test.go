package item

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatplatform/goatdb-core/schema"
	"github.com/goatplatform/goatdb-core/val"
)

func testSchema() *schema.Schema {
	return schema.New("notes", 1, map[string]schema.FieldDef{
		"title": {Type: val.TypeString, Required: true},
		"count": {Type: val.TypeNumber, Required: false, Default: func() val.Value { return val.Number(0) }},
	})
}

func TestNewRequiresRequiredFields(t *testing.T) {
	s := testSchema()
	_, err := New(s, map[string]val.Value{})
	require.ErrorIs(t, err, ErrMissingRequired)

	it, err := New(s, map[string]val.Value{"title": val.String("hello")})
	require.NoError(t, err)
	v, ok := it.Get("title")
	require.True(t, ok)
	assert.Equal(t, val.String("hello"), v)
}

func TestNewRejectsUnknownField(t *testing.T) {
	s := testSchema()
	_, err := New(s, map[string]val.Value{"title": val.String("x"), "bogus": val.String("y")})
	require.ErrorIs(t, err, ErrUnknownField)
}

func TestNewRejectsTypeMismatch(t *testing.T) {
	s := testSchema()
	_, err := New(s, map[string]val.Value{"title": val.Number(1)})
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestDiffPatchRoundTrip(t *testing.T) {
	s := testSchema()
	a, err := New(s, map[string]val.Value{"title": val.String("a"), "count": val.Number(1)})
	require.NoError(t, err)
	b, err := New(s, map[string]val.Value{"title": val.String("b"), "count": val.Number(1)})
	require.NoError(t, err)

	changes, err := a.Diff(b)
	require.NoError(t, err)

	patched, err := a.Patch(changes)
	require.NoError(t, err)
	assert.Equal(t, b.Checksum(), patched.Checksum())
}

func TestUpgradeToAppliesDefaultsAndUpgradeFrom(t *testing.T) {
	reg := schema.NewRegistry()
	v1 := schema.New("notes", 1, map[string]schema.FieldDef{
		"title": {Type: val.TypeString, Required: true},
	})
	v2 := schema.New("notes", 2, map[string]schema.FieldDef{
		"title": {
			Type:     val.TypeString,
			Required: true,
			UpgradeFrom: func(prior val.Value) (val.Value, error) {
				return val.String(string(prior.(val.String)) + "!"), nil
			},
		},
		"archived": {Type: val.TypeBoolean, Required: true, Default: func() val.Value { return val.Boolean(false) }},
	})
	require.NoError(t, reg.Register(v1))
	require.NoError(t, reg.Register(v2))

	it, err := New(v1, map[string]val.Value{"title": val.String("hi")})
	require.NoError(t, err)

	upgraded, err := it.UpgradeTo(reg, v2)
	require.NoError(t, err)

	title, _ := upgraded.Get("title")
	archived, _ := upgraded.Get("archived")
	assert.Equal(t, val.String("hi!"), title)
	assert.Equal(t, val.Boolean(false), archived)
}

func TestUpgradeToNoPathFails(t *testing.T) {
	reg := schema.NewRegistry()
	v1 := schema.New("notes", 1, map[string]schema.FieldDef{"title": {Type: val.TypeString, Required: true}})
	v3 := schema.New("notes", 3, map[string]schema.FieldDef{"title": {Type: val.TypeString, Required: true}})
	require.NoError(t, reg.Register(v1))
	require.NoError(t, reg.Register(v3))

	it, err := New(v1, map[string]val.Value{"title": val.String("hi")})
	require.NoError(t, err)

	_, err = it.UpgradeTo(reg, v3)
	require.ErrorIs(t, err, schema.ErrNoUpgradePath)
}

func TestTombstoneDefaultsFalse(t *testing.T) {
	s := testSchema()
	it, err := New(s, map[string]val.Value{"title": val.String("x")})
	require.NoError(t, err)
	assert.False(t, it.IsDeleted())
}
