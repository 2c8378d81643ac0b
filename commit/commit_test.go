package commit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatplatform/goatdb-core/hash"
	"github.com/goatplatform/goatdb-core/item"
	"github.com/goatplatform/goatdb-core/schema"
	"github.com/goatplatform/goatdb-core/session"
	"github.com/goatplatform/goatdb-core/val"
)

func testReg() *schema.Schema {
	return schema.New("notes", 1, map[string]schema.FieldDef{
		"title": {Type: val.TypeString, Required: true},
		"value": {Type: val.TypeNumber, Required: false},
	})
}

func newSession(t *testing.T) *session.Session {
	s, err := session.NewOwned("tester", time.Now().Add(time.Hour))
	require.NoError(t, err)
	return s
}

// fakeSource is an in-memory commit.Source for tests.
type fakeSource map[hash.Hash]*Commit

func (f fakeSource) GetCommit(id hash.Hash) (*Commit, bool) {
	c, ok := f[id]
	return c, ok
}

func TestBuildDocumentVerify(t *testing.T) {
	s := newSession(t)
	sch := testReg()
	it, err := item.New(sch, map[string]val.Value{"title": val.String("hello")})
	require.NoError(t, err)

	c, err := BuildDocument(s, "k1", "org1", it, nil, BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)

	assert.True(t, c.IsRoot())
	assert.True(t, c.Verify(s))
}

func TestTamperedCommitFailsVerification(t *testing.T) {
	s := newSession(t)
	sch := testReg()
	it, err := item.New(sch, map[string]val.Value{"title": val.String("hello")})
	require.NoError(t, err)

	c, err := BuildDocument(s, "k1", "org1", it, nil, BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)

	c.Timestamp++ // mutate one byte of the canonical encoding
	assert.False(t, c.Verify(s))
}

func TestBuildDeltaMaterialiseAndCorruption(t *testing.T) {
	s := newSession(t)
	sch := testReg()
	base, err := item.New(sch, map[string]val.Value{"title": val.String("base"), "value": val.Number(1)})
	require.NoError(t, err)
	target, err := item.New(sch, map[string]val.Value{"title": val.String("target"), "value": val.Number(1)})
	require.NoError(t, err)

	rootC, err := BuildDocument(s, "k1", "org1", base, nil, BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)

	deltaC, err := BuildDelta(s, "k1", "org1", base, target, rootC.ID, []hash.Hash{rootC.ID}, BuildVersion{1, 0, 0, 1}, 1001)
	require.NoError(t, err)

	src := fakeSource{rootC.ID: rootC, deltaC.ID: deltaC}

	materialised, err := deltaC.Materialise(src)
	require.NoError(t, err)
	title, _ := materialised.Get("title")
	assert.Equal(t, val.String("target"), title)

	assert.False(t, deltaC.IsCorrupted(src))

	deltaC.Delta.Edit.SrcChecksum ^= 0xdeadbeef
	assert.True(t, deltaC.IsCorrupted(src))
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	s := newSession(t)
	sch := testReg()
	it, err := item.New(sch, map[string]val.Value{"title": val.String("hello")})
	require.NoError(t, err)
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(sch))

	c, err := BuildDocument(s, "k1", "org1", it, nil, BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)

	data, err := c.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeNew(data, reg)
	require.NoError(t, err)
	assert.Equal(t, c.ID, decoded.ID)
	assert.True(t, decoded.Verify(s))

	err = decoded.Deserialize(data, reg)
	assert.ErrorIs(t, err, ErrAlreadyFrozen)
}
