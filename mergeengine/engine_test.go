package mergeengine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatplatform/goatdb-core/commit"
	"github.com/goatplatform/goatdb-core/hash"
	"github.com/goatplatform/goatdb-core/item"
	"github.com/goatplatform/goatdb-core/repo"
	"github.com/goatplatform/goatdb-core/schema"
	"github.com/goatplatform/goatdb-core/session"
	"github.com/goatplatform/goatdb-core/val"
)

func testSchema() *schema.Schema {
	return schema.New("notes", 1, map[string]schema.FieldDef{
		"title": {Type: val.TypeString, Required: true},
		"tags":  {Type: val.TypeSet},
	})
}

func openRepoWithSession(t *testing.T) (*repo.Repository, *session.Session) {
	t.Helper()
	s, err := session.NewOwned("tester", time.Now().Add(time.Hour))
	require.NoError(t, err)
	store := session.NewStore(session.TrustFile{Roots: []*session.Session{s}})
	r, err := repo.Open(filepath.Join(t.TempDir(), "repo1"), schema.NewRegistry(), store, false)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, s
}

func fixedNow(ts int64) func() int64 { return func() int64 { return ts } }

func TestElectLeaderPicksMostRecentTimestamp(t *testing.T) {
	a := &commit.Commit{Timestamp: 100, Session: "a"}
	b := &commit.Commit{Timestamp: 200, Session: "b"}
	c := &commit.Commit{Timestamp: 150, Session: "c"}
	got := electLeader([]*commit.Commit{a, b, c})
	assert.Equal(t, b, got)
}

func TestMergeReturnsErrNotLeaderWhenUnowned(t *testing.T) {
	r, s := openRepoWithSession(t)
	sch := testSchema()
	it, err := item.New(sch, map[string]val.Value{"title": val.String("base")})
	require.NoError(t, err)
	root, err := commit.BuildDocument(s, "k1", "org1", it, nil, commit.BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)
	require.NoError(t, r.PersistVerifiedCommits([]*commit.Commit{root}))

	leafA, err := commit.BuildDelta(s, "k1", "org1", it, it, root.ID, []hash.Hash{root.ID}, commit.BuildVersion{1, 0, 0, 1}, 1100)
	require.NoError(t, err)
	leafB, err := commit.BuildDelta(s, "k1", "org1", it, it, root.ID, []hash.Hash{root.ID}, commit.BuildVersion{1, 0, 0, 1}, 1200)
	require.NoError(t, err)
	require.NoError(t, r.PersistVerifiedCommits([]*commit.Commit{leafA, leafB}))

	e := New(schema.NewRegistry(), "org1", commit.BuildVersion{1, 0, 0, 1}, map[string]*session.Session{}, fixedNow(5000))
	_, err = e.Merge(r, "k1", []*commit.Commit{leafA, leafB})
	assert.ErrorIs(t, err, ErrNotLeader)
	assert.ErrorIs(t, err, repo.ErrNotMergeLeader)
}

func TestMergeAbortsOnCorruptLeaf(t *testing.T) {
	r, s := openRepoWithSession(t)
	sch := testSchema()
	it, err := item.New(sch, map[string]val.Value{"title": val.String("base")})
	require.NoError(t, err)
	root, err := commit.BuildDocument(s, "k1", "org1", it, nil, commit.BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)
	require.NoError(t, r.PersistVerifiedCommits([]*commit.Commit{root}))

	leafA, err := commit.BuildDelta(s, "k1", "org1", it, it, root.ID, []hash.Hash{root.ID}, commit.BuildVersion{1, 0, 0, 1}, 1100)
	require.NoError(t, err)
	leafB, err := commit.BuildDelta(s, "k1", "org1", it, it, root.ID, []hash.Hash{root.ID}, commit.BuildVersion{1, 0, 0, 1}, 1200)
	require.NoError(t, err)
	require.NoError(t, r.PersistVerifiedCommits([]*commit.Commit{leafA, leafB}))
	// Tamper with the stored commit's recorded source checksum after
	// verification so IsCorrupted reports true on the next materialise.
	leafB.Delta.Edit.SrcChecksum ^= 0xFF

	e := New(schema.NewRegistry(), "org1", commit.BuildVersion{1, 0, 0, 1}, map[string]*session.Session{s.ID: s}, fixedNow(5000))
	_, err = e.Merge(r, "k1", []*commit.Commit{leafA, leafB})
	assert.ErrorIs(t, err, ErrCorruptLeaf)
}

func TestMergeProducesMergeCommitAcrossMultipleLeaves(t *testing.T) {
	r, s := openRepoWithSession(t)
	sch := testSchema()
	base, err := item.New(sch, map[string]val.Value{"title": val.String("base")})
	require.NoError(t, err)
	root, err := commit.BuildDocument(s, "k1", "org1", base, nil, commit.BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)
	require.NoError(t, r.PersistVerifiedCommits([]*commit.Commit{root}))

	editedA, err := item.New(sch, map[string]val.Value{"title": val.String("from-a")})
	require.NoError(t, err)
	editedB, err := item.New(sch, map[string]val.Value{"title": val.String("base")})
	require.NoError(t, err)

	leafA, err := commit.BuildDelta(s, "k1", "org1", base, editedA, root.ID, []hash.Hash{root.ID}, commit.BuildVersion{1, 0, 0, 1}, 1100)
	require.NoError(t, err)
	leafB, err := commit.BuildDelta(s, "k1", "org1", base, editedB, root.ID, []hash.Hash{root.ID}, commit.BuildVersion{1, 0, 0, 1}, 1200)
	require.NoError(t, err)
	require.NoError(t, r.PersistVerifiedCommits([]*commit.Commit{leafA, leafB}))

	e := New(schema.NewRegistry(), "org1", commit.BuildVersion{1, 0, 0, 1}, map[string]*session.Session{s.ID: s}, fixedNow(5000))
	merged, err := e.Merge(r, "k1", []*commit.Commit{leafA, leafB})
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.True(t, merged.IsMerge())
	assert.ElementsMatch(t, []hash.Hash{leafA.ID, leafB.ID}, merged.Parents)

	mergedItem, err := merged.Materialise(r)
	require.NoError(t, err)
	title, ok := mergedItem.Get("title")
	require.True(t, ok)
	// leafB's title is unchanged from base, so the fold defers to leafA's
	// actual edit regardless of leafB's later timestamp.
	assert.Equal(t, val.String("from-a"), title)
}
