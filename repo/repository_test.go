package repo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatplatform/goatdb-core/commit"
	"github.com/goatplatform/goatdb-core/hash"
	"github.com/goatplatform/goatdb-core/item"
	"github.com/goatplatform/goatdb-core/schema"
	"github.com/goatplatform/goatdb-core/session"
	"github.com/goatplatform/goatdb-core/val"
)

func testSchema(t *testing.T) *schema.Schema {
	return schema.New("notes", 1, map[string]schema.FieldDef{
		"title": {Type: val.TypeString, Required: true},
	})
}

func openTestRepo(t *testing.T) (*Repository, *session.Session, *session.Store) {
	t.Helper()
	s, err := session.NewOwned("tester", time.Now().Add(time.Hour))
	require.NoError(t, err)
	store := session.NewStore(session.TrustFile{Roots: []*session.Session{s}})
	r, err := Open(filepath.Join(t.TempDir(), "repo1"), schema.NewRegistry(), store, false)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, s, store
}

func TestOpenEmptyRepoHasNoHead(t *testing.T) {
	r, _, _ := openTestRepo(t)
	_, err := r.HeadForKey("k1")
	assert.ErrorIs(t, err, ErrNoSuchKey)
}

func TestPersistAndHeadForKey(t *testing.T) {
	r, s, _ := openTestRepo(t)
	sch := testSchema(t)
	it, err := item.New(sch, map[string]val.Value{"title": val.String("hello")})
	require.NoError(t, err)

	c, err := commit.BuildDocument(s, "k1", "org1", it, nil, commit.BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)

	require.NoError(t, r.PersistVerifiedCommits([]*commit.Commit{c}))

	head, err := r.HeadForKey("k1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, head.ID)

	val1, headID, err := r.ValueForKey("k1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, headID)
	title, _ := val1.Get("title")
	assert.Equal(t, val.String("hello"), title)
}

func TestRejectsUnsignedCommit(t *testing.T) {
	r, _, _ := openTestRepo(t)
	other, err := session.NewOwned("intruder", time.Now().Add(time.Hour))
	require.NoError(t, err)
	sch := testSchema(t)
	it, err := item.New(sch, map[string]val.Value{"title": val.String("x")})
	require.NoError(t, err)
	c, err := commit.BuildDocument(other, "k1", "org1", it, nil, commit.BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)

	err = r.PersistVerifiedCommits([]*commit.Commit{c})
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestPendingParentQueueBuffersOutOfOrderCommits(t *testing.T) {
	r, s, _ := openTestRepo(t)
	sch := testSchema(t)
	it1, err := item.New(sch, map[string]val.Value{"title": val.String("v1")})
	require.NoError(t, err)
	it2, err := item.New(sch, map[string]val.Value{"title": val.String("v2")})
	require.NoError(t, err)

	root, err := commit.BuildDocument(s, "k1", "org1", it1, nil, commit.BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)
	child, err := commit.BuildDelta(s, "k1", "org1", it1, it2, root.ID, []hash.Hash{root.ID}, commit.BuildVersion{1, 0, 0, 1}, 1001)
	require.NoError(t, err)

	// Insert child before root: it should be buffered, not lost.
	require.NoError(t, r.PersistVerifiedCommits([]*commit.Commit{child}))
	_, err = r.HeadForKey("k1")
	assert.ErrorIs(t, err, ErrNoSuchKey)

	require.NoError(t, r.PersistVerifiedCommits([]*commit.Commit{root}))
	head, err := r.HeadForKey("k1")
	require.NoError(t, err)
	assert.Equal(t, child.ID, head.ID)
}

type fakeMerger struct {
	session *session.Session
}

func (m fakeMerger) Merge(r *Repository, key string, leaves []*commit.Commit) (*commit.Commit, error) {
	base, _, _, _ := r.FindMergeBase(leaves)
	baseItem, err := base.Materialise(r)
	if err != nil {
		return nil, err
	}
	parents := make([]hash.Hash, len(leaves))
	for i, l := range leaves {
		parents[i] = l.ID
	}
	return commit.BuildMerge(m.session, key, "org1", baseItem, baseItem, base.ID, parents, commit.BuildVersion{1, 0, 0, 1}, 2000)
}

func TestHeadForKeyInvokesMergerOnMultipleLeaves(t *testing.T) {
	r, s, _ := openTestRepo(t)
	sch := testSchema(t)
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

	r.SetMerger(fakeMerger{session: s})

	head, err := r.HeadForKey("k1")
	require.NoError(t, err)
	assert.True(t, head.IsMerge())
}

func TestReopenSurvivesLeavesAndHeadFromStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "repo1")
	s, err := session.NewOwned("tester", time.Now().Add(time.Hour))
	require.NoError(t, err)
	store := session.NewStore(session.TrustFile{Roots: []*session.Session{s}})
	reg := schema.NewRegistry()

	r, err := Open(dir, reg, store, false)
	require.NoError(t, err)
	sch := testSchema(t)
	require.NoError(t, reg.Register(sch))
	it, err := item.New(sch, map[string]val.Value{"title": val.String("hello")})
	require.NoError(t, err)
	c, err := commit.BuildDocument(s, "k1", "org1", it, nil, commit.BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)
	require.NoError(t, r.PersistVerifiedCommits([]*commit.Commit{c}))

	persistedHead, ok, err := r.store.getHead("k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c.ID, persistedHead)

	persistedLeaves, err := r.store.getLeaves("k1")
	require.NoError(t, err)
	assert.Equal(t, []hash.Hash{c.ID}, persistedLeaves)

	require.NoError(t, r.Close())

	reopened, err := Open(dir, reg, store, false)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	head, err := reopened.HeadForKey("k1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, head.ID)

	ids, err := reopened.store.commitIDsForKey("k1")
	require.NoError(t, err)
	assert.Equal(t, []hash.Hash{c.ID}, ids)
}

func TestReopenDetectsCorruptedLogPrefix(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "repo1")
	s, err := session.NewOwned("tester", time.Now().Add(time.Hour))
	require.NoError(t, err)
	store := session.NewStore(session.TrustFile{Roots: []*session.Session{s}})
	reg := schema.NewRegistry()

	r, err := Open(dir, reg, store, false)
	require.NoError(t, err)
	sch := testSchema(t)
	it, err := item.New(sch, map[string]val.Value{"title": val.String("hello")})
	require.NoError(t, err)
	c, err := commit.BuildDocument(s, "k1", "org1", it, nil, commit.BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)
	require.NoError(t, r.PersistVerifiedCommits([]*commit.Commit{c}))
	require.NoError(t, r.Close())

	logPath := filepath.Join(dir, "commits.log")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(logPath, data, 0o600))

	_, err = Open(dir, reg, store, false)
	assert.ErrorIs(t, err, ErrCorruptLog)
}
