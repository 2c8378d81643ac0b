package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatplatform/goatdb-core/commit"
	"github.com/goatplatform/goatdb-core/item"
	"github.com/goatplatform/goatdb-core/schema"
	"github.com/goatplatform/goatdb-core/session"
	"github.com/goatplatform/goatdb-core/syncproto"
	"github.com/goatplatform/goatdb-core/val"
)

func notesSchema() *schema.Schema {
	return schema.New("notes", 1, map[string]schema.FieldDef{
		"title": {Type: val.TypeString, Required: true},
		"body":  {Type: val.TypeString},
	})
}

func newTestDatabase(t *testing.T) (*Database, string) {
	t.Helper()
	s, err := session.NewOwned("tester", time.Now().Add(time.Hour))
	require.NoError(t, err)
	store := session.NewStore(session.TrustFile{Roots: []*session.Session{s}})
	d := New(store, s, "org1", commit.BuildVersion{Major: 1})
	repoPath := filepath.Join(t.TempDir(), "repo1")
	require.NoError(t, d.Open(repoPath, schema.NewRegistry(), false))
	t.Cleanup(func() { _ = d.Close(repoPath) })
	return d, repoPath
}

func TestCreateProducesReadyExistingItem(t *testing.T) {
	d, repoPath := newTestDatabase(t)
	sch := notesSchema()

	mi, err := d.Create(repoPath, sch, map[string]val.Value{"title": val.String("hello")})
	require.NoError(t, err)

	assert.True(t, mi.Ready())
	assert.True(t, mi.Exists())
	v, ok, err := mi.Get("title")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, val.String("hello"), v)
}

func TestItemResolvesAbsenceForUnknownKey(t *testing.T) {
	d, repoPath := newTestDatabase(t)

	mi, err := d.Item(repoPath, "does-not-exist")
	require.NoError(t, err)
	require.NoError(t, mi.ReadyPromise(context.Background()))
	assert.False(t, mi.Exists())
}

func TestItemResolvesExistingValue(t *testing.T) {
	d, repoPath := newTestDatabase(t)
	sch := notesSchema()
	created, err := d.Create(repoPath, sch, map[string]val.Value{"title": val.String("v1")})
	require.NoError(t, err)

	fresh, err := d.Item(repoPath, created.Key())
	require.NoError(t, err)
	require.NoError(t, fresh.ReadyPromise(context.Background()))
	assert.True(t, fresh.Exists())
	v, ok, err := fresh.Get("title")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, val.String("v1"), v)
}

func TestSetDebouncesThenCommitsOnFlush(t *testing.T) {
	d, repoPath := newTestDatabase(t)
	sch := notesSchema()
	mi, err := d.Create(repoPath, sch, map[string]val.Value{"title": val.String("v1")})
	require.NoError(t, err)

	require.NoError(t, mi.Set("title", val.String("v2")))
	require.NoError(t, mi.Flush())

	v, ok, err := mi.Get("title")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, val.String("v2"), v)
}

func TestDeleteSetsTombstoneField(t *testing.T) {
	d, repoPath := newTestDatabase(t)
	sch := notesSchema()
	mi, err := d.Create(repoPath, sch, map[string]val.Value{"title": val.String("v1")})
	require.NoError(t, err)

	require.NoError(t, mi.Delete())
	require.NoError(t, mi.Flush())

	v, ok, err := mi.Get(schema.TombstoneField)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, val.Boolean(true), v)
}

func TestLoadIsIdempotentForExistingKey(t *testing.T) {
	d, repoPath := newTestDatabase(t)
	sch := notesSchema()
	created, err := d.Create(repoPath, sch, map[string]val.Value{"title": val.String("v1")})
	require.NoError(t, err)

	loaded, err := d.Load(repoPath, created.Key(), sch, map[string]val.Value{"title": val.String("ignored")})
	require.NoError(t, err)
	v, ok, err := loaded.Get("title")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, val.String("v1"), v)
}

func TestLoadCreatesForUnknownKey(t *testing.T) {
	d, repoPath := newTestDatabase(t)
	sch := notesSchema()

	loaded, err := d.Load(repoPath, "fresh-key", sch, map[string]val.Value{"title": val.String("v1")})
	require.NoError(t, err)
	assert.True(t, loaded.Exists())
}

func TestQueryMaterializesAndTracksNewCommits(t *testing.T) {
	d, repoPath := newTestDatabase(t)
	sch := notesSchema()
	_, err := d.Create(repoPath, sch, map[string]val.Value{"title": val.String("a")})
	require.NoError(t, err)

	q, err := d.Query(repoPath, sch, nil, func(a, b item.Item) bool {
		av, _ := a.Get("title")
		bv, _ := b.Get("title")
		return av.(val.String) < bv.(val.String)
	}, 0)
	require.NoError(t, err)
	require.NoError(t, q.LoadingFinished(context.Background()))
	assert.Len(t, q.Results(), 1)

	_, err = d.Create(repoPath, sch, map[string]val.Value{"title": val.String("b")})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(q.Results()) == 2
	}, time.Second, 5*time.Millisecond)

	results := q.Results()
	first, _ := results[0].Get("title")
	assert.Equal(t, val.String("a"), first)
}

func TestSyncReturnsSuccessWithNoPeerDivergence(t *testing.T) {
	d, repoPath := newTestDatabase(t)
	result, err := d.Sync(repoPath, "peer", &noopTransport{})
	require.NoError(t, err)
	assert.Equal(t, syncproto.StatusSuccess, result.Status)
}

func TestQuarantinedReportsEmptyMapInitially(t *testing.T) {
	d, repoPath := newTestDatabase(t)
	q, err := d.Quarantined(repoPath)
	require.NoError(t, err)
	assert.Empty(t, q)
}

type noopTransport struct{}

func (n *noopTransport) ExchangeBloom(ctx context.Context, peerAddr, repoPath string, req *syncproto.BloomReq) (*syncproto.BloomRsp, error) {
	return &syncproto.BloomRsp{FilterToClient: req.Filter}, nil
}

func (n *noopTransport) Push(ctx context.Context, peerAddr, repoPath string, push *syncproto.Push) (*syncproto.PushAck, error) {
	return &syncproto.PushAck{}, nil
}
