package syncproto

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatplatform/goatdb-core/bloomfilter"
	"github.com/goatplatform/goatdb-core/commit"
	"github.com/goatplatform/goatdb-core/item"
	"github.com/goatplatform/goatdb-core/repo"
	"github.com/goatplatform/goatdb-core/schema"
	"github.com/goatplatform/goatdb-core/session"
	"github.com/goatplatform/goatdb-core/val"
)

func testSchema() *schema.Schema {
	return schema.New("notes", 1, map[string]schema.FieldDef{
		"title": {Type: val.TypeString, Required: true},
	})
}

func openRepo(t *testing.T, name string, roots []*session.Session) *repo.Repository {
	t.Helper()
	store := session.NewStore(session.TrustFile{Roots: roots})
	r, err := repo.Open(filepath.Join(t.TempDir(), name), schema.NewRegistry(), store, false)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// directTransport wires RunRound directly against RespondBloom/AcceptPush
// for a peer Repository, bypassing HTTP framing, so the protocol logic can
// be tested without a listening server.
type directTransport struct {
	peerRepo *repo.Repository
	peerReg  *schema.Registry
}

func (d *directTransport) ExchangeBloom(ctx context.Context, peerAddr, repoPath string, req *BloomReq) (*BloomRsp, error) {
	return RespondBloom(d.peerRepo, d.peerReg, req)
}

func (d *directTransport) Push(ctx context.Context, peerAddr, repoPath string, push *Push) (*PushAck, error) {
	return AcceptPush(d.peerRepo, d.peerReg, push)
}

func TestRunRoundReconcilesDivergentRepos(t *testing.T) {
	s, err := session.NewOwned("tester", time.Now().Add(time.Hour))
	require.NoError(t, err)

	clientRepo := openRepo(t, "client", []*session.Session{s})
	serverRepo := openRepo(t, "server", []*session.Session{s})

	sch := testSchema()
	it, err := item.New(sch, map[string]val.Value{"title": val.String("v1")})
	require.NoError(t, err)

	// Client has a root commit for k1 the server doesn't.
	rootClient, err := commit.BuildDocument(s, "k1", "org1", it, nil, commit.BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)
	require.NoError(t, clientRepo.PersistVerifiedCommits([]*commit.Commit{rootClient}))

	// Server has a root commit for k2 the client doesn't.
	it2, err := item.New(sch, map[string]val.Value{"title": val.String("v2")})
	require.NoError(t, err)
	rootServer, err := commit.BuildDocument(s, "k2", "org1", it2, nil, commit.BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)
	require.NoError(t, serverRepo.PersistVerifiedCommits([]*commit.Commit{rootServer}))

	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(sch))
	transport := &directTransport{peerRepo: serverRepo, peerReg: reg}
	result := RunRound(context.Background(), clientRepo, reg, transport, "server-addr", "repo1")

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 1, result.CommitsPulled)
	assert.Equal(t, 1, result.CommitsPushed)

	_, err = clientRepo.HeadForKey("k2")
	assert.NoError(t, err)
	_, err = serverRepo.HeadForKey("k1")
	assert.NoError(t, err)
}

func TestRespondBloomReturnsCommitsMissingFromClientFilter(t *testing.T) {
	s, err := session.NewOwned("tester", time.Now().Add(time.Hour))
	require.NoError(t, err)

	serverRepo := openRepo(t, "server", []*session.Session{s})
	sch := testSchema()
	it, err := item.New(sch, map[string]val.Value{"title": val.String("v1")})
	require.NoError(t, err)
	c, err := commit.BuildDocument(s, "k1", "org1", it, nil, commit.BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)
	require.NoError(t, serverRepo.PersistVerifiedCommits([]*commit.Commit{c}))

	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(sch))

	emptyFilter := bloomfilter.New(1, defaultFPR)
	filterB64, err := emptyFilter.MarshalBase64()
	require.NoError(t, err)

	rsp, err := RespondBloom(serverRepo, reg, &BloomReq{Filter: filterB64, Count: 0, ExpectedFPR: defaultFPR})
	require.NoError(t, err)
	require.Len(t, rsp.CommitsToClient, 1)

	serverFilter, err := bloomfilter.UnmarshalBase64(rsp.FilterToClient)
	require.NoError(t, err)
	assert.True(t, serverFilter.MayContain(c.ID))
}

func TestAcceptPushPersistsAndAcksCommits(t *testing.T) {
	s, err := session.NewOwned("tester", time.Now().Add(time.Hour))
	require.NoError(t, err)

	serverRepo := openRepo(t, "server", []*session.Session{s})
	sch := testSchema()
	it, err := item.New(sch, map[string]val.Value{"title": val.String("v1")})
	require.NoError(t, err)
	c, err := commit.BuildDocument(s, "k1", "org1", it, nil, commit.BuildVersion{1, 0, 0, 1}, 1000)
	require.NoError(t, err)

	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(sch))
	encoded, err := encodeCommits([]*commit.Commit{c})
	require.NoError(t, err)

	ack, err := AcceptPush(serverRepo, reg, &Push{Commits: encoded})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Accepted)
	assert.Equal(t, 0, ack.Rejected)

	_, err = serverRepo.HeadForKey("k1")
	assert.NoError(t, err)
}
