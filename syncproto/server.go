package syncproto

import (
	"github.com/pkg/errors"

	"github.com/goatplatform/goatdb-core/bloomfilter"
	"github.com/goatplatform/goatdb-core/commit"
	"github.com/goatplatform/goatdb-core/repo"
	"github.com/goatplatform/goatdb-core/schema"
)

// RespondBloom implements the server half of spec.md §4.6: given the
// client's filter, it returns every commit r holds whose id the filter may
// not contain, plus r's own filter so the client can compute its reciprocal
// push. This is what a peer answers a POST /sync/{repoPath} with.
func RespondBloom(r *repo.Repository, reg *schema.Registry, req *BloomReq) (*BloomRsp, error) {
	clientFilter, err := bloomfilter.UnmarshalBase64(req.Filter)
	if err != nil {
		return nil, errors.Wrap(err, "decode client filter")
	}

	ids := r.AllCommitIDs()
	var toClient []*commit.Commit
	for _, id := range ids {
		if clientFilter.MayContain(id) {
			continue
		}
		if c, ok := r.GetCommit(id); ok {
			toClient = append(toClient, c)
		}
	}
	encoded, err := encodeCommits(toClient)
	if err != nil {
		return nil, err
	}

	ownFilter := bloomfilter.New(uint(len(ids))+1, defaultFPR)
	for _, id := range ids {
		ownFilter.Add(id)
	}
	filterB64, err := ownFilter.MarshalBase64()
	if err != nil {
		return nil, errors.Wrap(err, "marshal server filter")
	}

	return &BloomRsp{CommitsToClient: encoded, FilterToClient: filterB64}, nil
}

// AcceptPush implements the server half of a client's Push: it persists
// every pushed commit it can verify, and reports per-commit acceptance
// (spec.md §6: "response {accepted, rejected}"). This is what a peer
// answers a POST /sync/push/{repoPath} with.
func AcceptPush(r *repo.Repository, reg *schema.Registry, push *Push) (*PushAck, error) {
	commits, err := decodeCommits(push.Commits, reg)
	if err != nil {
		return nil, errors.Wrap(err, "decode pushed commits")
	}
	ack := &PushAck{}
	for _, c := range commits {
		if err := r.PersistVerifiedCommits([]*commit.Commit{c}); err != nil {
			ack.Rejected++
			ack.Errors = append(ack.Errors, err.Error())
			continue
		}
		ack.Accepted++
	}
	return ack, nil
}
