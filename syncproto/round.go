package syncproto

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/goatplatform/goatdb-core/bloomfilter"
	"github.com/goatplatform/goatdb-core/commit"
	"github.com/goatplatform/goatdb-core/internal/apperr"
	"github.com/goatplatform/goatdb-core/internal/logging"
	"github.com/goatplatform/goatdb-core/repo"
	"github.com/goatplatform/goatdb-core/schema"
)

// defaultFPR is the target false-positive rate for sync filters (spec.md
// §4.6: "Convergence is guaranteed in O(log n) rounds... given a fixed
// FPR").
const defaultFPR = 0.01

// Transport is the narrow send/receive surface a Peer needs; HTTPTransport
// (transport.go) implements it over the HTTP wire protocol of spec.md §6.
// This interface is what RunRound and Scheduler depend on so they can be
// driven over any concrete transport (HTTP, in-process, test double).
type Transport interface {
	ExchangeBloom(ctx context.Context, peerAddr, repoPath string, req *BloomReq) (*BloomRsp, error)
	Push(ctx context.Context, peerAddr, repoPath string, push *Push) (*PushAck, error)
}

// RoundStatus mirrors spec.md §4.8's sync() result kinds.
type RoundStatus string

const (
	StatusSuccess RoundStatus = "success"
	StatusPartial RoundStatus = "partial"
	StatusFailure RoundStatus = "failure"
)

// Result is what one completed round reports back to the caller (spec.md
// §4.8: "sync(repoPath) ... returns {status, errors}").
type Result struct {
	Status         RoundStatus
	CommitsPulled  int
	CommitsPushed  int
	Errors         []error
}

// RunRound executes one client-initiated round of the protocol in spec.md
// §4.6 against peerAddr for repoPath, using r as both the source of the
// local commit set and the sink for everything learned from the peer.
func RunRound(ctx context.Context, r *repo.Repository, reg *schema.Registry, t Transport, peerAddr, repoPath string) Result {
	local := r.AllCommitIDs()
	localFilter := bloomfilter.New(uint(len(local))+1, defaultFPR)
	for _, id := range local {
		localFilter.Add(id)
	}
	filterB64, err := localFilter.MarshalBase64()
	if err != nil {
		return Result{Status: StatusFailure, Errors: []error{errors.Wrap(err, "marshal local filter")}}
	}

	req := &BloomReq{Filter: filterB64, Count: len(local), ExpectedFPR: defaultFPR}
	rsp, err := t.ExchangeBloom(ctx, peerAddr, repoPath, req)
	if err != nil {
		return Result{Status: StatusFailure, Errors: []error{apperr.WithPeer(err, peerAddr)}}
	}

	var errs []error
	pulled, err := decodeCommits(rsp.CommitsToClient, reg)
	if err != nil {
		errs = append(errs, apperr.WithPeer(err, peerAddr))
	}
	applied := 0
	for _, c := range pulled {
		if ierr := r.PersistVerifiedCommits([]*commit.Commit{c}); ierr != nil {
			logging.Peer(peerAddr).Warn("sync: rejected pulled commit", zap.Error(ierr))
			errs = append(errs, apperr.WithPeer(ierr, peerAddr))
			continue
		}
		applied++
	}

	serverFilter, err := bloomfilter.UnmarshalBase64(rsp.FilterToClient)
	if err != nil {
		errs = append(errs, apperr.WithPeer(errors.Wrap(err, "decode server filter"), peerAddr))
		return finalize(applied, 0, errs)
	}

	var toServer []*commit.Commit
	for _, id := range local {
		if serverFilter.MayContain(id) {
			continue
		}
		if c, ok := r.GetCommit(id); ok {
			toServer = append(toServer, c)
		}
	}

	pushed := 0
	if len(toServer) > 0 {
		encoded, eerr := encodeCommits(toServer)
		if eerr != nil {
			errs = append(errs, apperr.WithPeer(eerr, peerAddr))
			return finalize(applied, pushed, errs)
		}
		ack, perr := t.Push(ctx, peerAddr, repoPath, &Push{Commits: encoded})
		if perr != nil {
			errs = append(errs, apperr.WithPeer(perr, peerAddr))
			return finalize(applied, pushed, errs)
		}
		pushed = ack.Accepted
		for _, e := range ack.Errors {
			errs = append(errs, apperr.WithPeer(errors.New(e), peerAddr))
		}
	}

	return finalize(applied, pushed, errs)
}

func finalize(pulled, pushed int, errs []error) Result {
	status := StatusSuccess
	if len(errs) > 0 {
		status = StatusPartial
	}
	return Result{Status: status, CommitsPulled: pulled, CommitsPushed: pushed, Errors: errs}
}
