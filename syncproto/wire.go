// Package syncproto implements the Bloom-filter sync protocol of spec.md
// §4.6: a single-round, stateless reconciliation between two repositories
// holding partially-overlapping commit sets for the same keys.
package syncproto

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/goatplatform/goatdb-core/commit"
	"github.com/goatplatform/goatdb-core/schema"
)

// BloomReq is the client's opening message: a Bloom filter over the ids of
// every commit it holds, plus enough metadata for the server to size its
// own filter comparably.
type BloomReq struct {
	Filter      string  `json:"filter"`
	Count       int     `json:"count"`
	ExpectedFPR float64 `json:"expectedFpr"`
}

// BloomRsp is the server's reply: every commit it holds whose id the
// client's filter may not contain, plus the server's own filter so the
// client can compute its reciprocal push.
type BloomRsp struct {
	CommitsToClient []json.RawMessage `json:"commitsToClient"`
	FilterToClient  string            `json:"filterToClient"`
}

// Push carries the commits the client determined the server is missing.
type Push struct {
	Commits []json.RawMessage `json:"commits"`
}

// PushAck is the server's response to a Push (spec.md §6: "response
// {accepted, rejected}").
type PushAck struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// encodeCommits serialises commits into the wire form embedded in BloomRsp
// and Push bodies.
func encodeCommits(commits []*commit.Commit) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(commits))
	for _, c := range commits {
		b, err := c.Serialize()
		if err != nil {
			return nil, errors.Wrapf(err, "serialize commit %s", c.ID)
		}
		out = append(out, b)
	}
	return out, nil
}

// decodeCommits is the counterpart of encodeCommits.
func decodeCommits(raw []json.RawMessage, reg *schema.Registry) ([]*commit.Commit, error) {
	out := make([]*commit.Commit, 0, len(raw))
	for _, b := range raw {
		c, err := commit.DeserializeNew(b, reg)
		if err != nil {
			return nil, errors.Wrap(err, "deserialize commit")
		}
		out = append(out, c)
	}
	return out, nil
}
