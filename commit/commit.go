// Package commit implements the immutable, content-addressed commit graph
// node of spec.md §3 "Commit" and §4.3.
package commit

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/goatplatform/goatdb-core/bloomfilter"
	"github.com/goatplatform/goatdb-core/hash"
	"github.com/goatplatform/goatdb-core/item"
	"github.com/goatplatform/goatdb-core/val"
)

var (
	ErrAlreadyFrozen  = errors.New("commit already frozen")
	ErrCorruptCommit  = errors.New("corrupt commit")
	ErrSignatureFail  = errors.New("commit signature verification failed")
	ErrCyclicCommit   = errors.New("commit graph cycle detected")
	ErrUnknownParent  = errors.New("parent commit not present")
)

// BuildVersion is the 4-tuple (major, minor, patch, schemaGen) carried by
// every commit.
type BuildVersion struct {
	Major, Minor, Patch, SchemaGen int
}

// Document is a full item snapshot.
type Document struct {
	Item item.Item
}

// Edit is the delta applied to a parent's materialised item to produce this
// commit's item.
type Edit struct {
	Changes      []val.FieldChange
	SrcChecksum  uint64
	DstChecksum  uint64
}

// Delta is a commit whose contents are expressed as an edit against a
// parent commit.
type Delta struct {
	Base hash.Hash
	Edit Edit
}

// Commit is an immutable, content-addressed DAG node (spec.md §3).
type Commit struct {
	ID              hash.Hash
	Key             string
	Session         string
	OrgID           string
	Timestamp       int64
	BuildVersion    BuildVersion
	Parents         []hash.Hash
	AncestorsFilter *bloomfilter.Filter
	AncestorsCount  int

	Doc   *Document
	Delta *Delta

	Signature []byte

	MergeBase   *hash.Hash
	MergeLeader *string
	Revert      *hash.Hash

	frozen bool
}

// IsRoot reports whether this commit has no parents.
func (c *Commit) IsRoot() bool { return len(c.Parents) == 0 }

// IsMerge reports whether this commit has two or more parents.
func (c *Commit) IsMerge() bool { return len(c.Parents) >= 2 }

// Source resolves a commit id to its Commit, as implemented by a
// Repository. Defined here (rather than imported from repo) to avoid an
// import cycle, since repo.Repository depends on this package.
type Source interface {
	GetCommit(id hash.Hash) (*Commit, bool)
}

// canonicalPayload is the sorted-key structure hashed/signed: everything in
// Commit except ID and Signature (spec.md §4.3 "Canonical encoding").
type canonicalPayload struct {
	Key             string          `json:"key"`
	Session         string          `json:"session"`
	OrgID           string          `json:"orgId"`
	Timestamp       int64           `json:"timestamp"`
	BuildVersion    [4]int          `json:"buildVersion"`
	Parents         []string        `json:"parents"`
	AncestorsFilter string          `json:"ancestorsFilter,omitempty"`
	AncestorsCount  int             `json:"ancestorsCount"`
	Document        json.RawMessage `json:"document,omitempty"`
	DeltaBase       string          `json:"deltaBase,omitempty"`
	DeltaEdit       json.RawMessage `json:"deltaEdit,omitempty"`
	MergeBase       string          `json:"mergeBase,omitempty"`
	MergeLeader     string          `json:"mergeLeader,omitempty"`
	Revert          string          `json:"revert,omitempty"`
}
