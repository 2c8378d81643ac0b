package commit

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/goatplatform/goatdb-core/hash"
	"github.com/goatplatform/goatdb-core/internal/canon"
	"github.com/goatplatform/goatdb-core/item"
	"github.com/goatplatform/goatdb-core/schema"
	"github.com/goatplatform/goatdb-core/session"
	"github.com/goatplatform/goatdb-core/val"
)

type wireEdit struct {
	Changes     json.RawMessage `json:"changes"`
	SrcChecksum uint64          `json:"srcChecksum"`
	DstChecksum uint64          `json:"dstChecksum"`
}

// canonicalBytes renders c's payload (everything but ID and Signature) as
// canonical bytes, the input to both content-addressing and signing
// (spec.md §4.3).
func (c *Commit) canonicalBytes() ([]byte, error) {
	parents := make([]string, len(c.Parents))
	for i, p := range c.Parents {
		parents[i] = p.String()
	}
	sort.Strings(parents)

	payload := canonicalPayload{
		Key:            c.Key,
		Session:        c.Session,
		OrgID:          c.OrgID,
		Timestamp:      c.Timestamp,
		BuildVersion:   [4]int{c.BuildVersion.Major, c.BuildVersion.Minor, c.BuildVersion.Patch, c.BuildVersion.SchemaGen},
		Parents:        parents,
		AncestorsCount: c.AncestorsCount,
	}
	if c.AncestorsFilter != nil {
		b64, err := c.AncestorsFilter.MarshalBase64()
		if err != nil {
			return nil, errors.Wrap(err, "encode ancestors filter")
		}
		payload.AncestorsFilter = b64
	}
	if c.Doc != nil {
		docBytes, err := c.Doc.Item.EncodeCanonical()
		if err != nil {
			return nil, errors.Wrap(err, "encode document")
		}
		payload.Document = docBytes
	}
	if c.Delta != nil {
		changesBytes, err := val.EncodeFieldChanges(c.Delta.Edit.Changes)
		if err != nil {
			return nil, errors.Wrap(err, "encode delta changes")
		}
		editBytes, err := json.Marshal(wireEdit{
			Changes:     changesBytes,
			SrcChecksum: c.Delta.Edit.SrcChecksum,
			DstChecksum: c.Delta.Edit.DstChecksum,
		})
		if err != nil {
			return nil, err
		}
		payload.DeltaBase = c.Delta.Base.String()
		payload.DeltaEdit = editBytes
	}
	if c.MergeBase != nil {
		payload.MergeBase = c.MergeBase.String()
	}
	if c.MergeLeader != nil {
		payload.MergeLeader = *c.MergeLeader
	}
	if c.Revert != nil {
		payload.Revert = c.Revert.String()
	}
	return canon.Marshal(payload)
}

func (c *Commit) computeID() (hash.Hash, error) {
	b, err := c.canonicalBytes()
	if err != nil {
		return hash.Hash{}, err
	}
	return hash.Of(b), nil
}

// BuildDocument builds, signs and freezes a full-snapshot commit
// (spec.md §4.3).
func BuildDocument(s *session.Session, key, orgID string, it item.Item, parents []hash.Hash, bv BuildVersion, timestamp int64) (*Commit, error) {
	if !s.IsOwned() {
		return nil, errors.New("cannot build a commit with a foreign session")
	}
	c := &Commit{
		Key:          key,
		Session:      s.ID,
		OrgID:        orgID,
		Timestamp:    timestamp,
		BuildVersion: bv,
		Parents:      sortedHashes(parents),
		Doc:          &Document{Item: it},
	}
	return finalize(c, s)
}

// BuildDelta builds, signs and freezes a delta commit against base, whose
// materialised item is baseItem (spec.md §4.3).
func BuildDelta(s *session.Session, key, orgID string, baseItem, targetItem item.Item, baseID hash.Hash, parents []hash.Hash, bv BuildVersion, timestamp int64) (*Commit, error) {
	if !s.IsOwned() {
		return nil, errors.New("cannot build a commit with a foreign session")
	}
	changes, err := baseItem.Diff(targetItem)
	if err != nil {
		return nil, err
	}
	c := &Commit{
		Key:          key,
		Session:      s.ID,
		OrgID:        orgID,
		Timestamp:    timestamp,
		BuildVersion: bv,
		Parents:      sortedHashes(parents),
		Delta: &Delta{
			Base: baseID,
			Edit: Edit{
				Changes:     changes,
				SrcChecksum: baseItem.Checksum(),
				DstChecksum: targetItem.Checksum(),
			},
		},
	}
	return finalize(c, s)
}

// BuildMerge builds the merge commit emitted by the merge engine
// (spec.md §4.5 step 5): a Delta commit carrying mergeBase/mergeLeader.
func BuildMerge(s *session.Session, key, orgID string, baseItem, mergedItem item.Item, baseID hash.Hash, leaves []hash.Hash, bv BuildVersion, timestamp int64) (*Commit, error) {
	c, err := BuildDelta(s, key, orgID, baseItem, mergedItem, baseID, leaves, bv, timestamp)
	if err != nil {
		return nil, err
	}
	mb := baseID
	ml := s.ID
	c.MergeBase = &mb
	c.MergeLeader = &ml
	return finalize(c, s)
}

// BuildRevert builds a Document commit reverting target, per SPEC_FULL.md's
// supplemented "commit revert" feature. preImage is the item state to
// restore (the parent's materialised item, or a tombstone-default item if
// target was a root).
func BuildRevert(s *session.Session, key, orgID string, target hash.Hash, preImage item.Item, parents []hash.Hash, bv BuildVersion, timestamp int64) (*Commit, error) {
	c := &Commit{
		Key:          key,
		Session:      s.ID,
		OrgID:        orgID,
		Timestamp:    timestamp,
		BuildVersion: bv,
		Parents:      sortedHashes(parents),
		Doc:          &Document{Item: preImage},
		Revert:       &target,
	}
	return finalize(c, s)
}

func finalize(c *Commit, s *session.Session) (*Commit, error) {
	payload, err := c.canonicalBytes()
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(payload)
	if err != nil {
		return nil, err
	}
	c.Signature = sig
	c.ID = hash.Of(payload)
	c.frozen = true
	return c, nil
}

func sortedHashes(hs []hash.Hash) []hash.Hash {
	out := make([]hash.Hash, len(hs))
	copy(out, hs)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Verify checks c's signature against pub, per spec.md §4.3.
func (c *Commit) Verify(pub interface{ Verify(data, sig []byte) bool }) bool {
	payload, err := c.canonicalBytes()
	if err != nil {
		return false
	}
	return pub.Verify(payload, c.Signature)
}

// Materialise recursively reconstructs c's Item: Document commits return
// their embedded item directly; Delta commits materialise their base via
// src and apply their edit (spec.md §4.3).
func (c *Commit) Materialise(src Source) (item.Item, error) {
	if c.Doc != nil {
		return c.Doc.Item, nil
	}
	if c.Delta == nil {
		return item.Item{}, errors.Wrap(ErrCorruptCommit, "commit has neither document nor delta")
	}
	base, ok := src.GetCommit(c.Delta.Base)
	if !ok {
		return item.Item{}, errors.Wrapf(ErrUnknownParent, "base %s", c.Delta.Base)
	}
	baseItem, err := base.Materialise(src)
	if err != nil {
		return item.Item{}, err
	}
	return baseItem.Patch(c.Delta.Edit.Changes)
}

// IsCorrupted reports whether a Delta commit's checksums disagree with its
// materialised item (spec.md §4.3).
func (c *Commit) IsCorrupted(src Source) bool {
	if c.Delta == nil {
		return false
	}
	base, ok := src.GetCommit(c.Delta.Base)
	if !ok {
		return true
	}
	baseItem, err := base.Materialise(src)
	if err != nil {
		return true
	}
	if baseItem.Checksum() != c.Delta.Edit.SrcChecksum {
		return true
	}
	selfItem, err := c.Materialise(src)
	if err != nil {
		return true
	}
	return selfItem.Checksum() != c.Delta.Edit.DstChecksum
}

// Deserialize decodes data into c, freezing it. Calling Deserialize on an
// already-frozen Commit fails with ErrAlreadyFrozen (spec.md §3).
func (c *Commit) Deserialize(data []byte, reg *schema.Registry) error {
	if c.frozen {
		return ErrAlreadyFrozen
	}
	var w wireCommit
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "decode commit")
	}
	decoded, err := w.toCommit(reg)
	if err != nil {
		return err
	}
	*c = *decoded
	c.frozen = true
	return nil
}
