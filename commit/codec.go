package commit

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/goatplatform/goatdb-core/hash"
	"github.com/goatplatform/goatdb-core/item"
	"github.com/goatplatform/goatdb-core/schema"
)

// wireCommit is the full on-the-wire/on-disk JSON record for a Commit: one
// line of the append-only log (spec.md §6 "On-disk layout"), or one
// element of a sync Push body (spec.md §4.6).
type wireCommit struct {
	ID              string          `json:"id"`
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
	Signature       string          `json:"signature"`
	MergeBase       string          `json:"mergeBase,omitempty"`
	MergeLeader     string          `json:"mergeLeader,omitempty"`
	Revert          string          `json:"revert,omitempty"`
}

// Serialize renders c as its canonical on-disk/on-wire JSON record.
func (c *Commit) Serialize() ([]byte, error) {
	parents := make([]string, len(c.Parents))
	for i, p := range c.Parents {
		parents[i] = p.String()
	}
	w := wireCommit{
		ID:             c.ID.String(),
		Key:            c.Key,
		Session:        c.Session,
		OrgID:          c.OrgID,
		Timestamp:      c.Timestamp,
		BuildVersion:   [4]int{c.BuildVersion.Major, c.BuildVersion.Minor, c.BuildVersion.Patch, c.BuildVersion.SchemaGen},
		Parents:        parents,
		AncestorsCount: c.AncestorsCount,
		Signature:      base64Encode(c.Signature),
	}
	if c.AncestorsFilter != nil {
		b64, err := c.AncestorsFilter.MarshalBase64()
		if err != nil {
			return nil, err
		}
		w.AncestorsFilter = b64
	}
	if c.Doc != nil {
		docBytes, err := c.Doc.Item.EncodeCanonical()
		if err != nil {
			return nil, err
		}
		w.Document = docBytes
	}
	if c.Delta != nil {
		changesBytes, err := encodeFieldChangesPublic(c.Delta.Edit.Changes)
		if err != nil {
			return nil, err
		}
		editBytes, err := json.Marshal(wireEdit{
			Changes:     changesBytes,
			SrcChecksum: c.Delta.Edit.SrcChecksum,
			DstChecksum: c.Delta.Edit.DstChecksum,
		})
		if err != nil {
			return nil, err
		}
		w.DeltaBase = c.Delta.Base.String()
		w.DeltaEdit = editBytes
	}
	if c.MergeBase != nil {
		w.MergeBase = c.MergeBase.String()
	}
	if c.MergeLeader != nil {
		w.MergeLeader = *c.MergeLeader
	}
	if c.Revert != nil {
		w.Revert = c.Revert.String()
	}
	return json.Marshal(w)
}

func (w wireCommit) toCommit(reg *schema.Registry) (*Commit, error) {
	id, err := hash.Parse(w.ID)
	if err != nil {
		return nil, errors.Wrap(err, "decode commit id")
	}
	parents := make([]hash.Hash, len(w.Parents))
	for i, p := range w.Parents {
		h, err := hash.Parse(p)
		if err != nil {
			return nil, errors.Wrap(err, "decode parent")
		}
		parents[i] = h
	}
	c := &Commit{
		ID:        id,
		Key:       w.Key,
		Session:   w.Session,
		OrgID:     w.OrgID,
		Timestamp: w.Timestamp,
		BuildVersion: BuildVersion{
			Major: w.BuildVersion[0], Minor: w.BuildVersion[1],
			Patch: w.BuildVersion[2], SchemaGen: w.BuildVersion[3],
		},
		Parents:        parents,
		AncestorsCount: w.AncestorsCount,
	}
	sig, err := base64Decode(w.Signature)
	if err != nil {
		return nil, errors.Wrap(err, "decode signature")
	}
	c.Signature = sig

	if w.AncestorsFilter != "" {
		f, err := unmarshalFilterBase64(w.AncestorsFilter)
		if err != nil {
			return nil, errors.Wrap(err, "decode ancestors filter")
		}
		c.AncestorsFilter = f
	}
	if len(w.Document) > 0 {
		it, err := item.DecodeCanonical(w.Document, reg)
		if err != nil {
			return nil, errors.Wrap(err, "decode document")
		}
		c.Doc = &Document{Item: it}
	}
	if w.DeltaBase != "" {
		base, err := hash.Parse(w.DeltaBase)
		if err != nil {
			return nil, errors.Wrap(err, "decode delta base")
		}
		var we wireEdit
		if err := json.Unmarshal(w.DeltaEdit, &we); err != nil {
			return nil, errors.Wrap(err, "decode delta edit")
		}
		changes, err := decodeFieldChangesPublic(we.Changes)
		if err != nil {
			return nil, err
		}
		c.Delta = &Delta{
			Base: base,
			Edit: Edit{Changes: changes, SrcChecksum: we.SrcChecksum, DstChecksum: we.DstChecksum},
		}
	}
	if w.MergeBase != "" {
		mb, err := hash.Parse(w.MergeBase)
		if err != nil {
			return nil, err
		}
		c.MergeBase = &mb
	}
	if w.MergeLeader != "" {
		ml := w.MergeLeader
		c.MergeLeader = &ml
	}
	if w.Revert != "" {
		rv, err := hash.Parse(w.Revert)
		if err != nil {
			return nil, err
		}
		c.Revert = &rv
	}
	return c, nil
}

// DeserializeNew decodes data into a brand new, frozen Commit.
func DeserializeNew(data []byte, reg *schema.Registry) (*Commit, error) {
	c := &Commit{}
	if err := c.Deserialize(data, reg); err != nil {
		return nil, err
	}
	return c, nil
}
