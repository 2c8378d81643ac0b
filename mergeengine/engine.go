// Package mergeengine implements the three-way-merge orchestration of
// spec.md §4.5: leader election, LCA discovery against the owning
// repository, base-schema upgrade, per-field merge3, and merge commit
// emission.
package mergeengine

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/goatplatform/goatdb-core/commit"
	"github.com/goatplatform/goatdb-core/hash"
	"github.com/goatplatform/goatdb-core/internal/apperr"
	"github.com/goatplatform/goatdb-core/internal/logging"
	"github.com/goatplatform/goatdb-core/item"
	"github.com/goatplatform/goatdb-core/repo"
	"github.com/goatplatform/goatdb-core/schema"
	"github.com/goatplatform/goatdb-core/session"
	"github.com/goatplatform/goatdb-core/val"
)

var (
	// ErrNotLeader is returned (and treated specially by repo.Repository)
	// when this peer does not own the session elected to write the merge
	// commit — it should simply wait for the commit to arrive via sync.
	ErrNotLeader = repo.ErrNotMergeLeader
	// ErrCorruptLeaf aborts a merge when one of the leaves fails its
	// corruption check (spec.md §4.5 "Failure").
	ErrCorruptLeaf = errors.New("CorruptLeaf")
)

// Engine implements repo.Merger, producing merge commits signed by
// whichever of the sessions it owns is elected leader for a given round.
type Engine struct {
	reg      *schema.Registry
	owned    map[string]*session.Session
	orgID    string
	buildVer commit.BuildVersion
	now      func() int64
}

// New builds an Engine over the given schema registry, signing merge
// commits with any of owned (keyed by session id) that is elected leader.
func New(reg *schema.Registry, orgID string, bv commit.BuildVersion, owned map[string]*session.Session, now func() int64) *Engine {
	return &Engine{reg: reg, owned: owned, orgID: orgID, buildVer: bv, now: now}
}

// electLeader selects the session that authored the most recent leaf,
// tie-breaking by commit id (spec.md §4.5 step 1). leaves is assumed
// sorted descending by (timestamp, id) already, per repo.leavesForKey, but
// this re-derives the winner defensively rather than trusting order.
func electLeader(leaves []*commit.Commit) *commit.Commit {
	best := leaves[0]
	for _, l := range leaves[1:] {
		if l.Timestamp > best.Timestamp || (l.Timestamp == best.Timestamp && l.ID.Less(best.ID)) {
			best = l
		}
	}
	return best
}

// Merge implements repo.Merger (spec.md §4.5).
func (e *Engine) Merge(r *repo.Repository, key string, leaves []*commit.Commit) (*commit.Commit, error) {
	leader := electLeader(leaves)
	signer, owned := e.owned[leader.Session]
	if !owned {
		return nil, ErrNotLeader
	}

	for _, l := range leaves {
		if l.IsCorrupted(r) {
			logging.Key(key).Warn("merge aborted: corrupt leaf", zap.String("commit", l.ID.String()))
			return nil, apperr.WithKey(ErrCorruptLeaf, key)
		}
	}

	included, base, targetSchema, _ := r.FindMergeBase(leaves)
	if base == nil || targetSchema == nil {
		return nil, errors.Errorf("mergeengine: no merge base found for key %s", key)
	}

	baseItem, err := base.Materialise(r)
	if err != nil {
		return nil, err
	}

	// Concurrent schema upgrades are forbidden (SPEC_FULL.md Open Question
	// resolution): hold the namespace's single migration slot across every
	// UpgradeTo call this merge performs, for base and leaves alike.
	unmigrate := e.reg.BeginMigration(targetSchema.Namespace)
	defer unmigrate()

	if baseItem.Schema.Version < targetSchema.Version {
		baseItem, err = baseItem.UpgradeTo(e.reg, targetSchema)
		if err != nil {
			return nil, err
		}
	}

	mergedItem := baseItem
	mergedTimestamp := base.Timestamp
	mergedCommitID := base.ID.String()

	for _, l := range included {
		leafItem, err := l.Materialise(r)
		if err != nil {
			return nil, err
		}
		if leafItem.Schema.Version < targetSchema.Version {
			leafItem, err = leafItem.UpgradeTo(e.reg, targetSchema)
			if err != nil {
				return nil, err
			}
		}
		mergedItem, err = mergeItem3(targetSchema, baseItem, mergedItem, mergedTimestamp, mergedCommitID, leafItem, l.Timestamp, l.ID.String())
		if err != nil {
			return nil, err
		}
		if l.Timestamp > mergedTimestamp || (l.Timestamp == mergedTimestamp && l.ID.String() > mergedCommitID) {
			mergedTimestamp = l.Timestamp
			mergedCommitID = l.ID.String()
		}
	}

	parents := make([]hash.Hash, len(leaves))
	for i, l := range leaves {
		parents[i] = l.ID
	}
	return commit.BuildMerge(signer, key, e.orgID, baseItem, mergedItem, base.ID, parents, e.buildVer, e.now())
}

// mergeItem3 applies val.Merge3 field-by-field across the target schema,
// defaulting an absent side to its schema default when one exists
// (spec.md §4.5 step 4).
func mergeItem3(target *schema.Schema, base, a item.Item, aTimestamp int64, aCommitID string, b item.Item, bTimestamp int64, bCommitID string) (item.Item, error) {
	data := map[string]val.Value{}
	ctx := val.MergeContext{ATimestamp: aTimestamp, ACommitID: aCommitID, BTimestamp: bTimestamp, BCommitID: bCommitID}
	for field, fd := range target.Fields {
		baseV, _ := base.Get(field)
		aV, aHas := a.Get(field)
		bV, bHas := b.Get(field)
		if !aHas && fd.Default != nil {
			aV = fd.Default()
			aHas = true
		}
		if !bHas && fd.Default != nil {
			bV = fd.Default()
			bHas = true
		}
		if !aHas && !bHas {
			continue
		}
		merged, err := val.Merge3(baseV, aV, bV, ctx)
		if err != nil {
			return item.Item{}, errors.Wrapf(err, "merge field %s", field)
		}
		if merged != nil {
			data[field] = merged
		}
	}
	return item.New(target, data)
}
