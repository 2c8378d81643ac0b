package repo

import (
	"github.com/pkg/errors"

	"github.com/goatplatform/goatdb-core/commit"
	"github.com/goatplatform/goatdb-core/hash"
	"github.com/goatplatform/goatdb-core/item"
	"github.com/goatplatform/goatdb-core/schema"
)

// FindMergeBase reduces commits pairwise from the left, walking parents of
// each pair simultaneously via a breadth-first sweep until the ancestor
// sets intersect (spec.md §4.4). The target schema is the highest version
// among the input commits' materialised items.
func (r *Repository) FindMergeBase(commits []*commit.Commit) (included []*commit.Commit, base *commit.Commit, sch *schema.Schema, reachedRoot bool) {
	if len(commits) == 0 {
		return nil, nil, nil, false
	}
	included = commits
	cur := commits[0]
	for i := 1; i < len(commits); i++ {
		lca, rootHit := r.lcaPair(cur, commits[i])
		if rootHit {
			reachedRoot = true
		}
		if lca == nil {
			continue // undefined for this pair; per spec.md §4.4 the pair is dropped
		}
		base = lca
		cur = lca
	}
	sch = r.highestSchemaAmong(commits)
	return included, base, sch, reachedRoot
}

func (r *Repository) highestSchemaAmong(commits []*commit.Commit) *schema.Schema {
	var best *schema.Schema
	for _, c := range commits {
		it, err := c.Materialise(r)
		if err != nil {
			continue
		}
		if best == nil || it.Schema.Version > best.Version {
			best = it.Schema
		}
	}
	return best
}

// lcaPair finds the lowest common ancestor of a and b by expanding both
// frontiers one generation at a time until an id appears in both visited
// sets; when several ids intersect in the same generation, the one with
// the highest timestamp wins. rootHit reports whether either side was
// exhausted (reached a commit with no parents) without finding an
// intersection, in which case the result is undefined per spec.md §4.4.
func (r *Repository) lcaPair(a, b *commit.Commit) (lca *commit.Commit, rootHit bool) {
	visitedA := map[hash.Hash]*commit.Commit{a.ID: a}
	visitedB := map[hash.Hash]*commit.Commit{b.ID: b}
	frontierA := []*commit.Commit{a}
	frontierB := []*commit.Commit{b}

	if found := intersect(visitedA, visitedB); found != nil {
		return found, false
	}

	for len(frontierA) > 0 || len(frontierB) > 0 {
		var nextA, nextB []*commit.Commit
		exhaustedA := true
		for _, c := range frontierA {
			for _, p := range c.Parents {
				exhaustedA = false
				if _, seen := visitedA[p]; seen {
					continue
				}
				pc, ok := r.GetCommit(p)
				if !ok {
					continue
				}
				visitedA[p] = pc
				nextA = append(nextA, pc)
			}
		}
		exhaustedB := true
		for _, c := range frontierB {
			for _, p := range c.Parents {
				exhaustedB = false
				if _, seen := visitedB[p]; seen {
					continue
				}
				pc, ok := r.GetCommit(p)
				if !ok {
					continue
				}
				visitedB[p] = pc
				nextB = append(nextB, pc)
			}
		}
		if found := intersect(visitedA, visitedB); found != nil {
			return found, false
		}
		if exhaustedA || exhaustedB {
			return nil, true
		}
		frontierA, frontierB = nextA, nextB
	}
	return nil, true
}

func intersect(a, b map[hash.Hash]*commit.Commit) *commit.Commit {
	var best *commit.Commit
	for id, c := range a {
		if _, ok := b[id]; !ok {
			continue
		}
		if best == nil || c.Timestamp > best.Timestamp || (c.Timestamp == best.Timestamp && c.ID.Less(best.ID)) {
			best = c
		}
	}
	return best
}

// Rebase re-applies a local edit on top of the current head when the head
// has advanced since the edit was started (spec.md §4.4): materialise from
// fromHeadID, diff to localItem, materialise from the current head, apply
// the diff. Local changes win on conflicting fields.
func (r *Repository) Rebase(key string, localItem item.Item, fromHeadID hash.Hash) (item.Item, error) {
	fromC, ok := r.GetCommit(fromHeadID)
	if !ok {
		return item.Item{}, errors.Errorf("Rebase: unknown base commit %s", fromHeadID)
	}
	fromItem, err := fromC.Materialise(r)
	if err != nil {
		return item.Item{}, err
	}
	changes, err := fromItem.Diff(localItem)
	if err != nil {
		return item.Item{}, err
	}
	head, err := r.HeadForKey(key)
	if err != nil {
		return item.Item{}, err
	}
	headItem, err := head.Materialise(r)
	if err != nil {
		return item.Item{}, err
	}
	return headItem.Patch(changes)
}
