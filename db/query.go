package db

import (
	"context"
	"sort"
	"sync"

	"github.com/goatplatform/goatdb-core/item"
	"github.com/goatplatform/goatdb-core/repo"
	"github.com/goatplatform/goatdb-core/schema"
)

// Query is the materialised view of spec.md §4.8 "query(...)": it scans the
// repo on open, then incrementally updates on each commit event.
type Query struct {
	e         *entry
	schema    *schema.Schema
	predicate func(item.Item) bool
	sortBy    func(a, b item.Item) bool
	limit     int

	unsub  func()
	doneCh chan struct{}

	mu    sync.Mutex
	cache map[string]item.Item
}

func newQuery(e *entry, sch *schema.Schema, predicate func(item.Item) bool, sortBy func(a, b item.Item) bool, limit int) *Query {
	q := &Query{
		e:         e,
		schema:    sch,
		predicate: predicate,
		sortBy:    sortBy,
		limit:     limit,
		doneCh:    make(chan struct{}),
		cache:     map[string]item.Item{},
	}
	q.unsub = e.repo.Subscribe(func(ev repo.Event) {
		q.considerKey(ev.Key)
	})
	go q.initialScan()
	return q
}

func (q *Query) initialScan() {
	for _, k := range q.e.repo.Keys() {
		q.considerKey(k)
	}
	close(q.doneCh)
}

func (q *Query) considerKey(k string) {
	it, _, err := q.e.repo.ValueForKey(k)
	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil || it.Schema.Namespace != q.schema.Namespace || it.IsDeleted() {
		delete(q.cache, k)
		return
	}
	if q.predicate != nil && !q.predicate(it) {
		delete(q.cache, k)
		return
	}
	q.cache[k] = it
}

// LoadingFinished completes once the initial scan has finished (spec.md
// §4.8 "loadingFinished()").
func (q *Query) LoadingFinished(ctx context.Context) error {
	select {
	case <-q.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns a stable-sorted snapshot of the view's current contents
// (spec.md §4.8 "results()").
func (q *Query) Results() []item.Item {
	q.mu.Lock()
	out := make([]item.Item, 0, len(q.cache))
	for _, it := range q.cache {
		out = append(out, it)
	}
	q.mu.Unlock()

	if q.sortBy != nil {
		sort.SliceStable(out, func(i, j int) bool { return q.sortBy(out[i], out[j]) })
	}
	if q.limit > 0 && len(out) > q.limit {
		out = out[:q.limit]
	}
	return out
}

// Close stops the view from tracking further commit events.
func (q *Query) Close() {
	if q.unsub != nil {
		q.unsub()
	}
}
