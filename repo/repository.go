package repo

import (
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/google/btree"

	"go.uber.org/zap"

	"github.com/goatplatform/goatdb-core/commit"
	"github.com/goatplatform/goatdb-core/hash"
	"github.com/goatplatform/goatdb-core/internal/apperr"
	"github.com/goatplatform/goatdb-core/internal/logging"
	"github.com/goatplatform/goatdb-core/item"
	"github.com/goatplatform/goatdb-core/schema"
	"github.com/goatplatform/goatdb-core/session"
)

var (
	// ErrAuthFailure is recorded when a commit's signature does not verify
	// (spec.md §4.4 failure semantics).
	ErrAuthFailure = errors.New("commit signature verification failed")
	// ErrCorrupt is recorded when a commit fails its corruption check.
	ErrCorrupt = errors.New("commit failed corruption check")
	// ErrNoSuchKey is returned by HeadForKey/ValueForKey for a key with no
	// commits.
	ErrNoSuchKey = errors.New("no commits for key")
	// ErrStorageUnavailable surfaces durable-storage I/O failures.
	ErrStorageUnavailable = errors.New("repository storage unavailable")
	// ErrUnknownSchemaBuffered marks a commit buffered because its schema is
	// not yet registered.
	ErrUnknownSchemaBuffered = errors.New("commit buffered pending schema registration")
	// ErrNotMergeLeader is returned by a Merger when the calling peer does
	// not own the session elected to write the merge commit (spec.md §4.5
	// step 1); HeadForKey treats it as "wait for sync", not a failure.
	ErrNotMergeLeader = errors.New("not merge leader")
)

// EventType enumerates the Repository's publish-only event kinds
// (spec.md §4.4 "Shared resource policy").
type EventType string

const (
	EventCommitted     EventType = "committed"
	EventHeadChanged   EventType = "head-changed"
	EventLeavesChanged EventType = "leaves-changed"
)

// Event is published synchronously to subscribers after a commit becomes
// visible in the in-memory indices, per spec.md §4.4's "Event fan-out".
type Event struct {
	Type     EventType
	Key      string
	CommitID hash.Hash
}

// Merger is the narrow interface the merge engine implements, injected into
// a Repository to avoid an import cycle (mergeengine depends on repo, not
// vice versa).
type Merger interface {
	Merge(repository *Repository, key string, leaves []*commit.Commit) (*commit.Commit, error)
}

type cachedValue struct {
	item item.Item
	head hash.Hash
}

// commitIndexItem orders commits within the btree by (key, timestamp desc,
// id asc), giving CommitsForKey a restartable, stably-sorted iterator
// without re-sorting a slice on every call.
type commitIndexItem struct {
	key       string
	timestamp int64
	id        hash.Hash
}

func (c commitIndexItem) Less(than btree.Item) bool {
	o := than.(commitIndexItem)
	if c.key != o.key {
		return c.key < o.key
	}
	if c.timestamp != o.timestamp {
		return c.timestamp > o.timestamp // descending timestamp sorts first
	}
	return c.id.String() < o.id.String()
}

// Repository is the per-key commit DAG store of spec.md §4.4.
type Repository struct {
	path      string
	dbPath    string
	logPath   string
	statePath string

	store *store
	log   *appendLog
	state *repoState

	reg      *schema.Registry
	sessions *session.Store
	trusted  bool

	mu       sync.RWMutex
	commits  map[hash.Hash]*commit.Commit
	children map[hash.Hash]map[hash.Hash]struct{}
	byKey    map[string]map[hash.Hash]struct{}
	tree     *btree.BTree

	valueCache *lru.Cache[string, cachedValue]

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex

	mergeGroup singleflight.Group
	merger     Merger

	subsMu sync.Mutex
	subs   []func(Event)
}

// Open loads the persisted commit log from storage and rebuilds indices
// in-memory (spec.md §4.4 "open()").
func Open(path string, reg *schema.Registry, sessions *session.Store, trusted bool) (*Repository, error) {
	cache, err := lru.New[string, cachedValue](1024)
	if err != nil {
		return nil, err
	}
	r := &Repository{
		path:      path,
		dbPath:    filepath.Join(path, "index.bbolt"),
		logPath:   filepath.Join(path, "commits.log"),
		statePath: filepath.Join(path, "repo-state.json"),
		reg:       reg,
		sessions:  sessions,
		trusted:   trusted,
		commits:   map[hash.Hash]*commit.Commit{},
		children:  map[hash.Hash]map[hash.Hash]struct{}{},
		byKey:     map[string]map[hash.Hash]struct{}{},
		tree:      btree.New(32),
		valueCache: cache,
		keyLocks:   map[string]*sync.Mutex{},
	}

	st, err := openStore(r.dbPath)
	if err != nil {
		return nil, errors.Wrap(ErrStorageUnavailable, err.Error())
	}
	r.store = st

	al, err := openAppendLog(r.logPath)
	if err != nil {
		st.close()
		return nil, errors.Wrap(ErrStorageUnavailable, err.Error())
	}
	r.log = al

	state, err := loadRepoState(r.statePath)
	if err != nil {
		al.close()
		st.close()
		return nil, err
	}
	r.state = state

	commits, err := al.loadAll(reg, state.LogChecksum, state.LogByteLength)
	if err != nil {
		al.close()
		st.close()
		return nil, err
	}
	state.LogChecksum = al.checksum
	state.LogByteLength = al.length
	for _, c := range commits {
		r.indexCommit(c)
	}
	if err := r.reconcileStore(); err != nil {
		al.close()
		st.close()
		return nil, err
	}
	return r, nil
}

// reconcileStore repairs the durable bbolt index against the commit log
// replayed into memory by Open, covering the crash window between a
// commit's log fsync and its bbolt index update: any commit id the log
// replay produced but the commit-index bucket is missing gets re-added, and
// every key's leaves/head entries are refreshed from the rebuilt in-memory
// DAG.
func (r *Repository) reconcileStore() error {
	for key, ids := range r.byKey {
		persisted, err := r.store.commitIDsForKey(key)
		if err != nil {
			return errors.Wrap(ErrStorageUnavailable, err.Error())
		}
		have := make(map[hash.Hash]struct{}, len(persisted))
		for _, id := range persisted {
			have[id] = struct{}{}
		}
		for id := range ids {
			if _, ok := have[id]; !ok {
				if err := r.store.addToCommitIndex(key, id); err != nil {
					return errors.Wrap(ErrStorageUnavailable, err.Error())
				}
			}
		}

		leaves, err := r.LeavesForKey(key)
		if err != nil {
			return err
		}
		leafIDs := make([]hash.Hash, len(leaves))
		for i, l := range leaves {
			leafIDs[i] = l.ID
		}
		if persistedLeaves, err := r.store.getLeaves(key); err == nil && !sameHashSet(persistedLeaves, leafIDs) {
			logging.Key(key).Warn("repo-state: persisted leaves diverged from log replay, repairing")
		}
		if err := r.store.setLeaves(key, leafIDs); err != nil {
			return errors.Wrap(ErrStorageUnavailable, err.Error())
		}

		if len(leaves) == 1 {
			persistedHead, ok, err := r.store.getHead(key)
			if err != nil {
				return errors.Wrap(ErrStorageUnavailable, err.Error())
			}
			if !ok || persistedHead != leaves[0].ID {
				if err := r.store.setHead(key, leaves[0].ID); err != nil {
					return errors.Wrap(ErrStorageUnavailable, err.Error())
				}
			}
		}
	}
	return nil
}

// SetMerger injects the merge engine implementation used by HeadForKey when
// a key has more than one leaf.
func (r *Repository) SetMerger(m Merger) { r.merger = m }

// Subscribe registers fn to receive every Event published by this
// Repository, returning an unsubscribe func.
func (r *Repository) Subscribe(fn func(Event)) func() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.subs = append(r.subs, fn)
	idx := len(r.subs) - 1
	return func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		r.subs[idx] = nil
	}
}

func (r *Repository) publish(ev Event) {
	r.subsMu.Lock()
	subs := append([]func(Event){}, r.subs...)
	r.subsMu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(ev)
		}
	}
}

// Close flushes the repo-state sidecar and closes the underlying storage.
// Unresolved pending commits remain buffered in the bbolt pending bucket
// for the next Open (spec.md §4.4).
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.state.save(r.statePath); err != nil {
		return err
	}
	if err := r.log.close(); err != nil {
		return err
	}
	return r.store.close()
}

func (r *Repository) keyLock(key string) func() {
	r.keyLocksMu.Lock()
	m, ok := r.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		r.keyLocks[key] = m
	}
	r.keyLocksMu.Unlock()
	m.Lock()
	return m.Unlock
}

// sameHashSet reports whether a and b contain the same hashes, ignoring
// order.
func sameHashSet(a, b []hash.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[hash.Hash]struct{}, len(a))
	for _, h := range a {
		seen[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			return false
		}
	}
	return true
}

// GetCommit implements commit.Source against this Repository's in-memory
// index.
func (r *Repository) GetCommit(id hash.Hash) (*commit.Commit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commits[id]
	return c, ok
}

// indexCommit inserts c into every in-memory index, assuming its parents
// are already present. Caller must hold r.mu for writing.
func (r *Repository) indexCommit(c *commit.Commit) {
	r.commits[c.ID] = c
	if r.byKey[c.Key] == nil {
		r.byKey[c.Key] = map[hash.Hash]struct{}{}
	}
	r.byKey[c.Key][c.ID] = struct{}{}
	r.tree.ReplaceOrInsert(commitIndexItem{key: c.Key, timestamp: c.Timestamp, id: c.ID})
	for _, p := range c.Parents {
		if r.children[p] == nil {
			r.children[p] = map[hash.Hash]struct{}{}
		}
		r.children[p][c.ID] = struct{}{}
	}
}

// PersistVerifiedCommits inserts commits into the repository one at a time,
// in the given order (spec.md §4.4 "PersistVerifiedCommits"). Each commit is
// verified, checked for corruption, and (if its parents are not yet present)
// buffered in the pending-parent queue for re-examination after each insert.
// The batch is not atomic: on the first failing commit the call returns its
// error, the commits before it stay inserted and the rest are not attempted.
func (r *Repository) PersistVerifiedCommits(commits []*commit.Commit) error {
	for _, c := range commits {
		if err := r.tryInsert(c); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) tryInsert(c *commit.Commit) error {
	release := r.keyLock(c.Key)
	defer release()

	if !r.trusted {
		s, err := r.sessions.Lookup(c.Session)
		if err != nil || !c.Verify(s) {
			logging.Commit(c.ID.String()).Warn("quarantining key: commit signature verification failed", zap.String("session", c.Session))
			// Integrity/quarantine errors both park the key pending manual
			// or session-update-triggered re-examination (spec.md §7); an
			// unresolvable session lookup re-examines cleanly once the
			// session arrives via its own sync (spec.md §4.6
			// "Authorisation").
			if qerr := r.store.quarantine(c.Key, "signature verification failed for commit "+c.ID.String()); qerr != nil {
				return errors.Wrap(ErrStorageUnavailable, qerr.Error())
			}
			return apperr.WithCommit(ErrAuthFailure, c.ID.String())
		}
	}

	r.mu.Lock()
	for _, p := range c.Parents {
		if _, ok := r.commits[p]; !ok {
			r.mu.Unlock()
			data, serr := c.Serialize()
			if serr != nil {
				return serr
			}
			if err := r.store.putPending(c.ID, data); err != nil {
				return errors.Wrap(ErrStorageUnavailable, err.Error())
			}
			return nil
		}
	}
	r.mu.Unlock()

	if c.IsCorrupted(r) {
		logging.Key(c.Key).Error("quarantining key: commit failed corruption check", zap.String("commit", c.ID.String()))
		if err := r.store.quarantine(c.Key, "corrupt commit "+c.ID.String()); err != nil {
			return errors.Wrap(ErrStorageUnavailable, err.Error())
		}
		return apperr.WithCommit(ErrCorrupt, c.ID.String())
	}

	if err := r.log.append(c); err != nil {
		return errors.Wrap(ErrStorageUnavailable, err.Error())
	}

	r.mu.Lock()
	r.indexCommit(c)
	r.state.LogChecksum = r.log.checksum
	r.state.LogByteLength = r.log.length
	r.mu.Unlock()

	if err := r.store.addToCommitIndex(c.Key, c.ID); err != nil {
		return errors.Wrap(ErrStorageUnavailable, err.Error())
	}
	r.valueCache.Remove(c.Key)

	r.publish(Event{Type: EventCommitted, Key: c.Key, CommitID: c.ID})
	r.publish(Event{Type: EventLeavesChanged, Key: c.Key})

	leaves, err := r.LeavesForKey(c.Key)
	if err == nil {
		leafIDs := make([]hash.Hash, len(leaves))
		for i, l := range leaves {
			leafIDs[i] = l.ID
		}
		if err := r.store.setLeaves(c.Key, leafIDs); err != nil {
			return errors.Wrap(ErrStorageUnavailable, err.Error())
		}
		if len(leaves) == 1 {
			if err := r.store.setHead(c.Key, leaves[0].ID); err != nil {
				return errors.Wrap(ErrStorageUnavailable, err.Error())
			}
			r.publish(Event{Type: EventHeadChanged, Key: c.Key, CommitID: leaves[0].ID})
		}
	}

	return r.drainPending()
}

// drainPending re-examines every buffered pending commit, inserting any
// whose parents are now all present.
func (r *Repository) drainPending() error {
	pending, err := r.store.allPending()
	if err != nil {
		return errors.Wrap(ErrStorageUnavailable, err.Error())
	}
	for _, data := range pending {
		c, err := commit.DeserializeNew(data, r.reg)
		if err != nil {
			continue
		}
		r.mu.RLock()
		ready := true
		for _, p := range c.Parents {
			if _, ok := r.commits[p]; !ok {
				ready = false
				break
			}
		}
		r.mu.RUnlock()
		if !ready {
			continue
		}
		if err := r.store.deletePending(c.ID); err != nil {
			return err
		}
		if err := r.tryInsert(c); err != nil {
			return err
		}
	}
	return nil
}

// LeavesForKey returns the commits in commits(k) that are not listed as a
// parent of any other commit in commits(k) (spec.md §4.4).
func (r *Repository) LeavesForKey(k string) ([]*commit.Commit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byKey[k]
	var out []*commit.Commit
	for id := range ids {
		hasActiveChild := false
		for child := range r.children[id] {
			if _, present := ids[child]; present {
				hasActiveChild = true
				break
			}
		}
		if hasActiveChild {
			continue
		}
		out = append(out, r.commits[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID.Less(out[j].ID)
	})
	return out, nil
}

// HeadForKey returns the single head commit for k, invoking the merge
// engine when there is more than one leaf (spec.md §4.4).
func (r *Repository) HeadForKey(k string) (*commit.Commit, error) {
	return r.headForKeyDepth(k, 0)
}

func (r *Repository) headForKeyDepth(k string, depth int) (*commit.Commit, error) {
	leaves, err := r.LeavesForKey(k)
	if err != nil {
		return nil, err
	}
	if len(leaves) == 0 {
		return nil, errors.Wrapf(ErrNoSuchKey, "%s", k)
	}
	if len(leaves) == 1 {
		return leaves[0], nil
	}
	if r.merger == nil || depth > 8 {
		return leaves[0], nil
	}
	merged, err, _ := r.mergeGroup.Do(k, func() (interface{}, error) {
		return r.merger.Merge(r, k, leaves)
	})
	if errors.Is(err, ErrNotMergeLeader) {
		return leaves[0], nil
	}
	if err != nil {
		return nil, err
	}
	mc := merged.(*commit.Commit)
	if err := r.PersistVerifiedCommits([]*commit.Commit{mc}); err != nil {
		return nil, err
	}
	return r.headForKeyDepth(k, depth+1)
}

// ValueForKey returns (item, head), memoised until the head changes
// (spec.md §4.4).
func (r *Repository) ValueForKey(k string) (item.Item, hash.Hash, error) {
	head, err := r.HeadForKey(k)
	if err != nil {
		return item.Item{}, hash.Hash{}, err
	}
	if cached, ok := r.valueCache.Get(k); ok && cached.head == head.ID {
		return cached.item, cached.head, nil
	}
	it, err := head.Materialise(r)
	if err != nil {
		return item.Item{}, hash.Hash{}, err
	}
	r.valueCache.Add(k, cachedValue{item: it, head: head.ID})
	return it, head.ID, nil
}

// CommitIsHighProbabilityLeaf reports whether no other commit sharing c's
// key lists c.ID in its ancestors filter (spec.md §4.4). Advisory only, used
// by sync to prioritise.
func (r *Repository) CommitIsHighProbabilityLeaf(c *commit.Commit) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.byKey[c.Key] {
		if id == c.ID {
			continue
		}
		other := r.commits[id]
		if other.AncestorsFilter != nil && other.AncestorsFilter.MayContain(c.ID) {
			return false
		}
	}
	return true
}

// CommitsForKey returns a restartable iterator over commits(k) sorted
// descending by timestamp with id tie-break (spec.md §4.4), backed by the
// btree index.
func (r *Repository) CommitsForKey(k string) []*commit.Commit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*commit.Commit
	r.tree.AscendGreaterOrEqual(commitIndexItem{key: k, timestamp: 1<<62 - 1}, func(i btree.Item) bool {
		it := i.(commitIndexItem)
		if it.key != k {
			return false
		}
		out = append(out, r.commits[it.id])
		return true
	})
	return out
}

// AllCommitIDs returns every commit id this repository currently holds,
// across all keys, for building a local sync filter (spec.md §4.6).
func (r *Repository) AllCommitIDs() []hash.Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]hash.Hash, 0, len(r.commits))
	for id := range r.commits {
		out = append(out, id)
	}
	return out
}

// Keys returns every key this repository currently holds at least one
// commit for, for the database facade's query() scan (spec.md §4.8).
func (r *Repository) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		out = append(out, k)
	}
	return out
}

// Quarantined returns the full key -> reason map of keys whose merge has
// been paused pending manual repair (SPEC_FULL.md supplemented feature;
// spec.md §4.5 "Failure").
func (r *Repository) Quarantined() (map[string]string, error) {
	return r.store.quarantined()
}

// Repair clears key's quarantine entry, allowing merges to resume.
func (r *Repository) Repair(key string) error {
	return r.store.unquarantine(key)
}
