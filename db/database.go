// Package db implements the database facade of spec.md §4.8: the
// application-facing surface over a repo.Repository, mergeengine.Engine
// and syncproto.Scheduler.
package db

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/goatplatform/goatdb-core/commit"
	"github.com/goatplatform/goatdb-core/dbconfig"
	"github.com/goatplatform/goatdb-core/hash"
	"github.com/goatplatform/goatdb-core/item"
	"github.com/goatplatform/goatdb-core/mergeengine"
	"github.com/goatplatform/goatdb-core/repo"
	"github.com/goatplatform/goatdb-core/schema"
	"github.com/goatplatform/goatdb-core/session"
	"github.com/goatplatform/goatdb-core/syncproto"
	"github.com/goatplatform/goatdb-core/val"
)

// DefaultDebounce is item()'s dirty-field coalescing window (spec.md §4.8).
const DefaultDebounce = 100 * time.Millisecond

var (
	// ErrRepoNotOpen is returned for any operation against a path Open has
	// not been called on.
	ErrRepoNotOpen = errors.New("repository not open")
	// ErrRepoAlreadyOpen is returned by Open for a path already open.
	ErrRepoAlreadyOpen = errors.New("repository already open")
)

// entry is the per-repository state the facade keeps on top of the
// Repository itself: its merge engine, sync schedulers and the ManagedItems
// it has handed out (so item() is idempotent per key, and flush()/close()
// can reach every dirty item).
type entry struct {
	repo       *repo.Repository
	reg        *schema.Registry
	engine     *mergeengine.Engine
	schedulers []*syncproto.Scheduler
	debounce   time.Duration

	mu    sync.Mutex
	items map[string]*ManagedItem
}

// Database is the process-wide facade of spec.md §4.8, fronting every open
// repository for the application.
type Database struct {
	store    *session.Store
	signer   *session.Session
	orgID    string
	buildVer commit.BuildVersion
	now      func() int64

	mu    sync.Mutex
	repos map[string]*entry
}

// New builds a Database that signs local commits with signer and trusts
// store for verifying incoming ones.
func New(store *session.Store, signer *session.Session, orgID string, buildVer commit.BuildVersion) *Database {
	return &Database{
		store:    store,
		signer:   signer,
		orgID:    orgID,
		buildVer: buildVer,
		now:      func() int64 { return time.Now().UnixMilli() },
		repos:    map[string]*entry{},
	}
}

// Open opens the repository at path, wiring a merge engine that can sign
// for this process's session (spec.md §4.8 "open(path)").
func (d *Database) Open(path string, reg *schema.Registry, trusted bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.repos[path]; ok {
		return errors.Wrap(ErrRepoAlreadyOpen, path)
	}
	r, err := repo.Open(path, reg, d.store, trusted)
	if err != nil {
		return err
	}
	owned := map[string]*session.Session{}
	if d.signer != nil {
		owned[d.signer.ID] = d.signer
	}
	eng := mergeengine.New(reg, d.orgID, d.buildVer, owned, d.now)
	r.SetMerger(eng)
	d.repos[path] = &entry{
		repo:     r,
		reg:      reg,
		engine:   eng,
		debounce: DefaultDebounce,
		items:    map[string]*ManagedItem{},
	}
	return nil
}

// OpenWithConfig opens path per cfg, then starts one Scheduler per
// cfg.Peers entry over an HTTPTransport signed by signer (spec.md §4.7
// "one scheduler per peer", §6 wire protocol).
func (d *Database) OpenWithConfig(cfg *dbconfig.Config, reg *schema.Registry) error {
	if err := d.Open(cfg.Path, reg, cfg.Trusted); err != nil {
		return err
	}
	transport := syncproto.NewHTTPTransport(d.signer)
	e, err := d.lookup(cfg.Path)
	if err != nil {
		return err
	}
	for _, peerAddr := range cfg.Peers {
		sched := syncproto.NewScheduler(e.repo, reg, transport, peerAddr, cfg.Path)
		sched.Start(context.Background())
		e.schedulers = append(e.schedulers, sched)
	}
	return nil
}

// Close closes the repository at path, flushing every outstanding
// ManagedItem and stopping its schedulers first (spec.md §4.8
// "close(path)").
func (d *Database) Close(path string) error {
	d.mu.Lock()
	e, ok := d.repos[path]
	if !ok {
		d.mu.Unlock()
		return errors.Wrap(ErrRepoNotOpen, path)
	}
	delete(d.repos, path)
	d.mu.Unlock()

	e.mu.Lock()
	for _, mi := range e.items {
		_ = mi.Flush()
	}
	e.mu.Unlock()

	for _, s := range e.schedulers {
		_ = s.Close()
	}
	return e.repo.Close()
}

func (d *Database) lookup(path string) (*entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.repos[path]
	if !ok {
		return nil, errors.Wrap(ErrRepoNotOpen, path)
	}
	return e, nil
}

// Create appends the first commit for a fresh key and returns its
// ManagedItem, already ready (spec.md §4.8 "create(repoPath, schema, data)").
func (d *Database) Create(repoPath string, sch *schema.Schema, data map[string]val.Value) (*ManagedItem, error) {
	e, err := d.lookup(repoPath)
	if err != nil {
		return nil, err
	}
	it, err := item.New(sch, data)
	if err != nil {
		return nil, err
	}
	key := uuid.NewString()
	c, err := commit.BuildDocument(d.signer, key, d.orgID, it, nil, d.buildVer, d.now())
	if err != nil {
		return nil, err
	}
	if err := e.repo.PersistVerifiedCommits([]*commit.Commit{c}); err != nil {
		return nil, err
	}
	mi := d.registerReadyItem(e, repoPath, key, it, c.ID)
	return mi, nil
}

// registerReadyItem builds a ManagedItem already resolved to (it, baseCommit)
// and registers it under e.items, for the eager Create/Load paths.
func (d *Database) registerReadyItem(e *entry, repoPath, key string, it item.Item, baseCommit hash.Hash) *ManagedItem {
	mi := newManagedItem(d, e, repoPath, key)
	mi.ready = true
	close(mi.readyCh)
	mi.exists = true
	mi.current = it
	mi.schema = it.Schema
	mi.baseCommit = baseCommit

	e.mu.Lock()
	e.items[key] = mi
	e.mu.Unlock()
	return mi
}

// Load bulk-loads data under key, idempotent if the key already has a
// commit: in that case the existing item is upgraded to sch via the
// schema registry rather than appending a duplicate commit (spec.md §4.8
// "load(itemPath, schema, data)").
func (d *Database) Load(repoPath, key string, sch *schema.Schema, data map[string]val.Value) (*ManagedItem, error) {
	e, err := d.lookup(repoPath)
	if err != nil {
		return nil, err
	}
	existing, _, err := e.repo.ValueForKey(key)
	if err == nil {
		upgraded, err := existing.UpgradeTo(e.reg, sch)
		if err != nil {
			return nil, err
		}
		head, err := e.repo.HeadForKey(key)
		if err != nil {
			return nil, err
		}
		return d.registerReadyItem(e, repoPath, key, upgraded, head.ID), nil
	}
	if !errors.Is(err, repo.ErrNoSuchKey) {
		return nil, err
	}

	it, err := item.New(sch, data)
	if err != nil {
		return nil, err
	}
	c, err := commit.BuildDocument(d.signer, key, d.orgID, it, nil, d.buildVer, d.now())
	if err != nil {
		return nil, err
	}
	if err := e.repo.PersistVerifiedCommits([]*commit.Commit{c}); err != nil {
		return nil, err
	}
	return d.registerReadyItem(e, repoPath, key, it, c.ID), nil
}

// Item returns the ManagedItem proxy for key, resolving its current value
// asynchronously (spec.md §4.8 "item(repoPath, key)").
func (d *Database) Item(repoPath, key string) (*ManagedItem, error) {
	e, err := d.lookup(repoPath)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if mi, ok := e.items[key]; ok {
		e.mu.Unlock()
		return mi, nil
	}
	mi := newManagedItem(d, e, repoPath, key)
	e.items[key] = mi
	e.mu.Unlock()

	go mi.resolve()
	return mi, nil
}

// Query opens a materialised view over repoPath's items of the given
// schema namespace (spec.md §4.8 "query(...)").
func (d *Database) Query(repoPath string, sch *schema.Schema, predicate func(item.Item) bool, sortBy func(a, b item.Item) bool, limit int) (*Query, error) {
	e, err := d.lookup(repoPath)
	if err != nil {
		return nil, err
	}
	return newQuery(e, sch, predicate, sortBy, limit), nil
}

// Sync runs one explicit sync round against peerAddr (spec.md §4.8
// "sync(repoPath)").
func (d *Database) Sync(repoPath, peerAddr string, t syncproto.Transport) (syncproto.Result, error) {
	e, err := d.lookup(repoPath)
	if err != nil {
		return syncproto.Result{}, err
	}
	return syncproto.RunRound(context.Background(), e.repo, e.reg, t, peerAddr, repoPath), nil
}

// Flush forces every dirty ManagedItem under repoPath to commit immediately
// (spec.md §4.8 "flush(repoPath)").
func (d *Database) Flush(repoPath string) error {
	e, err := d.lookup(repoPath)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, mi := range e.items {
		if err := mi.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Quarantined reports repoPath's key -> reason map of keys whose merge is
// paused pending manual repair (spec.md §7 "quarantine", surfaced to the
// application per SPEC_FULL.md's supplemented quarantine-bucket feature).
func (d *Database) Quarantined(repoPath string) (map[string]string, error) {
	e, err := d.lookup(repoPath)
	if err != nil {
		return nil, err
	}
	return e.repo.Quarantined()
}

// Repair clears key's quarantine entry under repoPath, allowing merges to
// resume.
func (d *Database) Repair(repoPath, key string) error {
	e, err := d.lookup(repoPath)
	if err != nil {
		return err
	}
	return e.repo.Repair(key)
}

// FlushAll flushes every open repository (spec.md §4.8 "flushAll()").
func (d *Database) FlushAll() error {
	d.mu.Lock()
	paths := make([]string, 0, len(d.repos))
	for p := range d.repos {
		paths = append(paths, p)
	}
	d.mu.Unlock()
	for _, p := range paths {
		if err := d.Flush(p); err != nil {
			return err
		}
	}
	return nil
}
