package db

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/goatplatform/goatdb-core/commit"
	"github.com/goatplatform/goatdb-core/hash"
	"github.com/goatplatform/goatdb-core/internal/logging"
	"github.com/goatplatform/goatdb-core/item"
	"github.com/goatplatform/goatdb-core/schema"
	"github.com/goatplatform/goatdb-core/val"
)

// ErrNotReady is returned by Get/Set before readyPromise has resolved.
var ErrNotReady = errors.New("managed item not ready")

// ErrItemDoesNotExist is returned by Set when no commit for this key has
// ever been observed; Create or Load must establish the item first.
var ErrItemDoesNotExist = errors.New("item does not exist")

// ManagedItem is the lazy item proxy of spec.md §4.8: a freshly-obtained
// item starts ready = false, and readyPromise completes once the
// repository has produced its initial value or confirmed absence. get/set
// track dirty fields, coalesced and committed after a debounce window or on
// Flush.
type ManagedItem struct {
	db       *Database
	e        *entry
	repoPath string
	key      string

	mu         sync.Mutex
	ready      bool
	readyCh    chan struct{}
	exists     bool
	current    item.Item
	schema     *schema.Schema
	baseCommit hash.Hash
	dirty      map[string]val.Value
	timer      *time.Timer
}

func newManagedItem(d *Database, e *entry, repoPath, key string) *ManagedItem {
	return &ManagedItem{
		db:       d,
		e:        e,
		repoPath: repoPath,
		key:      key,
		readyCh:  make(chan struct{}),
		dirty:    map[string]val.Value{},
	}
}

// resolve loads the item's current value from the repository and signals
// readyCh, for the lazy-proxy path of Database.Item.
func (mi *ManagedItem) resolve() {
	it, id, err := mi.e.repo.ValueForKey(mi.key)

	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err == nil {
		mi.exists = true
		mi.current = it
		mi.schema = it.Schema
		mi.baseCommit = id
	}
	mi.ready = true
	close(mi.readyCh)
}

// Ready reports whether readyPromise has already resolved.
func (mi *ManagedItem) Ready() bool {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.ready
}

// ReadyPromise blocks until the repository has produced this item's initial
// value, or ctx is cancelled first.
func (mi *ManagedItem) ReadyPromise(ctx context.Context) error {
	select {
	case <-mi.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exists reports whether any commit for this key has been observed. Only
// meaningful once Ready is true.
func (mi *ManagedItem) Exists() bool {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.exists
}

// Key returns the item's key.
func (mi *ManagedItem) Key() string { return mi.key }

// Get returns field's value, preferring an uncommitted dirty edit.
func (mi *ManagedItem) Get(field string) (val.Value, bool, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if !mi.ready {
		return nil, false, ErrNotReady
	}
	if v, ok := mi.dirty[field]; ok {
		return v, true, nil
	}
	if !mi.exists {
		return nil, false, nil
	}
	v, ok := mi.current.Get(field)
	return v, ok, nil
}

// Set stages field as dirty, (re)starting the debounce timer (spec.md
// §4.8: "default 100 ms").
func (mi *ManagedItem) Set(field string, v val.Value) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if !mi.ready {
		return ErrNotReady
	}
	if !mi.exists {
		return ErrItemDoesNotExist
	}
	if _, ok := mi.schema.Fields[field]; !ok {
		return errors.Wrapf(item.ErrUnknownField, "%s", field)
	}
	mi.dirty[field] = v
	mi.resetTimerLocked()
	return nil
}

// Delete sets the item's tombstone field (the Open-Question-resolved
// deletion mechanism of SPEC_FULL.md: item deletion is schema-level via
// `__tombstone__`, a normal Delta commit, never a commit-level operation).
func (mi *ManagedItem) Delete() error {
	return mi.Set(schema.TombstoneField, val.Boolean(true))
}

func (mi *ManagedItem) resetTimerLocked() {
	if mi.timer != nil {
		mi.timer.Stop()
	}
	mi.timer = time.AfterFunc(mi.e.debounce, func() {
		if err := mi.Flush(); err != nil {
			logging.Key(mi.key).Warn("debounced commit failed", zap.Error(err))
		}
	})
}

// Flush commits every staged dirty field immediately, as a single Delta
// commit, and cancels any pending debounce timer.
func (mi *ManagedItem) Flush() error {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.flushLocked()
}

func (mi *ManagedItem) flushLocked() error {
	if mi.timer != nil {
		mi.timer.Stop()
		mi.timer = nil
	}
	if len(mi.dirty) == 0 {
		return nil
	}
	target := mi.current
	var err error
	for field, v := range mi.dirty {
		target, err = target.Set(field, v)
		if err != nil {
			return err
		}
	}
	c, err := commit.BuildDelta(mi.db.signer, mi.key, mi.db.orgID, mi.current, target, mi.baseCommit, []hash.Hash{mi.baseCommit}, mi.db.buildVer, mi.db.now())
	if err != nil {
		return err
	}
	if err := mi.e.repo.PersistVerifiedCommits([]*commit.Commit{c}); err != nil {
		return err
	}
	mi.current = target
	mi.baseCommit = c.ID
	mi.dirty = map[string]val.Value{}
	return nil
}
