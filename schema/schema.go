// Package schema implements the named, versioned schema description and its
// process-wide registry (spec.md §3 "Schema", §9 "Process-wide schema
// registry").
package schema

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/goatplatform/goatdb-core/val"
)

// TombstoneField is the reserved field every schema implicitly carries,
// resolving SPEC_FULL.md's tombstone Open Question: item deletion is
// schema-level via this field, never commit-level.
const TombstoneField = "__tombstone__"

// FieldDef describes one field of a Schema.
type FieldDef struct {
	Type     val.Type
	Required bool
	// Default produces the field's value when upgrading an item that lacks
	// it. May be nil for fields that are always required at creation time.
	Default func() val.Value
	// UpgradeFrom converts a field's value from the immediately preceding
	// schema version, when that field's representation changed across the
	// upgrade. nil means "carry the value across unchanged".
	UpgradeFrom func(prior val.Value) (val.Value, error)
}

// Schema is a named, versioned field map.
type Schema struct {
	Namespace string
	Version   int
	Fields    map[string]FieldDef
}

// New constructs a Schema, injecting the reserved tombstone field.
func New(namespace string, version int, fields map[string]FieldDef) *Schema {
	merged := make(map[string]FieldDef, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged[TombstoneField] = FieldDef{
		Type:     val.TypeBoolean,
		Required: false,
		Default:  func() val.Value { return val.Boolean(false) },
	}
	return &Schema{Namespace: namespace, Version: version, Fields: merged}
}

// RequiredFields returns the sorted list of required field names.
func (s *Schema) RequiredFields() []string {
	var out []string
	for name, f := range s.Fields {
		if f.Required {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// key is a (namespace, version) registry key.
type key struct {
	ns  string
	ver int
}

var (
	// ErrUnknownSchema is returned by Lookup for an unregistered
	// (namespace, version) pair (spec.md §3).
	ErrUnknownSchema = errors.New("unknown schema")
	// ErrNoUpgradePath is returned when no ascending chain connects two
	// versions of a namespace (spec.md §4.2).
	ErrNoUpgradePath = errors.New("no upgrade path")
	// ErrAlreadyRegistered guards against silently clobbering a schema.
	ErrAlreadyRegistered = errors.New("schema already registered")
)

// Registry is a thread-safe, append-only (namespace, version) -> Schema
// map, per spec.md §9: "a thread-safe, append-only registry with explicit
// register(schema) and lookup(ns, ver); no dynamic reflection."
type Registry struct {
	mu       sync.RWMutex
	schemas  map[key]*Schema
	migrate  map[string]*sync.Mutex // one mutex per namespace, serialising upgrades
	migrateM sync.Mutex
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: map[key]*Schema{},
		migrate: map[string]*sync.Mutex{},
	}
}

// Register adds s. Re-registering the same (namespace, version) is an
// error: the registry is append-only.
func (r *Registry) Register(s *Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{s.Namespace, s.Version}
	if _, ok := r.schemas[k]; ok {
		return errors.Wrapf(ErrAlreadyRegistered, "%s v%d", s.Namespace, s.Version)
	}
	r.schemas[k] = s
	return nil
}

// Lookup returns the schema for (namespace, version).
func (r *Registry) Lookup(namespace string, version int) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[key{namespace, version}]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSchema, "%s v%d", namespace, version)
	}
	return s, nil
}

// Latest returns the highest registered version for namespace.
func (r *Registry) Latest(namespace string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Schema
	for k, s := range r.schemas {
		if k.ns != namespace {
			continue
		}
		if best == nil || s.Version > best.Version {
			best = s
		}
	}
	if best == nil {
		return nil, errors.Wrapf(ErrUnknownSchema, "%s <any version>", namespace)
	}
	return best, nil
}

// UpgradeChain returns the ordered sequence of schemas from just-above
// `from` through `to`, inclusive of `to`, used to walk field upgrades one
// version at a time (spec.md §4.2).
func (r *Registry) UpgradeChain(namespace string, from, to int) ([]*Schema, error) {
	if to < from {
		return nil, errors.Wrapf(ErrNoUpgradePath, "%s: %d > %d", namespace, from, to)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var chain []*Schema
	for v := from + 1; v <= to; v++ {
		s, ok := r.schemas[key{namespace, v}]
		if !ok {
			return nil, errors.Wrapf(ErrNoUpgradePath, "%s: missing v%d", namespace, v)
		}
		chain = append(chain, s)
	}
	return chain, nil
}

// BeginMigration acquires the single per-namespace migration slot,
// resolving SPEC_FULL.md's "concurrent schema upgrades" Open Question:
// concurrent upgrades are forbidden and serialised through this mutex
// rather than merged.
func (r *Registry) BeginMigration(namespace string) func() {
	r.migrateM.Lock()
	m, ok := r.migrate[namespace]
	if !ok {
		m = &sync.Mutex{}
		r.migrate[namespace] = m
	}
	r.migrateM.Unlock()

	m.Lock()
	return m.Unlock
}

func (k key) String() string { return fmt.Sprintf("%s@%d", k.ns, k.ver) }
