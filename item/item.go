// Package item implements the schema-bound record type of spec.md §4.2.
package item

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/goatplatform/goatdb-core/schema"
	"github.com/goatplatform/goatdb-core/val"
)

var (
	// ErrMissingRequired is returned when a required field is absent.
	ErrMissingRequired = errors.New("missing required field")
	// ErrTypeMismatch is returned when a field's value type does not match
	// the schema.
	ErrTypeMismatch = errors.New("field type mismatch")
	// ErrUnknownField is returned for a field name the schema does not
	// declare.
	ErrUnknownField = errors.New("unknown field")
)

// Item is an immutable-once-embedded record: a schema plus a field-name ->
// Value mapping.
type Item struct {
	Schema *schema.Schema
	data   map[string]val.Value
}

// New builds an Item, validating every required field is present and every
// present field's type matches the schema.
func New(s *schema.Schema, data map[string]val.Value) (Item, error) {
	it := Item{Schema: s, data: make(map[string]val.Value, len(data))}
	for k, v := range data {
		fd, ok := s.Fields[k]
		if !ok {
			return Item{}, errors.Wrapf(ErrUnknownField, "%s", k)
		}
		if v.Type() != fd.Type {
			return Item{}, errors.Wrapf(ErrTypeMismatch, "%s: want %s got %s", k, fd.Type, v.Type())
		}
		it.data[k] = v
	}
	for _, name := range s.RequiredFields() {
		if _, ok := it.data[name]; !ok {
			return Item{}, errors.Wrapf(ErrMissingRequired, "%s", name)
		}
	}
	return it, nil
}

// Get returns field's value, if present.
func (it Item) Get(field string) (val.Value, bool) {
	v, ok := it.data[field]
	return v, ok
}

// Set returns a new Item with field set to v.
func (it Item) Set(field string, v val.Value) (Item, error) {
	fd, ok := it.Schema.Fields[field]
	if !ok {
		return Item{}, errors.Wrapf(ErrUnknownField, "%s", field)
	}
	if v.Type() != fd.Type {
		return Item{}, errors.Wrapf(ErrTypeMismatch, "%s: want %s got %s", field, fd.Type, v.Type())
	}
	out := it.clone()
	out.data[field] = v
	return out, nil
}

// IsDeleted reports whether this item's tombstone field is set.
func (it Item) IsDeleted() bool {
	v, ok := it.data[schema.TombstoneField]
	return ok && bool(v.(val.Boolean))
}

func (it Item) clone() Item {
	out := Item{Schema: it.Schema, data: make(map[string]val.Value, len(it.data))}
	for k, v := range it.data {
		out.data[k] = v
	}
	return out
}

// Clone returns a deep-enough copy of it (Values are immutable, so this
// only copies the field map).
func (it Item) Clone() Item { return it.clone() }

// Fields returns the sorted list of field names this item carries.
func (it Item) Fields() []string {
	out := make([]string, 0, len(it.data))
	for k := range it.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Checksum is the checksum of the canonical encoding of the field map
// (spec.md §3 "Item" invariants).
func (it Item) Checksum() uint64 {
	m := val.NewMap(it.data)
	return m.Checksum()
}

// CanonicalBytes returns the canonical encoding of the field map.
func (it Item) CanonicalBytes() []byte {
	return val.NewMap(it.data).CanonicalBytes()
}

// Diff produces the FieldChange list (tagged with Field) patching it into
// other. Both items must share the same schema namespace.
func (it Item) Diff(other Item) ([]val.FieldChange, error) {
	var changes []val.FieldChange
	allFields := map[string]struct{}{}
	for k := range it.data {
		allFields[k] = struct{}{}
	}
	for k := range other.data {
		allFields[k] = struct{}{}
	}
	for field := range allFields {
		srcV, inSrc := it.data[field]
		dstV, inDst := other.data[field]
		switch {
		case inSrc && inDst:
			fc, err := val.DiffValue(srcV, dstV)
			if err != nil {
				return nil, err
			}
			for _, c := range fc {
				c.Field = field
				changes = append(changes, c)
			}
		case !inSrc && inDst:
			changes = append(changes, val.FieldChange{Field: field, Op: val.OpReplace, Val: dstV})
		case inSrc && !inDst:
			changes = append(changes, val.FieldChange{Field: field, Op: val.OpMapDel})
		}
	}
	return changes, nil
}

// Patch applies changes (as produced by Diff) to it, returning the patched
// Item.
func (it Item) Patch(changes []val.FieldChange) (Item, error) {
	out := it.clone()
	byField := map[string][]val.FieldChange{}
	for _, c := range changes {
		byField[c.Field] = append(byField[c.Field], c)
	}
	for field, fcs := range byField {
		if len(fcs) == 1 && fcs[0].Op == val.OpMapDel && fcs[0].Key == "" {
			delete(out.data, field)
			continue
		}
		cur := out.data[field]
		patched, err := val.PatchValue(cur, fcs, nil)
		if err != nil {
			return Item{}, errors.Wrapf(err, "patch field %s", field)
		}
		out.data[field] = patched
	}
	return out, nil
}

// UpgradeTo walks reg's upgrade chain from it.Schema's version to target,
// calling each step's FieldDef.UpgradeFrom and applying defaults for newly
// required fields (spec.md §4.2).
func (it Item) UpgradeTo(reg *schema.Registry, target *schema.Schema) (Item, error) {
	if it.Schema.Namespace != target.Namespace {
		return Item{}, errors.Wrapf(ErrTypeMismatch, "namespace %s vs %s", it.Schema.Namespace, target.Namespace)
	}
	if it.Schema.Version == target.Version {
		return it, nil
	}
	chain, err := reg.UpgradeChain(it.Schema.Namespace, it.Schema.Version, target.Version)
	if err != nil {
		return Item{}, err
	}
	cur := it
	for _, step := range chain {
		next := cur.clone()
		next.Schema = step
		for name, fd := range step.Fields {
			existing, had := cur.data[name]
			switch {
			case had && fd.UpgradeFrom != nil:
				upgraded, err := fd.UpgradeFrom(existing)
				if err != nil {
					return Item{}, errors.Wrapf(err, "upgrade field %s", name)
				}
				next.data[name] = upgraded
			case had:
				next.data[name] = existing
			case !had && fd.Required:
				if fd.Default == nil {
					return Item{}, errors.Wrapf(ErrMissingRequired, "%s (no default on upgrade)", name)
				}
				next.data[name] = fd.Default()
			}
		}
		// Drop fields the new schema no longer declares.
		for name := range next.data {
			if _, ok := step.Fields[name]; !ok {
				delete(next.data, name)
			}
		}
		cur = next
	}
	return cur, nil
}
