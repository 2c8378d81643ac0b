package val

import "sort"

// Map implements val.Type TypeMap: map<string, V>.
type Map struct {
	entries map[string]Value
}

func NewMap(entries map[string]Value) Map {
	m := Map{entries: make(map[string]Value, len(entries))}
	for k, v := range entries {
		m.entries[k] = v
	}
	return m
}

func (Map) Type() Type { return TypeMap }

func (m Map) Len() int { return len(m.entries) }

func (m Map) Get(key string) (Value, bool) {
	v, ok := m.entries[key]
	return v, ok
}

func (m Map) Set(key string, v Value) Map {
	out := m.clone()
	out.entries[key] = v
	return out
}

func (m Map) Delete(key string) Map {
	out := m.clone()
	delete(out.entries, key)
	return out
}

func (m Map) clone() Map {
	out := Map{entries: make(map[string]Value, len(m.entries))}
	for k, v := range m.entries {
		out.entries[k] = v
	}
	return out
}

// Keys returns the map's keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m Map) Equals(other Value) bool {
	o, ok := other.(Map)
	if !ok || len(m.entries) != len(o.entries) {
		return false
	}
	for k, v := range m.entries {
		ov, ok := o.entries[k]
		if !ok || !v.Equals(ov) {
			return false
		}
	}
	return true
}

func (m Map) CanonicalBytes() []byte {
	// encoding/json sorts map[string]json.RawMessage keys, giving us the
	// required deterministic key order for free.
	raw := make(map[string]rawJSON, len(m.entries))
	for k, v := range m.entries {
		raw[k] = rawJSON(v.CanonicalBytes())
	}
	return mustCanon(raw)
}

func (m Map) Checksum() uint64 { return checksum64(m.CanonicalBytes()) }

type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) { return r, nil }

// DiffMap produces per-key set/delete FieldChanges turning src into dst.
func DiffMap(src, dst Map) []FieldChange {
	var changes []FieldChange
	for k, v := range dst.entries {
		if old, ok := src.entries[k]; !ok || !old.Equals(v) {
			changes = append(changes, FieldChange{Op: OpMapSet, Key: k, Val: v})
		}
	}
	for k := range src.entries {
		if _, ok := dst.entries[k]; !ok {
			changes = append(changes, FieldChange{Op: OpMapDel, Key: k})
		}
	}
	return changes
}

// PatchMap applies changes (as produced by DiffMap) to src.
func PatchMap(src Map, changes []FieldChange) Map {
	out := src.clone()
	for _, c := range changes {
		switch c.Op {
		case OpMapSet:
			out.entries[c.Key] = c.Val
		case OpMapDel:
			delete(out.entries, c.Key)
		}
	}
	return out
}

// MergeMap3 implements spec.md §4.1's map merge policy: per-key three-way
// merge using the inner type's merge3; insertions from both sides
// preserved, deletions honoured.
func MergeMap3(base, a, b Map, ctx MergeContext) (Map, error) {
	out := Map{entries: map[string]Value{}}
	keys := map[string]struct{}{}
	for k := range base.entries {
		keys[k] = struct{}{}
	}
	for k := range a.entries {
		keys[k] = struct{}{}
	}
	for k := range b.entries {
		keys[k] = struct{}{}
	}
	for k := range keys {
		baseV, inBase := base.entries[k]
		aV, inA := a.entries[k]
		bV, inB := b.entries[k]

		switch {
		case inA && inB:
			var bv Value
			if inBase {
				bv = baseV
			} else if aV.Equals(bV) {
				bv = aV
			} else {
				bv = nil
			}
			merged, err := Merge3(bv, aV, bV, ctx)
			if err != nil {
				return Map{}, err
			}
			out.entries[k] = merged
		case inA && !inB:
			if !inBase || !aV.Equals(baseV) {
				out.entries[k] = aV
			}
			// else: b deleted it and a left it unchanged -> deletion wins
		case !inA && inB:
			if !inBase || !bV.Equals(baseV) {
				out.entries[k] = bV
			}
		default:
			// deleted on both sides, or never existed: omit
		}
	}
	return out, nil
}
