package val

import "sort"

// Set implements val.Type TypeSet: an unordered collection of distinct
// Values, deduplicated by their canonical encoding.
type Set struct {
	elems map[string]Value
}

// NewSet builds a Set from vs, deduplicating.
func NewSet(vs ...Value) Set {
	s := Set{elems: make(map[string]Value, len(vs))}
	for _, v := range vs {
		s.elems[string(v.CanonicalBytes())] = v
	}
	return s
}

func (Set) Type() Type { return TypeSet }

// Len returns the number of distinct elements.
func (s Set) Len() int { return len(s.elems) }

// Contains reports whether v (by canonical encoding) is a member.
func (s Set) Contains(v Value) bool {
	_, ok := s.elems[string(v.CanonicalBytes())]
	return ok
}

// Add returns a new Set with v inserted.
func (s Set) Add(v Value) Set {
	out := s.clone()
	out.elems[string(v.CanonicalBytes())] = v
	return out
}

// Remove returns a new Set with v removed, if present.
func (s Set) Remove(v Value) Set {
	out := s.clone()
	delete(out.elems, string(v.CanonicalBytes()))
	return out
}

func (s Set) clone() Set {
	out := Set{elems: make(map[string]Value, len(s.elems))}
	for k, v := range s.elems {
		out.elems[k] = v
	}
	return out
}

// Elements returns the set's members in canonical (sorted-by-encoding)
// order, matching spec.md §9's "deterministic set ordering".
func (s Set) Elements() []Value {
	keys := make([]string, 0, len(s.elems))
	for k := range s.elems {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Value, len(keys))
	for i, k := range keys {
		out[i] = s.elems[k]
	}
	return out
}

func (s Set) Equals(other Value) bool {
	o, ok := other.(Set)
	if !ok || len(s.elems) != len(o.elems) {
		return false
	}
	for k := range s.elems {
		if _, ok := o.elems[k]; !ok {
			return false
		}
	}
	return true
}

func (s Set) CanonicalBytes() []byte {
	els := s.Elements()
	raw := make([]string, len(els))
	for i, v := range els {
		raw[i] = string(v.CanonicalBytes())
	}
	return mustCanon(rawJSONArray(raw))
}

func (s Set) Checksum() uint64 { return checksum64(s.CanonicalBytes()) }

// Union returns a ∪ b.
func (a Set) Union(b Set) Set {
	out := a.clone()
	for k, v := range b.elems {
		out.elems[k] = v
	}
	return out
}

// Difference returns a \ b.
func (a Set) Difference(b Set) Set {
	out := Set{elems: make(map[string]Value, len(a.elems))}
	for k, v := range a.elems {
		if _, ok := b.elems[k]; !ok {
			out.elems[k] = v
		}
	}
	return out
}

// MergeSet3 implements spec.md §4.1's set merge policy:
// (a ∪ b) \ (base \ a) \ (base \ b) - additions from both sides preserved,
// deletions on either side honoured.
func MergeSet3(base, a, b Set) Set {
	return a.Union(b).Difference(base.Difference(a)).Difference(base.Difference(b))
}

// DiffSet produces the FieldChange op list turning src into dst.
func DiffSet(src, dst Set) []FieldChange {
	var changes []FieldChange
	for k, v := range dst.elems {
		if _, ok := src.elems[k]; !ok {
			changes = append(changes, FieldChange{Op: OpSetAdd, Elem: v})
		}
	}
	for k, v := range src.elems {
		if _, ok := dst.elems[k]; !ok {
			changes = append(changes, FieldChange{Op: OpSetDel, Elem: v})
		}
	}
	return changes
}

// PatchSet applies changes (as produced by DiffSet) to src.
func PatchSet(src Set, changes []FieldChange) Set {
	out := src.clone()
	for _, c := range changes {
		switch c.Op {
		case OpSetAdd:
			out.elems[string(c.Elem.CanonicalBytes())] = c.Elem
		case OpSetDel:
			delete(out.elems, string(c.Elem.CanonicalBytes()))
		}
	}
	return out
}

// rawJSONArray marshals pre-encoded raw JSON tokens as a JSON array without
// re-encoding each token, preserving canonical element bytes verbatim.
type rawJSONArray []string

func (r rawJSONArray) MarshalJSON() ([]byte, error) {
	out := []byte("[")
	for i, tok := range r {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, tok...)
	}
	out = append(out, ']')
	return out, nil
}
