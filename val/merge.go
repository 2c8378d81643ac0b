package val

import "github.com/pkg/errors"

// MergeContext supplies the commit metadata scalar last-write-wins needs
// (spec.md §4.1: "last-write-wins by commit timestamp, breaking ties by
// commit id").
type MergeContext struct {
	ATimestamp int64
	ACommitID  string
	BTimestamp int64
	BCommitID  string
}

// pickLWW returns true if b should win over a under last-write-wins.
func (c MergeContext) pickLWW() bool {
	if c.ATimestamp != c.BTimestamp {
		return c.BTimestamp > c.ATimestamp
	}
	return c.BCommitID > c.ACommitID
}

// Merge3 dispatches to the type-specific three-way merge policy of
// spec.md §4.1. base may be nil to represent "field absent in the common
// ancestor".
func Merge3(base, a, b Value, ctx MergeContext) (Value, error) {
	if a == nil && b == nil {
		return nil, nil
	}
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}
	if a.Type() != b.Type() {
		return nil, errors.Wrapf(ErrSchemaMismatch, "merge3: %s vs %s", a.Type(), b.Type())
	}

	switch av := a.(type) {
	case Set:
		bv := b.(Set)
		var baseSet Set
		if base != nil {
			baseSet = base.(Set)
		} else {
			baseSet = NewSet()
		}
		return MergeSet3(baseSet, av, bv), nil
	case Map:
		bv := b.(Map)
		var baseMap Map
		if base != nil {
			baseMap = base.(Map)
		} else {
			baseMap = NewMap(nil)
		}
		return MergeMap3(baseMap, av, bv, ctx)
	case RichText:
		bv := b.(RichText)
		var baseRT RichText
		if base != nil {
			baseRT = base.(RichText)
		}
		return MergeRichText3(baseRT, av, bv, !ctx.pickLWW()), nil
	default:
		// Scalars: string/number/boolean/date.
		if base != nil && a.Equals(base) {
			return b, nil
		}
		if base != nil && b.Equals(base) {
			return a, nil
		}
		if a.Equals(b) {
			return a, nil
		}
		if ctx.pickLWW() {
			return b, nil
		}
		return a, nil
	}
}

// DiffValue produces the FieldChange list patching src into dst, dispatched
// by type. For scalars this is a single OpReplace (or none, if equal).
func DiffValue(src, dst Value) ([]FieldChange, error) {
	if src != nil && dst != nil && src.Type() != dst.Type() {
		return nil, errors.Wrapf(ErrSchemaMismatch, "diff: %s vs %s", src.Type(), dst.Type())
	}
	switch d := dst.(type) {
	case Set:
		var s Set
		if src != nil {
			s = src.(Set)
		} else {
			s = NewSet()
		}
		return DiffSet(s, d), nil
	case Map:
		var s Map
		if src != nil {
			s = src.(Map)
		} else {
			s = NewMap(nil)
		}
		return DiffMap(s, d), nil
	default:
		if src != nil && dst != nil && src.Equals(dst) {
			return nil, nil
		}
		return []FieldChange{{Op: OpReplace, Val: dst}}, nil
	}
}

// PatchValue applies changes (as produced by DiffValue) to src, returning
// the patched value. zero must be the zero value of the target type when
// src is nil (e.g. a newly-added field).
func PatchValue(src Value, changes []FieldChange, zero Value) (Value, error) {
	if len(changes) == 0 {
		return src, nil
	}
	switch changes[0].Op {
	case OpSetAdd, OpSetDel:
		var s Set
		if src != nil {
			s = src.(Set)
		} else {
			s = NewSet()
		}
		return PatchSet(s, changes), nil
	case OpMapSet, OpMapDel:
		var s Map
		if src != nil {
			s = src.(Map)
		} else {
			s = NewMap(nil)
		}
		return PatchMap(s, changes), nil
	case OpReplace:
		return changes[0].Val, nil
	default:
		_ = zero
		return src, errors.New("unsupported patch op for value")
	}
}
