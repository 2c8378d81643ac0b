// Package val implements the typed Value model of spec.md §3/§4.1: scalar,
// set, map and richtext values, each with equality, checksum, diff/patch and
// three-way merge.
package val

import (
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/goatplatform/goatdb-core/internal/canon"
)

// Type enumerates the closed set of value types spec.md §3 allows.
type Type int

const (
	TypeString Type = iota
	TypeNumber
	TypeBoolean
	TypeDate
	TypeSet
	TypeMap
	TypeRichText
)

func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeBoolean:
		return "boolean"
	case TypeDate:
		return "date"
	case TypeSet:
		return "set"
	case TypeMap:
		return "map"
	case TypeRichText:
		return "richtext"
	default:
		return "unknown"
	}
}

var (
	// ErrSchemaMismatch is returned when an operation sees a value of the
	// wrong Type for its field.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrInvalidPatch is returned when a patch's source checksum disagrees
	// with the value it is being applied to.
	ErrInvalidPatch = errors.New("invalid patch: source checksum mismatch")
	// ErrCorruptValue is returned when a value's encoding cannot be
	// interpreted as its declared Type.
	ErrCorruptValue = errors.New("corrupt value")
)

// Value is implemented by every concrete value type (String, Number,
// Boolean, Date, Set, Map, RichText).
type Value interface {
	Type() Type
	// Equals reports structural equality with another Value of the same Type.
	Equals(other Value) bool
	// Checksum is a deterministic 64-bit digest of the canonical encoding,
	// stable across platforms for the same value.
	Checksum() uint64
	// CanonicalBytes is the canonical, sorted-key, deterministic encoding
	// used for both checksums and content addressing.
	CanonicalBytes() []byte
}

// ChangeOp enumerates the kinds of edit a FieldChange can carry.
type ChangeOp int

const (
	OpReplace  ChangeOp = iota // scalar whole-value replace
	OpSetAdd                   // set<T>: add an element
	OpSetDel                   // set<T>: remove an element
	OpMapSet                   // map<string,V>: set key to value (insert or replace)
	OpMapDel                   // map<string,V>: delete key
	OpTextIns                  // richtext: insert text at a linear position
	OpTextDel                  // richtext: delete a span starting at a linear position
	OpTextMark                 // richtext: union a formatting mark onto a span
)

// FieldChange is one element of the diff op list spec.md §4.1 describes:
// "diff(src, dst) -> list of field-changes that patches source to target".
// Field is populated only for Item-level diffs (spec.md §4.2); value-level
// diffs leave it empty and locate the edit with Elem (sets) or Key (maps).
// RichText values are diffed as a single OpReplace.
type FieldChange struct {
	Field string   // item field name (Item.diff only)
	Path  []string // map key path; no diff sets it and the wire encoding does not carry it
	Op    ChangeOp
	Elem  Value  // set element added/removed
	Key   string // map key set/deleted
	Val   Value  // map value set, or scalar replacement value
	Pos   int    // richtext: linear character position
	Len   int    // richtext: delete length, or insert text length
	Text  string // richtext: inserted text
	Mark  string // richtext: mark name unioned over [Pos, Pos+Len)
}

// checksum64 hashes canonically-encoded bytes with xxhash, grounded on
// dolthub-dolt/go/go.mod's cespare/xxhash/v2 dependency.
func checksum64(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// numberCanonicalString renders f via canon.FormatNumber for stable,
// trailing-zero-free numeric formatting.
func numberCanonicalString(n Number) string {
	return canon.FormatNumber(float64(n))
}

// canonMarshalRaw emits s as a raw (unquoted) JSON token, used for Number's
// canonical encoding since canon.FormatNumber already produces a valid JSON
// number literal.
func canonMarshalRaw(s string) ([]byte, error) {
	return []byte(s), nil
}

func mustCanon(v interface{}) []byte {
	b, err := canon.Marshal(v)
	if err != nil {
		// Canonical marshaling of our own closed value set cannot fail;
		// a failure here means a value type was built incorrectly.
		panic(errors.Wrap(err, "canonical encoding"))
	}
	return b
}
