package val

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// wireValue is the JSON wire encoding of any Value, used for persistence
// (the append-only commit log) and sync transport. It is deliberately
// explicit about the type tag rather than relying on structural sniffing,
// mirroring how the teacher's codebase tags encoded noms values with a
// kind byte.
type wireValue struct {
	T string `json:"t"`

	S string `json:"s,omitempty"`
	N float64 `json:"n,omitempty"`
	B bool   `json:"b,omitempty"`
	D int64  `json:"d,omitempty"`

	Set  []wireValue          `json:"set,omitempty"`
	Map  map[string]wireValue `json:"map,omitempty"`
	Rich *wireRichText        `json:"rich,omitempty"`
}

type wireLeaf struct {
	Text  string   `json:"text"`
	Marks []string `json:"marks,omitempty"`
}

type wireParagraph struct {
	Leaves []wireLeaf `json:"leaves"`
}

type wireRichText struct {
	Paragraphs []wireParagraph `json:"paragraphs"`
}

// ErrUnknownWireType is returned when decoding a wireValue with an
// unrecognised type tag.
var ErrUnknownWireType = errors.New("unknown wire value type")

// ToWire converts v to its wire form. v may be nil, producing the zero
// wireValue (decoded back as nil by FromWire).
func ToWire(v Value) wireValue {
	if v == nil {
		return wireValue{}
	}
	switch t := v.(type) {
	case String:
		return wireValue{T: "string", S: string(t)}
	case Number:
		return wireValue{T: "number", N: float64(t)}
	case Boolean:
		return wireValue{T: "boolean", B: bool(t)}
	case Date:
		return wireValue{T: "date", D: t.UnixMilli}
	case Set:
		els := t.Elements()
		w := wireValue{T: "set", Set: make([]wireValue, len(els))}
		for i, e := range els {
			w.Set[i] = ToWire(e)
		}
		return w
	case Map:
		w := wireValue{T: "map", Map: map[string]wireValue{}}
		for _, k := range t.Keys() {
			v, _ := t.Get(k)
			w.Map[k] = ToWire(v)
		}
		return w
	case RichText:
		rt := &wireRichText{}
		for _, p := range t.Paragraphs {
			wp := wireParagraph{}
			for _, l := range p.Leaves {
				wp.Leaves = append(wp.Leaves, wireLeaf{Text: l.Text, Marks: l.Marks})
			}
			rt.Paragraphs = append(rt.Paragraphs, wp)
		}
		return wireValue{T: "richtext", Rich: rt}
	default:
		return wireValue{T: "unknown"}
	}
}

// FromWire reconstructs a Value from its wire form.
func FromWire(w wireValue) (Value, error) {
	switch w.T {
	case "":
		return nil, nil
	case "string":
		return String(w.S), nil
	case "number":
		return Number(w.N), nil
	case "boolean":
		return Boolean(w.B), nil
	case "date":
		return Date{UnixMilli: w.D}, nil
	case "set":
		els := make([]Value, 0, len(w.Set))
		for _, e := range w.Set {
			v, err := FromWire(e)
			if err != nil {
				return nil, err
			}
			els = append(els, v)
		}
		return NewSet(els...), nil
	case "map":
		entries := make(map[string]Value, len(w.Map))
		for k, e := range w.Map {
			v, err := FromWire(e)
			if err != nil {
				return nil, err
			}
			entries[k] = v
		}
		return NewMap(entries), nil
	case "richtext":
		rt := RichText{}
		if w.Rich != nil {
			for _, p := range w.Rich.Paragraphs {
				para := Paragraph{}
				for _, l := range p.Leaves {
					para.Leaves = append(para.Leaves, Leaf{Text: l.Text, Marks: l.Marks})
				}
				rt.Paragraphs = append(rt.Paragraphs, para)
			}
		}
		return rt, nil
	default:
		return nil, errors.Wrapf(ErrUnknownWireType, "%q", w.T)
	}
}

// wireFieldChange is the deterministic wire/sort form of a FieldChange.
type wireFieldChange struct {
	Field string    `json:"field,omitempty"`
	Op    int       `json:"op"`
	Elem  wireValue `json:"elem,omitempty"`
	Key   string    `json:"key,omitempty"`
	Val   wireValue `json:"val,omitempty"`
	Pos   int       `json:"pos,omitempty"`
	Len   int       `json:"len,omitempty"`
	Text  string    `json:"text,omitempty"`
	Mark  string    `json:"mark,omitempty"`
}

func toWireFieldChange(c FieldChange) wireFieldChange {
	return wireFieldChange{
		Field: c.Field,
		Op:    int(c.Op),
		Elem:  ToWire(c.Elem),
		Key:   c.Key,
		Val:   ToWire(c.Val),
		Pos:   c.Pos,
		Len:   c.Len,
		Text:  c.Text,
		Mark:  c.Mark,
	}
}

func fromWireFieldChange(w wireFieldChange) (FieldChange, error) {
	elem, err := FromWire(w.Elem)
	if err != nil {
		return FieldChange{}, err
	}
	v, err := FromWire(w.Val)
	if err != nil {
		return FieldChange{}, err
	}
	return FieldChange{
		Field: w.Field,
		Op:    ChangeOp(w.Op),
		Elem:  elem,
		Key:   w.Key,
		Val:   v,
		Pos:   w.Pos,
		Len:   w.Len,
		Text:  w.Text,
		Mark:  w.Mark,
	}, nil
}

// sortKey produces a stable sort key for a FieldChange so that encoding the
// same logical change set always yields the same byte sequence regardless
// of the map-iteration order it was built in (spec.md §9 determinism).
func sortKey(c FieldChange) string {
	b, _ := canonMarshalValue(c)
	return string(b)
}

func canonMarshalValue(c FieldChange) ([]byte, error) {
	w := toWireFieldChange(c)
	return jsonMarshalCompact(w)
}

func jsonMarshalCompact(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// EncodeFieldChanges renders changes as canonical, deterministically
// ordered wire bytes.
func EncodeFieldChanges(changes []FieldChange) ([]byte, error) {
	sorted := make([]FieldChange, len(changes))
	copy(sorted, changes)
	sort.Slice(sorted, func(i, j int) bool {
		return sortKey(sorted[i]) < sortKey(sorted[j])
	})
	wire := make([]wireFieldChange, len(sorted))
	for i, c := range sorted {
		wire[i] = toWireFieldChange(c)
	}
	return jsonMarshalCompact(wire)
}

// DecodeFieldChanges reverses EncodeFieldChanges.
func DecodeFieldChanges(data []byte) ([]FieldChange, error) {
	var wire []wireFieldChange
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errors.Wrap(err, "decode field changes")
	}
	out := make([]FieldChange, len(wire))
	for i, w := range wire {
		fc, err := fromWireFieldChange(w)
		if err != nil {
			return nil, err
		}
		out[i] = fc
	}
	return out, nil
}

// EncodeValueJSON renders v as wire JSON bytes.
func EncodeValueJSON(v Value) ([]byte, error) {
	return json.Marshal(ToWire(v))
}

// DecodeValueJSON reverses EncodeValueJSON.
func DecodeValueJSON(raw []byte) (Value, error) {
	var w wireValue
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, errors.Wrap(err, "decode value")
	}
	return FromWire(w)
}

// SortFieldChanges sorts changes into canonical order in place.
func SortFieldChanges(changes []FieldChange) {
	sort.Slice(changes, func(i, j int) bool {
		return sortKey(changes[i]) < sortKey(changes[j])
	})
}
