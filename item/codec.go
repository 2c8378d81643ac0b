package item

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/goatplatform/goatdb-core/schema"
	"github.com/goatplatform/goatdb-core/val"
)

// wireItem is the JSON wire encoding of an Item: its schema coordinates
// plus a field -> wireValue map. Fields are alphabetically ordered by
// Go's native map-key JSON sort, giving the canonical encoding spec.md §9
// requires.
type wireItem struct {
	Namespace string                    `json:"namespace"`
	Version   int                       `json:"version"`
	Fields    map[string]json.RawMessage `json:"fields"`
}

// EncodeCanonical renders it as canonical wire bytes.
func (it Item) EncodeCanonical() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(it.data))
	for k, v := range it.data {
		b, err := val.EncodeValueJSON(v)
		if err != nil {
			return nil, errors.Wrapf(err, "encode field %s", k)
		}
		fields[k] = b
	}
	return json.Marshal(wireItem{Namespace: it.Schema.Namespace, Version: it.Schema.Version, Fields: fields})
}

// DecodeCanonical reconstructs an Item from EncodeCanonical's output,
// looking the schema up in reg.
func DecodeCanonical(data []byte, reg *schema.Registry) (Item, error) {
	var w wireItem
	if err := json.Unmarshal(data, &w); err != nil {
		return Item{}, errors.Wrap(err, "decode item")
	}
	s, err := reg.Lookup(w.Namespace, w.Version)
	if err != nil {
		return Item{}, err
	}
	data2 := make(map[string]val.Value, len(w.Fields))
	for k, raw := range w.Fields {
		v, err := val.DecodeValueJSON(raw)
		if err != nil {
			return Item{}, errors.Wrapf(err, "decode field %s", k)
		}
		data2[k] = v
	}
	return New(s, data2)
}
