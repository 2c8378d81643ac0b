package commit

import (
	"encoding/base64"
	"encoding/json"

	"github.com/goatplatform/goatdb-core/bloomfilter"
	"github.com/goatplatform/goatdb-core/val"
)

func base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func base64Decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

func unmarshalFilterBase64(s string) (*bloomfilter.Filter, error) {
	return bloomfilter.UnmarshalBase64(s)
}

func encodeFieldChangesPublic(changes []val.FieldChange) (json.RawMessage, error) {
	b, err := val.EncodeFieldChanges(changes)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func decodeFieldChangesPublic(raw json.RawMessage) ([]val.FieldChange, error) {
	return val.DecodeFieldChanges(raw)
}
