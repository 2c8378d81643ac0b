// Package canon implements the canonical, deterministic encoding used as the
// sole basis for content-addressing and signature stability (spec.md §9
// "Canonical encoding"): sorted map keys, stable numeric formatting, and
// deterministic set ordering.
package canon

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// FormatNumber renders f with the fewest digits that round-trip, trimming
// trailing fractional zeros, and with no exponent for ordinary magnitudes -
// matching spec.md §9's "no trailing zeros on integers, fixed representation
// for floats".
func FormatNumber(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "-0" {
		s = "0"
	}
	return s
}

// SortByCanonicalBytes sorts elems (already canonically-encoded byte slices)
// ascending, giving deterministic set ordering independent of insertion
// order.
func SortByCanonicalBytes(elems [][]byte) {
	sort.Slice(elems, func(i, j int) bool {
		return bytes.Compare(elems[i], elems[j]) < 0
	})
}

// Marshal marshals v with sorted object keys (Go's encoding/json already
// sorts map[string]X keys) and compact separators. Callers that need set
// ordering must pre-sort slices with SortByCanonicalBytes before calling
// Marshal on the containing structure.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
