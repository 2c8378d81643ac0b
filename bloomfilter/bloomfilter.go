// Package bloomfilter wraps a standard Bloom filter for the probabilistic
// ancestor summaries embedded in commits (spec.md §3 "Bloom filter") and
// exchanged by the sync protocol (spec.md §4.6).
package bloomfilter

import (
	"bytes"
	"encoding/base64"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"

	"github.com/goatplatform/goatdb-core/hash"
)

// Filter is a capacity/false-positive-rate parameterised Bloom filter over
// hash.Hash keys.
type Filter struct {
	capacity uint
	fpRate   float64
	inner    *bloom.BloomFilter
}

// New builds an empty Filter sized for capacity distinct elements at the
// given target false-positive rate, per the standard formulas (delegated to
// bits-and-blooms/bloom, which derives bit-array size m and hash count k the
// same way: m = ceil(-n*ln(p)/ln(2)^2), k = round(m/n * ln(2))).
func New(capacity uint, fpRate float64) *Filter {
	if capacity == 0 {
		capacity = 1
	}
	return &Filter{
		capacity: capacity,
		fpRate:   fpRate,
		inner:    bloom.NewWithEstimates(capacity, fpRate),
	}
}

// Empty returns a fresh filter sized for a single element (Capacity 1, 1%
// false-positive rate): with no keys added it MayContain nothing, and Add on
// it is always legal.
func Empty() *Filter {
	return New(1, 0.01)
}

// Add inserts key into the filter.
func (f *Filter) Add(key hash.Hash) {
	d := key.Digest()
	f.inner.Add(d[:])
}

// MayContain reports whether key may be present; false means definitely
// absent, true means present-or-false-positive.
func (f *Filter) MayContain(key hash.Hash) bool {
	d := key.Digest()
	return f.inner.Test(d[:])
}

// Capacity returns the capacity this filter was constructed for.
func (f *Filter) Capacity() uint { return f.capacity }

// FalsePositiveRate returns the target false-positive rate this filter was
// constructed for.
func (f *Filter) FalsePositiveRate() float64 { return f.fpRate }

// Marshal serialises the filter to bytes for embedding in a commit or wire
// message.
func (f *Filter) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.inner.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "marshal bloom filter")
	}
	return buf.Bytes(), nil
}

// Unmarshal builds a new Filter from bytes previously produced by Marshal.
func Unmarshal(data []byte) (*Filter, error) {
	inner := &bloom.BloomFilter{}
	if _, err := inner.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, errors.Wrap(err, "unmarshal bloom filter")
	}
	// The wire encoding carries only the bit array and hash count; the
	// original (capacity, fpRate) parameters are not recoverable from it,
	// so a deserialised Filter reports its bit-array size as capacity for
	// diagnostic purposes only.
	return &Filter{inner: inner, capacity: inner.Cap()}, nil
}

// MarshalBase64 is a convenience for JSON wire bodies (BloomReq/BloomRsp),
// which carry the filter as a base64 string alongside plain integer fields.
func (f *Filter) MarshalBase64() (string, error) {
	b, err := f.Marshal()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// UnmarshalBase64 is the counterpart of MarshalBase64.
func UnmarshalBase64(s string) (*Filter, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decode base64 bloom filter")
	}
	return Unmarshal(b)
}
