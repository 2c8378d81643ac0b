package bloomfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatplatform/goatdb-core/hash"
)

// Grounded on spec.md §8: "observed FPR on n distinct inserts and n distinct
// probes is <= 2p" and the standard Add/MayContain contract shown in
// teacher-adjacent bloom-filter usages (AKJUS-bsc-erigon, ethereum-go-ethereum).

func TestAddMayContain(t *testing.T) {
	f := New(1000, 0.01)
	inserted := make([]hash.Hash, 0, 1000)
	for i := 0; i < 1000; i++ {
		h := hash.Of([]byte{byte(i), byte(i >> 8)})
		f.Add(h)
		inserted = append(inserted, h)
	}
	for _, h := range inserted {
		assert.True(t, f.MayContain(h))
	}
}

func TestFalsePositiveRateBound(t *testing.T) {
	const n = 2000
	const p = 0.01
	f := New(n, p)
	for i := 0; i < n; i++ {
		f.Add(hash.Of([]byte{byte(i), byte(i >> 8), 1}))
	}
	falsePositives := 0
	for i := n; i < 2*n; i++ {
		if f.MayContain(hash.Of([]byte{byte(i), byte(i >> 8), 2})) {
			falsePositives++
		}
	}
	observed := float64(falsePositives) / float64(n)
	assert.LessOrEqual(t, observed, 2*p)
}

func TestMarshalRoundTrip(t *testing.T) {
	f := New(100, 0.01)
	h := hash.Of([]byte("a-key"))
	f.Add(h)

	b, err := f.Marshal()
	require.NoError(t, err)

	f2, err := Unmarshal(b)
	require.NoError(t, err)
	assert.True(t, f2.MayContain(h))
}

func TestMarshalBase64RoundTrip(t *testing.T) {
	f := New(10, 0.01)
	h := hash.Of([]byte("x"))
	f.Add(h)

	s, err := f.MarshalBase64()
	require.NoError(t, err)

	f2, err := UnmarshalBase64(s)
	require.NoError(t, err)
	assert.True(t, f2.MayContain(h))
}

func TestEmptyMayContainNothingReliably(t *testing.T) {
	f := Empty()
	// No bit of an empty filter is set, so it reports absence for every key
	// and never panics.
	assert.NotPanics(t, func() {
		assert.False(t, f.MayContain(hash.Of([]byte("anything"))))
	})
}
