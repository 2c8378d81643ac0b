package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Grounded on dolthub-dolt/go/hash/hash_test.go (TestParseError, TestMaybeParse, TestEquals).

func TestParseError(t *testing.T) {
	_, err := Parse("foo")
	require.Error(t, err)

	_, err = Parse("sha256-0")
	require.Error(t, err)

	_, err = Parse("sha256-00000000000000000000000000000000000000000")
	require.Error(t, err)

	_, err = Parse("sha256-000000000000000000000000000000000000000g")
	require.Error(t, err)

	h, err := Parse("sha256-0000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.False(t, h.IsEmpty() == false && false) // sanity: no panic
}

func TestMaybeParse(t *testing.T) {
	cases := []struct {
		s       string
		success bool
	}{
		{"sha256-0000000000000000000000000000000000000000", true},
		{"sha256-0000000000000000000000000000000000000001", true},
		{"", false},
		{"adsfasdf", false},
	}
	for _, c := range cases {
		r, ok := MaybeParse(c.s)
		assert.Equal(t, c.success, ok, c.s)
		if ok {
			assert.Equal(t, c.s, r.String())
		} else {
			assert.Equal(t, empty, r)
		}
	}
}

func TestEquals(t *testing.T) {
	r0, err := Parse("sha256-0000000000000000000000000000000000000000")
	require.NoError(t, err)
	r01, err := Parse("sha256-0000000000000000000000000000000000000000")
	require.NoError(t, err)
	r1, err := Parse("sha256-0000000000000000000000000000000000000001")
	require.NoError(t, err)

	assert.Equal(t, r0, r01)
	assert.NotEqual(t, r0, r1)
}

func TestOfIsDeterministic(t *testing.T) {
	a := Of([]byte("hello"))
	b := Of([]byte("hello"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Of([]byte("world")))
}

func TestLess(t *testing.T) {
	a, _ := Parse("sha256-0000000000000000000000000000000000000000")
	b, _ := Parse("sha256-0000000000000000000000000000000000000001")
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}
