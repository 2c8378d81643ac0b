package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := NewOwned("alice", time.Now().Add(time.Hour))
	require.NoError(t, err)

	msg := []byte("hello world")
	sig, err := s.Sign(msg)
	require.NoError(t, err)

	assert.True(t, s.Verify(msg, sig))
	assert.False(t, s.Verify([]byte("tampered"), sig))
}

func TestForeignSessionCannotSign(t *testing.T) {
	owned, err := NewOwned("alice", time.Now().Add(time.Hour))
	require.NoError(t, err)
	foreign := Foreign(owned.ID, owned.PublicKey, owned.Owner, owned.Expiration)

	_, err = foreign.Sign([]byte("x"))
	assert.Error(t, err)

	msg := []byte("x")
	sig, err := owned.Sign(msg)
	require.NoError(t, err)
	assert.True(t, foreign.Verify(msg, sig))
}

func TestJSONRoundTrip(t *testing.T) {
	s, err := NewOwned("bob", time.Now().Add(time.Hour))
	require.NoError(t, err)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded Session
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, s.ID, decoded.ID)
	assert.True(t, decoded.IsOwned())
	assert.Equal(t, s.PublicKey, decoded.PublicKey)
}

func TestUnmarshalRejectsMissingPublicKey(t *testing.T) {
	var decoded Session
	err := json.Unmarshal([]byte(`{"id":"x","expiration":"2020-01-01T00:00:00Z"}`), &decoded)
	assert.ErrorIs(t, err, ErrMalformedSession)
}

func TestIsExpired(t *testing.T) {
	s, err := NewOwned("carol", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, s.IsExpired(time.Now()))
}

func TestStoreTrust(t *testing.T) {
	root, err := NewOwned("root", time.Now().Add(time.Hour))
	require.NoError(t, err)
	st := NewStore(TrustFile{Roots: []*Session{root}})

	assert.True(t, st.IsRoot(root.ID))
	got, err := st.Lookup(root.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, got.ID)

	_, err = st.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownSession)
}
