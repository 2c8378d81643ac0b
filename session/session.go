// Package session implements keypairs, commit signatures and request
// signatures (spec.md §3 "Session", §4.3, §6 "Session encoding").
package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jose "gopkg.in/go-jose/go-jose.v2"
)

// ErrMalformedSession is returned when decoding a session encoding lacking
// a publicKey (spec.md §6).
var ErrMalformedSession = errors.New("malformed session: missing publicKey")

// ErrSignatureFailure is returned when a signature fails verification.
var ErrSignatureFailure = errors.New("signature verification failed")

// Session is a keypair with an expiration. A Session holding PrivateKey is
// "owned" and can sign; without it, the Session is "foreign" and can only
// verify (spec.md §3).
type Session struct {
	ID         string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey // nil for foreign sessions
	Owner      string
	Expiration time.Time
}

// NewOwned generates a fresh owned Session for owner, expiring at
// expiration.
func NewOwned(owner string, expiration time.Time) (*Session, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate session keypair")
	}
	return &Session{
		ID:         uuid.NewString(),
		PublicKey:  pub,
		PrivateKey: priv,
		Owner:      owner,
		Expiration: expiration,
	}, nil
}

// Foreign builds a verify-only Session from a known public key, e.g. one
// received from a peer during sync.
func Foreign(id string, pub ed25519.PublicKey, owner string, expiration time.Time) *Session {
	return &Session{ID: id, PublicKey: pub, Owner: owner, Expiration: expiration}
}

// IsOwned reports whether this session can sign.
func (s *Session) IsOwned() bool { return len(s.PrivateKey) == ed25519.PrivateKeySize }

// IsExpired reports whether the session has expired as of now.
func (s *Session) IsExpired(now time.Time) bool { return now.After(s.Expiration) }

// Sign signs data, which must be an owned session.
func (s *Session) Sign(data []byte) ([]byte, error) {
	if !s.IsOwned() {
		return nil, errors.New("cannot sign with a foreign session")
	}
	return ed25519.Sign(s.PrivateKey, data), nil
}

// Verify reports whether sig is a valid signature over data by this
// session's public key.
func (s *Session) Verify(data, sig []byte) bool {
	return ed25519.Verify(s.PublicKey, data, sig)
}

// wireSession is the on-the-wire JSON shape of spec.md §6: "{id,
// publicKey: JWK, privateKey?: JWK, owner, expiration}".
type wireSession struct {
	ID         string           `json:"id"`
	PublicKey  *jose.JSONWebKey `json:"publicKey"`
	PrivateKey *jose.JSONWebKey `json:"privateKey,omitempty"`
	Owner      string           `json:"owner,omitempty"`
	Expiration time.Time        `json:"expiration"`
}

// MarshalJSON encodes the session per spec.md §6.
func (s *Session) MarshalJSON() ([]byte, error) {
	w := wireSession{
		ID: s.ID,
		PublicKey: &jose.JSONWebKey{
			Key:       s.PublicKey,
			KeyID:     s.ID,
			Algorithm: "EdDSA",
			Use:       "sig",
		},
		Owner:      s.Owner,
		Expiration: s.Expiration,
	}
	if s.IsOwned() {
		w.PrivateKey = &jose.JSONWebKey{
			Key:       s.PrivateKey,
			KeyID:     s.ID,
			Algorithm: "EdDSA",
			Use:       "sig",
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the session, rejecting encodings lacking publicKey
// (spec.md §6: "Decoding must reject entries lacking publicKey with
// MalformedSession").
func (s *Session) UnmarshalJSON(data []byte) error {
	var w wireSession
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "decode session")
	}
	if w.PublicKey == nil || w.PublicKey.Key == nil {
		return ErrMalformedSession
	}
	pub, ok := w.PublicKey.Key.(ed25519.PublicKey)
	if !ok {
		return errors.Wrap(ErrMalformedSession, "publicKey is not an ed25519 key")
	}
	s.ID = w.ID
	s.PublicKey = pub
	s.Owner = w.Owner
	s.Expiration = w.Expiration
	if w.PrivateKey != nil {
		if priv, ok := w.PrivateKey.Key.(ed25519.PrivateKey); ok {
			s.PrivateKey = priv
		}
	}
	return nil
}
