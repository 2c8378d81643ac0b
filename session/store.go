package session

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownSession is returned when a session id cannot be resolved
// through the trust store (spec.md §7 quarantine error kind).
var ErrUnknownSession = errors.New("unknown session")

// TrustFile is the decoded shape of /sys/sessions/<orgId>/*.json (spec.md
// §6): the local process's own session, the a-priori-trusted root
// sessions, and any other sessions learned and trusted so far.
type TrustFile struct {
	CurrentSession  *Session   `json:"currentSession"`
	Roots           []*Session `json:"roots"`
	TrustedSessions []*Session `json:"trustedSessions"`
}

// Store resolves session ids to Sessions for signature verification,
// bootstrapped from a TrustFile's a-priori-trusted roots.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	roots    map[string]*Session
}

// NewStore builds a Store bootstrapped from tf.
func NewStore(tf TrustFile) *Store {
	st := &Store{
		sessions: map[string]*Session{},
		roots:    map[string]*Session{},
	}
	for _, r := range tf.Roots {
		st.roots[r.ID] = r
		st.sessions[r.ID] = r
	}
	for _, s := range tf.TrustedSessions {
		st.sessions[s.ID] = s
	}
	if tf.CurrentSession != nil {
		st.sessions[tf.CurrentSession.ID] = tf.CurrentSession
	}
	return st
}

// Add registers a newly-learned (e.g. sync'd) session.
func (st *Store) Add(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.ID] = s
}

// Lookup resolves id, or ErrUnknownSession.
func (st *Store) Lookup(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSession, "%s", id)
	}
	return s, nil
}

// IsRoot reports whether id names an a-priori-trusted root session.
func (st *Store) IsRoot(id string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.roots[id]
	return ok
}
