package conversation

import "sync"

// Turn is one spoken exchange in a session's history.
type Turn struct {
	Speaker string // "bot" or "user"
	Message string
	Intent  string // set on user turns once analyzed
}

// Session is the in-memory state of one ongoing call's conversation,
// keyed by the Twilio call SID (or a temporary key before the SID is
// known). It is mutated only by the Engine while holding the key lock,
// and deleted the moment a termination decision is reached.
type Session struct {
	Key              string
	CallID           int64
	ConversationType string
	TurnCount        int
	History          []Turn
}

// SessionStore holds active sessions with per-key mutual exclusion.
// Two near-simultaneous webhooks for the same call serialize on the key
// lock; webhooks for different calls proceed in parallel. A deleted
// session is never resurrected: Get simply misses and the caller starts
// from a fresh default.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	locks    map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]Session),
		locks:    make(map[string]*keyLock),
	}
}

// LockKey acquires the lock for key and returns the release function.
// Lock entries are reference counted so the map does not grow with the
// total number of calls ever handled.
func (s *SessionStore) LockKey(key string) func() {
	s.mu.Lock()
	l := s.locks[key]
	if l == nil {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Get returns a copy of the session for key.
func (s *SessionStore) Get(key string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// Put stores sess under its key, replacing any previous state.
func (s *SessionStore) Put(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Key] = sess
}

// Delete removes the session for key. Safe to call for absent keys.
func (s *SessionStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

// Active returns the number of sessions currently held.
func (s *SessionStore) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
