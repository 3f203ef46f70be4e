package storage

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type session struct {
	username string
	expiry   time.Time
}

// registry holds the process-local half of a store's state: sessions and
// live connection registrations. Both backends embed it, and its mutex is
// the single store lock; backend account and message methods take the
// same lock so every Store operation appears atomic to other goroutines.
type registry struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]session               // token -> session
	conns    map[string]map[string]ClientConn // username -> token -> conn
}

func newRegistry(ttl time.Duration) registry {
	return registry{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]session),
		conns:    make(map[string]map[string]ClientConn),
	}
}

// setNow swaps the clock, for tests.
func (r *registry) setNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// createSessionLocked opens a session for username and returns its token.
// Caller holds mu.
func (r *registry) createSessionLocked(username string) string {
	token := uuid.NewString()
	r.sessions[token] = session{
		username: username,
		expiry:   r.now().Add(r.ttl),
	}
	return token
}

// attachConnLocked registers a live connection under a session token.
// Caller holds mu.
func (r *registry) attachConnLocked(username, token string, conn ClientConn) {
	if r.conns[username] == nil {
		r.conns[username] = make(map[string]ClientConn)
	}
	r.conns[username][token] = conn
}

// validateSessionLocked resolves a token, treating a lapsed session as
// absent even before the sweep collects it. Caller holds mu.
func (r *registry) validateSessionLocked(token string) (string, bool) {
	sess, ok := r.sessions[token]
	if !ok || r.now().After(sess.expiry) {
		return "", false
	}
	return sess.username, true
}

// ValidateSession resolves a token to its username.
func (r *registry) ValidateSession(token string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validateSessionLocked(token)
}

// Logout drops one session and its connection registration. Sibling
// sessions for the same user are untouched.
func (r *registry) Logout(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[token]
	if !ok {
		return
	}
	r.detachConnLocked(sess.username, token)
	delete(r.sessions, token)
}

// detachConnLocked removes one connection registration. Caller holds mu.
func (r *registry) detachConnLocked(username, token string) {
	if userConns, ok := r.conns[username]; ok {
		delete(userConns, token)
		if len(userConns) == 0 {
			delete(r.conns, username)
		}
	}
}

// dropUserLocked removes every session and connection registration bound
// to a username, as part of the account-deletion cascade. Caller holds mu.
func (r *registry) dropUserLocked(username string) {
	delete(r.conns, username)
	for token, sess := range r.sessions {
		if sess.username == username {
			delete(r.sessions, token)
		}
	}
}

// SweepExpiredSessions collects every session whose expiry has passed,
// closing its connection if one is registered. A close failure on one
// entry never aborts the sweep of the remaining entries.
func (r *registry) SweepExpiredSessions(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	swept := 0
	for token, sess := range r.sessions {
		if !now.After(sess.expiry) {
			continue
		}
		if userConns, ok := r.conns[sess.username]; ok {
			if conn, ok := userConns[token]; ok {
				_ = conn.Close()
			}
		}
		r.detachConnLocked(sess.username, token)
		delete(r.sessions, token)
		swept++
	}
	return swept
}

// Connections returns the live handles registered for a username.
func (r *registry) Connections(username string) []ClientConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	userConns := r.conns[username]
	if len(userConns) == 0 {
		return nil
	}
	out := make([]ClientConn, 0, len(userConns))
	for _, conn := range userConns {
		out = append(out, conn)
	}
	return out
}
