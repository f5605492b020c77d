package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/stash"
)

// Session is one user's authentication attempt: it accumulates authorized
// intents, holds the decrypted stash reference once full authentication or
// creation has happened, and serializes its public operations.
type Session struct {
	m   *Manager
	b   *Backends
	log *slog.Logger

	token     string
	username  string
	userID    string
	ephemeral bool

	mu                sync.Mutex
	closed            bool
	intents           factor.IntentSet
	registry          *factor.Map
	stashToken        *stash.DecryptToken
	activeKeysetLabel string
	fsKeys            *stash.FileSystemKeys
	prepared          map[factor.Type]*PrepareToken
	onAuth            []func()
	pending           []func()
	idle              *time.Timer
	bcast             *broadcaster
}

// Token returns the session's unguessable identifier.
func (s *Session) Token() string { return s.token }

// Username returns the username the session was created for.
func (s *Session) Username() string { return s.username }

// UserID returns the sanitized storage name.
func (s *Session) UserID() string { return s.userID }

// Ephemeral reports whether the session persists nothing.
func (s *Session) Ephemeral() bool { return s.ephemeral }

// Intents returns the currently authorized intents in stable order.
func (s *Session) Intents() []factor.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intents.Sorted()
}

// Authorized reports whether the session holds the intent.
func (s *Session) Authorized(i factor.Intent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intents.Has(i)
}

// FileSystemKeys returns the key material recovered by the last full
// authentication, or nil before one has happened.
func (s *Session) FileSystemKeys() *stash.FileSystemKeys {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsKeys == nil {
		return nil
	}
	cp := *s.fsKeys
	return &cp
}

// OnAuthenticated queues fn to run once after the next successful
// authentication. If the session is already authenticated, fn runs now.
// Destroying the session drops queued callbacks without running them.
func (s *Session) OnAuthenticated(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.intents) > 0 {
		s.mu.Unlock()
		fn()
		return
	}
	s.onAuth = append(s.onAuth, fn)
	s.mu.Unlock()
}

// Close destroys the session: pending callbacks are invalidated, the stash
// reference is released, and prepared factor tokens are terminated.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.onAuth = nil
	s.pending = nil
	if s.idle != nil {
		s.idle.Stop()
	}
	if s.bcast != nil {
		s.bcast.stop()
		s.bcast = nil
	}
	for t := range s.prepared {
		if t == factor.TypeLegacyFingerprint {
			s.b.Verifiers.RemoveByType(s.userID, t)
		}
	}
	s.prepared = make(map[factor.Type]*PrepareToken)
	tok := s.stashToken
	s.stashToken = nil
	s.mu.Unlock()

	if tok != nil {
		tok.Invalidate()
	}
	s.m.drop(s.token)
}

// checkOpen must be called with s.mu held.
func (s *Session) checkOpen() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.idle != nil {
		s.idle.Reset(s.m.idleTimeout)
	}
	return nil
}

// authorize grants intents and queues the "on authenticated" callbacks.
// Granting an empty set is a programming error. Must be called with s.mu
// held; the queued callbacks run after the operation releases the lock.
func (s *Session) authorize(intents factor.IntentSet) {
	if len(intents) == 0 {
		panic("session: authorizing empty intent set")
	}
	s.intents.Union(intents)
	s.pending = append(s.pending, s.onAuth...)
	s.onAuth = nil
}

// runPending runs callbacks queued during the operation, exactly once
// each, in FIFO order. Called without s.mu held.
func (s *Session) runPending() {
	s.mu.Lock()
	cbs := s.pending
	s.pending = nil
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	for _, cb := range cbs {
		cb()
	}
}
