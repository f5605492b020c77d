// Package session implements the authentication-session engine: the
// per-login-attempt Session orchestrator, its Manager, and the migration
// of factors from the legacy keyset backend to the secret stash.
package session

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/internal/uuid"
)

// SanitizeUsername derives the canonical storage name for a username:
// lowercased, NFKD-normalized, then hashed so arbitrary unicode names map
// to fixed-format directory keys.
func SanitizeUsername(username string) string {
	norm := util.Normalize(strings.ToLower(username))
	sum := sha256.Sum256([]byte(norm))
	return util.HexEncode(sum[:])
}

// Manager creates sessions and tracks every live one by token.
type Manager struct {
	b           *Backends
	log         *slog.Logger
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used for best-effort failure reporting.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// WithIdleTimeout destroys sessions automatically after the given period
// without operations. Zero disables expiry.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.idleTimeout = d
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager builds a session manager over the collaborator set. Missing
// required collaborators panic.
func NewManager(b *Backends, opts ...ManagerOption) *Manager {
	b.validate()
	m := &Manager{
		b:        b,
		log:      slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Params describes the session to create.
type Params struct {
	Username  string
	Ephemeral bool
	// NewUser permits a persistent session for a user with no stored state
	// yet, for initial enrollment.
	NewUser bool
}

// CreateSession resolves the user, rebuilds the factor registry from both
// backends, and returns a fresh unauthenticated session.
func (m *Manager) CreateSession(ctx context.Context, p Params) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Username == "" {
		return nil, fmt.Errorf("%w: empty username", ErrInvalidArgument)
	}
	userID := SanitizeUsername(p.Username)

	registry := factor.NewMap()
	if !p.Ephemeral {
		factors, err := m.b.Factors.List(userID)
		if err != nil {
			return nil, fmt.Errorf("%w: listing factors: %v", ErrStorage, err)
		}
		for _, f := range factors {
			if err := registry.Add(factor.Entry{Factor: *f, Backend: factor.BackendSecretStash}); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrStorage, err)
			}
		}
		keysets, err := m.b.Keysets.All(userID)
		if err != nil {
			return nil, fmt.Errorf("%w: listing keysets: %v", ErrStorage, err)
		}
		for _, ks := range keysets {
			if _, ok := registry.Find(ks.Label); ok {
				// A half-finished migration left both copies; the stash copy
				// wins and the keyset is stale.
				m.log.Warn("label present in both backends, preferring stash",
					"user", userID, "label", ks.Label)
				continue
			}
			if err := registry.Add(factor.Entry{Factor: ks.Factor(), Backend: factor.BackendLegacyKeyset}); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrStorage, err)
			}
		}
		if !p.NewUser && registry.Count() == 0 && !m.b.Stash.Exists(userID) {
			return nil, fmt.Errorf("%w: user %q", ErrNotFound, p.Username)
		}
	}

	s := &Session{
		m:         m,
		b:         m.b,
		log:       m.log.With("session_user", userID),
		token:     uuid.New(),
		username:  p.Username,
		userID:    userID,
		ephemeral: p.Ephemeral,
		intents:   factor.NewIntentSet(),
		registry:  registry,
		prepared:  make(map[factor.Type]*PrepareToken),
	}

	// Fully migrated users no longer need their backup keysets.
	if !p.Ephemeral && registry.Count() > 0 && !registry.HasBackend(factor.BackendLegacyKeyset) {
		if err := m.b.Keysets.PurgeBackups(userID); err != nil {
			m.log.Warn("purging backup keysets failed", "user", userID, "error", err)
		}
	}

	m.mu.Lock()
	m.sessions[s.token] = s
	m.mu.Unlock()

	if m.idleTimeout > 0 {
		s.idle = time.AfterFunc(m.idleTimeout, s.Close)
	}
	return s, nil
}

// Session returns the live session for a token.
func (m *Manager) Session(token string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	return s, ok
}

func (m *Manager) drop(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}
