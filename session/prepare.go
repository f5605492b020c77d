package session

import (
	"context"
	"fmt"

	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/internal/uuid"
)

// PrepareToken is an in-flight out-of-band preparation for one factor
// type; at most one exists per type per session.
type PrepareToken struct {
	Type factor.Type
	ID   string
	// Nonce, for label-less types, is the secret the out-of-band scanner
	// presents back through the light authentication path on a match.
	Nonce []byte
}

// PrepareAuthFactor starts an out-of-band preparation (challenge/response
// exchange, fingerprint scan) for a factor type.
func (s *Session) PrepareAuthFactor(ctx context.Context, t factor.Type) (*PrepareToken, error) {
	defer s.runPending()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d, err := factor.DriverFor(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if !d.SupportsPrepare {
		return nil, fmt.Errorf("%w: %s does not support preparation", ErrInvalidArgument, t)
	}
	if _, ok := s.prepared[t]; ok {
		return nil, fmt.Errorf("%w: %s preparation already active", ErrExists, t)
	}

	tok := &PrepareToken{Type: t, ID: uuid.New()}
	if d.Arity == factor.ArityNone {
		nonce, err := util.RandomBytes(util.AESKeySize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
		}
		v, err := s.newVerifier("", t, nonce, d.LightAuthIntents)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
		}
		s.b.Verifiers.Install(s.userID, v)
		tok.Nonce = nonce
	}
	s.prepared[t] = tok
	return tok, nil
}

// TerminateAuthFactor ends the active preparation for a factor type.
func (s *Session) TerminateAuthFactor(ctx context.Context, t factor.Type) error {
	defer s.runPending()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tok, ok := s.prepared[t]
	if !ok {
		return fmt.Errorf("%w: no active preparation for %s", ErrNotFound, t)
	}
	delete(s.prepared, t)
	if len(tok.Nonce) > 0 {
		s.b.Verifiers.RemoveByType(s.userID, t)
	}
	return nil
}
