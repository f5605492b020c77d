package session

import (
	"sync"
	"time"

	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/keyset"
)

type broadcaster struct {
	stopCh chan struct{}
	once   sync.Once
}

func (b *broadcaster) stop() {
	b.once.Do(func() { close(b.stopCh) })
}

// startLockoutBroadcast begins the periodic factor-status broadcast. It
// runs until no factor reports a pending delay or the session ends. Must
// be called with s.mu held.
func (s *Session) startLockoutBroadcast() {
	if s.bcast != nil {
		return
	}
	b := &broadcaster{stopCh: make(chan struct{})}
	s.bcast = b
	go s.broadcastLoop(b)
}

// broadcastLoop publishes factor statuses and reschedules itself to the
// minimum of the remaining delays, skipping indefinite ones. It cancels
// once every delay has reached zero, sending a final all-clear.
func (s *Session) broadcastLoop(b *broadcaster) {
	for {
		statuses, next := s.collectStatuses()
		s.b.Notify.FactorStatus(s.userID, statuses)
		if next <= 0 {
			s.mu.Lock()
			if s.bcast == b {
				s.bcast = nil
			}
			s.mu.Unlock()
			return
		}
		timer := time.NewTimer(next)
		select {
		case <-b.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// collectStatuses gathers the availability delay of every locked factor
// and the soonest finite wake-up.
func (s *Session) collectStatuses() ([]FactorStatus, time.Duration) {
	now := s.m.now()
	var out []FactorStatus
	var next time.Duration
	for _, e := range s.registry.All() {
		if e.Backend != factor.BackendLegacyKeyset {
			continue
		}
		ks, err := s.b.Keysets.Get(s.userID, e.Factor.Label)
		if err != nil {
			continue
		}
		avail := ks.LockoutDelay(e.Factor.Common.LockoutPolicy, now)
		if avail == 0 {
			continue
		}
		out = append(out, FactorStatus{
			Label:       e.Factor.Label,
			Type:        e.Factor.Type,
			AvailableIn: avail,
		})
		if avail != keyset.IndefiniteDelay && (next == 0 || avail < next) {
			next = avail
		}
	}
	return out, next
}
