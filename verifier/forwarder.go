package verifier

import (
	"sort"
	"sync"

	"github.com/jmcleod/latchkey/factor"
)

// Forwarder holds the verifiers of every logged-in user. Verifiers with a
// label are keyed by it; label-less verifiers are keyed by factor type, at
// most one per type.
type Forwarder struct {
	mu    sync.RWMutex
	users map[string]map[string]*Verifier
}

// NewForwarder creates an empty forwarder.
func NewForwarder() *Forwarder {
	return &Forwarder{users: make(map[string]map[string]*Verifier)}
}

func verifierKey(v *Verifier) string {
	if v.label != "" {
		return v.label
	}
	return "type:" + v.ftype.String()
}

// Install adds or replaces the verifier for its key.
func (f *Forwarder) Install(userID string, v *Verifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.users[userID]
	if !ok {
		m = make(map[string]*Verifier)
		f.users[userID] = m
	}
	m[verifierKey(v)] = v
}

// Find returns the verifier installed under a factor label.
func (f *Forwarder) Find(userID, label string) (*Verifier, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.users[userID][label]
	return v, ok
}

// FindByType returns the label-less verifier installed for a factor type.
func (f *Forwarder) FindByType(userID string, t factor.Type) (*Verifier, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.users[userID]["type:"+t.String()]
	return v, ok
}

// Labels returns the labels of all labeled verifiers for the user, sorted.
func (f *Forwarder) Labels(userID string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []string
	for _, v := range f.users[userID] {
		if v.label != "" {
			out = append(out, v.label)
		}
	}
	sort.Strings(out)
	return out
}

// ByType returns every verifier of the given factor type for the user.
func (f *Forwarder) ByType(userID string, t factor.Type) []*Verifier {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*Verifier
	for _, v := range f.users[userID] {
		if v.ftype == t {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].label < out[b].label })
	return out
}

// Remove drops the verifier installed under a label.
func (f *Forwarder) Remove(userID, label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users[userID], label)
}

// RemoveByType drops the label-less verifier for a factor type.
func (f *Forwarder) RemoveByType(userID string, t factor.Type) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users[userID], "type:"+t.String())
}

// Rename moves a labeled verifier to a new label. The installed verifier
// is re-created rather than mutated: sessions holding the old pointer keep
// a consistent view while the forwarder serves the new label.
func (f *Forwarder) Rename(userID, oldLabel, newLabel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.users[userID]
	v, ok := m[oldLabel]
	if !ok {
		return
	}
	delete(m, oldLabel)
	nv := &Verifier{
		label:   newLabel,
		ftype:   v.ftype,
		salt:    v.salt,
		digest:  v.digest,
		intents: v.intents,
	}
	nv.fullAuthRequested.Store(v.fullAuthRequested.Load())
	m[newLabel] = nv
}

// DropUser removes every verifier for the user, typically at logout.
func (f *Forwarder) DropUser(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, userID)
}
