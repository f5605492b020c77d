package factor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// StorageBackend identifies which persistence format holds a factor.
type StorageBackend int

const (
	BackendUnspecified StorageBackend = iota
	BackendLegacyKeyset
	BackendSecretStash
)

func (b StorageBackend) String() string {
	switch b {
	case BackendLegacyKeyset:
		return "LegacyKeyset"
	case BackendSecretStash:
		return "SecretStash"
	default:
		return "Unspecified"
	}
}

var (
	// ErrDuplicateLabel is returned when adding a label that already exists.
	ErrDuplicateLabel = errors.New("auth factor label already exists")
	// ErrUnknownLabel is returned when a label is not in the registry.
	ErrUnknownLabel = errors.New("unknown auth factor label")
)

// Entry pairs an enrolled factor with the backend that holds it.
type Entry struct {
	Factor  Factor
	Backend StorageBackend
}

// Map is the in-memory per-user registry of enrolled factors. It is
// rebuilt from storage on session creation.
type Map struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMap creates an empty registry.
func NewMap() *Map {
	return &Map{entries: make(map[string]Entry)}
}

// Add inserts a new entry; the label must not already exist in either backend.
func (m *Map) Add(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.Factor.Label]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateLabel, e.Factor.Label)
	}
	m.entries[e.Factor.Label] = e
	return nil
}

// Replace overwrites the entry stored under label. Used for updates,
// backend migration, and relabeling (with distinct old and new labels).
func (m *Map) Replace(label string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[label]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	if label != e.Factor.Label {
		if _, ok := m.entries[e.Factor.Label]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateLabel, e.Factor.Label)
		}
		delete(m.entries, label)
	}
	m.entries[e.Factor.Label] = e
	return nil
}

// Remove deletes the entry for label.
func (m *Map) Remove(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[label]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	delete(m.entries, label)
	return nil
}

// Find returns the entry for label.
func (m *Map) Find(label string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[label]
	return e, ok
}

// All returns every entry, sorted by label.
func (m *Map) All() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Factor.Label < out[b].Factor.Label })
	return out
}

// ByType returns all entries of the given factor type, sorted by label.
func (m *Map) ByType(t Type) []Entry {
	var out []Entry
	for _, e := range m.All() {
		if e.Factor.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of enrolled factors.
func (m *Map) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// HasBackend reports whether any entry lives in the given backend.
func (m *Map) HasBackend(b StorageBackend) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.Backend == b {
			return true
		}
	}
	return false
}
