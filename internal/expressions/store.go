package expressions

import (
	"sync"
	"time"
)

// Variable is one named value in the store, tagged with its producer.
type Variable struct {
	Name       string    `json:"name"`
	Value      any       `json:"value"`
	SourceStep string    `json:"source_step,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// VariableStore is the flat, shadowing key/value space for inter-step data
// flow. Later writers shadow earlier ones; Get always returns the latest.
// It is an explicit object passed by reference into every execution context,
// never a package-level global, so the engine stays re-entrant across
// concurrent plan executions. All methods are safe for concurrent use;
// writes are serialized, reads are snapshot-at-read-time.
type VariableStore struct {
	mu   sync.RWMutex
	vars map[string]Variable
}

// NewVariableStore creates an empty store, optionally seeded with initial
// variables (tagged with an empty source step).
func NewVariableStore(initial map[string]any) *VariableStore {
	s := &VariableStore{vars: make(map[string]Variable, len(initial))}
	now := time.Now().UTC()
	for name, value := range initial {
		s.vars[name] = Variable{Name: name, Value: value, Timestamp: now}
	}
	return s
}

// Set writes a variable, shadowing any previous value of the same name.
func (s *VariableStore) Set(name string, value any, sourceStep string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = Variable{
		Name:       name,
		Value:      value,
		SourceStep: sourceStep,
		Timestamp:  time.Now().UTC(),
	}
}

// Get returns the latest value for name.
func (s *VariableStore) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	if !ok {
		return nil, false
	}
	return v.Value, true
}

// Lookup returns the full variable record for name.
func (s *VariableStore) Lookup(name string) (Variable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// Snapshot returns a point-in-time copy of all current values.
func (s *VariableStore) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.vars))
	for name, v := range s.vars {
		out[name] = v.Value
	}
	return out
}

// Len returns the number of distinct variable names.
func (s *VariableStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vars)
}
