package playback

import "sync"

// Store holds one ring per machine. A disabled store records nothing and
// hands out no rings.
type Store struct {
	enabled bool
	max     int

	mu    sync.RWMutex
	rings map[string]*Ring
}

// NewStore creates a playback store. max bounds each ring.
func NewStore(enabled bool, max int) *Store {
	return &Store{enabled: enabled, max: max, rings: make(map[string]*Ring)}
}

// Enabled reports whether recording is on.
func (s *Store) Enabled() bool { return s.enabled }

// Record appends to the machine's ring, creating it on first use.
func (s *Store) Record(machineID string, e Entry) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	r, ok := s.rings[machineID]
	if !ok {
		r = NewRing(machineID, s.max)
		s.rings[machineID] = r
	}
	s.mu.Unlock()
	r.Record(e)
}

// Ring returns the machine's ring, if any.
func (s *Store) Ring(machineID string) (*Ring, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rings[machineID]
	return r, ok
}

// Drop discards a machine's history, typically at eviction.
func (s *Store) Drop(machineID string) {
	s.mu.Lock()
	delete(s.rings, machineID)
	s.mu.Unlock()
}

// MachineIDs lists machines with recorded history.
func (s *Store) MachineIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rings))
	for id := range s.rings {
		ids = append(ids, id)
	}
	return ids
}
