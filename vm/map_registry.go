package vm

import (
	"sync"
)

// MapRegistry resolves the map IDs held in weak descriptor slots. A weak
// slot stores only the ID, so a map stays alive through its registry entry
// until a marking cycle finishes without reaching it. Lookups of cleared
// maps return nil.
type MapRegistry struct {
	mu     sync.RWMutex
	live   map[uint32]*Map
	nextID uint32
}

// NewMapRegistry creates an empty registry. IDs start at 1; 0 never names a map.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{
		live:   make(map[uint32]*Map),
		nextID: 1,
	}
}

// Register assigns m the next ID and returns it.
func (r *MapRegistry) Register(m *Map) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.id = r.nextID
	r.nextID++
	r.live[m.id] = m
	return m.id
}

// Lookup returns the live map with the given ID, or nil.
func (r *MapRegistry) Lookup(id uint32) *Map {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live[id]
}

// ProcessGC drops every map not in marked and returns how many were
// dropped. Weak slots naming a dropped map resolve to the Any field type
// from then on.
func (r *MapRegistry) ProcessGC(marked map[*Map]struct{}) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleared := 0
	for id, m := range r.live {
		if _, ok := marked[m]; !ok {
			delete(r.live, id)
			cleared++
		}
	}
	return cleared
}

// Count returns the number of live maps.
func (r *MapRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}
