package vm

import (
	"sync"

	"github.com/zeebo/xxh3"
)

// ---------------------------------------------------------------------------
// Name: Interned property keys
// ---------------------------------------------------------------------------

// Name is an interned property key. Two names with the same text are the
// same *Name, so keys are compared by pointer identity.
type Name struct {
	id   uint32
	hash uint32
	str  string
}

// ID returns the name's index in its NameTable.
func (n *Name) ID() uint32 { return n.id }

// Hash returns the hash code that determines the name's position in the
// descriptor sort order.
func (n *Name) Hash() uint32 { return n.hash }

// String returns the name's text.
func (n *Name) String() string { return n.str }

func (n *Name) objectKind() string { return "Name" }

func hashName(s string) uint32 {
	return uint32(xxh3.HashString(s))
}

// unusedMarkerID is the ID of the key stored in slack descriptor slots.
// It is outside the range any NameTable hands out.
const unusedMarkerID = ^uint32(0)

func newUnusedMarker() *Name {
	return &Name{id: unusedMarkerID, str: "<unused>"}
}

// ---------------------------------------------------------------------------
// NameTable: Hash-consing of names
// ---------------------------------------------------------------------------

// NameTable interns name strings to unique *Name values.
type NameTable struct {
	mu     sync.RWMutex
	byText map[string]*Name
	byID   []*Name
}

// NewNameTable creates a new empty name table.
func NewNameTable() *NameTable {
	return &NameTable{
		byText: make(map[string]*Name),
		byID:   make([]*Name, 0, 256),
	}
}

// Intern returns the unique Name for s, creating it if needed.
func (nt *NameTable) Intern(s string) *Name {
	// Fast path: read-only lookup
	nt.mu.RLock()
	if n, ok := nt.byText[s]; ok {
		nt.mu.RUnlock()
		return n
	}
	nt.mu.RUnlock()

	nt.mu.Lock()
	defer nt.mu.Unlock()

	// Double-check after acquiring write lock
	if n, ok := nt.byText[s]; ok {
		return n
	}

	n := &Name{id: uint32(len(nt.byID)), hash: hashName(s), str: s}
	nt.byText[s] = n
	nt.byID = append(nt.byID, n)
	return n
}

// Lookup returns the Name for s, or nil and false if it was never interned.
func (nt *NameTable) Lookup(s string) (*Name, bool) {
	nt.mu.RLock()
	defer nt.mu.RUnlock()
	n, ok := nt.byText[s]
	return n, ok
}

// ByID returns the name with the given ID, or nil if invalid.
func (nt *NameTable) ByID(id uint32) *Name {
	nt.mu.RLock()
	defer nt.mu.RUnlock()

	if int(id) >= len(nt.byID) {
		return nil
	}
	return nt.byID[id]
}

// Len returns the number of interned names.
func (nt *NameTable) Len() int {
	nt.mu.RLock()
	defer nt.mu.RUnlock()
	return len(nt.byID)
}
