package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/chazu/descriptors/config"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Heap: allocation service and per-isolate roots
// ---------------------------------------------------------------------------

// Heap owns everything descriptor arrays share: interned names, the map
// registry, the lookup cache, the marker, and the empty singletons.
// Allocation is accounted in tagged slots against a configurable budget.
type Heap struct {
	id  uuid.UUID
	cfg *config.Config

	debugChecks bool
	slowChecks  bool

	names       *NameTable
	maps        *MapRegistry
	lookupCache *DescriptorLookupCache
	marker      *Marker

	unusedMarker         *Name
	emptyEnumCache       *EnumCache
	emptyDescriptorArray *DescriptorArray

	allocated   atomic.Int64
	maxSlots    int64
	nextArrayID atomic.Uint32

	log    commonlog.Logger
	mapLog commonlog.Logger
}

// NewHeap creates a heap configured by cfg. A nil cfg means config.Default().
func NewHeap(cfg *config.Config) *Heap {
	if cfg == nil {
		cfg = config.Default()
	}
	h := &Heap{
		id:          uuid.New(),
		cfg:         cfg,
		debugChecks: cfg.Descriptors.DebugChecks,
		slowChecks:  cfg.Descriptors.SlowChecks,
		names:       NewNameTable(),
		maps:        NewMapRegistry(),
		lookupCache: NewDescriptorLookupCache(cfg.LookupCache.Size),
		maxSlots:    int64(cfg.Heap.MaxSlots),
		log:         commonlog.GetLogger("descriptors.heap"),
		mapLog:      commonlog.GetLogger("descriptors.map"),
	}
	h.marker = newMarker(h)
	h.unusedMarker = newUnusedMarker()

	// The empty singletons are part of the heap's read-only roots and are
	// not charged against the budget.
	h.emptyEnumCache = &EnumCache{}
	h.emptyDescriptorArray = &DescriptorArray{heap: h, id: h.nextArrayID.Add(1)}
	h.emptyDescriptorArray.Initialize(h.emptyEnumCache, h.unusedMarker, 0, 0)

	h.log.Infof("heap %s created (max slots %d)", h.id, h.maxSlots)
	return h
}

// ID returns the heap's unique identifier.
func (h *Heap) ID() uuid.UUID { return h.id }

// Config returns the configuration the heap was created with.
func (h *Heap) Config() *config.Config { return h.cfg }

// Names returns the heap's name table.
func (h *Heap) Names() *NameTable { return h.names }

// Intern is shorthand for h.Names().Intern(s).
func (h *Heap) Intern(s string) *Name { return h.names.Intern(s) }

// Maps returns the registry resolving weak map references.
func (h *Heap) Maps() *MapRegistry { return h.maps }

// LookupCache returns the descriptor lookup cache.
func (h *Heap) LookupCache() *DescriptorLookupCache { return h.lookupCache }

// Marker returns the incremental marker.
func (h *Heap) Marker() *Marker { return h.marker }

// UnusedMarker returns the key stored in slack descriptor slots.
func (h *Heap) UnusedMarker() *Name { return h.unusedMarker }

// EmptyEnumCache returns the shared empty enum cache sentinel.
func (h *Heap) EmptyEnumCache() *EnumCache { return h.emptyEnumCache }

// EmptyDescriptorArray returns the shared capacity-0 descriptor array.
func (h *Heap) EmptyDescriptorArray() *DescriptorArray { return h.emptyDescriptorArray }

// AllocatedSlots returns the number of tagged slots currently charged.
func (h *Heap) AllocatedSlots() int64 { return h.allocated.Load() }

// allocate charges slots against the budget. On failure nothing is charged.
func (h *Heap) allocate(op string, slots int) error {
	if h.maxSlots <= 0 {
		h.allocated.Add(int64(slots))
		return nil
	}
	for {
		cur := h.allocated.Load()
		if cur+int64(slots) > h.maxSlots {
			h.log.Warningf("%s: cannot allocate %d slots (%d of %d in use)", op, slots, cur, h.maxSlots)
			return fmt.Errorf("%s: %d slots requested, %d of %d in use: %w", op, slots, cur, h.maxSlots, ErrOutOfMemory)
		}
		if h.allocated.CompareAndSwap(cur, cur+int64(slots)) {
			return nil
		}
	}
}

// setLiveSlots replaces the allocation count after a marking cycle.
func (h *Heap) setLiveSlots(n int64) {
	h.allocated.Store(n)
}
