package vm

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Marked descriptor counter
// ---------------------------------------------------------------------------

// The marked count shares its word with the 48-bit epoch of the cycle that
// wrote it. A count written in an older epoch reads as 0, so starting a
// cycle resets every array without touching it.

const (
	markedCountBits = 16
	epochBits       = 64 - markedCountBits
	maxEpoch        = 1<<epochBits - 1
)

func encodeMarked(epoch uint64, marked int) uint64 {
	return epoch<<markedCountBits | uint64(uint16(marked))
}

func decodeMarked(epoch uint64, raw uint64) int {
	if raw>>markedCountBits != epoch {
		return 0
	}
	return int(uint16(raw))
}

// NumberOfMarkedDescriptors returns how many leading descriptors the marker
// has visited in the cycle identified by epoch.
func (d *DescriptorArray) NumberOfMarkedDescriptors(epoch uint64) int {
	return decodeMarked(epoch, d.header.rawNumberOfMarkedDescriptors.Load())
}

// UpdateNumberOfMarkedDescriptors raises the marked count for epoch to
// newMarked and returns the previous count. The count never decreases within
// a cycle; a lower newMarked leaves it unchanged.
func (d *DescriptorArray) UpdateNumberOfMarkedDescriptors(epoch uint64, newMarked int) int {
	d.heap.check(newMarked <= d.NumberOfDescriptors(), "UpdateNumberOfMarkedDescriptors",
		"marked %d exceeds %d descriptors", newMarked, d.NumberOfDescriptors())
	for {
		raw := d.header.rawNumberOfMarkedDescriptors.Load()
		old := decodeMarked(epoch, raw)
		if old >= newMarked {
			return old
		}
		if d.header.rawNumberOfMarkedDescriptors.CompareAndSwap(raw, encodeMarked(epoch, newMarked)) {
			return old
		}
	}
}

// ---------------------------------------------------------------------------
// Body iteration
// ---------------------------------------------------------------------------

// ObjectVisitor receives the reference slots of a descriptor array.
type ObjectVisitor interface {
	// VisitStrong is called for keys and strong values.
	VisitStrong(host *DescriptorArray, descriptor int, o Object)
	// VisitWeak is called for weak field types. The map may be cleared;
	// re-check before use.
	VisitWeak(host *DescriptorArray, descriptor int, mapID uint32)
}

// IterateBody reports the reference slots of descriptors [from, to).
// Details slots and inline field type sentinels hold no references.
func (d *DescriptorArray) IterateBody(from, to int, v ObjectVisitor) {
	for i := from; i < to; i++ {
		e := &d.entries[i]
		v.VisitStrong(d, i, e.key)
		switch e.value.tag {
		case slotStrong:
			v.VisitStrong(d, i, e.value.obj)
		case slotWeak:
			v.VisitWeak(d, i, e.value.mapID)
		}
	}
}

// ---------------------------------------------------------------------------
// Marker: incremental marking of maps and descriptor arrays
// ---------------------------------------------------------------------------

// MarkStats holds statistics from a single marking cycle.
type MarkStats struct {
	Epoch              uint64
	Steps              int
	ArraysMarked       int
	DescriptorsVisited int
	ObjectsMarked      int
	WeakSlots          int
	MapsMarked         int
	MapsCleared        int
	LiveSlots          int64
	Duration           time.Duration
	Timestamp          time.Time
}

// Marker traces maps and descriptor arrays in resumable steps. Each array's
// progress is kept in its marked descriptor counter, so a step resumes where
// the previous one stopped. Weak field type slots do not keep maps alive;
// unmarked maps are cleared from the registry when the cycle finishes.
type Marker struct {
	heap  *Heap
	mu    sync.Mutex
	epoch uint64

	active    bool
	start     time.Time
	worklist  []*DescriptorArray
	arrays    map[*DescriptorArray]struct{}
	maps      map[*Map]struct{}
	objects   map[Object]struct{}
	stats     MarkStats
	visitor   markingVisitor
	log       commonlog.Logger
	cycles    atomic.Uint64
	lastStats atomic.Value // *MarkStats
}

type markingVisitor struct {
	mk *Marker
}

func newMarker(h *Heap) *Marker {
	mk := &Marker{
		heap: h,
		log:  commonlog.GetLogger("descriptors.marking"),
	}
	mk.visitor = markingVisitor{mk: mk}
	return mk
}

// Epoch returns the current cycle's epoch.
func (mk *Marker) Epoch() uint64 {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	return mk.epoch
}

// IsMarking reports whether a cycle is in progress.
func (mk *Marker) IsMarking() bool {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	return mk.active
}

// CycleCount returns the number of finished cycles.
func (mk *Marker) CycleCount() uint64 {
	return mk.cycles.Load()
}

// LastStats returns statistics from the most recent finished cycle, or nil.
func (mk *Marker) LastStats() *MarkStats {
	v := mk.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*MarkStats)
}

// StartCycle begins a marking cycle. Every array's marked count reads as 0
// under the new epoch.
func (mk *Marker) StartCycle() {
	mk.mu.Lock()
	defer mk.mu.Unlock()

	mk.epoch++
	if mk.epoch > maxEpoch {
		// Not reachable in practice: 2^48 cycles.
		mk.heap.log.Warningf("marking epoch wrapped after %d cycles", mk.cycles.Load())
		mk.epoch = 1
	}
	mk.active = true
	mk.start = time.Now()
	mk.worklist = mk.worklist[:0]
	mk.arrays = make(map[*DescriptorArray]struct{})
	mk.maps = make(map[*Map]struct{})
	mk.objects = make(map[Object]struct{})
	mk.stats = MarkStats{Epoch: mk.epoch, Timestamp: mk.start}
	mk.log.Debugf("marking cycle %d started", mk.epoch)
}

// MarkRoot marks m, its ancestors and their descriptor arrays as reachable.
func (mk *Marker) MarkRoot(m *Map) {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	if mk.active {
		mk.markMap(m)
	}
}

// Step visits at most budget descriptors. A budget <= 0 uses the configured
// step budget. It returns true when no marking work is left.
func (mk *Marker) Step(budget int) bool {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	if budget <= 0 {
		budget = mk.heap.cfg.Marking.StepBudget
	}
	return mk.step(budget)
}

func (mk *Marker) step(budget int) bool {
	if !mk.active {
		return true
	}
	mk.stats.Steps++
	for budget > 0 && len(mk.worklist) > 0 {
		d := mk.worklist[len(mk.worklist)-1]
		mk.worklist = mk.worklist[:len(mk.worklist)-1]

		nof := d.NumberOfDescriptors()
		from := d.NumberOfMarkedDescriptors(mk.epoch)
		to := nof
		if nof-from > budget {
			to = from + budget
		}
		if from < to {
			d.UpdateNumberOfMarkedDescriptors(mk.epoch, to)
			d.IterateBody(from, to, mk.visitor)
			mk.stats.DescriptorsVisited += to - from
			budget -= to - from
		}
		if to < nof {
			mk.worklist = append(mk.worklist, d)
		}
	}
	return len(mk.worklist) == 0
}

// Finish drains the remaining work, clears weak references to unmarked maps
// and resets the heap's allocation count to the live slots.
func (mk *Marker) Finish() *MarkStats {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	if !mk.active {
		return mk.LastStats()
	}

	mk.step(math.MaxInt)

	mk.stats.MapsMarked = len(mk.maps)
	mk.stats.ArraysMarked = len(mk.arrays)
	mk.stats.MapsCleared = mk.heap.maps.ProcessGC(mk.maps)

	var live int64
	for d := range mk.arrays {
		if !d.IsEmptySingleton() {
			live += int64(slotsFor(d.NumberOfAllDescriptors()))
		}
	}
	for o := range mk.objects {
		if ec, ok := o.(*EnumCache); ok && ec != mk.heap.emptyEnumCache {
			live += int64(ec.slots())
		}
	}
	mk.stats.LiveSlots = live
	mk.heap.setLiveSlots(live)

	mk.active = false
	mk.worklist = mk.worklist[:0]
	mk.stats.Duration = time.Since(mk.start)
	stats := mk.stats
	mk.cycles.Add(1)
	mk.lastStats.Store(&stats)
	mk.log.Debugf("marking cycle %d finished: %d arrays, %d maps, %d maps cleared, %d live slots",
		stats.Epoch, stats.ArraysMarked, stats.MapsMarked, stats.MapsCleared, stats.LiveSlots)
	return &stats
}

// ---------------------------------------------------------------------------
// Write barriers
// ---------------------------------------------------------------------------

// RecordWrite is the write barrier for a reference stored into host. While
// marking, a value written into an array already reached by the marker is
// marked at once, so slots below the array's marked count never hide an
// unmarked object.
func (mk *Marker) RecordWrite(host *DescriptorArray, value MaybeObject) {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	if !mk.active || value.tag != slotStrong {
		return
	}
	if _, reached := mk.arrays[host]; reached {
		mk.markObject(value.obj)
	}
}

// RecordDescriptorArrayWrite queues host again after descriptors were added
// to it, so the marker visits the new ones.
func (mk *Marker) RecordDescriptorArrayWrite(host *DescriptorArray) {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	if !mk.active {
		return
	}
	if _, reached := mk.arrays[host]; reached {
		mk.worklist = append(mk.worklist, host)
	}
}

// RecordMapWrite is the barrier for a map whose descriptors were replaced.
func (mk *Marker) RecordMapWrite(m *Map) {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	if !mk.active {
		return
	}
	if _, reached := mk.maps[m]; reached {
		mk.markArray(m.descriptors)
	}
}

// allocateBlack marks a map created during a cycle.
func (mk *Marker) allocateBlack(m *Map) {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	if mk.active {
		mk.markMap(m)
	}
}

// ---------------------------------------------------------------------------
// Marking helpers (mu held)
// ---------------------------------------------------------------------------

func (mk *Marker) markMap(m *Map) {
	for ; m != nil; m = m.parent {
		if _, ok := mk.maps[m]; ok {
			return
		}
		mk.maps[m] = struct{}{}
		mk.markArray(m.descriptors)
	}
}

func (mk *Marker) markArray(d *DescriptorArray) {
	if _, ok := mk.arrays[d]; !ok {
		mk.arrays[d] = struct{}{}
		mk.markObject(d.enumCache)
	}
	mk.worklist = append(mk.worklist, d)
}

func (mk *Marker) markObject(o Object) {
	switch v := o.(type) {
	case nil, Smi:
		return
	case *AccessorPair:
		if mk.setMarked(v) {
			mk.markObject(v.Getter)
			mk.markObject(v.Setter)
		}
	case *EnumCache:
		if mk.setMarked(v) {
			for _, k := range v.keys {
				mk.setMarked(k)
			}
		}
	default:
		mk.setMarked(o)
	}
}

func (mk *Marker) setMarked(o Object) bool {
	if _, ok := mk.objects[o]; ok {
		return false
	}
	mk.objects[o] = struct{}{}
	mk.stats.ObjectsMarked++
	return true
}

func (v markingVisitor) VisitStrong(_ *DescriptorArray, _ int, o Object) {
	v.mk.markObject(o)
}

func (v markingVisitor) VisitWeak(_ *DescriptorArray, _ int, _ uint32) {
	v.mk.stats.WeakSlots++
}
