package vm

import (
	"fmt"
	"sync/atomic"
)

// DescriptorArray holds the instance descriptors of a map: one entry per
// property with its key, packed details and value slot.
//
// Entries are stored in enumeration order; the descriptor number of a
// property is its storage position. Hash order is kept as a permutation in
// the details' pointer bits (see GetSortedKeyIndex), so a map may use a
// prefix of an array shared with its descendants.
//
// Layout (see layout.go for the byte-level contract):
//
//	Header:
//	  [16:0  bits]: number_of_all_descriptors (including slack)
//	  [32:16 bits]: number_of_descriptors
//	  [48:32 bits]: number_of_marked_descriptors (used by the marker)
//	  [64:48 bits]: filler
//	  enum cache
//	Elements:
//	  key, details, value for each of number_of_all_descriptors
//
// Slack entries hold the heap's unused marker key and no value.
type DescriptorArray struct {
	heap      *Heap
	id        uint32
	header    descriptorHeader
	enumCache *EnumCache
	entries   []descriptorEntry
}

type descriptorHeader struct {
	numberOfAllDescriptors uint16
	numberOfDescriptors    uint16
	// Epoch-tagged marked count; see marking.go.
	rawNumberOfMarkedDescriptors atomic.Uint64
	filler16Bits                 uint16
	// Cleared by Set, restored by Sort.
	sorted bool
}

type descriptorEntry struct {
	key     *Name
	details PropertyDetails
	value   MaybeObject
}

const (
	// NotFound is returned by Search when the key is absent.
	NotFound = -1

	// MaxNumberOfDescriptors leaves headroom below the 10-bit field index
	// and sorted-key pointer limits.
	MaxNumberOfDescriptors = (1 << descriptorIndexBits) - 4

	// MaxElementsForLinearSearch is the size below which Search scans
	// instead of bisecting.
	MaxElementsForLinearSearch = 8
)

// The header counters are 16-bit; this fails to compile if the limit grows past them.
const _ uint16 = MaxNumberOfDescriptors

// ---------------------------------------------------------------------------
// Descriptor: a complete entry outside of any array
// ---------------------------------------------------------------------------

// Descriptor is a (key, value, details) record used to fill array entries.
type Descriptor struct {
	Key     *Name
	Value   MaybeObject
	Details PropertyDetails
}

// NewDataField describes a data property stored in object field fieldIndex.
func NewDataField(key *Name, fieldIndex int, attrs PropertyAttributes, constness PropertyConstness,
	rep Representation, ft FieldType) Descriptor {
	return Descriptor{
		Key:     key,
		Value:   WrapFieldType(ft),
		Details: NewPropertyDetails(KindData, attrs, LocationField, constness, rep, fieldIndex),
	}
}

// NewDataConstant describes a data property whose value lives in the descriptor.
func NewDataConstant(key *Name, value Object, attrs PropertyAttributes) Descriptor {
	return Descriptor{
		Key:     key,
		Value:   Strong(value),
		Details: NewPropertyDetails(KindData, attrs, LocationDescriptor, ConstnessConst, representationOf(value), 0),
	}
}

// NewAccessorConstant describes an accessor property backed by pair.
func NewAccessorConstant(key *Name, pair *AccessorPair, attrs PropertyAttributes) Descriptor {
	return Descriptor{
		Key:     key,
		Value:   Strong(pair),
		Details: NewPropertyDetails(KindAccessor, attrs, LocationDescriptor, ConstnessConst, RepTagged, 0),
	}
}

func representationOf(o Object) Representation {
	switch o.(type) {
	case Smi:
		return RepSmi
	case *HeapNumber:
		return RepDouble
	default:
		return RepHeapObject
	}
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate returns a descriptor array with room for nofDescriptors+slack
// entries and no descriptors in use. It returns the heap's shared empty
// array when nofDescriptors is 0, whatever the slack.
func Allocate(h *Heap, nofDescriptors, slack int) (*DescriptorArray, error) {
	if nofDescriptors == 0 {
		return h.emptyDescriptorArray, nil
	}
	return allocate(h, nofDescriptors, slack)
}

// allocate is Allocate without the empty shortcut for slack-only arrays.
func allocate(h *Heap, nofDescriptors, slack int) (*DescriptorArray, error) {
	h.check(nofDescriptors >= 0 && slack >= 0, "Allocate", "negative size %d+%d", nofDescriptors, slack)
	total := nofDescriptors + slack
	if total == 0 {
		return h.emptyDescriptorArray, nil
	}
	if total > MaxNumberOfDescriptors {
		return nil, fmt.Errorf("allocate %d descriptors (max %d): %w", total, MaxNumberOfDescriptors, ErrTooManyDescriptors)
	}
	if err := h.allocate("allocate descriptor array", slotsFor(total)); err != nil {
		return nil, err
	}

	d := &DescriptorArray{heap: h, id: h.nextArrayID.Add(1)}
	d.Initialize(h.emptyEnumCache, h.unusedMarker, nofDescriptors, slack)
	h.log.Debugf("allocated descriptor array %d (%d descriptors, %d slack)", d.id, nofDescriptors, slack)
	return d, nil
}

// Initialize sizes the array for nofDescriptors+slack entries, zeroes the
// header counters, installs enumCache and fills every entry with the unused
// marker key.
func (d *DescriptorArray) Initialize(enumCache *EnumCache, unusedMarker *Name, nofDescriptors, slack int) {
	total := nofDescriptors + slack
	d.header.numberOfAllDescriptors = uint16(total)
	d.header.numberOfDescriptors = 0
	d.header.rawNumberOfMarkedDescriptors.Store(0)
	d.header.filler16Bits = 0
	d.header.sorted = true
	d.enumCache = enumCache
	d.entries = make([]descriptorEntry, total)
	for i := range d.entries {
		d.entries[i].key = unusedMarker
	}
}

// ---------------------------------------------------------------------------
// Header accessors
// ---------------------------------------------------------------------------

// ID returns the array's identity within its heap.
func (d *DescriptorArray) ID() uint32 { return d.id }

// Heap returns the heap the array was allocated in.
func (d *DescriptorArray) Heap() *Heap { return d.heap }

// NumberOfAllDescriptors returns the capacity including slack.
func (d *DescriptorArray) NumberOfAllDescriptors() int {
	return int(d.header.numberOfAllDescriptors)
}

// NumberOfDescriptors returns the number of descriptors in use.
func (d *DescriptorArray) NumberOfDescriptors() int {
	return int(d.header.numberOfDescriptors)
}

// NumberOfSlackDescriptors returns the number of unused trailing entries.
func (d *DescriptorArray) NumberOfSlackDescriptors() int {
	return d.NumberOfAllDescriptors() - d.NumberOfDescriptors()
}

// IsEmptySingleton reports whether d is its heap's shared empty array.
func (d *DescriptorArray) IsEmptySingleton() bool {
	return d == d.heap.emptyDescriptorArray
}

func (d *DescriptorArray) setNumberOfDescriptors(n int) {
	d.heap.check(n <= d.NumberOfAllDescriptors(), "SetNumberOfDescriptors",
		"%d descriptors exceed capacity %d", n, d.NumberOfAllDescriptors())
	d.header.numberOfDescriptors = uint16(n)
}

func (d *DescriptorArray) checkIndex(op string, i int) {
	d.heap.check(i >= 0 && i < d.NumberOfDescriptors(), op,
		"descriptor %d out of range [0, %d)", i, d.NumberOfDescriptors())
}

func (d *DescriptorArray) checkMutable(op string) {
	d.heap.check(!d.IsEmptySingleton(), op, "the empty descriptor array is immutable")
}

// ---------------------------------------------------------------------------
// Entry accessors
// ---------------------------------------------------------------------------

// GetKey returns the key of descriptor i.
func (d *DescriptorArray) GetKey(i int) *Name {
	d.checkIndex("GetKey", i)
	return d.entries[i].key
}

// GetDetails returns the details of descriptor i.
func (d *DescriptorArray) GetDetails(i int) PropertyDetails {
	d.checkIndex("GetDetails", i)
	return d.entries[i].details
}

// GetValue returns the raw, possibly weak, value slot of descriptor i.
func (d *DescriptorArray) GetValue(i int) MaybeObject {
	d.checkIndex("GetValue", i)
	return d.entries[i].value
}

// GetStrongValue returns the strong referent of descriptor i's value slot.
// The slot must not hold a weak field type. Inline field type sentinels
// read as nil.
func (d *DescriptorArray) GetStrongValue(i int) Object {
	v := d.GetValue(i)
	d.heap.check(!v.IsWeak(), "GetStrongValue", "descriptor %d holds a weak field type", i)
	return v.Object()
}

// SetValue overwrites the value slot of descriptor i, keeping key and details.
func (d *DescriptorArray) SetValue(i int, value MaybeObject) {
	d.checkIndex("SetValue", i)
	d.checkMutable("SetValue")
	d.entries[i].value = value
	d.heap.marker.RecordWrite(d, value)
}

// GetFieldIndex returns the object field index of field descriptor i.
func (d *DescriptorArray) GetFieldIndex(i int) int {
	details := d.GetDetails(i)
	d.heap.check(details.Location() == LocationField, "GetFieldIndex", "descriptor %d is not a field", i)
	return details.FieldIndex()
}

// GetFieldType resolves the field type of field descriptor i. A weak
// reference to a collected map resolves to Any.
func (d *DescriptorArray) GetFieldType(i int) FieldType {
	details := d.GetDetails(i)
	d.heap.check(details.Location() == LocationField, "GetFieldType", "descriptor %d is not a field", i)
	return d.heap.unwrapFieldType(d.entries[i].value)
}

func (h *Heap) unwrapFieldType(v MaybeObject) FieldType {
	switch v.tag {
	case slotFieldTypeNone:
		return FieldTypeNone()
	case slotWeak:
		if m := h.maps.Lookup(v.mapID); m != nil {
			return FieldTypeClass(m)
		}
		return FieldTypeAny()
	default:
		return FieldTypeAny()
	}
}

// GetDescriptor returns descriptor i as a standalone record.
func (d *DescriptorArray) GetDescriptor(i int) Descriptor {
	d.checkIndex("GetDescriptor", i)
	e := d.entries[i]
	return Descriptor{Key: e.key, Value: e.value, Details: e.details.withoutPointer()}
}

// ---------------------------------------------------------------------------
// Sorted key permutation
// ---------------------------------------------------------------------------

// GetSortedKeyIndex returns the descriptor number of the k-th key in hash order.
func (d *DescriptorArray) GetSortedKeyIndex(k int) int {
	return d.entries[k].details.Pointer()
}

// GetSortedKey returns the k-th key in hash order.
func (d *DescriptorArray) GetSortedKey(k int) *Name {
	return d.entries[d.GetSortedKeyIndex(k)].key
}

func (d *DescriptorArray) setSortedKey(k, descriptorNumber int) {
	d.entries[k].details = d.entries[k].details.withPointer(descriptorNumber)
}

func (d *DescriptorArray) swapSortedKeys(first, second int) {
	a := d.GetSortedKeyIndex(first)
	d.setSortedKey(first, d.GetSortedKeyIndex(second))
	d.setSortedKey(second, a)
}

// ---------------------------------------------------------------------------
// Set / Append / Replace
// ---------------------------------------------------------------------------

// Set writes a complete entry at index i. Arrays are built in index order:
// i may be at most the current descriptor count, and writing at the count
// extends it. The sorted key permutation is not maintained; call Sort before
// searching.
func (d *DescriptorArray) Set(i int, key *Name, value MaybeObject, details PropertyDetails) {
	d.checkMutable("Set")
	d.heap.check(i >= 0 && i <= d.NumberOfDescriptors() && i < d.NumberOfAllDescriptors(), "Set",
		"descriptor %d out of order (count %d, capacity %d)", i, d.NumberOfDescriptors(), d.NumberOfAllDescriptors())
	pointer := d.entries[i].details.Pointer()
	d.entries[i] = descriptorEntry{key: key, details: details.withPointer(pointer), value: value}
	d.header.sorted = false
	if i == d.NumberOfDescriptors() {
		d.setNumberOfDescriptors(i + 1)
	}
	d.heap.marker.RecordWrite(d, Strong(key))
	d.heap.marker.RecordWrite(d, value)
}

// SetDescriptor is Set with the entry taken from desc.
func (d *DescriptorArray) SetDescriptor(i int, desc *Descriptor) {
	d.Set(i, desc.Key, desc.Value, desc.Details)
}

// Append adds desc after the last descriptor, assigning it the next
// enumeration index, and inserts it into the sorted key permutation. It is
// meant for bulk construction before the array is published.
func (d *DescriptorArray) Append(desc *Descriptor) {
	d.checkMutable("Append")
	n := d.NumberOfDescriptors()
	d.heap.check(n < d.NumberOfAllDescriptors(), "Append", "no slack left (capacity %d)", d.NumberOfAllDescriptors())
	if d.heap.debugChecks {
		d.heap.check(d.findForInsert(desc.Key, n) == NotFound, "Append", "duplicate key %q", desc.Key)
	}

	pointer := d.entries[n].details.Pointer()
	details := desc.Details.WithEnumerationIndex(n).withPointer(pointer)
	d.entries[n] = descriptorEntry{key: desc.Key, details: details, value: desc.Value}
	d.setNumberOfDescriptors(n + 1)

	hash := desc.Key.Hash()
	insertion := n
	for ; insertion > 0; insertion-- {
		if d.GetSortedKey(insertion-1).Hash() <= hash {
			break
		}
		d.setSortedKey(insertion, d.GetSortedKeyIndex(insertion-1))
	}
	d.setSortedKey(insertion, n)

	if d.heap.slowChecks {
		d.heap.check(d.IsSortedNoDuplicates(-1), "Append", "array %d is not sorted", d.id)
	}
	d.heap.marker.RecordDescriptorArrayWrite(d)
}

// findForInsert looks name up among the first n descriptors without
// requiring the permutation to be sorted.
func (d *DescriptorArray) findForInsert(name *Name, n int) int {
	if n == 0 {
		return NotFound
	}
	if d.header.sorted {
		return d.Search(name, n)
	}
	return d.linearSearch(name, n)
}

// IsSorted reports whether the sorted key permutation is current: Set has
// not run since the last Sort.
func (d *DescriptorArray) IsSorted() bool {
	return d.header.sorted
}

// Replace overwrites live descriptor i with desc, keeping its key, its
// enumeration index and the array's sort order.
func (d *DescriptorArray) Replace(i int, desc *Descriptor) {
	d.checkIndex("Replace", i)
	d.checkMutable("Replace")
	old := d.entries[i]
	d.heap.check(old.key == desc.Key, "Replace", "key %q does not match descriptor %d (%q)", desc.Key, i, old.key)
	details := desc.Details.WithEnumerationIndex(old.details.EnumerationIndex()).withPointer(old.details.Pointer())
	d.entries[i] = descriptorEntry{key: desc.Key, details: details, value: desc.Value}
	d.heap.marker.RecordWrite(d, desc.Value)
}

// copyFrom transfers descriptor srcIndex of src to index i of d.
func (d *DescriptorArray) copyFrom(i int, src *DescriptorArray, srcIndex int) {
	e := src.entries[srcIndex]
	d.Set(i, e.key, e.value, e.details)
}

// ---------------------------------------------------------------------------
// Generalization
// ---------------------------------------------------------------------------

// GeneralizeAllFields widens every field descriptor to the tagged
// representation, mutable constness and the Any field type.
func (d *DescriptorArray) GeneralizeAllFields() {
	n := d.NumberOfDescriptors()
	for i := 0; i < n; i++ {
		details := d.entries[i].details
		if details.Location() != LocationField {
			continue
		}
		d.entries[i].details = details.CopyWithRepresentation(RepTagged).CopyWithConstness(ConstnessMutable)
		d.entries[i].value = WrapFieldType(FieldTypeAny())
	}
}
