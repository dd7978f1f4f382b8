package vm

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPropertyExists is returned when adding a property the map already has.
var ErrPropertyExists = errors.New("property already exists")

// Map is the shape of an object: it owns a prefix of a descriptor array
// and the transitions to maps with one more property.
//
// Adding a property to a map that owns its descriptors and uses all of them
// appends in place into the slack, and ownership moves to the child; the
// parent keeps reading its shorter prefix. Otherwise the prefix is copied
// into a new array first.
type Map struct {
	heap   *Heap
	id     uint32
	parent *Map

	descriptors            *DescriptorArray
	numberOfOwnDescriptors int
	ownsDescriptors        bool
	numberOfFields         int
	enumLength             int // -1 until EnumKeys computes it

	transitions map[transitionKey]*Map
	mu          sync.RWMutex // Protects transitions map
}

type transitionKey struct {
	name      *Name
	kind      PropertyKind
	location  PropertyLocation
	attrs     PropertyAttributes
	integrity bool // freeze/seal transition rather than a property
}

// NewMap creates a root map with no properties.
func (h *Heap) NewMap() *Map {
	m := &Map{
		heap:            h,
		descriptors:     h.emptyDescriptorArray,
		ownsDescriptors: true,
		enumLength:      -1,
		transitions:     make(map[transitionKey]*Map),
	}
	h.maps.Register(m)
	h.marker.allocateBlack(m)
	return m
}

func (m *Map) ID() uint32                            { return m.id }
func (m *Map) Parent() *Map                          { return m.parent }
func (m *Map) InstanceDescriptors() *DescriptorArray { return m.descriptors }
func (m *Map) NumberOfOwnDescriptors() int           { return m.numberOfOwnDescriptors }
func (m *Map) OwnsDescriptors() bool                 { return m.ownsDescriptors }
func (m *Map) NumberOfFields() int                   { return m.numberOfFields }

func (m *Map) String() string {
	return fmt.Sprintf("Map#%d(%d)", m.id, m.numberOfOwnDescriptors)
}

// Lookup returns the descriptor number of name in this map, or NotFound.
func (m *Map) Lookup(name *Name) int {
	return m.descriptors.SearchWithCache(name, m)
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

// lookupTransition returns a live child for key. Children the marker has
// cleared are dropped.
func (m *Map) lookupTransition(key transitionKey) *Map {
	m.mu.RLock()
	child, ok := m.transitions[key]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if m.heap.maps.Lookup(child.id) == child {
		return child
	}
	m.mu.Lock()
	delete(m.transitions, key)
	m.mu.Unlock()
	return nil
}

func (m *Map) addTransition(key transitionKey, child *Map) {
	m.mu.Lock()
	m.transitions[key] = child
	m.mu.Unlock()
}

func (m *Map) newChild(descriptors *DescriptorArray, nof int) *Map {
	child := &Map{
		heap:                   m.heap,
		parent:                 m,
		descriptors:            descriptors,
		numberOfOwnDescriptors: nof,
		ownsDescriptors:        true,
		numberOfFields:         m.numberOfFields,
		enumLength:             -1,
		transitions:            make(map[transitionKey]*Map),
	}
	m.heap.maps.Register(child)
	return child
}

// AddDataField returns the map with a new field property.
func (m *Map) AddDataField(name *Name, attrs PropertyAttributes, rep Representation, ft FieldType) (*Map, error) {
	desc := NewDataField(name, m.numberOfFields, attrs, ConstnessConst, rep, ft)
	return m.addDescriptor(&desc)
}

// AddDataConstant returns the map with a new constant data property.
func (m *Map) AddDataConstant(name *Name, value Object, attrs PropertyAttributes) (*Map, error) {
	desc := NewDataConstant(name, value, attrs)
	return m.addDescriptor(&desc)
}

// AddAccessor returns the map with a new accessor property.
func (m *Map) AddAccessor(name *Name, pair *AccessorPair, attrs PropertyAttributes) (*Map, error) {
	desc := NewAccessorConstant(name, pair, attrs)
	return m.addDescriptor(&desc)
}

func (m *Map) addDescriptor(desc *Descriptor) (*Map, error) {
	key := transitionKey{
		name:     desc.Key,
		kind:     desc.Details.Kind(),
		location: desc.Details.Location(),
		attrs:    desc.Details.Attributes(),
	}
	if child := m.lookupTransition(key); child != nil {
		return child, nil
	}

	nof := m.numberOfOwnDescriptors
	if m.descriptors.Search(desc.Key, nof) != NotFound {
		return nil, fmt.Errorf("add %q to %s: %w", desc.Key, m, ErrPropertyExists)
	}

	d := m.descriptors
	shared := m.ownsDescriptors && d.NumberOfDescriptors() == nof && d.NumberOfSlackDescriptors() > 0
	if !shared {
		var err error
		d, err = CopyUpTo(m.descriptors, nof, 1+m.heap.cfg.Descriptors.DefaultSlack)
		if err != nil {
			return nil, fmt.Errorf("add %q to %s: %w", desc.Key, m, err)
		}
	}

	d.Append(desc)
	child := m.newChild(d, nof+1)
	if desc.Details.Location() == LocationField {
		child.numberOfFields++
	}
	if shared {
		m.ownsDescriptors = false
	}
	m.heap.marker.allocateBlack(child)
	m.addTransition(key, child)

	m.heap.mapLog.Debugf("%s -> %s adding %q (shared %t, array %d)", m, child, desc.Key, shared, d.id)
	return child, nil
}

// ---------------------------------------------------------------------------
// Copies
// ---------------------------------------------------------------------------

// CopyAddAttributes returns a map whose properties all carry attrs; Frozen
// and Sealed implement Object.freeze and Object.seal.
func (m *Map) CopyAddAttributes(attrs PropertyAttributes) (*Map, error) {
	key := transitionKey{attrs: attrs, integrity: true}
	if child := m.lookupTransition(key); child != nil {
		return child, nil
	}

	d, err := CopyUpToAddAttributes(m.descriptors, m.numberOfOwnDescriptors, attrs, 0)
	if err != nil {
		return nil, fmt.Errorf("copy %s with %s: %w", m, attrs, err)
	}
	child := m.newChild(d, m.numberOfOwnDescriptors)
	m.heap.marker.allocateBlack(child)
	m.addTransition(key, child)
	return child, nil
}

// CopyForClone returns an unshared copy of the map for object cloning. The
// copy shares the enum cache, since it has the same enumerable keys.
func (m *Map) CopyForClone() (*Map, error) {
	d, err := CopyForFastObjectClone(m.descriptors, m.numberOfOwnDescriptors, 0)
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", m, err)
	}
	if m.enumLength >= 0 && m.descriptors.HasEnumCache() && !d.IsEmptySingleton() {
		d.CopyEnumCacheFrom(m.descriptors)
	}
	clone := m.newChild(d, m.numberOfOwnDescriptors)
	clone.enumLength = m.enumLength
	m.heap.marker.allocateBlack(clone)
	return clone, nil
}

// CopyGeneralizeAllFields returns a copy of the map whose fields accept
// any value.
func (m *Map) CopyGeneralizeAllFields() (*Map, error) {
	d, err := CopyUpTo(m.descriptors, m.numberOfOwnDescriptors, 0)
	if err != nil {
		return nil, fmt.Errorf("generalize %s: %w", m, err)
	}
	d.GeneralizeAllFields()
	child := m.newChild(d, m.numberOfOwnDescriptors)
	m.heap.marker.allocateBlack(child)
	return child, nil
}

// GeneralizeField widens field descriptor i in place to cover rep and ft.
// Widening is safe for every map sharing the array.
func (m *Map) GeneralizeField(i int, rep Representation, ft FieldType) {
	d := m.descriptors
	old := d.GetDescriptor(i)
	oldType := d.GetFieldType(i)

	newType := FieldTypeAny()
	switch {
	case oldType.IsNone():
		newType = ft
	case ft.IsNone():
		newType = oldType
	case oldType == ft:
		newType = ft
	}

	details := old.Details.CopyWithRepresentation(old.Details.Representation().Generalize(rep))
	if newType != oldType {
		details = details.CopyWithConstness(ConstnessMutable)
	}
	d.Replace(i, &Descriptor{Key: old.Key, Value: WrapFieldType(newType), Details: details})
	d.ClearEnumCache()
	m.heap.lookupCache.Clear()
}

// ---------------------------------------------------------------------------
// Enumeration
// ---------------------------------------------------------------------------

// EnumKeys returns the enumerable own keys in enumeration order, building
// or extending the descriptor array's enum cache as needed. The returned
// slice must not be modified.
func (m *Map) EnumKeys() ([]*Name, error) {
	d := m.descriptors
	if m.enumLength >= 0 && len(d.enumCache.keys) >= m.enumLength {
		return d.enumCache.keys[:m.enumLength], nil
	}

	var keys []*Name
	var indices []int
	for i := 0; i < m.numberOfOwnDescriptors; i++ {
		if d.GetDetails(i).IsEnumerable() {
			keys = append(keys, d.GetKey(i))
			indices = append(indices, i)
		}
	}

	// A descendant sharing the array may already have cached a longer list
	// whose prefix is ours.
	if len(d.enumCache.keys) < len(keys) && !d.IsEmptySingleton() {
		if err := d.InitializeOrChangeEnumCache(keys, indices); err != nil {
			return nil, fmt.Errorf("enum keys of %s: %w", m, err)
		}
	}
	m.enumLength = len(keys)
	return keys, nil
}

// setDescriptors installs d as the map's own table.
func (m *Map) setDescriptors(d *DescriptorArray, nof int) {
	m.descriptors = d
	m.numberOfOwnDescriptors = nof
	m.ownsDescriptors = true
	m.heap.marker.RecordMapWrite(m)
}
