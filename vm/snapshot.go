package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Snapshots: portable CBOR form of a descriptor array
// ---------------------------------------------------------------------------

const snapshotVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type snapshotValueKind uint8

const (
	snapUnused snapshotValueKind = iota
	snapSmi
	snapHeapNumber
	snapName
	snapAccessorPair
	snapFieldTypeNone
	snapFieldTypeAny
	snapFieldTypeClass
	snapNil
)

type snapshotValue struct {
	Kind   snapshotValueKind `cbor:"1,keyasint"`
	Int    int64             `cbor:"2,keyasint,omitempty"`
	Number float64           `cbor:"3,keyasint,omitempty"`
	Name   string            `cbor:"4,keyasint,omitempty"`
	Getter *snapshotValue    `cbor:"5,keyasint,omitempty"`
	Setter *snapshotValue    `cbor:"6,keyasint,omitempty"`
}

type snapshotDescriptor struct {
	Key     string        `cbor:"1,keyasint"`
	Details uint64        `cbor:"2,keyasint"`
	Value   snapshotValue `cbor:"3,keyasint"`
}

// Snapshot is the serialized form of a descriptor array. Keys are stored
// as strings and re-interned on restore; weak class field types only
// survive a round trip into the heap that wrote them.
type snapshot struct {
	Version     int                  `cbor:"1,keyasint"`
	Heap        [16]byte             `cbor:"2,keyasint"`
	Capacity    int                  `cbor:"3,keyasint"`
	Descriptors []snapshotDescriptor `cbor:"4,keyasint"`
	EnumKeys    []string             `cbor:"5,keyasint,omitempty"`
	EnumIndices []int                `cbor:"6,keyasint,omitempty"`
}

func snapshotObject(o Object) (snapshotValue, error) {
	switch v := o.(type) {
	case nil:
		return snapshotValue{Kind: snapNil}, nil
	case Smi:
		return snapshotValue{Kind: snapSmi, Int: int64(v)}, nil
	case *HeapNumber:
		return snapshotValue{Kind: snapHeapNumber, Number: v.Value}, nil
	case *Name:
		return snapshotValue{Kind: snapName, Name: v.str}, nil
	case *AccessorPair:
		getter, err := snapshotObject(v.Getter)
		if err != nil {
			return snapshotValue{}, err
		}
		setter, err := snapshotObject(v.Setter)
		if err != nil {
			return snapshotValue{}, err
		}
		return snapshotValue{Kind: snapAccessorPair, Getter: &getter, Setter: &setter}, nil
	}
	return snapshotValue{}, fmt.Errorf("cannot snapshot %s", o.objectKind())
}

func snapshotSlot(v MaybeObject) (snapshotValue, error) {
	switch v.tag {
	case slotStrong:
		return snapshotObject(v.obj)
	case slotFieldTypeNone:
		return snapshotValue{Kind: snapFieldTypeNone}, nil
	case slotFieldTypeAny:
		return snapshotValue{Kind: snapFieldTypeAny}, nil
	case slotWeak:
		return snapshotValue{Kind: snapFieldTypeClass, Int: int64(v.mapID)}, nil
	}
	return snapshotValue{Kind: snapUnused}, nil
}

// MarshalDescriptors serializes d to canonical CBOR.
func MarshalDescriptors(d *DescriptorArray) ([]byte, error) {
	s := snapshot{
		Version:     snapshotVersion,
		Heap:        d.heap.id,
		Capacity:    d.NumberOfAllDescriptors(),
		Descriptors: make([]snapshotDescriptor, d.NumberOfDescriptors()),
	}
	for i := range s.Descriptors {
		e := d.entries[i]
		value, err := snapshotSlot(e.value)
		if err != nil {
			return nil, fmt.Errorf("vm: marshal descriptor %d (%s): %w", i, e.key, err)
		}
		s.Descriptors[i] = snapshotDescriptor{
			Key:     e.key.str,
			Details: uint64(e.details.withoutPointer()),
			Value:   value,
		}
	}
	for _, k := range d.enumCache.keys {
		s.EnumKeys = append(s.EnumKeys, k.str)
	}
	s.EnumIndices = d.enumCache.indices
	return cborEncMode.Marshal(&s)
}

func (h *Heap) restoreObject(v *snapshotValue) (Object, error) {
	if v == nil {
		return nil, nil
	}
	switch v.Kind {
	case snapNil:
		return nil, nil
	case snapSmi:
		return Smi(v.Int), nil
	case snapHeapNumber:
		return &HeapNumber{Value: v.Number}, nil
	case snapName:
		return h.Intern(v.Name), nil
	case snapAccessorPair:
		getter, err := h.restoreObject(v.Getter)
		if err != nil {
			return nil, err
		}
		setter, err := h.restoreObject(v.Setter)
		if err != nil {
			return nil, err
		}
		return &AccessorPair{Getter: getter, Setter: setter}, nil
	}
	return nil, fmt.Errorf("value kind %d is not an object: %w", v.Kind, ErrCorruptSnapshot)
}

func (h *Heap) restoreSlot(v *snapshotValue, sameHeap bool) (MaybeObject, error) {
	switch v.Kind {
	case snapUnused:
		return MaybeObject{}, nil
	case snapFieldTypeNone:
		return WrapFieldType(FieldTypeNone()), nil
	case snapFieldTypeAny:
		return WrapFieldType(FieldTypeAny()), nil
	case snapFieldTypeClass:
		if sameHeap {
			if m := h.maps.Lookup(uint32(v.Int)); m != nil {
				return WrapFieldType(FieldTypeClass(m)), nil
			}
		}
		return WrapFieldType(FieldTypeAny()), nil
	}
	o, err := h.restoreObject(v)
	if err != nil {
		return MaybeObject{}, err
	}
	return Strong(o), nil
}

// UnmarshalDescriptors restores a snapshot written by MarshalDescriptors
// into a new array on h. Keys must be unique; the result is sorted.
func (h *Heap) UnmarshalDescriptors(data []byte) (*DescriptorArray, error) {
	var s snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: unmarshal descriptors: %w: %v", ErrCorruptSnapshot, err)
	}
	n := len(s.Descriptors)
	switch {
	case s.Version != snapshotVersion:
		return nil, fmt.Errorf("vm: snapshot version %d: %w", s.Version, ErrCorruptSnapshot)
	case s.Capacity < n || s.Capacity > MaxNumberOfDescriptors:
		return nil, fmt.Errorf("vm: snapshot capacity %d for %d descriptors: %w", s.Capacity, n, ErrCorruptSnapshot)
	case len(s.EnumKeys) != len(s.EnumIndices):
		return nil, fmt.Errorf("vm: snapshot enum cache has %d keys and %d indices: %w",
			len(s.EnumKeys), len(s.EnumIndices), ErrCorruptSnapshot)
	}

	sameHeap := uuid.UUID(s.Heap) == h.id
	keys := make(map[string]struct{}, n)
	enums := make(map[int]struct{}, n)
	values := make([]MaybeObject, n)
	for i := range s.Descriptors {
		sd := &s.Descriptors[i]
		enum := PropertyDetails(sd.Details).EnumerationIndex()
		if sd.Key == "" || enum >= MaxNumberOfDescriptors {
			return nil, fmt.Errorf("vm: snapshot descriptor %d: %w", i, ErrCorruptSnapshot)
		}
		if _, dup := keys[sd.Key]; dup {
			return nil, fmt.Errorf("vm: snapshot has duplicate key %q: %w", sd.Key, ErrCorruptSnapshot)
		}
		if _, dup := enums[enum]; dup {
			return nil, fmt.Errorf("vm: snapshot has duplicate enumeration index %d: %w", enum, ErrCorruptSnapshot)
		}
		keys[sd.Key] = struct{}{}
		enums[enum] = struct{}{}
		value, err := h.restoreSlot(&sd.Value, sameHeap)
		if err != nil {
			return nil, fmt.Errorf("vm: snapshot descriptor %d: %w", i, err)
		}
		values[i] = value
	}
	for i, k := range s.EnumKeys {
		idx := s.EnumIndices[i]
		if idx < 0 || idx >= n || s.Descriptors[idx].Key != k {
			return nil, fmt.Errorf("vm: snapshot enum cache entry %d: %w", i, ErrCorruptSnapshot)
		}
	}

	d, err := allocate(h, n, s.Capacity-n)
	if err != nil {
		return nil, fmt.Errorf("vm: unmarshal descriptors: %w", err)
	}
	for i := range s.Descriptors {
		sd := &s.Descriptors[i]
		d.Set(i, h.Intern(sd.Key), values[i], PropertyDetails(sd.Details).withoutPointer())
	}
	if n == 0 {
		return d, nil
	}
	d.Sort()

	if len(s.EnumKeys) > 0 {
		keys := make([]*Name, len(s.EnumIndices))
		for i, idx := range s.EnumIndices {
			keys[i] = d.entries[idx].key
		}
		if err := d.InitializeOrChangeEnumCache(keys, s.EnumIndices); err != nil {
			return nil, fmt.Errorf("vm: unmarshal descriptors: %w", err)
		}
	}
	return d, nil
}

// UnmarshalMap restores a snapshot as the descriptors of a new root-level
// map owning all of them.
func (h *Heap) UnmarshalMap(data []byte) (*Map, error) {
	d, err := h.UnmarshalDescriptors(data)
	if err != nil {
		return nil, err
	}
	m := h.NewMap()
	m.setDescriptors(d, d.NumberOfDescriptors())
	return m, nil
}
