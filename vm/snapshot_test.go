package vm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chazu/descriptors/config"
)

func buildSnapshotArray(t *testing.T, h *Heap, class *Map) *DescriptorArray {
	t.Helper()
	d, err := Allocate(h, 12, 2)
	if err != nil {
		t.Fatal(err)
	}
	descs := []Descriptor{
		NewDataField(h.Intern("x"), 0, AttrNone, ConstnessConst, RepSmi, FieldTypeNone()),
		NewDataField(h.Intern("y"), 1, DontEnum, ConstnessMutable, RepTagged, FieldTypeAny()),
		NewDataField(h.Intern("owner"), 2, AttrNone, ConstnessConst, RepHeapObject, FieldTypeClass(class)),
		NewDataConstant(h.Intern("pi"), &HeapNumber{Value: 3.25}, Frozen),
		NewDataConstant(h.Intern("tag"), h.Intern("point"), AttrNone),
		NewAccessorConstant(h.Intern("len"), &AccessorPair{Getter: h.Intern("getLen"), Setter: Smi(0)}, DontEnum),
	}
	for i := 0; i < 6; i++ {
		descs = append(descs, NewDataConstant(h.Intern("c"+string(rune('a'+i))), Smi(i), AttrNone))
	}
	for i := range descs {
		d.Append(&descs[i])
	}
	return d
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := newTestHeap(t)
	class := h.NewMap()
	src := buildSnapshotArray(t, h, class)
	if err := src.InitializeOrChangeEnumCache([]*Name{src.GetKey(0), src.GetKey(2)}, []int{0, 2}); err != nil {
		t.Fatal(err)
	}

	data, err := MarshalDescriptors(src)
	if err != nil {
		t.Fatalf("MarshalDescriptors failed: %v", err)
	}
	d, err := h.UnmarshalDescriptors(data)
	if err != nil {
		t.Fatalf("UnmarshalDescriptors failed: %v", err)
	}

	if d.NumberOfDescriptors() != src.NumberOfDescriptors() || d.NumberOfAllDescriptors() != src.NumberOfAllDescriptors() {
		t.Fatalf("restored %d/%d, want %d/%d", d.NumberOfDescriptors(), d.NumberOfAllDescriptors(),
			src.NumberOfDescriptors(), src.NumberOfAllDescriptors())
	}
	for i := 0; i < src.NumberOfDescriptors(); i++ {
		if d.GetKey(i) != src.GetKey(i) {
			t.Errorf("descriptor %d key = %v, want %v", i, d.GetKey(i), src.GetKey(i))
		}
		if d.GetDetails(i).withoutPointer() != src.GetDetails(i).withoutPointer() {
			t.Errorf("descriptor %d details = %v, want %v", i, d.GetDetails(i), src.GetDetails(i))
		}
		if d.GetValue(i).String() != src.GetValue(i).String() {
			t.Errorf("descriptor %d value = %v, want %v", i, d.GetValue(i), src.GetValue(i))
		}
		if got := d.Search(src.GetKey(i), d.NumberOfDescriptors()); got != i {
			t.Errorf("Search(%s) in restored array = %d, want %d", src.GetKey(i), got, i)
		}
	}
	if d.GetFieldType(2).AsClass() != class {
		t.Error("class field type should survive a same-heap round trip")
	}
	ec := d.EnumCache()
	if len(ec.Keys()) != 2 || ec.Keys()[1] != src.GetKey(2) || ec.Indices()[1] != 2 {
		t.Errorf("restored enum cache = %v / %v", ec.Keys(), ec.Indices())
	}
}

func TestSnapshotIntoAnotherHeap(t *testing.T) {
	h := newTestHeap(t)
	src := buildSnapshotArray(t, h, h.NewMap())
	data, err := MarshalDescriptors(src)
	if err != nil {
		t.Fatal(err)
	}

	other := newTestHeap(t)
	d, err := other.UnmarshalDescriptors(data)
	if err != nil {
		t.Fatal(err)
	}
	if d.Heap() != other {
		t.Error("restored array belongs to the wrong heap")
	}
	if d.GetKey(0) != other.Intern("x") {
		t.Error("keys should be interned in the target heap")
	}
	if !d.GetFieldType(2).IsAny() {
		t.Errorf("foreign class field type = %v, want Any", d.GetFieldType(2))
	}
}

func TestSnapshotDeterministic(t *testing.T) {
	h := newTestHeap(t)
	d := buildSnapshotArray(t, h, h.NewMap())

	a, err := MarshalDescriptors(d)
	if err != nil {
		t.Fatal(err)
	}
	b, err := MarshalDescriptors(d)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("canonical encoding should be deterministic")
	}
}

func TestSnapshotEmpty(t *testing.T) {
	h := newTestHeap(t)
	data, err := MarshalDescriptors(h.EmptyDescriptorArray())
	if err != nil {
		t.Fatal(err)
	}
	d, err := h.UnmarshalDescriptors(data)
	if err != nil {
		t.Fatal(err)
	}
	if d != h.EmptyDescriptorArray() {
		t.Error("empty snapshot should restore the empty singleton")
	}
}

func TestSnapshotCorrupt(t *testing.T) {
	h := newTestHeap(t)
	a := h.Intern("a")

	dup := snapshot{
		Version:  snapshotVersion,
		Capacity: 2,
		Descriptors: []snapshotDescriptor{
			{Key: a.str, Details: uint64(NewPropertyDetails(KindData, AttrNone, LocationDescriptor, ConstnessConst, RepSmi, 0)), Value: snapshotValue{Kind: snapSmi, Int: 1}},
			{Key: a.str, Details: uint64(NewPropertyDetails(KindData, AttrNone, LocationDescriptor, ConstnessConst, RepSmi, 0).WithEnumerationIndex(1)), Value: snapshotValue{Kind: snapSmi, Int: 2}},
		},
	}
	badVersion := snapshot{Version: 99}
	badCapacity := snapshot{Version: snapshotVersion, Capacity: 0, Descriptors: dup.Descriptors}
	badEnum := snapshot{Version: snapshotVersion, Capacity: 2, Descriptors: dup.Descriptors[:1], EnumKeys: []string{"a"}, EnumIndices: []int{5}}
	dupEnum := snapshot{
		Version:  snapshotVersion,
		Capacity: 2,
		Descriptors: []snapshotDescriptor{
			dup.Descriptors[0],
			{Key: "b", Details: dup.Descriptors[0].Details, Value: snapshotValue{Kind: snapSmi, Int: 2}},
		},
	}

	inputs := map[string][]byte{"garbage": {0xff, 0x00, 0x13}}
	for name, s := range map[string]*snapshot{"duplicate keys": &dup, "version": &badVersion, "capacity": &badCapacity, "enum cache": &badEnum, "duplicate enumeration index": &dupEnum} {
		b, err := cborEncMode.Marshal(s)
		if err != nil {
			t.Fatal(err)
		}
		inputs[name] = b
	}

	before := h.AllocatedSlots()
	for name, data := range inputs {
		if _, err := h.UnmarshalDescriptors(data); !errors.Is(err, ErrCorruptSnapshot) {
			t.Errorf("%s: expected ErrCorruptSnapshot, got %v", name, err)
		}
		if h.AllocatedSlots() != before {
			t.Errorf("%s: rejected snapshot charged %d slots", name, h.AllocatedSlots()-before)
		}
	}
}

func TestSnapshotOutOfOrderEnumeration(t *testing.T) {
	h := NewHeap(config.Default())
	d, err := Allocate(h, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	details := NewPropertyDetails(KindData, AttrNone, LocationDescriptor, ConstnessConst, RepSmi, 0)
	names := []*Name{h.Intern("a"), h.Intern("b"), h.Intern("c")}
	for i, enum := range []int{2, 0, 1} {
		d.Set(i, names[i], Strong(Smi(i)), details.WithEnumerationIndex(enum))
	}
	d.Sort()

	data, err := MarshalDescriptors(d)
	if err != nil {
		t.Fatalf("MarshalDescriptors failed: %v", err)
	}
	restored, err := h.UnmarshalDescriptors(data)
	if err != nil {
		t.Fatalf("UnmarshalDescriptors failed: %v", err)
	}
	if !restored.IsEqualTo(d) {
		t.Error("restored array differs from the original")
	}
	for i, name := range names {
		if got := restored.Search(name, 3); got != i {
			t.Errorf("Search(%s) = %d, want %d", name, got, i)
		}
		if got := restored.GetDetails(i).EnumerationIndex(); got != d.GetDetails(i).EnumerationIndex() {
			t.Errorf("descriptor %d enumeration index = %d, want %d", i, got, d.GetDetails(i).EnumerationIndex())
		}
	}
}

func TestUnmarshalMap(t *testing.T) {
	h := newTestHeap(t)
	src := buildSnapshotArray(t, h, h.NewMap())
	data, err := MarshalDescriptors(src)
	if err != nil {
		t.Fatal(err)
	}

	m, err := h.UnmarshalMap(data)
	if err != nil {
		t.Fatal(err)
	}
	if m.NumberOfOwnDescriptors() != 12 {
		t.Errorf("map owns %d descriptors, want 12", m.NumberOfOwnDescriptors())
	}
	if got := m.Lookup(h.Intern("tag")); got != 4 {
		t.Errorf("Lookup(tag) = %d, want 4", got)
	}
}
