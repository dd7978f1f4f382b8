package vm

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/chazu/descriptors/config"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	cfg := config.Default()
	cfg.Descriptors.SlowChecks = true
	return NewHeap(cfg)
}

// buildArray appends n data constants p0..p(n-1) with values 0..n-1.
func buildArray(t *testing.T, h *Heap, n, slack int) (*DescriptorArray, []*Name) {
	t.Helper()
	d, err := Allocate(h, n, slack)
	if err != nil {
		t.Fatalf("Allocate(%d, %d) failed: %v", n, slack, err)
	}
	names := make([]*Name, n)
	for i := range names {
		names[i] = h.Intern("p" + strconv.Itoa(i))
		desc := NewDataConstant(names[i], Smi(i), AttrNone)
		d.Append(&desc)
	}
	return d, names
}

// expectViolation runs fn and fails unless it panics with an InvariantViolation.
func expectViolation(t *testing.T, op string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("%s: expected an invariant violation", op)
		}
		iv, ok := r.(*InvariantViolation)
		if !ok {
			t.Fatalf("%s: expected *InvariantViolation, got %T: %v", op, r, r)
		}
		if iv.Op != op {
			t.Errorf("violation op = %q, want %q", iv.Op, op)
		}
	}()
	fn()
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

func TestAllocateEmptySingleton(t *testing.T) {
	h := newTestHeap(t)

	for _, slack := range []int{0, 3} {
		d, err := Allocate(h, 0, slack)
		if err != nil {
			t.Fatalf("Allocate(0, %d) failed: %v", slack, err)
		}
		if d != h.EmptyDescriptorArray() {
			t.Errorf("Allocate(0, %d) should return the empty singleton", slack)
		}
	}
	empty := h.EmptyDescriptorArray()
	if empty.NumberOfAllDescriptors() != 0 || empty.NumberOfDescriptors() != 0 {
		t.Errorf("empty singleton has %d/%d descriptors", empty.NumberOfDescriptors(), empty.NumberOfAllDescriptors())
	}
	if empty.HasEnumCache() {
		t.Error("empty singleton should use the empty enum cache")
	}
}

func TestAllocateCapacity(t *testing.T) {
	h := newTestHeap(t)
	before := h.AllocatedSlots()

	d, err := Allocate(h, 3, 2)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if d.NumberOfAllDescriptors() != 5 {
		t.Errorf("capacity = %d, want 5", d.NumberOfAllDescriptors())
	}
	if d.NumberOfDescriptors() != 0 {
		t.Errorf("count = %d, want 0", d.NumberOfDescriptors())
	}
	if d.NumberOfSlackDescriptors() != 5 {
		t.Errorf("slack = %d, want 5", d.NumberOfSlackDescriptors())
	}
	for i := range d.entries {
		if d.entries[i].key != h.UnusedMarker() {
			t.Errorf("entry %d key = %v, want the unused marker", i, d.entries[i].key)
		}
	}
	if got := h.AllocatedSlots() - before; got != int64(slotsFor(5)) {
		t.Errorf("charged %d slots, want %d", got, slotsFor(5))
	}
}

func TestAllocateTooManyDescriptors(t *testing.T) {
	h := newTestHeap(t)

	_, err := Allocate(h, MaxNumberOfDescriptors, 1)
	if !errors.Is(err, ErrTooManyDescriptors) {
		t.Errorf("expected ErrTooManyDescriptors, got %v", err)
	}
	if _, err := Allocate(h, MaxNumberOfDescriptors, 0); err != nil {
		t.Errorf("Allocate at the limit failed: %v", err)
	}
}

func TestAllocateOutOfMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Heap.MaxSlots = slotsFor(4)
	h := NewHeap(cfg)

	if _, err := Allocate(h, 4, 0); err != nil {
		t.Fatalf("first allocation failed: %v", err)
	}
	used := h.AllocatedSlots()

	_, err := Allocate(h, 1, 0)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	if h.AllocatedSlots() != used {
		t.Errorf("failed allocation charged slots: %d -> %d", used, h.AllocatedSlots())
	}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func TestAppendAndAccessors(t *testing.T) {
	h := newTestHeap(t)
	d, err := Allocate(h, 3, 1)
	if err != nil {
		t.Fatal(err)
	}

	x, k, get := h.Intern("x"), h.Intern("kind"), h.Intern("length")
	pair := &AccessorPair{Getter: h.Intern("getLength")}

	field := NewDataField(x, 0, AttrNone, ConstnessConst, RepSmi, FieldTypeNone())
	constant := NewDataConstant(k, &HeapNumber{Value: 1.5}, ReadOnly)
	accessor := NewAccessorConstant(get, pair, DontEnum)
	d.Append(&field)
	d.Append(&constant)
	d.Append(&accessor)

	if d.NumberOfDescriptors() != 3 || d.NumberOfSlackDescriptors() != 1 {
		t.Fatalf("count/slack = %d/%d, want 3/1", d.NumberOfDescriptors(), d.NumberOfSlackDescriptors())
	}

	for i, want := range []*Name{x, k, get} {
		if d.GetKey(i) != want {
			t.Errorf("GetKey(%d) = %v, want %v", i, d.GetKey(i), want)
		}
		if d.GetDetails(i).EnumerationIndex() != i {
			t.Errorf("descriptor %d has enumeration index %d", i, d.GetDetails(i).EnumerationIndex())
		}
	}

	if d.GetFieldIndex(0) != 0 {
		t.Errorf("GetFieldIndex(0) = %d", d.GetFieldIndex(0))
	}
	if !d.GetFieldType(0).IsNone() {
		t.Errorf("GetFieldType(0) = %v, want None", d.GetFieldType(0))
	}
	if hn, ok := d.GetStrongValue(1).(*HeapNumber); !ok || hn.Value != 1.5 {
		t.Errorf("GetStrongValue(1) = %v", d.GetStrongValue(1))
	}
	if d.GetDetails(1).Representation() != RepDouble {
		t.Errorf("constant representation = %v, want d", d.GetDetails(1).Representation())
	}
	if !d.GetDetails(1).IsReadOnly() {
		t.Error("constant should be read-only")
	}
	if d.GetStrongValue(2) != pair {
		t.Error("GetStrongValue(2) should return the accessor pair")
	}
	if d.GetDetails(2).Kind() != KindAccessor || d.GetDetails(2).IsEnumerable() {
		t.Errorf("accessor details = %v", d.GetDetails(2))
	}

	desc := d.GetDescriptor(1)
	if desc.Key != k || desc.Details.Pointer() != 0 {
		t.Errorf("GetDescriptor(1) = %+v", desc)
	}
}

func TestAccessorOutOfRange(t *testing.T) {
	h := newTestHeap(t)
	d, _ := buildArray(t, h, 2, 2)

	expectViolation(t, "GetKey", func() { d.GetKey(2) })
	expectViolation(t, "GetValue", func() { d.GetValue(-1) })
	expectViolation(t, "GetFieldIndex", func() { d.GetFieldIndex(0) })
}

func TestGetStrongValueOfWeakSlot(t *testing.T) {
	h := newTestHeap(t)
	class := h.NewMap()
	d, err := Allocate(h, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	field := NewDataField(h.Intern("f"), 0, AttrNone, ConstnessConst, RepHeapObject, FieldTypeClass(class))
	d.Append(&field)

	if !d.GetValue(0).IsWeak() {
		t.Fatal("class field type should be stored weakly")
	}
	if d.GetFieldType(0).AsClass() != class {
		t.Errorf("GetFieldType(0) = %v, want %v", d.GetFieldType(0), class)
	}
	expectViolation(t, "GetStrongValue", func() { d.GetStrongValue(0) })
}

// ---------------------------------------------------------------------------
// Set / Replace / SetValue
// ---------------------------------------------------------------------------

func TestSetGrowsCount(t *testing.T) {
	h := newTestHeap(t)
	d, err := Allocate(h, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	a, b := h.Intern("a"), h.Intern("b")
	details := NewPropertyDetails(KindData, AttrNone, LocationDescriptor, ConstnessConst, RepSmi, 0)

	d.Set(0, a, Strong(Smi(1)), details)
	if d.NumberOfDescriptors() != 1 {
		t.Errorf("count after Set(0) = %d, want 1", d.NumberOfDescriptors())
	}
	d.Set(1, b, Strong(Smi(2)), details.WithEnumerationIndex(1))
	d.Set(0, a, Strong(Smi(3)), details)
	if d.NumberOfDescriptors() != 2 {
		t.Errorf("count = %d, want 2", d.NumberOfDescriptors())
	}
	if d.GetStrongValue(0) != Smi(3) {
		t.Errorf("overwritten value = %v, want 3", d.GetStrongValue(0))
	}
}

func TestSetOutOfOrder(t *testing.T) {
	h := newTestHeap(t)
	d, err := Allocate(h, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	details := NewPropertyDetails(KindData, AttrNone, LocationDescriptor, ConstnessConst, RepSmi, 0)
	expectViolation(t, "Set", func() { d.Set(2, h.Intern("a"), Strong(Smi(1)), details) })
}

func TestAppendDuplicateDefaultConfig(t *testing.T) {
	h := NewHeap(config.Default())
	d, err := Allocate(h, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	a := NewDataConstant(h.Intern("a"), Smi(0), AttrNone)
	d.Append(&a)
	expectViolation(t, "Append", func() { d.Append(&a) })
}

func TestAppendDuplicateBinaryRange(t *testing.T) {
	h := NewHeap(config.Default())
	d, names := buildArray(t, h, 20, 1)
	dup := NewDataConstant(names[13], Smi(0), AttrNone)
	expectViolation(t, "Append", func() { d.Append(&dup) })
}

func TestAppendDuplicateAfterSet(t *testing.T) {
	h := NewHeap(config.Default())
	d, err := Allocate(h, 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	details := NewPropertyDetails(KindData, AttrNone, LocationDescriptor, ConstnessConst, RepSmi, 0)
	for i := 0; i < 10; i++ {
		d.Set(i, h.Intern("s"+strconv.Itoa(i)), Strong(Smi(i)), details.WithEnumerationIndex(i))
	}
	dup := NewDataConstant(h.Intern("s4"), Smi(0), AttrNone)
	expectViolation(t, "Append", func() { d.Append(&dup) })
}

func TestSortedFlag(t *testing.T) {
	h := NewHeap(config.Default())
	d, names := buildArray(t, h, 12, 0)
	if !d.IsSorted() {
		t.Fatal("Append-built array should be sorted")
	}
	details := d.GetDetails(3)
	d.Set(3, names[3], Strong(Smi(99)), details)
	if d.IsSorted() {
		t.Fatal("Set should clear the sorted flag")
	}
	expectViolation(t, "Search", func() { d.Search(names[0], 12) })

	d.Sort()
	if !d.IsSorted() {
		t.Fatal("Sort should set the sorted flag")
	}
	if got := d.Search(names[3], 12); got != 3 {
		t.Errorf("Search after Sort = %d, want 3", got)
	}
	// Linear search does not need the permutation.
	d.Set(3, names[3], Strong(Smi(7)), details)
	if got := d.Search(names[3], 8); got != 3 {
		t.Errorf("linear Search = %d, want 3", got)
	}
}

func TestAppendWithoutSlack(t *testing.T) {
	h := newTestHeap(t)
	d, _ := buildArray(t, h, 2, 0)
	desc := NewDataConstant(h.Intern("extra"), Smi(0), AttrNone)
	expectViolation(t, "Append", func() { d.Append(&desc) })
}

func TestMutateEmptySingleton(t *testing.T) {
	h := newTestHeap(t)
	desc := NewDataConstant(h.Intern("a"), Smi(0), AttrNone)
	expectViolation(t, "Append", func() { h.EmptyDescriptorArray().Append(&desc) })
}

func TestSetValueKeepsKeyAndDetails(t *testing.T) {
	h := newTestHeap(t)
	d, names := buildArray(t, h, 3, 0)
	details := d.GetDetails(1)

	d.SetValue(1, Strong(Smi(99)))

	if d.GetKey(1) != names[1] {
		t.Error("SetValue changed the key")
	}
	if d.GetDetails(1) != details {
		t.Error("SetValue changed the details")
	}
	if d.GetStrongValue(1) != Smi(99) {
		t.Errorf("value = %v, want 99", d.GetStrongValue(1))
	}
}

func TestReplaceKeepsOrder(t *testing.T) {
	h := newTestHeap(t)
	d, names := buildArray(t, h, 12, 0)

	desc := NewDataConstant(names[5], &HeapNumber{Value: 2}, DontEnum)
	d.Replace(5, &desc)

	if d.GetDetails(5).EnumerationIndex() != 5 {
		t.Errorf("enumeration index = %d, want 5", d.GetDetails(5).EnumerationIndex())
	}
	if d.GetDetails(5).IsEnumerable() {
		t.Error("replacement attributes not applied")
	}
	if !d.IsSortedNoDuplicates(-1) {
		t.Error("Replace broke the sort order")
	}
	for i, n := range names {
		if got := d.Search(n, len(names)); got != i {
			t.Errorf("Search(%s) = %d, want %d", n, got, i)
		}
	}
}

func TestReplaceKeyMismatch(t *testing.T) {
	h := newTestHeap(t)
	d, names := buildArray(t, h, 3, 0)
	desc := NewDataConstant(names[0], Smi(0), AttrNone)
	expectViolation(t, "Replace", func() { d.Replace(1, &desc) })
}

// ---------------------------------------------------------------------------
// GeneralizeAllFields
// ---------------------------------------------------------------------------

func TestGeneralizeAllFields(t *testing.T) {
	h := newTestHeap(t)
	class := h.NewMap()
	d, err := Allocate(h, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	f1 := NewDataField(h.Intern("a"), 0, ReadOnly, ConstnessConst, RepSmi, FieldTypeNone())
	f2 := NewDataField(h.Intern("b"), 1, AttrNone, ConstnessConst, RepHeapObject, FieldTypeClass(class))
	c := NewDataConstant(h.Intern("c"), Smi(7), AttrNone)
	d.Append(&f1)
	d.Append(&f2)
	d.Append(&c)
	constantDetails := d.GetDetails(2)

	d.GeneralizeAllFields()

	for i := 0; i < 2; i++ {
		details := d.GetDetails(i)
		if details.Representation() != RepTagged {
			t.Errorf("field %d representation = %v, want t", i, details.Representation())
		}
		if details.Constness() != ConstnessMutable {
			t.Errorf("field %d should be mutable", i)
		}
		if !d.GetFieldType(i).IsAny() {
			t.Errorf("field %d type = %v, want Any", i, d.GetFieldType(i))
		}
		if details.FieldIndex() != i {
			t.Errorf("field %d index changed to %d", i, details.FieldIndex())
		}
	}
	if !d.GetDetails(0).IsReadOnly() {
		t.Error("GeneralizeAllFields should keep attributes")
	}
	if d.GetDetails(2) != constantDetails || d.GetStrongValue(2) != Smi(7) {
		t.Error("constants must not be generalized")
	}

	// Idempotent
	before := make([]descriptorEntry, d.NumberOfDescriptors())
	copy(before, d.entries)
	d.GeneralizeAllFields()
	for i := range before {
		if d.entries[i] != before[i] {
			t.Errorf("second GeneralizeAllFields changed descriptor %d", i)
		}
	}
}

// ---------------------------------------------------------------------------
// Equality / diagnostics
// ---------------------------------------------------------------------------

func TestIsEqualUpTo(t *testing.T) {
	h := newTestHeap(t)
	a, _ := buildArray(t, h, 10, 0)
	b, err := CopyUpTo(a, 6, 0)
	if err != nil {
		t.Fatal(err)
	}

	if !a.IsEqualUpTo(b, 6) {
		t.Error("prefix copy should compare equal up to 6")
	}
	if a.IsEqualUpTo(b, 7) {
		t.Error("IsEqualUpTo beyond the shorter array should be false")
	}
	if a.IsEqualTo(b) {
		t.Error("arrays of different length should not be equal")
	}

	c, err := CopyUpTo(a, 10, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !a.IsEqualTo(c) {
		t.Error("full copy should be equal, whatever the slack")
	}
	c.SetValue(3, Strong(Smi(-1)))
	if a.IsEqualTo(c) {
		t.Error("arrays with different values should not be equal")
	}
}

func TestPrintDescriptors(t *testing.T) {
	h := newTestHeap(t)
	d, err := Allocate(h, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	f := NewDataField(h.Intern("x"), 0, AttrNone, ConstnessMutable, RepDouble, FieldTypeAny())
	c := NewDataConstant(h.Intern("y"), Smi(4), DontEnum)
	d.Append(&f)
	d.Append(&c)

	var sb strings.Builder
	if err := d.PrintDescriptors(&sb); err != nil {
		t.Fatal(err)
	}
	out := sb.String()
	for _, want := range []string{"[2/2]", "[0] x", "@ Any", "[1] y", "DONT_ENUM", "@ 4"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDebugChecksDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Descriptors.DebugChecks = false
	h := NewHeap(cfg)

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("check panicked with debug checks off: %v", r)
		}
	}()
	h.check(false, "Test", "never raised")
}
