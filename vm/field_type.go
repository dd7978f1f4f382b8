package vm

import "strconv"

// ---------------------------------------------------------------------------
// FieldType: the type constraint recorded for a field descriptor
// ---------------------------------------------------------------------------

type fieldTypeKind uint8

const (
	fieldTypeNone fieldTypeKind = iota
	fieldTypeAny
	fieldTypeClass
)

// FieldType is None (no value stored yet), Any, or Class(map): every value
// stored in the field has that map.
type FieldType struct {
	kind fieldTypeKind
	m    *Map
}

// FieldTypeNone returns the "no type constraint yet" field type.
func FieldTypeNone() FieldType { return FieldType{kind: fieldTypeNone} }

// FieldTypeAny returns the unconstrained field type.
func FieldTypeAny() FieldType { return FieldType{kind: fieldTypeAny} }

// FieldTypeClass returns a field type constrained to values with map m.
func FieldTypeClass(m *Map) FieldType {
	if m == nil {
		return FieldTypeAny()
	}
	return FieldType{kind: fieldTypeClass, m: m}
}

func (ft FieldType) IsNone() bool  { return ft.kind == fieldTypeNone }
func (ft FieldType) IsAny() bool   { return ft.kind == fieldTypeAny }
func (ft FieldType) IsClass() bool { return ft.kind == fieldTypeClass }

// AsClass returns the map of a Class field type, or nil.
func (ft FieldType) AsClass() *Map { return ft.m }

func (ft FieldType) String() string {
	switch ft.kind {
	case fieldTypeNone:
		return "None"
	case fieldTypeAny:
		return "Any"
	default:
		return ft.m.String()
	}
}

// ---------------------------------------------------------------------------
// MaybeObject: the tagged value slot of a descriptor
// ---------------------------------------------------------------------------

type slotTag uint8

const (
	slotUnused slotTag = iota
	slotStrong
	slotFieldTypeNone
	slotFieldTypeAny
	slotWeak
)

// MaybeObject is the value slot of a descriptor. It holds one of:
// nothing (slack slots), a strong Object, one of the two inline field type
// sentinels, or a weak reference to a map by ID. Weak references do not keep
// the map alive and read as Any once the map is reclaimed.
type MaybeObject struct {
	tag   slotTag
	obj   Object
	mapID uint32
}

// Strong wraps an Object as a strong slot value.
func Strong(o Object) MaybeObject {
	return MaybeObject{tag: slotStrong, obj: o}
}

// WrapFieldType converts a field type into its slot encoding. Class types
// become weak references to the map.
func WrapFieldType(ft FieldType) MaybeObject {
	switch ft.kind {
	case fieldTypeNone:
		return MaybeObject{tag: slotFieldTypeNone}
	case fieldTypeAny:
		return MaybeObject{tag: slotFieldTypeAny}
	default:
		return MaybeObject{tag: slotWeak, mapID: ft.m.id}
	}
}

func (m MaybeObject) IsStrong() bool { return m.tag == slotStrong }
func (m MaybeObject) IsWeak() bool   { return m.tag == slotWeak }

// IsFieldType reports whether the slot encodes a field type.
func (m MaybeObject) IsFieldType() bool {
	return m.tag == slotFieldTypeNone || m.tag == slotFieldTypeAny || m.tag == slotWeak
}

// Object returns the strong referent, or nil.
func (m MaybeObject) Object() Object {
	if m.tag != slotStrong {
		return nil
	}
	return m.obj
}

// WeakMapID returns the ID of the weakly referenced map.
func (m MaybeObject) WeakMapID() (uint32, bool) {
	return m.mapID, m.tag == slotWeak
}

func (m MaybeObject) String() string {
	switch m.tag {
	case slotUnused:
		return "<unused>"
	case slotStrong:
		return shortPrint(m.obj)
	case slotFieldTypeNone:
		return "FieldType(None)"
	case slotFieldTypeAny:
		return "FieldType(Any)"
	default:
		return "[weak map #" + strconv.FormatUint(uint64(m.mapID), 10) + "]"
	}
}
