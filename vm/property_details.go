package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Property metadata enums
// ---------------------------------------------------------------------------

// PropertyKind distinguishes data properties from accessor properties.
type PropertyKind uint8

const (
	KindData PropertyKind = iota
	KindAccessor
)

// PropertyLocation says where a property's value lives: in an object field
// (the descriptor holds a field type) or in the descriptor itself (a constant).
type PropertyLocation uint8

const (
	LocationField PropertyLocation = iota
	LocationDescriptor
)

// PropertyConstness records whether a field has only ever held one value.
type PropertyConstness uint8

const (
	ConstnessMutable PropertyConstness = iota
	ConstnessConst
)

// PropertyAttributes are the ECMAScript attribute bits, inverted so that the
// zero value is the most permissive.
type PropertyAttributes uint8

const (
	AttrNone   PropertyAttributes = 0
	ReadOnly   PropertyAttributes = 1 << 0
	DontEnum   PropertyAttributes = 1 << 1
	DontDelete PropertyAttributes = 1 << 2

	Sealed PropertyAttributes = DontDelete
	Frozen PropertyAttributes = Sealed | ReadOnly

	attributesMask PropertyAttributes = ReadOnly | DontEnum | DontDelete
)

func (a PropertyAttributes) String() string {
	if a == AttrNone {
		return "NONE"
	}
	var parts []string
	if a&ReadOnly != 0 {
		parts = append(parts, "READ_ONLY")
	}
	if a&DontEnum != 0 {
		parts = append(parts, "DONT_ENUM")
	}
	if a&DontDelete != 0 {
		parts = append(parts, "DONT_DELETE")
	}
	return strings.Join(parts, "|")
}

// Representation is the storage representation of a field.
type Representation uint8

const (
	RepNone Representation = iota
	RepSmi
	RepDouble
	RepHeapObject
	RepTagged
)

var representationNames = [...]string{"n", "s", "d", "h", "t"}

func (r Representation) String() string {
	if int(r) < len(representationNames) {
		return representationNames[r]
	}
	return "?"
}

// Generalize returns the least representation that covers both r and other.
func (r Representation) Generalize(other Representation) Representation {
	switch {
	case r == other:
		return r
	case r == RepNone:
		return other
	case other == RepNone:
		return r
	case (r == RepSmi && other == RepDouble) || (r == RepDouble && other == RepSmi):
		return RepDouble
	default:
		return RepTagged
	}
}

// IsMoreGeneralThan reports whether r can hold every value other can.
func (r Representation) IsMoreGeneralThan(other Representation) bool {
	return r != other && r.Generalize(other) == r
}

// ---------------------------------------------------------------------------
// PropertyDetails: packed per-descriptor metadata
// ---------------------------------------------------------------------------

// bitField describes a run of bits inside a PropertyDetails word.
type bitField struct {
	shift uint
	size  uint
}

func (f bitField) mask() uint64        { return ((1 << f.size) - 1) << f.shift }
func (f bitField) max() int            { return (1 << f.size) - 1 }
func (f bitField) decode(w uint64) int { return int((w & f.mask()) >> f.shift) }
func (f bitField) update(w uint64, v int) uint64 {
	return (w &^ f.mask()) | ((uint64(v) << f.shift) & f.mask())
}

// descriptorIndexBits bounds both field indices and sorted key pointers.
const descriptorIndexBits = 10

var (
	kindField             = bitField{shift: 0, size: 1}
	locationField         = bitField{shift: 1, size: 1}
	constnessField        = bitField{shift: 2, size: 1}
	attributesField       = bitField{shift: 3, size: 3}
	representationField   = bitField{shift: 6, size: 3}
	fieldIndexField       = bitField{shift: 9, size: descriptorIndexBits}
	pointerField          = bitField{shift: 19, size: descriptorIndexBits}
	enumerationIndexField = bitField{shift: 29, size: 20}
)

// PropertyDetails packs kind, location, constness, attributes,
// representation, field index, sorted key pointer and enumeration index into
// the details slot of a descriptor.
type PropertyDetails uint64

// NewPropertyDetails builds details with a zero pointer and enumeration index.
func NewPropertyDetails(kind PropertyKind, attrs PropertyAttributes, location PropertyLocation,
	constness PropertyConstness, rep Representation, fieldIndex int) PropertyDetails {
	var w uint64
	w = kindField.update(w, int(kind))
	w = locationField.update(w, int(location))
	w = constnessField.update(w, int(constness))
	w = attributesField.update(w, int(attrs&attributesMask))
	w = representationField.update(w, int(rep))
	w = fieldIndexField.update(w, fieldIndex)
	return PropertyDetails(w)
}

func (d PropertyDetails) Kind() PropertyKind { return PropertyKind(kindField.decode(uint64(d))) }
func (d PropertyDetails) Location() PropertyLocation {
	return PropertyLocation(locationField.decode(uint64(d)))
}
func (d PropertyDetails) Constness() PropertyConstness {
	return PropertyConstness(constnessField.decode(uint64(d)))
}
func (d PropertyDetails) Attributes() PropertyAttributes {
	return PropertyAttributes(attributesField.decode(uint64(d)))
}
func (d PropertyDetails) Representation() Representation {
	return Representation(representationField.decode(uint64(d)))
}
func (d PropertyDetails) FieldIndex() int       { return fieldIndexField.decode(uint64(d)) }
func (d PropertyDetails) Pointer() int          { return pointerField.decode(uint64(d)) }
func (d PropertyDetails) EnumerationIndex() int { return enumerationIndexField.decode(uint64(d)) }

func (d PropertyDetails) IsEnumerable() bool   { return d.Attributes()&DontEnum == 0 }
func (d PropertyDetails) IsReadOnly() bool     { return d.Attributes()&ReadOnly != 0 }
func (d PropertyDetails) IsConfigurable() bool { return d.Attributes()&DontDelete == 0 }

// CopyAddAttributes returns d with attrs OR-ed into its attribute bits.
func (d PropertyDetails) CopyAddAttributes(attrs PropertyAttributes) PropertyDetails {
	return PropertyDetails(attributesField.update(uint64(d), int(d.Attributes()|(attrs&attributesMask))))
}

func (d PropertyDetails) CopyWithRepresentation(rep Representation) PropertyDetails {
	return PropertyDetails(representationField.update(uint64(d), int(rep)))
}

func (d PropertyDetails) CopyWithConstness(c PropertyConstness) PropertyDetails {
	return PropertyDetails(constnessField.update(uint64(d), int(c)))
}

// WithEnumerationIndex returns d with its enumeration index replaced.
func (d PropertyDetails) WithEnumerationIndex(i int) PropertyDetails {
	return PropertyDetails(enumerationIndexField.update(uint64(d), i))
}

func (d PropertyDetails) withPointer(p int) PropertyDetails {
	return PropertyDetails(pointerField.update(uint64(d), p))
}

// withoutPointer clears the sorted key pointer so details can be compared.
func (d PropertyDetails) withoutPointer() PropertyDetails {
	return d.withPointer(0)
}

func (d PropertyDetails) String() string {
	kind := "data"
	if d.Kind() == KindAccessor {
		kind = "accessor"
	}
	loc := "field"
	if d.Location() == LocationDescriptor {
		loc = "descriptor"
	}
	s := fmt.Sprintf("(%s %s, %s, enum %d", kind, loc, d.Attributes(), d.EnumerationIndex())
	if d.Location() == LocationField {
		constness := "mutable"
		if d.Constness() == ConstnessConst {
			constness = "const"
		}
		s += fmt.Sprintf(", %s, rep %s, field %d", constness, d.Representation(), d.FieldIndex())
	}
	return s + ")"
}
