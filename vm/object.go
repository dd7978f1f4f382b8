package vm

import "strconv"

// Object is a value a descriptor can hold by strong reference: a constant
// value or an accessor pair. Names are Objects too.
type Object interface {
	objectKind() string
}

// Smi is a small integer stored inline.
type Smi int32

func (Smi) objectKind() string { return "Smi" }

// HeapNumber is a boxed double.
type HeapNumber struct {
	Value float64
}

func (*HeapNumber) objectKind() string { return "HeapNumber" }

// AccessorPair holds the getter and setter of an accessor property.
// Either may be nil.
type AccessorPair struct {
	Getter Object
	Setter Object
}

func (*AccessorPair) objectKind() string { return "AccessorPair" }

// shortPrint renders an Object for diagnostics.
func shortPrint(o Object) string {
	switch v := o.(type) {
	case nil:
		return "<nil>"
	case Smi:
		return strconv.Itoa(int(v))
	case *HeapNumber:
		return strconv.FormatFloat(v.Value, 'g', -1, 64)
	case *Name:
		return "#" + v.str
	case *AccessorPair:
		return "AccessorPair(" + shortPrint(v.Getter) + ", " + shortPrint(v.Setter) + ")"
	default:
		return o.objectKind()
	}
}
