package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Binary layout of a descriptor array
// ---------------------------------------------------------------------------
//
// The collector's body tracing and the map's field-offset arithmetic read
// this layout directly, so field order and the three-slot stride are fixed.
//
//	offset 0   uint16 number of all descriptors (capacity)
//	offset 2   uint16 number of descriptors
//	offset 4   uint16 number of marked descriptors
//	offset 6   uint16 filler
//	offset 8   slot   enum cache
//	offset 16  slot×3 per descriptor: key, details, value

const (
	TaggedSize = 8

	NumberOfAllDescriptorsOffset       = 0
	NumberOfDescriptorsOffset          = 2
	RawNumberOfMarkedDescriptorsOffset = 4
	Filler16BitsOffset                 = 6
	EnumCacheOffset                    = 8
	PointersStartOffset                = EnumCacheOffset
	HeaderSize                         = EnumCacheOffset + TaggedSize

	EntryKeyIndex     = 0
	EntryDetailsIndex = 1
	EntryValueIndex   = 2
	EntrySize         = 3
)

// SizeFor returns the byte size of an array with capacity n.
func SizeFor(n int) int { return HeaderSize + n*EntrySize*TaggedSize }

// OffsetOfDescriptorAt returns the byte offset of descriptor i's key slot.
func OffsetOfDescriptorAt(i int) int { return HeaderSize + i*EntrySize*TaggedSize }

// ToKeyIndex, ToDetailsIndex and ToValueIndex map a descriptor number to
// a slot index counted from the first entry slot.
func ToKeyIndex(i int) int     { return i*EntrySize + EntryKeyIndex }
func ToDetailsIndex(i int) int { return i*EntrySize + EntryDetailsIndex }
func ToValueIndex(i int) int   { return i*EntrySize + EntryValueIndex }

// slotsFor is the allocation size in tagged slots.
func slotsFor(n int) int { return SizeFor(n) / TaggedSize }

// ---------------------------------------------------------------------------
// Slot words
// ---------------------------------------------------------------------------

// Slot words use pointer tagging: Smis have the low bit clear, strong
// references end in 01 and weak references in 11. Strong references carry
// an index into the image's object table; weak ones carry a map ID.
const (
	slotTagMask   uint64 = 0b11
	slotTagStrong uint64 = 0b01
	slotTagWeak   uint64 = 0b11

	// Field types None and Any are encoded as the Smis 2 and 1.
	fieldTypeAnyWord  = 1
	fieldTypeNoneWord = 2
)

func smiWord(v int64) uint64       { return uint64(v) << 1 }
func strongWord(index int) uint64  { return uint64(index)<<2 | slotTagStrong }
func weakWord(mapID uint32) uint64 { return uint64(mapID)<<2 | slotTagWeak }
func isSmiWord(w uint64) bool      { return w&1 == 0 }
func smiValue(w uint64) int64      { return int64(w) >> 1 }
func isStrongWord(w uint64) bool   { return w&slotTagMask == slotTagStrong }
func isWeakWord(w uint64) bool     { return w&slotTagMask == slotTagWeak }
func wordPayload(w uint64) uint64  { return w >> 2 }

// LayoutImage is the encoded form of a descriptor array. Objects holds the
// strongly referenced objects in the order their indices were assigned.
type LayoutImage struct {
	Data    []byte
	Objects []Object
}

// Slot returns the word stored at byte offset off.
func (img *LayoutImage) Slot(off int) uint64 {
	return binary.LittleEndian.Uint64(img.Data[off:])
}

// layoutEncoder assigns object table indices by identity.
type layoutEncoder struct {
	objectIndex map[Object]int
	objects     []Object
}

func (e *layoutEncoder) register(o Object) int {
	if idx, ok := e.objectIndex[o]; ok {
		return idx
	}
	idx := len(e.objects)
	e.objectIndex[o] = idx
	e.objects = append(e.objects, o)
	return idx
}

func (e *layoutEncoder) encodeValue(v MaybeObject) uint64 {
	switch v.tag {
	case slotStrong:
		if smi, ok := v.obj.(Smi); ok {
			return smiWord(int64(smi))
		}
		return strongWord(e.register(v.obj))
	case slotWeak:
		return weakWord(v.mapID)
	case slotFieldTypeAny:
		return smiWord(fieldTypeAnyWord)
	case slotFieldTypeNone:
		return smiWord(fieldTypeNoneWord)
	}
	return smiWord(0)
}

// EncodeLayout writes d in its binary layout. The marked count is the one
// for the heap's current marking epoch.
func EncodeLayout(d *DescriptorArray) *LayoutImage {
	nAll := d.NumberOfAllDescriptors()
	buf := make([]byte, SizeFor(nAll))
	enc := &layoutEncoder{objectIndex: make(map[Object]int)}

	le := binary.LittleEndian
	le.PutUint16(buf[NumberOfAllDescriptorsOffset:], uint16(nAll))
	le.PutUint16(buf[NumberOfDescriptorsOffset:], uint16(d.NumberOfDescriptors()))
	le.PutUint16(buf[RawNumberOfMarkedDescriptorsOffset:], uint16(d.NumberOfMarkedDescriptors(d.heap.marker.Epoch())))
	le.PutUint16(buf[Filler16BitsOffset:], d.header.filler16Bits)
	le.PutUint64(buf[EnumCacheOffset:], strongWord(enc.register(d.enumCache)))

	for i, e := range d.entries {
		off := OffsetOfDescriptorAt(i)
		le.PutUint64(buf[off+EntryKeyIndex*TaggedSize:], strongWord(enc.register(e.key)))
		le.PutUint64(buf[off+EntryDetailsIndex*TaggedSize:], smiWord(int64(e.details)))
		le.PutUint64(buf[off+EntryValueIndex*TaggedSize:], enc.encodeValue(e.value))
	}
	return &LayoutImage{Data: buf, Objects: enc.objects}
}

// LayoutHeader is the decoded fixed header.
type LayoutHeader struct {
	NumberOfAllDescriptors       uint16
	NumberOfDescriptors          uint16
	RawNumberOfMarkedDescriptors uint16
	Filler16Bits                 uint16
}

// DecodeLayoutHeader parses and checks the header of an encoded array.
func DecodeLayoutHeader(b []byte) (LayoutHeader, error) {
	if len(b) < HeaderSize {
		return LayoutHeader{}, fmt.Errorf("layout of %d bytes: %w", len(b), ErrCorruptLayout)
	}
	le := binary.LittleEndian
	h := LayoutHeader{
		NumberOfAllDescriptors:       le.Uint16(b[NumberOfAllDescriptorsOffset:]),
		NumberOfDescriptors:          le.Uint16(b[NumberOfDescriptorsOffset:]),
		RawNumberOfMarkedDescriptors: le.Uint16(b[RawNumberOfMarkedDescriptorsOffset:]),
		Filler16Bits:                 le.Uint16(b[Filler16BitsOffset:]),
	}
	switch {
	case h.NumberOfAllDescriptors > MaxNumberOfDescriptors:
		return h, fmt.Errorf("capacity %d: %w", h.NumberOfAllDescriptors, ErrCorruptLayout)
	case h.NumberOfDescriptors > h.NumberOfAllDescriptors:
		return h, fmt.Errorf("count %d exceeds capacity %d: %w", h.NumberOfDescriptors, h.NumberOfAllDescriptors, ErrCorruptLayout)
	case h.RawNumberOfMarkedDescriptors > h.NumberOfDescriptors:
		return h, fmt.Errorf("marked %d exceeds count %d: %w", h.RawNumberOfMarkedDescriptors, h.NumberOfDescriptors, ErrCorruptLayout)
	case len(b) != SizeFor(int(h.NumberOfAllDescriptors)):
		return h, fmt.Errorf("size %d, want %d: %w", len(b), SizeFor(int(h.NumberOfAllDescriptors)), ErrCorruptLayout)
	case !isStrongWord(le.Uint64(b[EnumCacheOffset:])):
		return h, fmt.Errorf("enum cache slot is not a reference: %w", ErrCorruptLayout)
	}
	return h, nil
}
