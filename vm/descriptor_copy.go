package vm

import (
	"cmp"
	"fmt"
	"slices"
)

// ---------------------------------------------------------------------------
// Copy-on-grow: none of these mutate the source array
// ---------------------------------------------------------------------------

// CopyUpTo returns a new array holding the descriptors of src whose
// enumeration index is below enumerationIndex, in enumeration order, with
// slack unused entries. The copy is sorted and has no enum cache.
func CopyUpTo(src *DescriptorArray, enumerationIndex, slack int) (*DescriptorArray, error) {
	return copyUpTo(src, enumerationIndex, AttrNone, slack)
}

// CopyUpToAddAttributes is CopyUpTo with attrs added to every copied
// descriptor. ReadOnly is not added to accessor pairs, where it has no
// meaning.
func CopyUpToAddAttributes(src *DescriptorArray, enumerationIndex int, attrs PropertyAttributes, slack int) (*DescriptorArray, error) {
	return copyUpTo(src, enumerationIndex, attrs, slack)
}

// CopyForFastObjectClone is CopyUpTo for the object clone path. When the
// requested prefix is already stored in enumeration order it is copied in
// bulk.
func CopyForFastObjectClone(src *DescriptorArray, enumerationIndex, slack int) (*DescriptorArray, error) {
	src.heap.check(enumerationIndex >= 0, "CopyForFastObjectClone", "negative enumeration index %d", enumerationIndex)
	if !src.isEnumerationPrefix(enumerationIndex) {
		return copyUpTo(src, enumerationIndex, AttrNone, slack)
	}

	h := src.heap
	d, err := allocate(h, enumerationIndex, slack)
	if err != nil {
		return nil, fmt.Errorf("clone descriptors up to %d: %w", enumerationIndex, err)
	}
	if enumerationIndex == 0 {
		return d, nil
	}
	copy(d.entries, src.entries[:enumerationIndex])
	d.setNumberOfDescriptors(enumerationIndex)
	d.Sort()
	h.log.Debugf("cloned %d descriptors of array %d into %d", enumerationIndex, src.id, d.id)
	return d, nil
}

func copyUpTo(src *DescriptorArray, enumerationIndex int, attrs PropertyAttributes, slack int) (*DescriptorArray, error) {
	h := src.heap
	h.check(enumerationIndex >= 0, "CopyUpTo", "negative enumeration index %d", enumerationIndex)

	numbers := src.enumerationPrefix(enumerationIndex)
	d, err := allocate(h, len(numbers), slack)
	if err != nil {
		return nil, fmt.Errorf("copy descriptors up to %d: %w", enumerationIndex, err)
	}

	for i, number := range numbers {
		e := src.entries[number]
		details := e.details
		if attrs != AttrNone {
			mask := DontDelete | DontEnum
			if _, isPair := e.value.Object().(*AccessorPair); details.Kind() != KindAccessor || !isPair {
				mask |= ReadOnly
			}
			details = details.CopyAddAttributes(attrs & mask)
		}
		d.Set(i, e.key, e.value, details)
	}
	d.Sort()

	h.log.Debugf("copied %d descriptors of array %d into %d (slack %d, attrs %s)",
		len(numbers), src.id, d.id, slack, attrs)
	return d, nil
}

// enumerationPrefix returns the descriptor numbers whose enumeration index
// is below upto, ordered by enumeration index.
func (d *DescriptorArray) enumerationPrefix(upto int) []int {
	n := d.NumberOfDescriptors()
	numbers := make([]int, 0, min(n, upto))
	inOrder := true
	last := -1
	for i := 0; i < n; i++ {
		ei := d.entries[i].details.EnumerationIndex()
		if ei >= upto {
			continue
		}
		if ei < last {
			inOrder = false
		}
		last = ei
		numbers = append(numbers, i)
	}
	if !inOrder {
		slices.SortStableFunc(numbers, func(a, b int) int {
			return cmp.Compare(d.entries[a].details.EnumerationIndex(), d.entries[b].details.EnumerationIndex())
		})
	}
	return numbers
}

// isEnumerationPrefix reports whether the first upto descriptors are stored
// at the position matching their enumeration index.
func (d *DescriptorArray) isEnumerationPrefix(upto int) bool {
	if upto > d.NumberOfDescriptors() {
		return false
	}
	for i := 0; i < upto; i++ {
		if d.entries[i].details.EnumerationIndex() != i {
			return false
		}
	}
	return true
}
