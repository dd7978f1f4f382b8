package vm

import (
	"fmt"
	"io"
)

// IsEqualUpTo reports whether the first n descriptors of d and other have
// identical keys, values and details. Sort order is not compared.
func (d *DescriptorArray) IsEqualUpTo(other *DescriptorArray, n int) bool {
	if d.NumberOfDescriptors() < n || other.NumberOfDescriptors() < n {
		return false
	}
	for i := 0; i < n; i++ {
		a, b := d.entries[i], other.entries[i]
		if a.key != b.key || a.value != b.value {
			return false
		}
		if a.details.withoutPointer() != b.details.withoutPointer() {
			return false
		}
	}
	return true
}

// IsEqualTo reports whether d and other hold the same descriptors.
func (d *DescriptorArray) IsEqualTo(other *DescriptorArray) bool {
	if d.NumberOfDescriptors() != other.NumberOfDescriptors() {
		return false
	}
	return d.IsEqualUpTo(other, d.NumberOfDescriptors())
}

// IsSortedNoDuplicates checks that the sorted key permutation covers every
// descriptor once, that hashes never decrease along it, that equal hashes
// are ordered by enumeration index, and that no key repeats. Only the first
// validDescriptors descriptors are considered; -1 means all of them.
func (d *DescriptorArray) IsSortedNoDuplicates(validDescriptors int) bool {
	nof := d.NumberOfDescriptors()
	if validDescriptors < 0 || validDescriptors > nof {
		validDescriptors = nof
	}

	seenIndex := make([]bool, nof)
	seenKey := make(map[*Name]struct{}, validDescriptors)
	var prevHash uint32
	prevEnum := -1
	first := true
	for k := 0; k < nof; k++ {
		number := d.GetSortedKeyIndex(k)
		if number >= nof || seenIndex[number] {
			return false
		}
		seenIndex[number] = true
		if number >= validDescriptors {
			continue
		}

		key := d.entries[number].key
		if _, dup := seenKey[key]; dup {
			return false
		}
		seenKey[key] = struct{}{}

		hash := key.Hash()
		enum := d.entries[number].details.EnumerationIndex()
		if !first {
			if hash < prevHash || (hash == prevHash && enum < prevEnum) {
				return false
			}
		}
		prevHash, prevEnum, first = hash, enum, false
	}
	return true
}

// PrintDescriptors writes one line per descriptor in enumeration order.
func (d *DescriptorArray) PrintDescriptors(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "DescriptorArray#%d [%d/%d]\n", d.id, d.NumberOfDescriptors(), d.NumberOfAllDescriptors()); err != nil {
		return err
	}
	for i := 0; i < d.NumberOfDescriptors(); i++ {
		e := d.entries[i]
		var value string
		if e.details.Location() == LocationField {
			value = d.GetFieldType(i).String()
		} else {
			value = e.value.String()
		}
		if _, err := fmt.Fprintf(w, "  [%d] %s %s @ %s\n", i, e.key, e.details, value); err != nil {
			return err
		}
	}
	return nil
}
