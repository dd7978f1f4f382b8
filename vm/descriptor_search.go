package vm

// ---------------------------------------------------------------------------
// Sort: heap sort of the sorted key permutation
// ---------------------------------------------------------------------------

// Sort orders the sorted key permutation of all descriptors by key hash,
// breaking ties by enumeration index. Storage order is left untouched.
func (d *DescriptorArray) Sort() {
	n := d.NumberOfDescriptors()
	// Reset the permutation; Set-built arrays may hold stale pointers.
	for i := 0; i < n; i++ {
		d.setSortedKey(i, i)
	}

	// Bottom-up max-heap construction.
	for i := n/2 - 1; i >= 0; i-- {
		d.siftDown(i, n)
	}

	// Move the max to the back and restore the heap on the rest.
	for i := n - 1; i > 0; i-- {
		d.swapSortedKeys(0, i)
		d.siftDown(0, i)
	}

	d.header.sorted = true
	if d.heap.slowChecks {
		d.heap.check(d.IsSortedNoDuplicates(-1), "Sort", "array %d has duplicate keys", d.id)
	}
}

// sortKey orders sorted position k by (hash, enumeration index).
func (d *DescriptorArray) sortKey(k int) uint64 {
	e := &d.entries[d.GetSortedKeyIndex(k)]
	return uint64(e.key.hash)<<32 | uint64(e.details.EnumerationIndex())
}

func (d *DescriptorArray) siftDown(parent, length int) {
	parentKey := d.sortKey(parent)
	for {
		child := 2*parent + 1
		if child >= length {
			return
		}
		childKey := d.sortKey(child)
		if child+1 < length {
			if right := d.sortKey(child + 1); right > childKey {
				child++
				childKey = right
			}
		}
		if childKey <= parentKey {
			return
		}
		d.swapSortedKeys(parent, child)
		parent = child
	}
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

// Search returns the descriptor number of name among the first validEntries
// descriptors, or NotFound.
func (d *DescriptorArray) Search(name *Name, validEntries int) int {
	if validEntries == 0 {
		return NotFound
	}
	d.heap.check(validEntries > 0 && validEntries <= d.NumberOfDescriptors(), "Search",
		"%d valid entries out of range [0, %d]", validEntries, d.NumberOfDescriptors())
	if validEntries <= MaxElementsForLinearSearch {
		return d.linearSearch(name, validEntries)
	}
	d.heap.check(d.header.sorted, "Search", "array %d is not sorted", d.id)
	if d.heap.slowChecks {
		d.heap.check(d.IsSortedNoDuplicates(-1), "Search", "array %d is not sorted", d.id)
	}
	return d.binarySearch(name, validEntries)
}

// SearchMap searches the prefix of d owned by m.
func (d *DescriptorArray) SearchMap(name *Name, m *Map) int {
	d.heap.check(m.descriptors == d, "SearchMap", "map %d does not use array %d", m.id, d.id)
	return d.Search(name, m.NumberOfOwnDescriptors())
}

// SearchWithCache is SearchMap through the heap's lookup cache. The cache
// never changes the result, only its cost.
func (d *DescriptorArray) SearchWithCache(name *Name, m *Map) int {
	d.heap.check(m.descriptors == d, "SearchWithCache", "map %d does not use array %d", m.id, d.id)
	nof := m.NumberOfOwnDescriptors()
	if nof == 0 {
		return NotFound
	}

	cache := d.heap.lookupCache
	if number, ok := cache.Lookup(d, name, nof); ok {
		if number == NotFound || (number < nof && d.entries[number].key == name) {
			return number
		}
		// Stale hit: fall through and overwrite it.
	}
	number := d.Search(name, nof)
	cache.Update(d, name, nof, number)
	return number
}

func (d *DescriptorArray) linearSearch(name *Name, validEntries int) int {
	for i := 0; i < validEntries; i++ {
		if d.entries[i].key == name {
			return i
		}
	}
	return NotFound
}

// binarySearch bisects the sorted permutation of all descriptors for the
// first key with name's hash, then probes the run of equal hashes.
func (d *DescriptorArray) binarySearch(name *Name, validEntries int) int {
	hash := name.Hash()
	limit := d.NumberOfDescriptors()
	low, high := 0, limit-1
	for low != high {
		mid := low + (high-low)/2
		if d.GetSortedKey(mid).Hash() >= hash {
			high = mid
		} else {
			low = mid + 1
		}
	}

	for ; low < limit; low++ {
		number := d.GetSortedKeyIndex(low)
		key := d.entries[number].key
		if key.Hash() != hash {
			break
		}
		if key == name {
			if number < validEntries {
				return number
			}
			return NotFound
		}
	}
	return NotFound
}
