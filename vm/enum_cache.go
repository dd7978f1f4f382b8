package vm

import "slices"

// ---------------------------------------------------------------------------
// EnumCache: cached for-in order of a descriptor array
// ---------------------------------------------------------------------------

// EnumCache pairs the enumerable own keys of a map, in enumeration order,
// with their descriptor numbers. An EnumCache is never modified after
// creation; arrays replace it wholesale. Either sequence may be empty.
type EnumCache struct {
	keys    []*Name
	indices []int
}

func (*EnumCache) objectKind() string { return "EnumCache" }

// Keys returns the cached keys. Callers must not modify the slice.
func (ec *EnumCache) Keys() []*Name { return ec.keys }

// Indices returns the descriptor numbers parallel to Keys. Callers must not
// modify the slice.
func (ec *EnumCache) Indices() []int { return ec.indices }

// IsEmpty reports whether the cache holds no keys.
func (ec *EnumCache) IsEmpty() bool { return len(ec.keys) == 0 && len(ec.indices) == 0 }

func (ec *EnumCache) slots() int {
	// Two header slots for the tuple plus one per element.
	return 2 + len(ec.keys) + len(ec.indices)
}

// ---------------------------------------------------------------------------
// Enum cache management on DescriptorArray
// ---------------------------------------------------------------------------

// EnumCache returns the array's enum cache, possibly the empty sentinel.
func (d *DescriptorArray) EnumCache() *EnumCache { return d.enumCache }

// HasEnumCache reports whether the array has a cache other than the sentinel.
func (d *DescriptorArray) HasEnumCache() bool {
	return d.enumCache != d.heap.emptyEnumCache
}

// ClearEnumCache resets the enum cache to the empty sentinel.
func (d *DescriptorArray) ClearEnumCache() {
	d.enumCache = d.heap.emptyEnumCache
}

// CopyEnumCacheFrom shares other's enum cache. The two arrays must describe
// the same enumerable keys.
func (d *DescriptorArray) CopyEnumCacheFrom(other *DescriptorArray) {
	d.heap.check(d.heap == other.heap, "CopyEnumCacheFrom", "arrays belong to different heaps")
	d.checkMutable("CopyEnumCacheFrom")
	d.enumCache = other.enumCache
	d.heap.marker.RecordWrite(d, Strong(d.enumCache))
}

// InitializeOrChangeEnumCache installs a fresh enum cache built from keys
// and indices, replacing any previous cache. indices may be empty; otherwise
// it must parallel keys.
func (d *DescriptorArray) InitializeOrChangeEnumCache(keys []*Name, indices []int) error {
	d.checkMutable("InitializeOrChangeEnumCache")
	d.heap.check(len(indices) == 0 || len(indices) == len(keys), "InitializeOrChangeEnumCache",
		"%d indices for %d keys", len(indices), len(keys))

	ec := &EnumCache{keys: slices.Clone(keys), indices: slices.Clone(indices)}
	if err := d.heap.allocate("allocate enum cache", ec.slots()); err != nil {
		return err
	}
	d.enumCache = ec
	d.heap.marker.RecordWrite(d, Strong(ec))
	d.heap.log.Debugf("descriptor array %d: enum cache with %d keys", d.id, len(keys))
	return nil
}
