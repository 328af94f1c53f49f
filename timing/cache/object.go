package cache

// ObjectLine is a resident object cache entry.
type ObjectLine struct {
	Handle uint32
	// Base is the address of field 0.
	Base uint32
	// Fields holds the cached leading fields.
	Fields []uint32
}

// ObjectCache is a fully associative cache of object fields keyed by
// handle. Only the first FieldsPerEntry fields of an object are cached;
// higher fields bypass it.
type ObjectCache struct {
	table          *fifoTable[uint32]
	fieldsPerEntry int
}

// NewObjectCache creates an empty object cache.
func NewObjectCache(entries, fieldsPerEntry int) *ObjectCache {
	return &ObjectCache{
		table:          newFIFOTable[uint32](entries),
		fieldsPerEntry: fieldsPerEntry,
	}
}

// FieldsPerEntry returns the number of leading fields cached per object.
func (c *ObjectCache) FieldsPerEntry() int {
	return c.fieldsPerEntry
}

// Lookup returns the line for handle.
func (c *ObjectCache) Lookup(handle uint32) (ObjectLine, bool) {
	l := c.table.lookup(handle)
	if l == nil {
		return ObjectLine{}, false
	}
	return ObjectLine{Handle: handle, Base: l.base, Fields: l.data}, true
}

// Peek is Lookup without touching statistics.
func (c *ObjectCache) Peek(handle uint32) (ObjectLine, bool) {
	l := c.table.find(handle)
	if l == nil {
		return ObjectLine{}, false
	}
	return ObjectLine{Handle: handle, Base: l.base, Fields: l.data}, true
}

// Contains reports whether handle is resident without touching statistics.
func (c *ObjectCache) Contains(handle uint32) bool {
	return c.table.find(handle) != nil
}

// Install places the object's leading fields in the cache, evicting the
// oldest entry when full.
func (c *ObjectCache) Install(handle, base uint32, fields []uint32) (evicted uint32, didEvict bool) {
	if len(fields) > c.fieldsPerEntry {
		fields = fields[:c.fieldsPerEntry]
	}
	return c.table.install(handle, base, fields)
}

// Update writes a field of a resident object. It returns false when the
// field is not cached.
func (c *ObjectCache) Update(handle uint32, field int, value uint32) bool {
	return c.table.update(handle, field, value)
}

// UpdateAddr writes value into every resident entry caching the word at
// addr. It returns the number of entries updated.
func (c *ObjectCache) UpdateAddr(addr, value uint32) int {
	return c.table.updateAddr(addr, value)
}

// Invalidate drops every entry.
func (c *ObjectCache) Invalidate() {
	c.table.invalidate()
}

// Resident returns the number of valid entries.
func (c *ObjectCache) Resident() int {
	return c.table.resident()
}

// Stats returns cache statistics.
func (c *ObjectCache) Stats() DataStats {
	return c.table.stats
}
