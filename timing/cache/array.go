package cache

type arrayKey struct {
	handle uint32
	line   int
}

// ArrayLine is a resident array cache line.
type ArrayLine struct {
	Handle uint32
	// Line is index / LineWords.
	Line int
	// Base is the address of the line's first element.
	Base uint32
	// Elems holds the cached elements. The last line of an array may be
	// shorter than LineWords.
	Elems []uint32
}

// ArrayCache is a fully associative cache of array element lines keyed by
// handle and line number.
type ArrayCache struct {
	table     *fifoTable[arrayKey]
	lineWords int
}

// NewArrayCache creates an empty array cache.
func NewArrayCache(entries, lineWords int) *ArrayCache {
	return &ArrayCache{
		table:     newFIFOTable[arrayKey](entries),
		lineWords: lineWords,
	}
}

// LineWords returns the number of elements per line.
func (c *ArrayCache) LineWords() int {
	return c.lineWords
}

// LineOf returns the line number holding index.
func (c *ArrayCache) LineOf(index int) int {
	return index / c.lineWords
}

// Lookup returns the line holding element index of handle. A resident tail
// line that was filled while the array was shorter does not cover index
// and counts as a miss.
func (c *ArrayCache) Lookup(handle uint32, index int) (ArrayLine, bool) {
	c.table.stats.Lookups++
	line, ok := c.Peek(handle, index)
	if !ok {
		c.table.stats.Misses++
		return ArrayLine{}, false
	}
	c.table.stats.Hits++
	return line, true
}

// Peek is Lookup without touching statistics.
func (c *ArrayCache) Peek(handle uint32, index int) (ArrayLine, bool) {
	lineNo := c.LineOf(index)
	l := c.table.find(arrayKey{handle: handle, line: lineNo})
	if l == nil || index%c.lineWords >= len(l.data) {
		return ArrayLine{}, false
	}
	return ArrayLine{Handle: handle, Line: lineNo, Base: l.base, Elems: l.data}, true
}

// Contains reports whether the line holding index is resident and covers
// it, without touching statistics.
func (c *ArrayCache) Contains(handle uint32, index int) bool {
	_, ok := c.Peek(handle, index)
	return ok
}

// Install places a line in the cache, evicting the oldest line when full.
// It returns the handle and line number of the evicted line.
func (c *ArrayCache) Install(handle uint32, lineNo int, base uint32, elems []uint32) (evictedHandle uint32, evictedLine int, didEvict bool) {
	if len(elems) > c.lineWords {
		elems = elems[:c.lineWords]
	}

	key, didEvict := c.table.install(arrayKey{handle: handle, line: lineNo}, base, elems)
	return key.handle, key.line, didEvict
}

// Update writes an element of a resident line. It returns false when the
// line is not cached.
func (c *ArrayCache) Update(handle uint32, index int, value uint32) bool {
	key := arrayKey{handle: handle, line: c.LineOf(index)}
	return c.table.update(key, index%c.lineWords, value)
}

// UpdateAddr writes value into every resident line holding the word at
// addr. It returns the number of lines updated.
func (c *ArrayCache) UpdateAddr(addr, value uint32) int {
	return c.table.updateAddr(addr, value)
}

// Invalidate drops every line.
func (c *ArrayCache) Invalidate() {
	c.table.invalidate()
}

// Resident returns the number of valid lines.
func (c *ArrayCache) Resident() int {
	return c.table.resident()
}

// Stats returns cache statistics.
func (c *ArrayCache) Stats() DataStats {
	return c.table.stats
}
