package cache

// DataStats holds object or array cache statistics.
type DataStats struct {
	Lookups   uint64
	Hits      uint64
	Misses    uint64
	Fills     uint64
	Evictions uint64
	// Updates counts write-through updates of resident lines.
	Updates uint64
}

type line[K comparable] struct {
	key   K
	valid bool
	base  uint32
	data  []uint32
}

// fifoTable is a fully associative table replaced in install order. The
// next pointer always names the oldest installed line.
type fifoTable[K comparable] struct {
	lines []line[K]
	next  int
	stats DataStats
}

func newFIFOTable[K comparable](entries int) *fifoTable[K] {
	return &fifoTable[K]{lines: make([]line[K], entries)}
}

func (t *fifoTable[K]) find(key K) *line[K] {
	for i := range t.lines {
		if t.lines[i].valid && t.lines[i].key == key {
			return &t.lines[i]
		}
	}
	return nil
}

func (t *fifoTable[K]) lookup(key K) *line[K] {
	t.stats.Lookups++
	l := t.find(key)
	if l == nil {
		t.stats.Misses++
		return nil
	}
	t.stats.Hits++
	return l
}

// install overwrites the oldest line with key. A resident line with the
// same key is replaced in place.
func (t *fifoTable[K]) install(key K, base uint32, data []uint32) (evicted K, didEvict bool) {
	t.stats.Fills++

	payload := make([]uint32, len(data))
	copy(payload, data)

	if l := t.find(key); l != nil {
		l.base = base
		l.data = payload
		return evicted, false
	}

	victim := &t.lines[t.next]
	if victim.valid {
		evicted, didEvict = victim.key, true
		t.stats.Evictions++
	}

	*victim = line[K]{key: key, valid: true, base: base, data: payload}
	t.next = (t.next + 1) % len(t.lines)
	return evicted, didEvict
}

func (t *fifoTable[K]) update(key K, offset int, value uint32) bool {
	l := t.find(key)
	if l == nil || offset < 0 || offset >= len(l.data) {
		return false
	}
	l.data[offset] = value
	t.stats.Updates++
	return true
}

// updateAddr matches lines by the address range they cache rather than by
// key.
func (t *fifoTable[K]) updateAddr(addr, value uint32) int {
	n := 0
	for i := range t.lines {
		l := &t.lines[i]
		if !l.valid || addr < l.base || uint64(addr-l.base) >= uint64(len(l.data)) {
			continue
		}
		l.data[addr-l.base] = value
		t.stats.Updates++
		n++
	}
	return n
}

func (t *fifoTable[K]) invalidate() {
	for i := range t.lines {
		t.lines[i].valid = false
	}
	t.next = 0
}

func (t *fifoTable[K]) resident() int {
	n := 0
	for i := range t.lines {
		if t.lines[i].valid {
			n++
		}
	}
	return n
}
