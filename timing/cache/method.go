// Package cache provides the method, object and array caches of a JOP core.
//
// All caches are filled from the backing store over the bus. The data
// caches are write-through: a write updates the backing store and the
// cached copy when the bus transaction completes, so no coherence protocol
// is needed between cores.
package cache

import (
	"errors"
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/jopsim/timing/bus"
)

var (
	// ErrFillPending is returned when a second method cache fill is started
	// while one is outstanding.
	ErrFillPending = errors.New("method cache fill already outstanding")
	// ErrNoFill is returned when completing a fill that was never started
	// or has not finished.
	ErrNoFill = errors.New("no completed method cache fill")
)

// MethodConfig holds method cache geometry.
type MethodConfig struct {
	// Blocks is the total number of blocks.
	Blocks int
	// BlockWords is the block size in words.
	BlockWords int
	// Ways is the associativity. Ways == Blocks is fully associative.
	Ways int
}

// DefaultMethodConfig returns the JOP default: 4KB in 16 blocks, fully
// associative.
func DefaultMethodConfig() MethodConfig {
	return MethodConfig{
		Blocks:     16,
		BlockWords: 64,
		Ways:       16,
	}
}

// MethodStats holds method cache statistics.
type MethodStats struct {
	Reads     uint64
	Hits      uint64
	Misses    uint64
	Fills     uint64
	Evictions uint64
}

// Block is a resident method cache block.
type Block struct {
	// Addr is the block-aligned word address.
	Addr uint32
	// Words holds the block contents. It must not be modified.
	Words []uint32
}

// MethodCache caches instruction blocks. Code is immutable after load, so
// the cache is never written from the instruction stream. Replacement is
// FIFO within a set.
type MethodCache struct {
	config MethodConfig

	// Akita directory for tag/state management. Blocks are visited only
	// when installed, which turns its LRU order into install order.
	directory *akitacache.DirectoryImpl

	// Data storage - indexed by (setID * ways + wayID)
	dataStore [][]uint32

	filling *bus.Transaction

	stats MethodStats
}

// NewMethodCache creates an empty method cache.
func NewMethodCache(config MethodConfig) *MethodCache {
	numSets := config.Blocks / config.Ways

	dataStore := make([][]uint32, numSets*config.Ways)
	for i := range dataStore {
		dataStore[i] = make([]uint32, config.BlockWords)
	}

	return &MethodCache{
		config: config,
		directory: akitacache.NewDirectory(
			numSets,
			config.Ways,
			config.BlockWords,
			akitacache.NewLRUVictimFinder(),
		),
		dataStore: dataStore,
	}
}

// Config returns the cache configuration.
func (c *MethodCache) Config() MethodConfig {
	return c.config
}

// Stats returns cache statistics.
func (c *MethodCache) Stats() MethodStats {
	return c.stats
}

// BlockAddr returns the block-aligned address containing addr.
func (c *MethodCache) BlockAddr(addr uint32) uint32 {
	bw := uint32(c.config.BlockWords)
	return addr / bw * bw
}

func (c *MethodCache) blockIndex(block *akitacache.Block) int {
	return block.SetID*c.config.Ways + block.WayID
}

// Lookup returns the block containing addr if it is resident.
func (c *MethodCache) Lookup(addr uint32) (Block, bool) {
	c.stats.Reads++

	blockAddr := c.BlockAddr(addr)
	block := c.directory.Lookup(0, uint64(blockAddr))
	if block == nil || !block.IsValid {
		c.stats.Misses++
		return Block{}, false
	}

	c.stats.Hits++
	return Block{Addr: blockAddr, Words: c.dataStore[c.blockIndex(block)]}, true
}

// Contains reports whether the block holding addr is resident without
// touching statistics.
func (c *MethodCache) Contains(addr uint32) bool {
	block := c.directory.Lookup(0, uint64(c.BlockAddr(addr)))
	return block != nil && block.IsValid
}

// MissingBlocks returns the block addresses of the method body
// [start, start+words) that are not resident.
func (c *MethodCache) MissingBlocks(start uint32, words int) []uint32 {
	if words <= 0 {
		words = 1
	}

	var missing []uint32
	last := start + uint32(words) - 1
	for addr := c.BlockAddr(start); addr <= last; addr += uint32(c.config.BlockWords) {
		if !c.Contains(addr) {
			missing = append(missing, addr)
		}
	}
	return missing
}

// Filling reports whether a fill is outstanding.
func (c *MethodCache) Filling() bool {
	return c.filling != nil
}

// BeginFill creates the burst read that fills the block holding addr. The
// caller submits it to the bus. Only one fill may be outstanding.
func (c *MethodCache) BeginFill(addr uint32) (*bus.Transaction, error) {
	if c.filling != nil {
		return nil, ErrFillPending
	}

	c.filling = bus.NewRead(c.BlockAddr(addr), c.config.BlockWords)
	return c.filling, nil
}

// CompleteFill installs the block read by the outstanding fill, evicting
// the oldest block of its set.
func (c *MethodCache) CompleteFill() (Block, error) {
	t := c.filling
	if t == nil || !t.Done() {
		return Block{}, ErrNoFill
	}
	c.filling = nil

	if t.Err != nil {
		return Block{}, fmt.Errorf("method cache fill at 0x%08X: %w", t.Addr, t.Err)
	}

	victim := c.directory.FindVictim(uint64(t.Addr))
	if victim == nil {
		return Block{}, fmt.Errorf("method cache fill at 0x%08X: no victim", t.Addr)
	}

	if victim.IsValid {
		c.stats.Evictions++
	}

	data := c.dataStore[c.blockIndex(victim)]
	copy(data, t.Data)

	victim.Tag = uint64(t.Addr)
	victim.IsValid = true
	victim.IsDirty = false
	c.directory.Visit(victim)

	c.stats.Fills++
	return Block{Addr: t.Addr, Words: data}, nil
}

// Flush invalidates every block. An outstanding fill is kept.
func (c *MethodCache) Flush() {
	sets := c.directory.GetSets()
	for _, set := range sets {
		for _, block := range set.Blocks {
			block.IsValid = false
		}
	}
}

// Reset invalidates all blocks and clears statistics.
func (c *MethodCache) Reset() {
	c.directory.Reset()
	c.filling = nil
	c.stats = MethodStats{}
}
