// Package memory models the backing store, the single source of truth behind
// every cache in the system.
//
// The store is word addressed. The two top address bits select the region:
// main memory (program and heap), a scratch region, or memory-mapped I/O.
// I/O addresses are never cached; they are forwarded to registered devices.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sarchlab/akita/v4/mem/mem"
)

// Region identifies the address space an address belongs to.
type Region int

const (
	// RegionMain is program and heap memory.
	RegionMain Region = iota
	// RegionScratch is the uncached scratch memory.
	RegionScratch
	// RegionIO is memory-mapped I/O.
	RegionIO
)

const (
	// ScratchBase is the first word address of the scratch region.
	ScratchBase uint32 = 0x8000_0000
	// IOBase is the first word address of the I/O region.
	IOBase uint32 = 0xC000_0000
)

// WordBytes is the size of one memory word.
const WordBytes = 4

var (
	// ErrOutOfRange is returned for accesses beyond the backing capacity of
	// a region or spanning two regions.
	ErrOutOfRange = errors.New("address out of range")
	// ErrIOAddress is returned when no device is mapped at an I/O address.
	ErrIOAddress = errors.New("unmapped I/O address")
)

// RegionOf returns the region selected by the top bits of addr.
func RegionOf(addr uint32) Region {
	switch addr >> 30 {
	case 0, 1:
		return RegionMain
	case 2:
		return RegionScratch
	default:
		return RegionIO
	}
}

// Cacheable reports whether data at addr may be held in a cache.
func Cacheable(addr uint32) bool {
	return RegionOf(addr) == RegionMain
}

// Device is a memory-mapped I/O register block. The source identifies the
// bus master (core) that issued the access.
type Device interface {
	ReadIO(source int, addr uint32) uint32
	WriteIO(source int, addr uint32, value uint32)
}

// Stats counts backing store transactions.
type Stats struct {
	// Reads and Writes count transactions, not words.
	Reads  uint64
	Writes uint64

	WordsRead    uint64
	WordsWritten uint64

	IOReads  uint64
	IOWrites uint64
}

// Accesses returns the total number of transactions.
func (s Stats) Accesses() uint64 {
	return s.Reads + s.Writes
}

// Store is the backing store. It is not safe for concurrent use; during
// simulation it is only reached through the bus, which serializes access.
type Store struct {
	main    *mem.Storage
	scratch *mem.Storage

	mainWords    uint64
	scratchWords uint64

	devices map[uint32]Device

	stats Stats
}

// New creates a store with the given region sizes in words.
func New(mainWords, scratchWords uint64) *Store {
	s := &Store{
		mainWords:    mainWords,
		scratchWords: scratchWords,
		devices:      make(map[uint32]Device),
	}

	s.main = mem.NewStorage(mainWords * WordBytes)
	if scratchWords > 0 {
		s.scratch = mem.NewStorage(scratchWords * WordBytes)
	}

	return s
}

// MapIO registers dev for the I/O word at addr.
func (s *Store) MapIO(addr uint32, dev Device) {
	s.devices[addr] = dev
}

// Stats returns transaction statistics.
func (s *Store) Stats() Stats {
	return s.stats
}

// ResetStats clears transaction statistics.
func (s *Store) ResetStats() {
	s.stats = Stats{}
}

// Read performs a counted read of n consecutive words.
func (s *Store) Read(source int, addr uint32, n int) ([]uint32, error) {
	if RegionOf(addr) == RegionIO {
		return s.readIO(source, addr, n)
	}

	words, err := s.read(addr, n)
	if err != nil {
		return nil, err
	}

	s.stats.Reads++
	s.stats.WordsRead += uint64(n)
	return words, nil
}

// Write performs a counted write of consecutive words.
func (s *Store) Write(source int, addr uint32, data []uint32) error {
	if RegionOf(addr) == RegionIO {
		return s.writeIO(source, addr, data)
	}

	if err := s.write(addr, data); err != nil {
		return err
	}

	s.stats.Writes++
	s.stats.WordsWritten += uint64(len(data))
	return nil
}

// Load writes an image into memory without counting a transaction. It is
// meant for setting up memory before simulation starts.
func (s *Store) Load(addr uint32, data []uint32) error {
	if RegionOf(addr) == RegionIO {
		return fmt.Errorf("load at 0x%08X: %w", addr, ErrIOAddress)
	}
	return s.write(addr, data)
}

// Peek reads one word without counting a transaction.
func (s *Store) Peek(addr uint32) (uint32, error) {
	words, err := s.read(addr, 1)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

func (s *Store) storageFor(addr uint32, n int) (*mem.Storage, uint64, error) {
	var (
		storage  *mem.Storage
		offset   uint64
		capacity uint64
	)

	switch RegionOf(addr) {
	case RegionMain:
		storage, offset, capacity = s.main, uint64(addr), s.mainWords
	case RegionScratch:
		storage, offset, capacity = s.scratch, uint64(addr-ScratchBase), s.scratchWords
	default:
		return nil, 0, fmt.Errorf("access at 0x%08X: %w", addr, ErrIOAddress)
	}

	if storage == nil || n < 0 || offset+uint64(n) > capacity {
		return nil, 0, fmt.Errorf("access at 0x%08X (+%d words): %w",
			addr, n, ErrOutOfRange)
	}

	return storage, offset * WordBytes, nil
}

func (s *Store) read(addr uint32, n int) ([]uint32, error) {
	storage, byteAddr, err := s.storageFor(addr, n)
	if err != nil {
		return nil, err
	}

	raw, err := storage.Read(byteAddr, uint64(n)*WordBytes)
	if err != nil {
		return nil, fmt.Errorf("backing read at 0x%08X: %w", addr, err)
	}

	words := make([]uint32, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*WordBytes:])
	}
	return words, nil
}

func (s *Store) write(addr uint32, data []uint32) error {
	storage, byteAddr, err := s.storageFor(addr, len(data))
	if err != nil {
		return err
	}

	raw := make([]byte, len(data)*WordBytes)
	for i, w := range data {
		binary.LittleEndian.PutUint32(raw[i*WordBytes:], w)
	}

	if err := storage.Write(byteAddr, raw); err != nil {
		return fmt.Errorf("backing write at 0x%08X: %w", addr, err)
	}
	return nil
}

func (s *Store) readIO(source int, addr uint32, n int) ([]uint32, error) {
	words := make([]uint32, n)
	for i := range words {
		a := addr + uint32(i)
		dev, ok := s.devices[a]
		if !ok {
			return nil, fmt.Errorf("read at 0x%08X: %w", a, ErrIOAddress)
		}
		words[i] = dev.ReadIO(source, a)
	}

	s.stats.IOReads++
	return words, nil
}

func (s *Store) writeIO(source int, addr uint32, data []uint32) error {
	for i := range data {
		if _, ok := s.devices[addr+uint32(i)]; !ok {
			return fmt.Errorf("write at 0x%08X: %w", addr+uint32(i), ErrIOAddress)
		}
	}

	for i, v := range data {
		a := addr + uint32(i)
		s.devices[a].WriteIO(source, a, v)
	}

	s.stats.IOWrites++
	return nil
}
