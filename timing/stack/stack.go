// Package stack models the rotating three-bank stack cache of a JOP core.
//
// The virtual stack is divided into banks of BankWords words. Three
// physical slots hold banks in one of four roles: the active bank serves
// accesses, the ready bank is pre-filled for the next crossing, the
// anti-thrash bank keeps the bank most recently vacated and the free slot
// is available for the next fill. Banks move to and from their spill
// region in main memory over two dedicated bus ports, so at most one spill
// and one fill are in flight at a time.
package stack

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/sarchlab/jopsim/timing/bus"
)

// ErrStackRange is returned for a virtual address outside the stack.
var ErrStackRange = errors.New("stack address out of range")

// NumSlots is the number of physical bank slots.
const NumSlots = 3

// Role is the role of a physical slot.
type Role int

const (
	RoleFree Role = iota
	RoleActive
	RoleReady
	RoleAnti
)

func (r Role) String() string {
	switch r {
	case RoleFree:
		return "free"
	case RoleActive:
		return "active"
	case RoleReady:
		return "ready"
	case RoleAnti:
		return "anti"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Crossing is the crossing state machine. It leaves Steady on a bank
// crossing and returns once the DMA that crossing started has finished.
type Crossing int

const (
	Steady Crossing = iota
	CrossForward
	CrossBackward
)

func (c Crossing) String() string {
	switch c {
	case Steady:
		return "steady"
	case CrossForward:
		return "cross-forward"
	case CrossBackward:
		return "cross-backward"
	default:
		return fmt.Sprintf("crossing(%d)", int(c))
	}
}

// Op is the access direction.
type Op int

const (
	Read Op = iota
	Write
)

// Config holds the stack cache geometry.
type Config struct {
	BankWords int
	Banks     int
	// SpillBase is the main-memory address of virtual bank 0.
	SpillBase uint32
}

// Stats holds stack cache statistics.
type Stats struct {
	Accesses       uint64
	Crossings      uint64
	AntiPromotions uint64
	DemandFills    uint64
	Spills         uint64
	Fills          uint64
	Stalls         uint64
	// Discarded counts fills that completed after their slot was retired.
	Discarded uint64
}

// Slot describes a physical slot.
type Slot struct {
	Bank  int
	Role  Role
	Valid bool
	Dirty bool
}

type slot struct {
	Slot
	loading bool
	data    []uint32
}

type dma struct {
	txn  *bus.Transaction
	slot int
	bank int
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache's logger.
func WithLogger(l log.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// Cache is the stack cache of one core.
type Cache struct {
	config    Config
	spillPort *bus.Port
	fillPort  *bus.Port

	slots    [NumSlots]slot
	crossing Crossing

	spill *dma
	fill  *dma
	// deferred is a fill waiting for a spill of the same bank.
	deferred *dma

	err   error
	stats Stats

	logger log.Logger
}

// New creates a stack cache in its reset state. Spills are issued on
// spillPort and fills on fillPort.
func New(config Config, spillPort, fillPort *bus.Port, opts ...Option) *Cache {
	c := &Cache{
		config:    config,
		spillPort: spillPort,
		fillPort:  fillPort,
		logger:    log.Root(),
	}

	for _, opt := range opts {
		opt(c)
	}

	for i := range c.slots {
		c.slots[i].data = make([]uint32, config.BankWords)
	}
	c.Reset()

	return c
}

// Reset empties the stack: bank 0 is active, bank 1 is ready and no DMA is
// in flight.
func (c *Cache) Reset() {
	for i := range c.slots {
		s := &c.slots[i]
		clear(s.data)
		s.Slot = Slot{Bank: -1}
		s.loading = false
	}

	c.slots[0].Slot = Slot{Bank: 0, Role: RoleActive, Valid: true}
	c.slots[1].Slot = Slot{Bank: 1, Role: RoleReady, Valid: true}

	c.crossing = Steady
	c.spill = nil
	c.fill = nil
	c.deferred = nil
	c.err = nil
}

// Config returns the cache geometry.
func (c *Cache) Config() Config {
	return c.config
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	return c.stats
}

// Crossing returns the crossing state.
func (c *Cache) Crossing() Crossing {
	return c.crossing
}

// Slots returns a snapshot of the physical slots.
func (c *Cache) Slots() [NumSlots]Slot {
	var out [NumSlots]Slot
	for i := range c.slots {
		out[i] = c.slots[i].Slot
	}
	return out
}

// ActiveBank returns the virtual bank held by the active slot.
func (c *Cache) ActiveBank() int {
	return c.slots[c.find(RoleActive)].Bank
}

// Idle reports whether no DMA is in flight or deferred.
func (c *Cache) Idle() bool {
	return c.spill == nil && c.fill == nil && c.deferred == nil
}

// BankAddr returns the spill address of a virtual bank.
func (c *Cache) BankAddr(bank int) uint32 {
	return c.config.SpillBase + uint32(bank*c.config.BankWords)
}

func (c *Cache) inRange(bank int) bool {
	return bank >= 0 && bank < c.config.Banks
}

func (c *Cache) find(role Role) int {
	for i := range c.slots {
		if c.slots[i].Role == role {
			return i
		}
	}
	return -1
}

func (c *Cache) findBank(bank int) int {
	for i := range c.slots {
		if c.slots[i].Role != RoleFree && c.slots[i].Bank == bank {
			return i
		}
	}
	return -1
}

// Access reads or writes one virtual stack word. It reports stalled when
// the access has to wait for a DMA; the caller retries on a later cycle.
func (c *Cache) Access(vaddr uint32, op Op, value uint32) (uint32, bool, error) {
	if err := c.takeErr(); err != nil {
		return 0, false, err
	}

	bank := int(vaddr / uint32(c.config.BankWords))
	if !c.inRange(bank) {
		return 0, false, fmt.Errorf("vaddr 0x%X: %w", vaddr, ErrStackRange)
	}

	active := c.find(RoleActive)
	if c.slots[active].Bank != bank {
		if !c.cross(active, bank) {
			c.stats.Stalls++
			return 0, true, nil
		}
		active = c.find(RoleActive)
	}

	c.stats.Accesses++

	s := &c.slots[active]
	offset := int(vaddr) % c.config.BankWords
	if op == Write {
		s.data[offset] = value
		s.Dirty = true
		return value, false, nil
	}
	return s.data[offset], false, nil
}

// cross makes bank active. It returns false when the crossing has to wait.
func (c *Cache) cross(active, bank int) bool {
	from := c.slots[active].Bank
	target := c.findBank(bank)

	if target >= 0 && c.slots[target].Role == RoleAnti {
		c.promoteAnti(active, target)
		return true
	}

	if target < 0 {
		c.demandFill(bank)
		return false
	}

	// target is the ready bank.
	if c.slots[target].loading {
		return false
	}

	third := 3 - active - target
	if !c.retire(third) {
		return false
	}

	vacated := &c.slots[active]
	if vacated.Dirty {
		if c.spill != nil {
			return false
		}
		c.startSpill(active)
	}

	vacated.Role = RoleAnti
	c.slots[target].Role = RoleActive
	c.stats.Crossings++

	dir := 1
	c.crossing = CrossForward
	if bank < from {
		dir = -1
		c.crossing = CrossBackward
	}

	next := bank + dir
	if c.inRange(next) {
		c.startFill(third, next)
	}

	c.logger.Trace("Stack bank crossing",
		"from", from, "to", bank, "state", c.crossing)
	c.updateCrossing()
	return true
}

// promoteAnti swaps the active and anti-thrash banks without DMA. The
// ready bank no longer lies in the crossing direction and is retired.
func (c *Cache) promoteAnti(active, anti int) {
	from := c.slots[active].Bank

	c.slots[active].Role = RoleAnti
	c.slots[anti].Role = RoleActive

	third := 3 - active - anti
	if c.slots[third].Role == RoleReady {
		c.slots[third].Role = RoleFree
		c.slots[third].Valid = false
	}

	c.stats.AntiPromotions++
	c.logger.Trace("Stack anti-thrash promotion",
		"from", from, "to", c.slots[anti].Bank)
}

// demandFill loads bank into a slot as the ready bank. The caller stalls
// until it arrives and then crosses normally.
func (c *Cache) demandFill(bank int) {
	if c.fill != nil || c.deferred != nil {
		return
	}

	victim := c.find(RoleFree)
	if victim < 0 {
		victim = c.find(RoleReady)
	}
	if victim < 0 {
		victim = c.find(RoleAnti)
		if !c.retire(victim) {
			return
		}
	}

	c.stats.DemandFills++
	c.startFill(victim, bank)
}

// retire frees slot i, spilling it first when it holds dirty data. It
// returns false when the slot cannot be freed yet.
func (c *Cache) retire(i int) bool {
	s := &c.slots[i]

	if s.loading || (c.fill != nil && c.fill.slot == i) ||
		(c.deferred != nil && c.deferred.slot == i) {
		return false
	}

	if s.Role == RoleAnti && s.Dirty {
		if c.spill != nil {
			return false
		}
		c.startSpill(i)
	}

	s.Role = RoleFree
	s.Valid = false
	return true
}

func (c *Cache) startSpill(i int) {
	s := &c.slots[i]

	t := bus.NewWrite(c.BankAddr(s.Bank), s.data)
	if err := c.spillPort.Submit(t); err != nil {
		c.err = fmt.Errorf("spill bank %d: %w", s.Bank, err)
		return
	}

	c.spill = &dma{txn: t, slot: i, bank: s.Bank}
	s.Dirty = false
	c.stats.Spills++
}

func (c *Cache) startFill(i, bank int) {
	s := &c.slots[i]
	s.Bank = bank
	s.Role = RoleReady
	s.Valid = false
	s.Dirty = false
	s.loading = true

	d := &dma{slot: i, bank: bank}
	if c.spill != nil && c.spill.bank == bank {
		c.deferred = d
		return
	}
	c.submitFill(d)
}

func (c *Cache) submitFill(d *dma) {
	d.txn = bus.NewRead(c.BankAddr(d.bank), c.config.BankWords)
	if err := c.fillPort.Submit(d.txn); err != nil {
		c.err = fmt.Errorf("fill bank %d: %w", d.bank, err)
		c.slots[d.slot].loading = false
		return
	}

	c.fill = d
	c.stats.Fills++
}

// Tick retires finished DMA transfers.
func (c *Cache) Tick() {
	if c.spill != nil && c.spill.txn.Done() {
		if err := c.spill.txn.Err; err != nil {
			c.setErr(fmt.Errorf("spill bank %d: %w", c.spill.bank, err))
		}
		c.spill = nil
	}

	if c.fill != nil && c.fill.txn.Done() {
		c.completeFill(c.fill)
		c.fill = nil
	}

	if c.deferred != nil && c.spill == nil && c.fill == nil {
		d := c.deferred
		c.deferred = nil
		c.submitFill(d)
	}

	c.updateCrossing()
}

func (c *Cache) completeFill(d *dma) {
	s := &c.slots[d.slot]

	if d.txn.Err != nil {
		c.setErr(fmt.Errorf("fill bank %d: %w", d.bank, d.txn.Err))
		s.loading = false
		s.Role = RoleFree
		return
	}

	if s.Role != RoleReady || s.Bank != d.bank {
		c.stats.Discarded++
		s.loading = false
		return
	}

	copy(s.data, d.txn.Data)
	s.loading = false
	s.Valid = true
}

func (c *Cache) updateCrossing() {
	if c.Idle() {
		c.crossing = Steady
	}
}

func (c *Cache) setErr(err error) {
	if c.err == nil {
		c.err = err
	}
	c.logger.Warn("Stack DMA failed", "err", err)
}

func (c *Cache) takeErr() error {
	err := c.err
	c.err = nil
	return err
}

// Flush spills every dirty bank. It reports done once all spills have
// completed; until then the caller ticks the bus and calls it again.
func (c *Cache) Flush() (bool, error) {
	if err := c.takeErr(); err != nil {
		return false, err
	}

	if c.spill == nil {
		for i := range c.slots {
			s := &c.slots[i]
			if s.Role != RoleFree && s.Valid && s.Dirty {
				c.startSpill(i)
				return false, nil
			}
		}
	}

	return c.Idle(), nil
}
