package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/sarchlab/jopsim/timing/bus"
	"github.com/sarchlab/jopsim/timing/latency"
	"github.com/sarchlab/jopsim/timing/lock"
	"github.com/sarchlab/jopsim/timing/memory"
)

// SystemOption configures a System.
type SystemOption func(*System)

// WithSystemLogger sets the logger of the system and all its cores.
func WithSystemLogger(l log.Logger) SystemOption {
	return func(s *System) {
		s.logger = l
	}
}

// WithCoreOptions applies opts to every core.
func WithCoreOptions(opts ...Option) SystemOption {
	return func(s *System) {
		s.coreOpts = append(s.coreOpts, opts...)
	}
}

// System is a set of cores sharing one backing store through one bus and
// one lock arbiter. It is driven by a single global clock.
type System struct {
	config  *latency.TimingConfig
	store   *memory.Store
	bus     *bus.Bus
	arbiter *lock.Arbiter
	cores   []*Core

	cycle uint64

	coreOpts []Option
	logger   log.Logger
}

// NewSystem builds a system from config.
func NewSystem(config *latency.TimingConfig, opts ...SystemOption) (*System, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid timing config: %w", err)
	}

	s := &System{
		config: config.Clone(),
		logger: log.Root(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.store = memory.New(config.Memory.MainWords, config.Memory.ScratchWords)
	s.bus = bus.New(s.store, latency.NewTableWithConfig(s.config),
		bus.WithLogger(s.logger.New("unit", "bus")))
	s.arbiter = lock.New(config.CPUCount,
		lock.WithLogger(s.logger.New("unit", "lock")))

	for id := 0; id < config.CPUCount; id++ {
		coreOpts := append([]Option{WithLogger(s.logger.New("core", id))}, s.coreOpts...)
		s.cores = append(s.cores, New(id, s.config, s.bus, s.arbiter, coreOpts...))
	}

	io := &ioRegisters{sys: s, logger: s.logger.New("unit", "io")}
	io.mapInto(s.store)

	return s, nil
}

// Config returns the system configuration.
func (s *System) Config() *latency.TimingConfig { return s.config }

// Store returns the shared backing store.
func (s *System) Store() *memory.Store { return s.store }

// Bus returns the shared bus.
func (s *System) Bus() *bus.Bus { return s.bus }

// Arbiter returns the lock arbiter.
func (s *System) Arbiter() *lock.Arbiter { return s.arbiter }

// Cores returns all cores.
func (s *System) Cores() []*Core { return s.cores }

// Core returns core id.
func (s *System) Core(id int) *Core { return s.cores[id] }

// Cycle returns the number of elapsed cycles.
func (s *System) Cycle() uint64 { return s.cycle }

// Tick advances every core and then the bus by one cycle.
func (s *System) Tick() {
	s.cycle++
	for _, c := range s.cores {
		c.Tick()
	}
	s.bus.Tick()
}

// Idle reports whether no core has a request or DMA in flight and the bus
// is idle.
func (s *System) Idle() bool {
	for _, c := range s.cores {
		if c.Busy() || !c.stack.Idle() {
			return false
		}
	}
	return s.bus.Idle()
}

// Wait ticks until r completes or limit cycles elapse. It returns the
// number of cycles ticked and whether r completed.
func (s *System) Wait(r *Request, limit uint64) (uint64, bool) {
	var n uint64
	for !r.Done() && n < limit {
		s.Tick()
		n++
	}
	return n, r.Done()
}
