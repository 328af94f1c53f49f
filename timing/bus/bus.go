// Package bus models the single bus in front of the backing store.
//
// Every bus master (a core's pipeline, its stack spill engine and its stack
// fill engine) owns a Port. A port holds at most one outstanding
// transaction. The bus services one transaction at a time and picks the
// next one round-robin, starting just after the port it served last. A
// transaction takes effect in the backing store when it completes, so every
// master observes writes in bus service order.
package bus

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/sarchlab/jopsim/timing/latency"
	"github.com/sarchlab/jopsim/timing/memory"
)

// ErrPortBusy is returned when a port already has an outstanding
// transaction.
var ErrPortBusy = errors.New("bus port has an outstanding transaction")

// Kind is the direction of a transaction.
type Kind int

const (
	// Read transfers words from the backing store.
	Read Kind = iota
	// Write transfers words to the backing store.
	Write
)

func (k Kind) String() string {
	if k == Write {
		return "write"
	}
	return "read"
}

// Transaction is a single backing-store transfer of consecutive words.
type Transaction struct {
	Kind Kind
	Addr uint32
	// Words is the read length. Writes use len(Data).
	Words int
	// Data is the write payload, or the read result once Done.
	Data []uint32
	// Err is set when the backing store rejected the transfer.
	Err error

	submitted uint64
	completed uint64
	remaining uint64
	done      bool
}

// NewRead creates a read of n words starting at addr.
func NewRead(addr uint32, n int) *Transaction {
	return &Transaction{Kind: Read, Addr: addr, Words: n}
}

// NewWrite creates a write of data starting at addr. The payload is copied.
func NewWrite(addr uint32, data []uint32) *Transaction {
	payload := make([]uint32, len(data))
	copy(payload, data)
	return &Transaction{Kind: Write, Addr: addr, Words: len(data), Data: payload}
}

// Done reports whether the transaction has completed.
func (t *Transaction) Done() bool {
	return t.done
}

// Latency returns the number of cycles between submission and completion.
func (t *Transaction) Latency() uint64 {
	if !t.done {
		return 0
	}
	return t.completed - t.submitted
}

// Port is a bus master's attachment point.
type Port struct {
	bus     *Bus
	id      int
	source  int
	name    string
	pending *Transaction
}

// Submit queues t for service. Only one transaction may be outstanding per
// port.
func (p *Port) Submit(t *Transaction) error {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()

	if p.pending != nil {
		return ErrPortBusy
	}

	t.done = false
	t.submitted = p.bus.cycle
	p.pending = t
	return nil
}

// Busy reports whether the port has an outstanding transaction.
func (p *Port) Busy() bool {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	return p.pending != nil
}

// Source returns the master id presented to I/O devices.
func (p *Port) Source() int {
	return p.source
}

// Name returns the port's name.
func (p *Port) Name() string {
	return p.name
}

// Stats holds bus statistics.
type Stats struct {
	Transactions uint64
	Reads        uint64
	Writes       uint64
	// BusyCycles counts cycles with a transaction in service.
	BusyCycles uint64
	// WaitCycles sums, per cycle, the number of transactions queued
	// behind the one in service.
	WaitCycles uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for transaction tracing.
func WithLogger(l log.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// Bus arbitrates the backing store between ports.
type Bus struct {
	mu sync.Mutex

	store *memory.Store
	table *latency.Table

	ports      []*Port
	lastServed int
	active     *Transaction
	activePort *Port

	cycle uint64
	stats Stats

	logger log.Logger
}

// New creates a bus in front of store using table for transfer timing.
func New(store *memory.Store, table *latency.Table, opts ...Option) *Bus {
	b := &Bus{
		store:      store,
		table:      table,
		lastServed: -1,
		logger:     log.Root(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// NewPort attaches a new master. source is passed to I/O devices.
func (b *Bus) NewPort(source int, name string) *Port {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := &Port{bus: b, id: len(b.ports), source: source, name: name}
	b.ports = append(b.ports, p)
	return p
}

// Store returns the backing store behind the bus.
func (b *Bus) Store() *memory.Store {
	return b.store
}

// Cycle returns the number of ticks performed.
func (b *Bus) Cycle() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cycle
}

// Stats returns bus statistics.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Idle reports whether no transaction is in service or queued.
func (b *Bus) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active != nil {
		return false
	}
	for _, p := range b.ports {
		if p.pending != nil {
			return false
		}
	}
	return true
}

// Tick advances the bus by one cycle.
func (b *Bus) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cycle++

	if b.active == nil {
		b.start()
	}

	for _, p := range b.ports {
		if p.pending != nil && p != b.activePort {
			b.stats.WaitCycles++
		}
	}

	if b.active == nil {
		return
	}

	b.stats.BusyCycles++
	b.active.remaining--
	if b.active.remaining == 0 {
		b.complete()
	}
}

func (b *Bus) start() {
	n := len(b.ports)
	for i := 1; i <= n; i++ {
		idx := (b.lastServed + i) % n
		if idx < 0 {
			idx += n
		}

		p := b.ports[idx]
		if p.pending == nil {
			continue
		}

		t := p.pending
		if t.Kind == Write {
			t.remaining = b.table.WriteCycles(len(t.Data))
		} else {
			t.remaining = b.table.ReadCycles(t.Words)
		}

		b.active = t
		b.activePort = p
		b.lastServed = idx
		return
	}
}

func (b *Bus) complete() {
	t, p := b.active, b.activePort

	if t.Kind == Write {
		t.Err = b.store.Write(p.source, t.Addr, t.Data)
		b.stats.Writes++
	} else {
		t.Data, t.Err = b.store.Read(p.source, t.Addr, t.Words)
		b.stats.Reads++
	}
	b.stats.Transactions++

	t.done = true
	t.completed = b.cycle

	if t.Err != nil {
		b.logger.Warn("Bus transaction failed",
			"port", p.name, "kind", t.Kind, "addr", t.Addr, "err", t.Err)
	} else {
		b.logger.Trace("Bus transaction done",
			"port", p.name, "kind", t.Kind, "addr", t.Addr, "words", t.Words,
			"latency", t.completed-t.submitted)
	}

	p.pending = nil
	b.active = nil
	b.activePort = nil
}
