// Package core provides the cycle-accurate model of one JOP core's memory
// side and the multi-core System that shares a backing store between
// cores.
//
// A Core accepts one request at a time from the instruction pipeline on
// its pipeline port. Requests are issued with the Issue methods and polled
// with Request.Done while the System ticks.
package core

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/sarchlab/jopsim/timing/bus"
	"github.com/sarchlab/jopsim/timing/cache"
	"github.com/sarchlab/jopsim/timing/exception"
	"github.com/sarchlab/jopsim/timing/handle"
	"github.com/sarchlab/jopsim/timing/latency"
	"github.com/sarchlab/jopsim/timing/lock"
	"github.com/sarchlab/jopsim/timing/memory"
	"github.com/sarchlab/jopsim/timing/stack"
)

var (
	// ErrBusy is returned when a request is issued while another is in
	// flight.
	ErrBusy = errors.New("core busy")
	// ErrHalted is returned when a request is issued by a core halted on
	// the lock.
	ErrHalted = errors.New("core halted waiting for lock")
)

// Kind is the kind of a pipeline request.
type Kind int

const (
	KindFetch Kind = iota
	KindField
	KindArray
	KindStack
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindFetch:
		return "fetch"
	case KindField:
		return "field"
	case KindArray:
		return "array"
	case KindStack:
		return "stack"
	case KindRaw:
		return "raw"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Op is the access direction.
type Op int

const (
	Read Op = iota
	Write
)

func (o Op) String() string {
	if o == Write {
		return "write"
	}
	return "read"
}

// Request is an access issued by the pipeline.
type Request struct {
	Kind Kind
	Op   Op
	// Addr is the fetch address, the virtual stack address or the raw
	// word address.
	Addr   uint32
	Handle uint32
	// Index is the field offset or array index.
	Index int64
	Value uint32

	// Result is the value read, or the value written.
	Result uint32
	// Block is the method cache block of a fetch.
	Block cache.Block
	// Hit is set when a cache served the request without a fill.
	Hit bool
	// Fault is set when the request faulted.
	Fault *exception.Fault
	// Err is set when the request failed for a reason other than a fault.
	Err error

	issued    uint64
	completed uint64
	done      bool

	fill      *bus.Transaction
	submitted bool
	raw       *bus.Transaction
}

// Done reports whether the request has completed.
func (r *Request) Done() bool {
	return r.done
}

// Latency returns the number of cycles between issue and completion. A
// request served in its issue cycle has latency 0.
func (r *Request) Latency() uint64 {
	if !r.done {
		return 0
	}
	return r.completed - r.issued
}

// Stats holds core statistics.
type Stats struct {
	Cycles       uint64
	Requests     uint64
	BusyCycles   uint64
	HaltedCycles uint64
	Faults       uint64
	Errors       uint64
	Deliveries   uint64
	// Invalidations counts data cache invalidations, explicit or caused by
	// raw writes.
	Invalidations uint64
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the core's logger.
func WithLogger(l log.Logger) Option {
	return func(c *Core) {
		c.logger = l
	}
}

// WithHandler sets the handler entry for a fault kind.
func WithHandler(kind exception.Kind, entry uint32) Option {
	return func(c *Core) {
		c.handlers = append(c.handlers, exception.WithHandler(kind, entry))
	}
}

// Core is the memory side of one JOP core: its caches, the handle engine,
// the stack cache and the exception dispatcher.
type Core struct {
	id      int
	arbiter *lock.Arbiter

	port *bus.Port

	methods    *cache.MethodCache
	objects    *cache.ObjectCache
	arrays     *cache.ArrayCache
	engine     *handle.Engine
	stack      *stack.Cache
	exceptions *exception.Dispatcher

	current *Request
	cycle   uint64
	stats   Stats

	handlers []exception.DispatcherOption
	logger   log.Logger
}

// New creates core id attached to b. The core owns three bus ports: the
// pipeline port and the stack spill and fill ports.
func New(
	id int,
	config *latency.TimingConfig,
	b *bus.Bus,
	arbiter *lock.Arbiter,
	opts ...Option,
) *Core {
	c := &Core{
		id:      id,
		arbiter: arbiter,
		logger:  log.Root(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.port = b.NewPort(id, fmt.Sprintf("core%d", id))

	c.methods = cache.NewMethodCache(cache.MethodConfig{
		Blocks:     config.MethodCache.Blocks,
		BlockWords: config.MethodCache.BlockWords,
		Ways:       config.MethodCache.Ways,
	})
	c.objects = cache.NewObjectCache(
		config.ObjectCache.Entries, config.ObjectCache.FieldsPerEntry)
	c.arrays = cache.NewArrayCache(
		config.ArrayCache.Entries, config.ArrayCache.LineWords)

	c.exceptions = exception.NewDispatcher(
		append(c.handlers, exception.WithLogger(c.logger))...)

	c.engine = handle.New(c.port, c.objects, c.arrays, c.exceptions,
		handle.WithLogger(c.logger))

	c.stack = stack.New(
		stack.Config{
			BankWords: config.StackCache.BankWords,
			Banks:     config.StackCache.Banks,
			SpillBase: config.StackSpillBase(id),
		},
		b.NewPort(id, fmt.Sprintf("core%d.spill", id)),
		b.NewPort(id, fmt.Sprintf("core%d.fill", id)),
		stack.WithLogger(c.logger),
	)

	return c
}

// ID returns the core id.
func (c *Core) ID() int { return c.id }

// Methods returns the method cache.
func (c *Core) Methods() *cache.MethodCache { return c.methods }

// Objects returns the object cache.
func (c *Core) Objects() *cache.ObjectCache { return c.objects }

// Arrays returns the array cache.
func (c *Core) Arrays() *cache.ArrayCache { return c.arrays }

// Engine returns the handle dereference engine.
func (c *Core) Engine() *handle.Engine { return c.engine }

// Stack returns the stack cache.
func (c *Core) Stack() *stack.Cache { return c.stack }

// Exceptions returns the exception dispatcher.
func (c *Core) Exceptions() *exception.Dispatcher { return c.exceptions }

// Stats returns core statistics.
func (c *Core) Stats() Stats {
	return c.stats
}

// Busy reports whether a request is in flight.
func (c *Core) Busy() bool {
	return c.current != nil
}

// Halted reports whether the core is frozen waiting for the lock.
func (c *Core) Halted() bool {
	return c.arbiter.Halted(c.id)
}

func (c *Core) begin(r *Request) error {
	if c.Halted() {
		return ErrHalted
	}
	if c.current != nil {
		return ErrBusy
	}

	r.issued = c.cycle
	c.current = r
	c.stats.Requests++
	return nil
}

// IssueFetch fetches the method cache block holding addr.
func (c *Core) IssueFetch(addr uint32) (*Request, error) {
	if memory.RegionOf(addr) == memory.RegionIO {
		return nil, fmt.Errorf("fetch at 0x%08X: %w", addr, memory.ErrIOAddress)
	}

	r := &Request{Kind: KindFetch, Addr: addr}
	if err := c.begin(r); err != nil {
		return nil, err
	}

	c.advance()
	return r, nil
}

// IssueFieldAccess reads or writes field offset of the object named by
// handle.
func (c *Core) IssueFieldAccess(
	handleAddr uint32, offset int64, op Op, value uint32,
) (*Request, error) {
	return c.issueHandle(KindField, handleAddr, offset, op, value)
}

// IssueArrayAccess reads or writes element index of the array named by
// handle.
func (c *Core) IssueArrayAccess(
	handleAddr uint32, index int64, op Op, value uint32,
) (*Request, error) {
	return c.issueHandle(KindArray, handleAddr, index, op, value)
}

func (c *Core) issueHandle(
	kind Kind, handleAddr uint32, index int64, op Op, value uint32,
) (*Request, error) {
	r := &Request{
		Kind:   kind,
		Op:     op,
		Handle: handleAddr,
		Index:  index,
		Value:  value,
	}

	req := handle.Request{
		Target: handle.Field,
		Handle: handleAddr,
		Index:  index,
		Op:     handle.Read,
		Value:  value,
	}
	if kind == KindArray {
		req.Target = handle.Array
	}
	if op == Write {
		req.Op = handle.Write
	}

	if c.engine.Busy() {
		return nil, ErrBusy
	}
	if err := c.begin(r); err != nil {
		return nil, err
	}

	if err := c.engine.Start(req); err != nil {
		c.current = nil
		c.stats.Requests--
		return nil, err
	}

	c.advance()
	return r, nil
}

// IssueStackAccess reads or writes the virtual stack word at vaddr.
func (c *Core) IssueStackAccess(vaddr uint32, op Op, value uint32) (*Request, error) {
	r := &Request{Kind: KindStack, Op: op, Addr: vaddr, Value: value}
	if err := c.begin(r); err != nil {
		return nil, err
	}

	c.advance()
	return r, nil
}

// IssueRawAccess reads or writes one word at addr without any cache. I/O
// addresses reach the I/O registers. A raw write to main memory
// invalidates the object and array caches.
func (c *Core) IssueRawAccess(addr uint32, op Op, value uint32) (*Request, error) {
	r := &Request{Kind: KindRaw, Op: op, Addr: addr, Value: value}
	if err := c.begin(r); err != nil {
		return nil, err
	}

	c.advance()
	return r, nil
}

// Invalidate drops every object and array cache line. Handles stay valid
// when object data moves, so cached bases must be dropped afterwards.
func (c *Core) Invalidate() {
	c.objects.Invalidate()
	c.arrays.Invalidate()
	c.stats.Invalidations++
	c.logger.Debug("Data caches invalidated", "core", c.id)
}

// Raise latches a fault or an interrupt request on this core.
func (c *Core) Raise(kind exception.Kind) bool {
	return c.exceptions.Raise(kind)
}

// PollFault consumes the pending fault at a fetch boundary.
func (c *Core) PollFault() (exception.Kind, bool) {
	kind, ok := c.exceptions.ConsumeAtFetchBoundary()
	if ok {
		c.stats.Deliveries++
	}
	return kind, ok
}

// FetchBoundary is called with the next fetch address at each fetch
// boundary. It returns the delivery when a fault or an enabled interrupt
// redirects control.
func (c *Core) FetchBoundary(pc uint32) (exception.Delivery, bool) {
	d, ok := c.exceptions.Dispatch(pc)
	if ok {
		c.stats.Deliveries++
	}
	return d, ok
}

// LockRequest asks for the global lock. It returns true if the core owns
// the lock; otherwise the core halts until the lock is handed to it.
func (c *Core) LockRequest() bool {
	return c.arbiter.Request(c.id)
}

// LockRelease releases the global lock.
func (c *Core) LockRelease() error {
	return c.arbiter.Release(c.id)
}

// LockStatus reports whether the core is halted on the lock.
func (c *Core) LockStatus() bool {
	return c.arbiter.Halted(c.id)
}

// Tick advances the core by one cycle. The System ticks every core before
// the bus.
func (c *Core) Tick() {
	c.cycle++
	c.stats.Cycles++
	c.exceptions.Tick()
	c.stack.Tick()

	if c.Halted() {
		c.stats.HaltedCycles++
		return
	}

	c.engine.Tick()

	if c.current != nil {
		c.stats.BusyCycles++
		c.advance()
	}
}

func (c *Core) advance() {
	r := c.current

	switch r.Kind {
	case KindFetch:
		c.advanceFetch(r)
	case KindField, KindArray:
		c.advanceHandle(r)
	case KindStack:
		c.advanceStack(r)
	case KindRaw:
		c.advanceRaw(r)
	}
}

func (c *Core) advanceFetch(r *Request) {
	if r.fill == nil {
		if block, ok := c.methods.Lookup(r.Addr); ok {
			r.Hit = true
			r.Block = block
			r.Result = block.Words[r.Addr-block.Addr]
			c.complete(r)
			return
		}

		t, err := c.methods.BeginFill(r.Addr)
		if err != nil {
			c.failRequest(r, err)
			return
		}
		r.fill = t
	}

	if !r.submitted {
		if err := c.port.Submit(r.fill); err != nil {
			return
		}
		r.submitted = true
	}

	if !r.fill.Done() {
		return
	}

	block, err := c.methods.CompleteFill()
	if err != nil {
		c.failRequest(r, err)
		return
	}

	r.Block = block
	r.Result = block.Words[r.Addr-block.Addr]
	c.complete(r)
}

func (c *Core) advanceHandle(r *Request) {
	if !c.engine.Done() {
		return
	}

	res := c.engine.Result()
	r.Result = res.Value
	r.Hit = res.Hit
	if res.Fault != nil {
		r.Fault = res.Fault
		c.stats.Faults++
	}
	if res.Err != nil {
		c.failRequest(r, res.Err)
		return
	}
	c.complete(r)
}

func (c *Core) advanceStack(r *Request) {
	op := stack.Read
	if r.Op == Write {
		op = stack.Write
	}

	v, stalled, err := c.stack.Access(r.Addr, op, r.Value)
	if err != nil {
		c.failRequest(r, err)
		return
	}
	if stalled {
		return
	}

	r.Result = v
	c.complete(r)
}

func (c *Core) advanceRaw(r *Request) {
	if r.raw == nil {
		if r.Op == Write {
			r.raw = bus.NewWrite(r.Addr, []uint32{r.Value})
		} else {
			r.raw = bus.NewRead(r.Addr, 1)
		}
		if err := c.port.Submit(r.raw); err != nil {
			r.raw = nil
			return
		}
	}

	if !r.raw.Done() {
		return
	}

	if r.raw.Err != nil {
		c.failRequest(r, r.raw.Err)
		return
	}

	if r.Op == Write {
		r.Result = r.Value
		if memory.Cacheable(r.Addr) {
			c.Invalidate()
		}
	} else {
		r.Result = r.raw.Data[0]
	}
	c.complete(r)
}

func (c *Core) complete(r *Request) {
	r.completed = c.cycle
	r.done = true
	c.current = nil

	c.logger.Trace("Request complete",
		"kind", r.Kind, "op", r.Op, "latency", r.Latency(), "hit", r.Hit)
}

func (c *Core) failRequest(r *Request, err error) {
	r.Err = err
	c.stats.Errors++
	c.logger.Warn("Request failed", "kind", r.Kind, "err", err)
	c.complete(r)
}

// Reset empties every cache, clears exception state and drops an in-flight
// request. Backing store contents are unchanged.
func (c *Core) Reset() {
	c.methods.Reset()
	c.objects.Invalidate()
	c.arrays.Invalidate()
	c.engine.Reset()
	c.stack.Reset()
	c.exceptions.Reset()
	c.current = nil
	c.cycle = 0
	c.stats = Stats{}
}
