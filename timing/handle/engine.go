// Package handle implements the handle dereference engine.
//
// The engine turns a logical (handle, field) or (handle, index) access into
// a backing-store address and drives the object and array caches. A handle
// names a two-word record: the data base address followed by the length
// (element count for arrays, field count for objects).
//
//	Idle -> HandleRead -> HandleWait -> HandleCalc -> Access -> Done
//	                                                   |  ^
//	                                         AccessFill/AccessWrite
//
// A zero handle or an out-of-range array index moves the engine to Fault,
// raises the fault and abandons the access before anything is written.
package handle

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/sarchlab/jopsim/timing/bus"
	"github.com/sarchlab/jopsim/timing/cache"
	"github.com/sarchlab/jopsim/timing/exception"
	"github.com/sarchlab/jopsim/timing/memory"
)

var (
	// ErrBusy is returned by Start while an access is in flight.
	ErrBusy = errors.New("handle engine busy")
	// ErrBadOffset is returned for a negative field offset.
	ErrBadOffset = errors.New("negative field offset")
)

// HeaderWords is the size of a handle record.
const HeaderWords = 2

// State is the engine state.
type State int

const (
	StateIdle State = iota
	StateHandleRead
	StateHandleWait
	StateHandleCalc
	StateAccess
	StateAccessFill
	StateAccessWrite
	StateDone
	StateFault
)

var stateNames = [...]string{
	"idle", "handle-read", "handle-wait", "handle-calc",
	"access", "access-fill", "access-write", "done", "fault",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Target selects between object fields and array elements.
type Target int

const (
	Field Target = iota
	Array
)

// Op is the access direction.
type Op int

const (
	Read Op = iota
	Write
)

// Request is a logical access.
type Request struct {
	Target Target
	Handle uint32
	// Index is the field offset or the array index.
	Index int64
	Op    Op
	Value uint32
}

// Result is the outcome of a finished access.
type Result struct {
	Value uint32
	// Hit is set when the data cache served the access without a fill.
	Hit bool
	// Fault is set when the access faulted.
	Fault *exception.Fault
	// Err is set when the backing store rejected a transfer.
	Err error
	// Cycles is the number of cycles from Start to completion, counting
	// the start cycle.
	Cycles uint64
}

// FaultRaiser receives detected faults.
type FaultRaiser interface {
	Raise(kind exception.Kind) bool
}

// Stats holds engine statistics.
type Stats struct {
	Requests     uint64
	HeaderReads  uint64
	Bypasses     uint64
	NullFaults   uint64
	BoundsFaults uint64
	BusErrors    uint64
	// Aliased counts write-throughs that also updated the other data cache.
	Aliased uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l log.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// Engine is the handle dereference state machine of one core.
type Engine struct {
	port    *bus.Port
	objects *cache.ObjectCache
	arrays  *cache.ArrayCache
	faults  FaultRaiser

	state State
	req   Request

	txn        *bus.Transaction
	headerRead bool
	probed     bool
	bypass     bool
	base       uint32
	length     uint32
	addr       uint32

	result Result
	cycle  uint64
	start  uint64

	stats  Stats
	logger log.Logger
}

// New creates an idle engine. Transactions are issued on port.
func New(
	port *bus.Port,
	objects *cache.ObjectCache,
	arrays *cache.ArrayCache,
	faults FaultRaiser,
	opts ...Option,
) *Engine {
	e := &Engine{
		port:    port,
		objects: objects,
		arrays:  arrays,
		faults:  faults,
		logger:  log.Root(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// State returns the current state.
func (e *Engine) State() State {
	return e.state
}

// Busy reports whether an access is in flight.
func (e *Engine) Busy() bool {
	switch e.state {
	case StateIdle, StateDone, StateFault:
		return false
	}
	return true
}

// Done reports whether the last access has finished.
func (e *Engine) Done() bool {
	return e.state == StateDone || e.state == StateFault
}

// Result returns the outcome of the last finished access.
func (e *Engine) Result() Result {
	return e.result
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	return e.stats
}

// Start begins an access. Accesses that need no bus transfer (cache hits
// and null handles) finish before Start returns.
func (e *Engine) Start(req Request) error {
	if e.Busy() {
		return ErrBusy
	}
	if req.Target == Field && req.Index < 0 {
		return fmt.Errorf("field %d: %w", req.Index, ErrBadOffset)
	}

	e.req = req
	e.txn = nil
	e.headerRead = false
	e.probed = false
	e.bypass = false
	e.result = Result{}
	e.start = e.cycle
	e.stats.Requests++

	if req.Handle == 0 {
		e.fault(exception.KindNullAccess)
		return nil
	}

	if req.Target == Field {
		e.state = StateAccess
	} else {
		e.state = StateHandleRead
	}

	e.step()
	return nil
}

// Tick advances the engine by one cycle.
func (e *Engine) Tick() {
	e.cycle++
	if e.Busy() {
		e.step()
	}
}

// step runs state transitions until the engine has to wait.
func (e *Engine) step() {
	for {
		before := e.state

		switch e.state {
		case StateHandleRead:
			e.handleRead()
		case StateHandleWait:
			e.handleWait()
		case StateHandleCalc:
			e.handleCalc()
		case StateAccess:
			if e.req.Target == Field {
				e.accessField()
			} else {
				e.accessArray()
			}
		case StateAccessFill:
			e.accessFill()
		case StateAccessWrite:
			e.accessWrite()
		default:
			return
		}

		if e.state == before {
			return
		}
	}
}

func (e *Engine) issue(t *bus.Transaction) bool {
	if err := e.port.Submit(t); err != nil {
		return false
	}
	e.txn = t
	return true
}

func (e *Engine) handleRead() {
	if e.issue(bus.NewRead(e.req.Handle, HeaderWords)) {
		e.stats.HeaderReads++
		e.state = StateHandleWait
	}
}

func (e *Engine) handleWait() {
	if !e.txn.Done() {
		return
	}
	if e.txn.Err != nil {
		e.fail(e.txn.Err)
		return
	}

	e.base = e.txn.Data[0]
	e.length = e.txn.Data[1]
	e.headerRead = true
	e.txn = nil
	e.state = StateHandleCalc
}

func (e *Engine) handleCalc() {
	index := e.req.Index

	if e.req.Target == Array && (index < 0 || index >= int64(e.length)) {
		e.fault(exception.KindBounds)
		return
	}

	// Element size is one word.
	e.addr = e.base + uint32(index)
	e.state = StateAccess
}

func (e *Engine) accessField() {
	field := int(e.req.Index)

	if e.req.Op == Read && !e.probed {
		e.probed = true
		line, hit := e.objects.Lookup(e.req.Handle)
		if hit && field < len(line.Fields) {
			e.result.Hit = true
			e.finish(line.Fields[field])
			return
		}
	}

	line, resident := e.objects.Peek(e.req.Handle)
	if e.req.Op == Write && !e.probed {
		e.probed = true
		_, resident = e.objects.Lookup(e.req.Handle)
		e.result.Hit = resident && field < len(line.Fields)
	}

	if resident && field < len(line.Fields) {
		if e.req.Op == Read {
			e.finish(line.Fields[field])
			return
		}
		e.addr = line.Base + uint32(field)
		if e.issue(bus.NewWrite(e.addr, []uint32{e.req.Value})) {
			e.state = StateAccessWrite
		}
		return
	}

	if !e.headerRead {
		e.state = StateHandleRead
		return
	}

	n := min(int(e.length), e.objects.FieldsPerEntry())
	if field >= n || !memory.Cacheable(e.addr) {
		e.startBypass()
		return
	}

	if e.issue(bus.NewRead(e.base, n)) {
		e.state = StateAccessFill
	}
}

func (e *Engine) accessArray() {
	index := int(e.req.Index)

	if !memory.Cacheable(e.addr) {
		e.startBypass()
		return
	}

	var (
		line cache.ArrayLine
		hit  bool
	)
	if !e.probed {
		e.probed = true
		line, hit = e.arrays.Lookup(e.req.Handle, index)
		e.result.Hit = hit
	} else {
		line, hit = e.arrays.Peek(e.req.Handle, index)
	}

	// Lookup misses on a tail line filled while the array was shorter, so
	// a hit always covers the index.
	if hit {
		if e.req.Op == Read {
			e.finish(line.Elems[index%e.arrays.LineWords()])
			return
		}
		if e.issue(bus.NewWrite(e.addr, []uint32{e.req.Value})) {
			e.state = StateAccessWrite
		}
		return
	}

	lw := e.arrays.LineWords()
	first := e.arrays.LineOf(index) * lw
	n := min(lw, int(e.length)-first)
	if e.issue(bus.NewRead(e.base+uint32(first), n)) {
		e.state = StateAccessFill
	}
}

func (e *Engine) startBypass() {
	e.bypass = true
	e.stats.Bypasses++

	var t *bus.Transaction
	if e.req.Op == Read {
		t = bus.NewRead(e.addr, 1)
	} else {
		t = bus.NewWrite(e.addr, []uint32{e.req.Value})
	}

	if !e.issue(t) {
		e.stats.Bypasses--
		e.bypass = false
		return
	}

	if e.req.Op == Read {
		e.state = StateAccessFill
	} else {
		e.state = StateAccessWrite
	}
}

func (e *Engine) accessFill() {
	if !e.txn.Done() {
		return
	}
	t := e.txn
	e.txn = nil

	if t.Err != nil {
		e.fail(t.Err)
		return
	}

	if e.bypass {
		e.finish(t.Data[0])
		return
	}

	if e.req.Target == Field {
		evicted, didEvict := e.objects.Install(e.req.Handle, e.base, t.Data)
		if didEvict {
			e.logger.Trace("Object cache eviction", "handle", evicted)
		}
	} else {
		lineNo := e.arrays.LineOf(int(e.req.Index))
		h, l, didEvict := e.arrays.Install(e.req.Handle, lineNo, t.Addr, t.Data)
		if didEvict {
			e.logger.Trace("Array cache eviction", "handle", h, "line", l)
		}
	}

	e.state = StateAccess
}

func (e *Engine) accessWrite() {
	if !e.txn.Done() {
		return
	}
	t := e.txn
	e.txn = nil

	if t.Err != nil {
		e.fail(t.Err)
		return
	}

	if !e.bypass {
		index := int(e.req.Index)
		if e.req.Target == Field {
			e.objects.Update(e.req.Handle, index, e.req.Value)
		} else {
			e.arrays.Update(e.req.Handle, index, e.req.Value)
		}
	}

	// The same word may be cached through the other path, e.g. an object
	// view of array data.
	var aliased int
	if e.req.Target == Field {
		aliased = e.arrays.UpdateAddr(t.Addr, e.req.Value)
	} else {
		aliased = e.objects.UpdateAddr(t.Addr, e.req.Value)
	}
	if aliased > 0 {
		e.stats.Aliased++
	}

	e.finish(e.req.Value)
}

func (e *Engine) finish(value uint32) {
	e.result.Value = value
	e.result.Cycles = e.cycle - e.start + 1
	e.state = StateDone
}

func (e *Engine) fail(err error) {
	e.stats.BusErrors++
	e.result.Err = err
	e.result.Cycles = e.cycle - e.start + 1
	e.state = StateDone
	e.logger.Warn("Handle access failed", "handle", e.req.Handle, "err", err)
}

func (e *Engine) fault(kind exception.Kind) {
	switch kind {
	case exception.KindNullAccess:
		e.stats.NullFaults++
	case exception.KindBounds:
		e.stats.BoundsFaults++
	}

	e.result.Fault = &exception.Fault{
		Kind:   kind,
		Handle: e.req.Handle,
		Index:  e.req.Index,
	}
	e.result.Cycles = e.cycle - e.start + 1
	e.state = StateFault

	if e.faults != nil {
		e.faults.Raise(kind)
	}
	e.logger.Debug("Handle access faulted",
		"kind", kind, "handle", e.req.Handle, "index", e.req.Index)
}

// Reset returns the engine to idle. An in-flight transaction is abandoned.
func (e *Engine) Reset() {
	e.state = StateIdle
	e.txn = nil
	e.result = Result{}
}
