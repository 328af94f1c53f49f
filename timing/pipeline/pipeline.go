// Package pipeline replays memory operation streams against JOP cores.
//
// A Pipeline stands in for the instruction pipeline of one core: every
// operation of its stream starts at a fetch boundary, where pending faults
// and interrupts are delivered, and is then issued to the core. The next
// operation is not issued before the previous one has completed.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/sarchlab/jopsim/timing/core"
	"github.com/sarchlab/jopsim/timing/exception"
)

// ErrCycleLimit is returned by Run when the streams did not finish in time.
var ErrCycleLimit = errors.New("cycle limit reached")

// Statistics holds pipeline performance statistics.
type Statistics struct {
	// Cycles is the number of cycles until the stream finished.
	Cycles uint64
	// Ops is the number of operations issued.
	Ops uint64
	// Stalls is the number of cycles spent waiting for a request.
	Stalls uint64
	// LockStalls is the number of cycles spent halted on the lock.
	LockStalls uint64
	// Faults is the number of requests that faulted.
	Faults uint64
	// Deliveries is the number of faults and interrupts delivered at
	// fetch boundaries.
	Deliveries uint64
	// Errors is the number of operations that failed.
	Errors uint64
	// Mismatches is the number of failed expectations.
	Mismatches uint64
	// Invokes is the number of method invocations.
	Invokes uint64
	// MethodFills is the number of method cache blocks loaded by invokes.
	MethodFills uint64
}

// CPO returns the cycles per operation.
func (s Statistics) CPO() float64 {
	if s.Ops == 0 {
		return 0
	}
	return float64(s.Cycles) / float64(s.Ops)
}

// Mismatch records a failed expectation.
type Mismatch struct {
	// Index is the position of the expect operation in the stream.
	Index int
	Want  Op
	Got   uint32
	Fault exception.Kind
}

func (m Mismatch) String() string {
	return fmt.Sprintf("op %d: want %s, got value %d fault %s",
		m.Index, m.Want, m.Got, m.Fault)
}

// PipelineOption is a functional option for configuring the Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline's logger.
func WithLogger(l log.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithoutStackFlush skips writing dirty stack banks back at the end of the
// stream.
func WithoutStackFlush() PipelineOption {
	return func(p *Pipeline) {
		p.flushStack = false
	}
}

// Pipeline replays one operation stream on one core.
type Pipeline struct {
	core *core.Core
	ops  []Op
	next int

	// pc is the address of the most recent fetch, presented as the
	// return context at fetch boundaries.
	pc uint32

	current *core.Request
	blocks  []uint32

	lastValue uint32
	lastFault exception.Kind

	flushStack bool
	halted     bool

	stats      Statistics
	deliveries []exception.Delivery
	mismatches []Mismatch
	errs       []error

	logger log.Logger
}

// NewPipeline creates a pipeline that replays ops on c.
func NewPipeline(c *core.Core, ops []Op, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		core:       c,
		ops:        ops,
		flushStack: true,
		logger:     log.Root(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Core returns the core driven by the pipeline.
func (p *Pipeline) Core() *core.Core {
	return p.core
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Statistics {
	return p.stats
}

// Halted returns true once the stream has finished.
func (p *Pipeline) Halted() bool {
	return p.halted
}

// Deliveries returns the faults and interrupts delivered so far.
func (p *Pipeline) Deliveries() []exception.Delivery {
	return p.deliveries
}

// Mismatches returns the failed expectations.
func (p *Pipeline) Mismatches() []Mismatch {
	return p.mismatches
}

// Errors returns the errors of failed operations.
func (p *Pipeline) Errors() []error {
	return p.errs
}

// Tick executes one pipeline cycle. It must be called once per cycle
// before the system is ticked.
func (p *Pipeline) Tick() {
	if p.halted {
		return
	}
	p.stats.Cycles++

	if p.core.Halted() {
		p.stats.LockStalls++
		return
	}

	if p.current != nil {
		if !p.current.Done() {
			p.stats.Stalls++
			return
		}
		p.retire(p.current)
		p.current = nil
	}

	if len(p.blocks) > 0 {
		addr := p.blocks[0]
		p.blocks = p.blocks[1:]
		p.stats.MethodFills++
		p.issue(p.core.IssueFetch(addr))
		return
	}

	if p.next < len(p.ops) {
		p.step()
		return
	}

	if p.flushStack {
		done, err := p.core.Stack().Flush()
		if err != nil {
			p.fail(err)
		} else if !done {
			return
		}
	}

	p.halted = true
	p.logger.Debug("Stream finished",
		"core", p.core.ID(), "cycles", p.stats.Cycles, "ops", p.stats.Ops)
}

// step issues the next operation at a fetch boundary.
func (p *Pipeline) step() {
	if d, ok := p.core.FetchBoundary(p.pc); ok {
		p.deliveries = append(p.deliveries, d)
		p.stats.Deliveries++
		p.logger.Debug("Exception delivered",
			"core", p.core.ID(), "kind", d.Kind, "return", d.ReturnPC)
	}

	index := p.next
	op := p.ops[index]
	p.next++
	p.stats.Ops++

	switch op.Kind {
	case OpFetch:
		p.pc = op.Addr
		p.issue(p.core.IssueFetch(op.Addr))
	case OpInvoke:
		p.invoke(op)
	case OpFieldRead, OpFieldWrite:
		p.issue(p.core.IssueFieldAccess(op.Handle, op.Index, opDir(op.Kind), op.Value))
	case OpArrayRead, OpArrayWrite:
		p.issue(p.core.IssueArrayAccess(op.Handle, op.Index, opDir(op.Kind), op.Value))
	case OpStackRead, OpStackWrite:
		p.issue(p.core.IssueStackAccess(op.Addr, opDir(op.Kind), op.Value))
	case OpRawRead, OpRawWrite:
		p.issue(p.core.IssueRawAccess(op.Addr, opDir(op.Kind), op.Value))
	case OpFault:
		p.issue(p.core.IssueRawAccess(core.IOException, core.Write, 1))
	case OpInvalidate:
		p.issue(p.core.IssueRawAccess(core.IOInvalidate, core.Write, 1))
	case OpLock:
		p.core.LockRequest()
		p.record(0, exception.KindNone)
	case OpUnlock:
		if err := p.core.LockRelease(); err != nil {
			p.fail(err)
			return
		}
		p.record(0, exception.KindNone)
	case OpExpect:
		p.expect(index, op)
	default:
		p.fail(fmt.Errorf("op %d: unsupported operation %s", index, op.Kind))
	}
}

func opDir(k OpKind) core.Op {
	switch k {
	case OpFieldWrite, OpArrayWrite, OpStackWrite, OpRawWrite:
		return core.Write
	}
	return core.Read
}

// invoke queues fetches for every block of the method body that is not
// resident.
func (p *Pipeline) invoke(op Op) {
	p.stats.Invokes++
	p.pc = op.Addr
	p.blocks = p.core.Methods().MissingBlocks(op.Addr, op.Words)
	p.record(0, exception.KindNone)

	if len(p.blocks) > 0 {
		addr := p.blocks[0]
		p.blocks = p.blocks[1:]
		p.stats.MethodFills++
		p.issue(p.core.IssueFetch(addr))
	}
}

func (p *Pipeline) issue(r *core.Request, err error) {
	if err != nil {
		p.fail(err)
		return
	}
	p.current = r
}

func (p *Pipeline) retire(r *core.Request) {
	if r.Err != nil {
		p.fail(r.Err)
		return
	}

	fault := exception.KindNone
	if r.Fault != nil {
		fault = r.Fault.Kind
		p.stats.Faults++
	}

	// A method fill does not change the outcome seen by expect.
	if r.Kind == core.KindFetch && p.ops[p.next-1].Kind == OpInvoke {
		return
	}
	p.record(r.Result, fault)
}

func (p *Pipeline) record(value uint32, fault exception.Kind) {
	p.lastValue = value
	p.lastFault = fault
}

func (p *Pipeline) expect(index int, op Op) {
	ok := p.lastFault == op.Fault
	if ok && op.Fault == exception.KindNone {
		ok = p.lastValue == op.Value
	}
	if ok {
		return
	}

	m := Mismatch{Index: index, Want: op, Got: p.lastValue, Fault: p.lastFault}
	p.mismatches = append(p.mismatches, m)
	p.stats.Mismatches++
	p.logger.Warn("Expectation failed", "core", p.core.ID(), "mismatch", m)
}

func (p *Pipeline) fail(err error) {
	p.errs = append(p.errs, err)
	p.stats.Errors++
	p.record(0, exception.KindNone)
	p.logger.Warn("Operation failed", "core", p.core.ID(), "err", err)
}
