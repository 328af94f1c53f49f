package pipeline

import (
	"fmt"

	"github.com/sarchlab/jopsim/timing/core"
)

// Runner drives one pipeline per core of a system with the global clock.
type Runner struct {
	sys   *core.System
	pipes []*Pipeline
}

// NewRunner creates a runner. streams[i] is replayed on core i; cores
// without a stream stay idle.
func NewRunner(sys *core.System, streams [][]Op, opts ...PipelineOption) (*Runner, error) {
	if len(streams) > len(sys.Cores()) {
		return nil, fmt.Errorf("%d streams for %d cores", len(streams), len(sys.Cores()))
	}

	r := &Runner{sys: sys}
	for i, ops := range streams {
		r.pipes = append(r.pipes, NewPipeline(sys.Core(i), ops, opts...))
	}

	return r, nil
}

// System returns the simulated system.
func (r *Runner) System() *core.System {
	return r.sys
}

// Pipelines returns the pipelines in core order.
func (r *Runner) Pipelines() []*Pipeline {
	return r.pipes
}

// Halted reports whether every stream has finished and the memory system
// has drained.
func (r *Runner) Halted() bool {
	for _, p := range r.pipes {
		if !p.Halted() {
			return false
		}
	}
	return r.sys.Idle()
}

// Tick executes one cycle: every pipeline issues, then the system ticks.
func (r *Runner) Tick() {
	for _, p := range r.pipes {
		p.Tick()
	}
	r.sys.Tick()
}

// Run executes until every stream has finished or limit cycles have
// elapsed. A limit of 0 means no limit.
func (r *Runner) Run(limit uint64) error {
	for !r.Halted() {
		if limit > 0 && r.sys.Cycle() >= limit {
			return fmt.Errorf("after %d cycles: %w", limit, ErrCycleLimit)
		}
		r.Tick()
	}
	return nil
}

// RunCycles executes the specified number of cycles.
// Returns true if still running, false if halted.
func (r *Runner) RunCycles(cycles uint64) bool {
	for i := uint64(0); i < cycles && !r.Halted(); i++ {
		r.Tick()
	}
	return !r.Halted()
}
