package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/sarchlab/jopsim/loader"
	"github.com/sarchlab/jopsim/timing/bus"
	"github.com/sarchlab/jopsim/timing/cache"
	"github.com/sarchlab/jopsim/timing/core"
	"github.com/sarchlab/jopsim/timing/handle"
	"github.com/sarchlab/jopsim/timing/latency"
	"github.com/sarchlab/jopsim/timing/memory"
	"github.com/sarchlab/jopsim/timing/pipeline"
	"github.com/sarchlab/jopsim/timing/stack"
)

// checkInterval is the number of cycles simulated between cancellation
// checks.
const checkInterval = 4096

// CoreReport collects the statistics of one core.
type CoreReport struct {
	ID         int
	Pipeline   pipeline.Statistics
	Core       core.Stats
	Method     cache.MethodStats
	Object     cache.DataStats
	Array      cache.DataStats
	Engine     handle.Stats
	Stack      stack.Stats
	Mismatches []pipeline.Mismatch
	Errors     []error
}

// Result is the outcome of one simulation.
type Result struct {
	Config *latency.TimingConfig
	Cycles uint64
	Bus    bus.Stats
	Store  memory.Stats
	Grants int
	Cores  []CoreReport
}

// Failed reports whether any expectation or operation failed.
func (r *Result) Failed() bool {
	for _, c := range r.Cores {
		if len(c.Mismatches) > 0 || len(c.Errors) > 0 {
			return true
		}
	}
	return false
}

// simulate replays trace on a system built from config.
func simulate(
	ctx context.Context,
	config *latency.TimingConfig,
	trace *loader.Trace,
	maxCycles uint64,
	l log.Logger,
) (*Result, error) {
	sys, err := core.NewSystem(config, core.WithSystemLogger(l))
	if err != nil {
		return nil, err
	}

	if err := trace.Apply(sys.Store()); err != nil {
		return nil, fmt.Errorf("failed to load memory image: %w", err)
	}
	sys.Store().ResetStats()

	streams, err := trace.Streams()
	if err != nil {
		return nil, err
	}

	runner, err := pipeline.NewRunner(sys, streams, pipeline.WithLogger(l))
	if err != nil {
		return nil, err
	}

	for !runner.Halted() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		limit := sys.Cycle() + checkInterval
		if maxCycles > 0 {
			limit = min(limit, maxCycles)
		}

		err := runner.Run(limit)
		if err == nil {
			break
		}
		if maxCycles > 0 && limit == maxCycles {
			return nil, err
		}
	}

	res := &Result{
		Config: sys.Config(),
		Cycles: sys.Cycle(),
		Bus:    sys.Bus().Stats(),
		Store:  sys.Store().Stats(),
		Grants: len(sys.Arbiter().Grants()),
	}

	for i, p := range runner.Pipelines() {
		c := sys.Core(i)
		res.Cores = append(res.Cores, CoreReport{
			ID:         i,
			Pipeline:   p.Stats(),
			Core:       c.Stats(),
			Method:     c.Methods().Stats(),
			Object:     c.Objects().Stats(),
			Array:      c.Arrays().Stats(),
			Engine:     c.Engine().Stats(),
			Stack:      c.Stack().Stats(),
			Mismatches: p.Mismatches(),
			Errors:     p.Errors(),
		})
	}

	l.Info("Simulation finished", "cycles", res.Cycles, "cores", len(res.Cores),
		"burst", config.Memory.BurstMode)
	return res, nil
}
