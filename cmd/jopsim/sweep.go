package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/jopsim/loader"
	"github.com/sarchlab/jopsim/timing/latency"
)

// sweepModes are the transfer modes compared by the sweep command.
var sweepModes = []latency.BurstMode{
	latency.BurstSingle,
	latency.BurstFixed,
	latency.BurstDDR,
}

// Sweep replays a trace under every transfer mode concurrently.
func Sweep(ctx *cli.Context) error {
	lvl, err := parseLevel(ctx.String(LogLevelFlag.Name))
	if err != nil {
		return err
	}
	l := Logger(os.Stderr, lvl)

	tracePath := ctx.Path(TraceFlag.Name)
	trace, err := loader.Load(tracePath)
	if err != nil {
		return err
	}

	base, err := loadConfig(ctx, len(trace.Cores))
	if err != nil {
		return fmt.Errorf("invalid timing config: %w", err)
	}

	results := make([]*Result, len(sweepModes))
	g, gctx := errgroup.WithContext(ctx.Context)

	for i, mode := range sweepModes {
		config := base.Clone()
		config.Memory.BurstMode = mode
		g.Go(func() error {
			res, err := simulate(gctx, config, trace, ctx.Uint64(MaxCyclesFlag.Name),
				l.New("burst", mode))
			if err != nil {
				return fmt.Errorf("burst mode %s: %w", mode, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	printSweep(ctx.App.Writer, tracePath, results)
	return nil
}

func printSweep(w io.Writer, tracePath string, results []*Result) {
	fmt.Fprintf(w, "\nTrace: %s\n\n", tracePath)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Mode\tCycles\tBus transactions\tBus busy\tContention\tSpeedup\n")
	for _, res := range results {
		speedup := 0.0
		if res.Cycles > 0 {
			speedup = float64(results[0].Cycles) / float64(res.Cycles)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.2fx\n",
			res.Config.Memory.BurstMode, res.Cycles, res.Bus.Transactions,
			res.Bus.BusyCycles, res.Bus.WaitCycles, speedup)
	}
	_ = tw.Flush()
}

var SweepCommand = &cli.Command{
	Name:        "sweep",
	Usage:       "Compare memory transfer modes on a trace",
	Description: "Replay a trace once per memory transfer mode, concurrently, and compare cycle counts.",
	Action:      Sweep,
	Flags: []cli.Flag{
		ConfigFlag,
		TraceFlag,
		CPUsFlag,
		MaxCyclesFlag,
		LogLevelFlag,
	},
}
