package main

import (
	"fmt"
	"os"

	"github.com/pkg/profile"
	"github.com/urfave/cli/v2"

	"github.com/sarchlab/jopsim/loader"
)

// Run replays a trace and prints the statistics report.
func Run(ctx *cli.Context) error {
	if ctx.Bool(PProfCPUFlag.Name) {
		defer profile.Start(profile.NoShutdownHook, profile.ProfilePath("."), profile.CPUProfile).Stop()
	}

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

	config, err := loadConfig(ctx, len(trace.Cores))
	if err != nil {
		return fmt.Errorf("invalid timing config: %w", err)
	}

	res, err := simulate(ctx.Context, config, trace, ctx.Uint64(MaxCyclesFlag.Name), l)
	if err != nil {
		return err
	}

	printReport(ctx.App.Writer, tracePath, res)

	if res.Failed() {
		return fmt.Errorf("trace %s: expectations failed", tracePath)
	}
	return nil
}

var RunCommand = &cli.Command{
	Name:        "run",
	Usage:       "Replay a memory operation trace",
	Description: "Replay a JSON memory operation trace and report cache, bus, stack and lock statistics.",
	Action:      Run,
	Flags: []cli.Flag{
		ConfigFlag,
		TraceFlag,
		CPUsFlag,
		BurstFlag,
		MaxCyclesFlag,
		LogLevelFlag,
		PProfCPUFlag,
	},
}
