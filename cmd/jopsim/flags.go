package main

import (
	"github.com/urfave/cli/v2"

	"github.com/sarchlab/jopsim/timing/latency"
)

var (
	ConfigFlag = &cli.PathFlag{
		Name:      "config",
		Usage:     "path of the timing configuration JSON file; defaults are used when omitted",
		TakesFile: true,
	}
	TraceFlag = &cli.PathFlag{
		Name:      "trace",
		Usage:     "path of the JSON trace to replay",
		TakesFile: true,
		Required:  true,
	}
	CPUsFlag = &cli.IntFlag{
		Name:  "cpus",
		Usage: "number of cores; overrides the configuration, 0 uses one core per trace stream",
	}
	BurstFlag = &cli.StringFlag{
		Name:  "burst",
		Usage: "memory transfer mode (single, burst, ddr); overrides the configuration",
	}
	MaxCyclesFlag = &cli.Uint64Flag{
		Name:  "max-cycles",
		Usage: "abort after this many cycles, 0 for no limit",
		Value: 10_000_000,
	}
	LogLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "log level (trace, debug, info, warn, error, crit)",
		Value: "info",
	}
	PProfCPUFlag = &cli.BoolFlag{
		Name:  "pprof.cpu",
		Usage: "write a CPU profile to the current directory",
	}
	OutFlag = &cli.PathFlag{
		Name:      "out",
		Usage:     "output path; stdout when omitted",
		TakesFile: true,
	}
)

// loadConfig returns the configuration selected by the flags.
func loadConfig(ctx *cli.Context, streams int) (*latency.TimingConfig, error) {
	config := latency.DefaultTimingConfig()
	if path := ctx.Path(ConfigFlag.Name); path != "" {
		var err error
		config, err = latency.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}

	switch cpus := ctx.Int(CPUsFlag.Name); {
	case cpus > 0:
		config.CPUCount = cpus
	case config.CPUCount < streams:
		config.CPUCount = streams
	}

	if mode := ctx.String(BurstFlag.Name); mode != "" {
		config.Memory.BurstMode = latency.BurstMode(mode)
	}

	return config, config.Validate()
}
