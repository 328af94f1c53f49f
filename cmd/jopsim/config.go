package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/sarchlab/jopsim/timing/latency"
)

// Config writes the default timing configuration.
func Config(ctx *cli.Context) error {
	config := latency.DefaultTimingConfig()

	if path := ctx.Path(OutFlag.Name); path != "" {
		return config.SaveConfig(path)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize timing config: %w", err)
	}
	_, err = fmt.Fprintln(ctx.App.Writer, string(data))
	return err
}

var ConfigCommand = &cli.Command{
	Name:        "config",
	Usage:       "Write the default timing configuration",
	Description: "Write the default timing configuration as JSON, as a starting point for --config.",
	Action:      Config,
	Flags: []cli.Flag{
		OutFlag,
	},
}
