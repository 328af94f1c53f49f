// Package main provides the jopsim command line tool.
// jopsim is a cycle-accurate simulator of the JOP memory hierarchy: method,
// object, array and stack caches, handle dereferencing, exception delivery
// and the multi-core lock arbiter.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "jopsim"
	app.Usage = "JOP memory hierarchy simulator"
	app.Description = "Replays memory operation traces on a cycle-accurate model " +
		"of the JOP caches, handle engine, exception latch and lock arbiter."
	app.Commands = []*cli.Command{
		RunCommand,
		SweepCommand,
		ConfigCommand,
	}
	return app
}

func main() {
	app := newApp()
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			<-c
			cancel()
			fmt.Println("\r\nExiting...")
		}
	}()

	err := app.RunContext(ctx, os.Args)
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			_, _ = fmt.Fprintf(os.Stderr, "command interrupted")
			os.Exit(130)
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
}
