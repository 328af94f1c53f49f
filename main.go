// Package main provides the entry point for jopsim.
// jopsim is a cycle-accurate simulator of the JOP memory hierarchy built on
// Akita.
//
// For the full CLI, use: go run ./cmd/jopsim
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("jopsim - JOP Memory Hierarchy Simulator")
	fmt.Println("Built on Akita simulation framework")
	fmt.Println("")
	fmt.Println("Usage: jopsim <command> [options]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  run      Replay a memory operation trace")
	fmt.Println("  sweep    Compare memory transfer modes on a trace")
	fmt.Println("  config   Write the default timing configuration")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/jopsim' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/jopsim' instead.")
	}
}
