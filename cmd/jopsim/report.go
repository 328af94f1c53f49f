package main

import (
	"fmt"
	"io"
	"text/tabwriter"
)

func ratio(hits, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return 100.0 * float64(hits) / float64(total)
}

// printReport writes the per-core statistics of res.
func printReport(w io.Writer, tracePath string, res *Result) {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Trace: %s\n", tracePath)
	fmt.Fprintf(w, "Burst mode: %s\n", res.Config.Memory.BurstMode)
	fmt.Fprintf(w, "Total Cycles: %d\n", res.Cycles)
	fmt.Fprintf(w, "Bus: %d transactions (%d reads, %d writes), busy %d cycles, contention %d cycles\n",
		res.Bus.Transactions, res.Bus.Reads, res.Bus.Writes, res.Bus.BusyCycles, res.Bus.WaitCycles)
	fmt.Fprintf(w, "Backing store: %d words read, %d words written, %d I/O accesses\n",
		res.Store.WordsRead, res.Store.WordsWritten, res.Store.IOReads+res.Store.IOWrites)
	fmt.Fprintf(w, "Lock grants: %d\n", res.Grants)

	for _, c := range res.Cores {
		p := c.Pipeline
		fmt.Fprintf(w, "\nCore %d:\n", c.ID)
		fmt.Fprintf(w, "  Ops: %d  Cycles: %d  CPO: %.2f\n", p.Ops, p.Cycles, p.CPO())
		fmt.Fprintf(w, "  Memory stalls: %d  Lock stalls: %d\n", p.Stalls, p.LockStalls)
		fmt.Fprintf(w, "  Faults: %d  Delivered: %d  Errors: %d  Mismatches: %d\n",
			p.Faults, p.Deliveries, p.Errors, p.Mismatches)

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "  Cache\tLookups\tHits\tMisses\tEvictions\tHit rate\n")
		fmt.Fprintf(tw, "  method\t%d\t%d\t%d\t%d\t%5.1f%%\n",
			c.Method.Reads, c.Method.Hits, c.Method.Misses, c.Method.Evictions,
			ratio(c.Method.Hits, c.Method.Reads))
		fmt.Fprintf(tw, "  object\t%d\t%d\t%d\t%d\t%5.1f%%\n",
			c.Object.Lookups, c.Object.Hits, c.Object.Misses, c.Object.Evictions,
			ratio(c.Object.Hits, c.Object.Lookups))
		fmt.Fprintf(tw, "  array\t%d\t%d\t%d\t%d\t%5.1f%%\n",
			c.Array.Lookups, c.Array.Hits, c.Array.Misses, c.Array.Evictions,
			ratio(c.Array.Hits, c.Array.Lookups))
		_ = tw.Flush()

		s := c.Stack
		fmt.Fprintf(w, "  Stack: %d crossings, %d anti-thrash promotions, %d spills, %d fills, %d stalls\n",
			s.Crossings, s.AntiPromotions, s.Spills, s.Fills, s.Stalls)
		fmt.Fprintf(w, "  Handle engine: %d header reads, %d bypasses, %d null, %d bounds\n",
			c.Engine.HeaderReads, c.Engine.Bypasses, c.Engine.NullFaults, c.Engine.BoundsFaults)

		for _, m := range c.Mismatches {
			fmt.Fprintf(w, "  MISMATCH %s\n", m)
		}
		for _, err := range c.Errors {
			fmt.Fprintf(w, "  ERROR %v\n", err)
		}
	}
}
