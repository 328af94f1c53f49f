// Package latency provides backing-store timing models for cycle-accurate
// simulation of the JOP memory hierarchy.
//
// The latency values model the board's external memory and can be
// configured via TimingConfig.
package latency

// Table converts backing-store transactions into cycle counts according to
// the configured burst profile.
type Table struct {
	config *TimingConfig
}

// NewTable creates a new latency table with the default timing values.
func NewTable() *Table {
	return &Table{
		config: DefaultTimingConfig(),
	}
}

// NewTableWithConfig creates a new latency table with a custom
// configuration.
func NewTableWithConfig(config *TimingConfig) *Table {
	return &Table{
		config: config,
	}
}

// ReadCycles returns the number of cycles a read of the given number of
// consecutive words occupies the bus.
func (t *Table) ReadCycles(words int) uint64 {
	return t.transfer(t.config.Memory.ReadLatency, words)
}

// WriteCycles returns the number of cycles a write of the given number of
// consecutive words occupies the bus.
func (t *Table) WriteCycles(words int) uint64 {
	return t.transfer(t.config.Memory.WriteLatency, words)
}

func (t *Table) transfer(first uint64, words int) uint64 {
	if first == 0 {
		first = 1
	}
	if words <= 1 {
		return first
	}

	n := uint64(words)
	switch t.config.Memory.BurstMode {
	case BurstSingle:
		return first * n

	case BurstDDR:
		// Two words per cycle after the first access.
		return first + n/2

	default:
		bl := uint64(t.config.Memory.BurstLength)
		if bl == 0 {
			bl = 1
		}
		bursts := (n + bl - 1) / bl
		return bursts*first + (n - bursts)
	}
}

// Config returns the current timing configuration.
func (t *Table) Config() *TimingConfig {
	return t.config
}
