package latency

import (
	"encoding/json"
	"fmt"
	"os"
)

// BurstMode selects how the backing store streams consecutive words.
type BurstMode string

const (
	// BurstSingle transfers one word per access; every word pays the full
	// access latency.
	BurstSingle BurstMode = "single"
	// BurstFixed transfers fixed-length bursts; the first word of each
	// burst pays the access latency, the rest stream at one word per cycle.
	BurstFixed BurstMode = "burst"
	// BurstDDR pays the access latency once and then streams two words
	// per cycle.
	BurstDDR BurstMode = "ddr"
)

// MemoryConfig describes the backing store latency profile.
type MemoryConfig struct {
	// BurstMode selects the transfer profile. Default: burst.
	BurstMode BurstMode `json:"burst_mode"`

	// ReadLatency is the number of cycles until the first word of a read
	// is available. Default: 3 cycles.
	ReadLatency uint64 `json:"read_latency"`

	// WriteLatency is the number of cycles to commit the first word of a
	// write. Default: 2 cycles.
	WriteLatency uint64 `json:"write_latency"`

	// BurstLength is the number of words in one fixed-length burst.
	// Only used by BurstFixed. Default: 4 words.
	BurstLength int `json:"burst_length"`

	// MainWords is the size of the main (program/heap) region in words.
	MainWords uint64 `json:"main_words"`

	// ScratchWords is the size of the scratch region in words.
	ScratchWords uint64 `json:"scratch_words"`
}

// MethodCacheConfig describes the method cache geometry.
type MethodCacheConfig struct {
	// Blocks is the total number of blocks. Default: 16.
	Blocks int `json:"blocks"`
	// BlockWords is the block size in words. Default: 64 (256 bytes).
	BlockWords int `json:"block_words"`
	// Ways is the associativity. Ways == Blocks gives a fully associative
	// cache with a single FIFO. Default: 16.
	Ways int `json:"ways"`
}

// ObjectCacheConfig describes the object cache geometry.
type ObjectCacheConfig struct {
	// Entries is the number of objects held. Default: 16.
	Entries int `json:"entries"`
	// FieldsPerEntry is the number of leading fields cached per object.
	// Higher field offsets bypass the cache. Default: 8.
	FieldsPerEntry int `json:"fields_per_entry"`
}

// ArrayCacheConfig describes the array cache geometry.
type ArrayCacheConfig struct {
	// Entries is the number of lines held. Default: 16.
	Entries int `json:"entries"`
	// LineWords is the number of consecutive elements per line. Default: 4.
	LineWords int `json:"line_words"`
}

// StackCacheConfig describes the stack cache geometry.
type StackCacheConfig struct {
	// BankWords is the size of one bank in words. Default: 64.
	BankWords int `json:"bank_words"`
	// Banks is the number of virtual banks in the stack region.
	// Default: 64.
	Banks int `json:"banks"`
	// SpillBase is the main-memory word address of virtual bank 0.
	// Each core gets its own region of Banks*BankWords words above it.
	SpillBase uint32 `json:"spill_base"`
}

// TimingConfig holds the complete memory-system configuration.
type TimingConfig struct {
	// CPUCount is the number of cores sharing the backing store.
	// Default: 1.
	CPUCount int `json:"cpu_count"`

	Memory      MemoryConfig      `json:"memory"`
	MethodCache MethodCacheConfig `json:"method_cache"`
	ObjectCache ObjectCacheConfig `json:"object_cache"`
	ArrayCache  ArrayCacheConfig  `json:"array_cache"`
	StackCache  StackCacheConfig  `json:"stack_cache"`
}

// DefaultTimingConfig returns a TimingConfig with values modelled after the
// JOP reference configuration on an SDRAM board.
func DefaultTimingConfig() *TimingConfig {
	return &TimingConfig{
		CPUCount: 1,
		Memory: MemoryConfig{
			BurstMode:    BurstFixed,
			ReadLatency:  3,
			WriteLatency: 2,
			BurstLength:  4,
			MainWords:    1 << 20, // 4MB
			ScratchWords: 1 << 10, // 4KB
		},
		MethodCache: MethodCacheConfig{
			Blocks:     16,
			BlockWords: 64,
			Ways:       16,
		},
		ObjectCache: ObjectCacheConfig{
			Entries:        16,
			FieldsPerEntry: 8,
		},
		ArrayCache: ArrayCacheConfig{
			Entries:   16,
			LineWords: 4,
		},
		StackCache: StackCacheConfig{
			BankWords: 64,
			Banks:     64,
			SpillBase: 0x000F0000,
		},
	}
}

// LoadConfig loads a TimingConfig from a JSON file. Missing fields keep
// their default values.
func LoadConfig(path string) (*TimingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timing config file: %w", err)
	}

	config := DefaultTimingConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse timing config: %w", err)
	}

	return config, nil
}

// SaveConfig writes a TimingConfig to a JSON file.
func (c *TimingConfig) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize timing config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write timing config file: %w", err)
	}

	return nil
}

// Validate checks that the configuration describes a buildable system.
func (c *TimingConfig) Validate() error {
	if c.CPUCount <= 0 {
		return fmt.Errorf("cpu_count must be > 0")
	}

	switch c.Memory.BurstMode {
	case BurstSingle, BurstFixed, BurstDDR:
	default:
		return fmt.Errorf("unknown burst_mode %q", c.Memory.BurstMode)
	}
	if c.Memory.ReadLatency == 0 {
		return fmt.Errorf("read_latency must be > 0")
	}
	if c.Memory.WriteLatency == 0 {
		return fmt.Errorf("write_latency must be > 0")
	}
	if c.Memory.BurstMode == BurstFixed && c.Memory.BurstLength <= 0 {
		return fmt.Errorf("burst_length must be > 0 in burst mode")
	}
	if c.Memory.MainWords == 0 {
		return fmt.Errorf("main_words must be > 0")
	}

	mc := c.MethodCache
	if mc.Blocks <= 0 || mc.BlockWords <= 0 || mc.Ways <= 0 {
		return fmt.Errorf("method cache geometry must be > 0")
	}
	if mc.Blocks%mc.Ways != 0 {
		return fmt.Errorf("method cache blocks must be a multiple of ways")
	}

	if c.ObjectCache.Entries <= 0 || c.ObjectCache.FieldsPerEntry <= 0 {
		return fmt.Errorf("object cache geometry must be > 0")
	}
	if c.ArrayCache.Entries <= 0 || c.ArrayCache.LineWords <= 0 {
		return fmt.Errorf("array cache geometry must be > 0")
	}

	sc := c.StackCache
	if sc.BankWords <= 0 || sc.Banks < 2 {
		return fmt.Errorf("stack cache needs bank_words > 0 and at least 2 banks")
	}
	stackTop := uint64(sc.SpillBase) +
		uint64(c.CPUCount)*uint64(sc.Banks)*uint64(sc.BankWords)
	if stackTop > c.Memory.MainWords {
		return fmt.Errorf("stack spill region [0x%X, 0x%X) exceeds main memory",
			sc.SpillBase, stackTop)
	}

	return nil
}

// Clone returns a deep copy of the TimingConfig.
func (c *TimingConfig) Clone() *TimingConfig {
	clone := *c
	return &clone
}

// StackSpillBase returns the spill region base for the given core.
func (c *TimingConfig) StackSpillBase(coreID int) uint32 {
	sc := c.StackCache
	return sc.SpillBase + uint32(coreID*sc.Banks*sc.BankWords)
}
