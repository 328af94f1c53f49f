package latency_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/jopsim/timing/latency"
)

var _ = Describe("Latency", func() {
	var (
		config *latency.TimingConfig
		table  *latency.Table
	)

	BeforeEach(func() {
		config = latency.DefaultTimingConfig()
		table = latency.NewTableWithConfig(config)
	})

	Describe("Default Timing Values", func() {
		It("should use fixed bursts of 4 words", func() {
			Expect(table.Config().Memory.BurstMode).To(Equal(latency.BurstFixed))
			Expect(table.Config().Memory.BurstLength).To(Equal(4))
		})

		It("should have correct single word latencies", func() {
			Expect(table.ReadCycles(1)).To(Equal(uint64(3)))
			Expect(table.WriteCycles(1)).To(Equal(uint64(2)))
		})
	})

	Describe("Fixed burst", func() {
		It("should stream the rest of a burst at one word per cycle", func() {
			Expect(table.ReadCycles(4)).To(Equal(uint64(6)))
		})

		It("should pay the access latency once per burst", func() {
			Expect(table.ReadCycles(8)).To(Equal(uint64(12)))
			Expect(table.ReadCycles(5)).To(Equal(uint64(9)))
		})
	})

	Describe("Single word", func() {
		It("should pay the access latency for every word", func() {
			config.Memory.BurstMode = latency.BurstSingle
			Expect(table.ReadCycles(4)).To(Equal(uint64(12)))
			Expect(table.WriteCycles(3)).To(Equal(uint64(6)))
		})
	})

	Describe("DDR", func() {
		It("should stream two words per cycle", func() {
			config.Memory.BurstMode = latency.BurstDDR
			Expect(table.ReadCycles(2)).To(Equal(uint64(4)))
			Expect(table.ReadCycles(4)).To(Equal(uint64(5)))
			Expect(table.ReadCycles(64)).To(Equal(uint64(35)))
		})
	})

	Describe("Degenerate sizes", func() {
		It("should treat empty transfers as a single access", func() {
			Expect(table.ReadCycles(0)).To(Equal(uint64(3)))
		})
	})
})

var _ = Describe("TimingConfig", func() {
	Describe("Default Config", func() {
		It("should create valid default config", func() {
			config := latency.DefaultTimingConfig()
			Expect(config.Validate()).To(Succeed())
		})
	})

	Describe("Validation", func() {
		It("should reject zero read latency", func() {
			config := latency.DefaultTimingConfig()
			config.Memory.ReadLatency = 0
			Expect(config.Validate()).To(HaveOccurred())
		})

		It("should reject an unknown burst mode", func() {
			config := latency.DefaultTimingConfig()
			config.Memory.BurstMode = "qdr"
			Expect(config.Validate()).To(HaveOccurred())
		})

		It("should reject zero cores", func() {
			config := latency.DefaultTimingConfig()
			config.CPUCount = 0
			Expect(config.Validate()).To(HaveOccurred())
		})

		It("should reject blocks that do not divide into ways", func() {
			config := latency.DefaultTimingConfig()
			config.MethodCache.Ways = 5
			Expect(config.Validate()).To(HaveOccurred())
		})

		It("should reject a spill region beyond main memory", func() {
			config := latency.DefaultTimingConfig()
			config.CPUCount = 64
			Expect(config.Validate()).To(HaveOccurred())
		})
	})

	Describe("Stack spill regions", func() {
		It("should give each core its own region", func() {
			config := latency.DefaultTimingConfig()
			size := uint32(config.StackCache.Banks * config.StackCache.BankWords)
			Expect(config.StackSpillBase(0)).To(Equal(config.StackCache.SpillBase))
			Expect(config.StackSpillBase(2)).To(Equal(config.StackCache.SpillBase + 2*size))
		})
	})

	Describe("Clone", func() {
		It("should create independent copy", func() {
			original := latency.DefaultTimingConfig()
			clone := original.Clone()

			clone.Memory.ReadLatency = 100
			clone.ArrayCache.LineWords = 8

			Expect(original.Memory.ReadLatency).To(Equal(uint64(3)))
			Expect(original.ArrayCache.LineWords).To(Equal(4))
			Expect(clone.Memory.ReadLatency).To(Equal(uint64(100)))
		})
	})

	Describe("File Operations", func() {
		var tempDir string

		BeforeEach(func() {
			var err error
			tempDir, err = os.MkdirTemp("", "latency-test")
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			_ = os.RemoveAll(tempDir)
		})

		It("should save and load config", func() {
			original := latency.DefaultTimingConfig()
			original.Memory.BurstMode = latency.BurstDDR
			original.CPUCount = 3

			path := filepath.Join(tempDir, "timing.json")
			Expect(original.SaveConfig(path)).To(Succeed())

			loaded, err := latency.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Memory.BurstMode).To(Equal(latency.BurstDDR))
			Expect(loaded.CPUCount).To(Equal(3))
		})

		It("should keep defaults for missing fields", func() {
			path := filepath.Join(tempDir, "partial.json")
			err := os.WriteFile(path, []byte(`{"cpu_count": 2}`), 0644)
			Expect(err).NotTo(HaveOccurred())

			loaded, err := latency.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.CPUCount).To(Equal(2))
			Expect(loaded.MethodCache.Blocks).To(Equal(16))
		})

		It("should return error for non-existent file", func() {
			_, err := latency.LoadConfig("/nonexistent/path/timing.json")
			Expect(err).To(HaveOccurred())
		})

		It("should return error for invalid JSON", func() {
			path := filepath.Join(tempDir, "invalid.json")
			err := os.WriteFile(path, []byte("not valid json"), 0644)
			Expect(err).NotTo(HaveOccurred())

			_, err = latency.LoadConfig(path)
			Expect(err).To(HaveOccurred())
		})
	})
})
