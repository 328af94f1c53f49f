package stack_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/jopsim/timing/bus"
	"github.com/sarchlab/jopsim/timing/latency"
	"github.com/sarchlab/jopsim/timing/memory"
	"github.com/sarchlab/jopsim/timing/stack"
)

const (
	bankWords = 8
	spillBase = 0x800
)

var _ = Describe("Cache", func() {
	var (
		store *memory.Store
		b     *bus.Bus
		sc    *stack.Cache
	)

	BeforeEach(func() {
		store = memory.New(4096, 0)
		b = bus.New(store, latency.NewTable())
		sc = stack.New(
			stack.Config{BankWords: bankWords, Banks: 8, SpillBase: spillBase},
			b.NewPort(0, "spill"),
			b.NewPort(0, "fill"),
		)
	})

	tick := func() {
		sc.Tick()
		b.Tick()
	}

	// access retries a stalled access the way a core does and returns
	// the value and the number of stalled cycles.
	access := func(vaddr uint32, op stack.Op, value uint32) (uint32, int) {
		stalls := 0
		for {
			v, stalled, err := sc.Access(vaddr, op, value)
			Expect(err).NotTo(HaveOccurred())
			if !stalled {
				return v, stalls
			}
			stalls++
			Expect(stalls).To(BeNumerically("<", 1000))
			tick()
		}
	}

	push := func(vaddr uint32, value uint32) int {
		_, stalls := access(vaddr, stack.Write, value)
		tick()
		return stalls
	}

	pop := func(vaddr uint32) uint32 {
		v, _ := access(vaddr, stack.Read, 0)
		tick()
		return v
	}

	drain := func() {
		for i := 0; !sc.Idle() || !b.Idle(); i++ {
			Expect(i).To(BeNumerically("<", 1000))
			tick()
		}
	}

	It("should start with bank 0 active and bank 1 ready", func() {
		slots := sc.Slots()
		Expect(slots[0]).To(Equal(stack.Slot{Bank: 0, Role: stack.RoleActive, Valid: true}))
		Expect(slots[1]).To(Equal(stack.Slot{Bank: 1, Role: stack.RoleReady, Valid: true}))
		Expect(slots[2].Role).To(Equal(stack.RoleFree))
		Expect(sc.Crossing()).To(Equal(stack.Steady))
	})

	It("should serve accesses within the active bank without DMA", func() {
		for i := uint32(0); i < bankWords; i++ {
			push(i, i+1)
		}
		Expect(pop(3)).To(Equal(uint32(4)))
		Expect(sc.Stats().Spills).To(BeZero())
		Expect(sc.Stats().Fills).To(BeZero())
		Expect(store.Stats().Accesses()).To(BeZero())
	})

	It("should spill once and fill once when crossing one boundary", func() {
		for i := uint32(0); i < bankWords+2; i++ {
			Expect(push(i, 100+i)).To(BeZero())
		}

		Expect(sc.ActiveBank()).To(Equal(1))
		Expect(sc.Crossing()).To(Equal(stack.CrossForward))
		drain()
		Expect(sc.Crossing()).To(Equal(stack.Steady))

		stats := sc.Stats()
		Expect(stats.Spills).To(Equal(uint64(1)))
		Expect(stats.Fills).To(Equal(uint64(1)))
		Expect(stats.Crossings).To(Equal(uint64(1)))
		Expect(store.Stats().Writes).To(Equal(uint64(1)))
		Expect(store.Stats().Reads).To(Equal(uint64(1)))

		v, err := store.Peek(spillBase + 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(uint32(103)))
	})

	It("should promote the anti-thrash bank without DMA when popping back", func() {
		for i := uint32(0); i < bankWords+2; i++ {
			push(i, 100+i)
		}
		drain()
		before := store.Stats().Accesses()

		for i := int(bankWords + 1); i >= 0; i-- {
			Expect(pop(uint32(i))).To(Equal(uint32(100 + i)))
		}
		drain()

		Expect(sc.ActiveBank()).To(Equal(0))
		Expect(sc.Stats().AntiPromotions).To(Equal(uint64(1)))
		Expect(store.Stats().Accesses()).To(Equal(before))
	})

	It("should absorb oscillation at a boundary", func() {
		for i := uint32(0); i <= bankWords; i++ {
			push(i, i)
		}
		drain()
		before := store.Stats().Accesses()

		for n := 0; n < 10; n++ {
			pop(bankWords - 1)
			push(bankWords, uint32(n))
		}
		drain()

		Expect(sc.Stats().AntiPromotions).To(Equal(uint64(20)))
		Expect(store.Stats().Accesses()).To(Equal(before))
	})

	It("should keep values across several banks", func() {
		words := uint32(4*bankWords + 3)
		for i := uint32(0); i < words; i++ {
			push(i, 1000+i)
		}
		for i := int(words) - 1; i >= 0; i-- {
			Expect(pop(uint32(i))).To(Equal(uint32(1000 + i)))
		}

		Expect(sc.ActiveBank()).To(Equal(0))
	})

	It("should stall on a crossing while the ready bank is still filling", func() {
		for i := uint32(0); i < bankWords; i++ {
			push(i, i)
		}
		// Crossing into bank 1 starts the fill of bank 2; crossing on
		// into bank 2 right away has to wait for it.
		_, _, err := sc.Access(bankWords, stack.Write, 1)
		Expect(err).NotTo(HaveOccurred())

		_, stalled, err := sc.Access(2*bankWords, stack.Write, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(stalled).To(BeTrue())
		Expect(sc.Stats().Stalls).To(Equal(uint64(1)))

		_, stalls := access(2*bankWords, stack.Write, 2)
		Expect(stalls).To(BeNumerically(">", 0))
		Expect(sc.ActiveBank()).To(Equal(2))
	})

	It("should demand-fill a bank that is not resident", func() {
		Expect(store.Load(spillBase+5*bankWords+1, []uint32{77})).To(Succeed())

		v, stalls := access(5*bankWords+1, stack.Read, 0)

		Expect(v).To(Equal(uint32(77)))
		Expect(stalls).To(BeNumerically(">", 0))
		Expect(sc.Stats().DemandFills).To(Equal(uint64(1)))
		Expect(sc.ActiveBank()).To(Equal(5))
	})

	It("should reject addresses outside the stack", func() {
		_, _, err := sc.Access(8*bankWords, stack.Read, 0)
		Expect(err).To(MatchError(stack.ErrStackRange))
	})

	It("should flush dirty banks to memory", func() {
		for i := uint32(0); i < bankWords+2; i++ {
			push(i, 500+i)
		}

		for i := 0; ; i++ {
			Expect(i).To(BeNumerically("<", 1000))
			done, err := sc.Flush()
			Expect(err).NotTo(HaveOccurred())
			if done {
				break
			}
			tick()
		}

		v, err := store.Peek(spillBase + bankWords + 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(uint32(500 + bankWords + 1)))
		for _, s := range sc.Slots() {
			Expect(s.Dirty).To(BeFalse())
		}
	})
})
