package core_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/jopsim/timing/core"
	"github.com/sarchlab/jopsim/timing/exception"
	"github.com/sarchlab/jopsim/timing/latency"
	"github.com/sarchlab/jopsim/timing/memory"
)

const (
	objH    = 0x1000
	objBase = 0x1100
	arrH    = 0x2000
	arrBase = 0x2100
	arrLen  = 6
)

var _ = Describe("Core", func() {
	var (
		sys   *core.System
		store *memory.Store
		c     *core.Core
	)

	newSystem := func(cpus int) {
		config := latency.DefaultTimingConfig()
		config.CPUCount = cpus

		var err error
		sys, err = core.NewSystem(config)
		Expect(err).NotTo(HaveOccurred())
		store = sys.Store()
		c = sys.Core(0)
	}

	BeforeEach(func() {
		newSystem(1)

		Expect(store.Load(objH, []uint32{objBase, 4})).To(Succeed())
		Expect(store.Load(objBase, []uint32{10, 11, 12, 13})).To(Succeed())
		Expect(store.Load(arrH, []uint32{arrBase, arrLen})).To(Succeed())
		Expect(store.Load(arrBase, []uint32{20, 21, 22, 23, 24, 25})).To(Succeed())
	})

	wait := func(r *core.Request) *core.Request {
		_, ok := sys.Wait(r, 10000)
		Expect(ok).To(BeTrue())
		return r
	}

	field := func(h uint32, offset int64, op core.Op, value uint32) *core.Request {
		r, err := c.IssueFieldAccess(h, offset, op, value)
		Expect(err).NotTo(HaveOccurred())
		return wait(r)
	}

	element := func(h uint32, index int64, op core.Op, value uint32) *core.Request {
		r, err := c.IssueArrayAccess(h, index, op, value)
		Expect(err).NotTo(HaveOccurred())
		return wait(r)
	}

	Describe("End-to-end field access", func() {
		It("should read back a written field", func() {
			w := field(objH, 2, core.Write, 42)
			Expect(w.Err).NotTo(HaveOccurred())
			Expect(w.Fault).To(BeNil())

			r := field(objH, 2, core.Read, 0)
			Expect(r.Result).To(Equal(uint32(42)))
			Expect(r.Hit).To(BeTrue())
		})

		It("should fault on a null handle without touching the store", func() {
			before := store.Stats().Accesses()

			r, err := c.IssueFieldAccess(0, 2, core.Write, 42)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Done()).To(BeTrue())
			Expect(r.Fault).To(MatchError(exception.ErrNullAccess))

			r = field(0, 2, core.Read, 0)
			Expect(r.Fault).NotTo(BeNil())
			Expect(store.Stats().Accesses()).To(Equal(before))
			Expect(c.Objects().Stats().Lookups).To(BeZero())
		})
	})

	Describe("Array access", func() {
		It("should return the last element", func() {
			r := element(arrH, arrLen-1, core.Read, 0)
			Expect(r.Fault).To(BeNil())
			Expect(r.Result).To(Equal(uint32(25)))
		})

		It("should fault below and above the bounds", func() {
			Expect(element(arrH, -1, core.Read, 0).Fault).To(MatchError(exception.ErrBounds))

			kind, ok := c.PollFault()
			Expect(ok).To(BeTrue())
			Expect(kind).To(Equal(exception.KindBounds))

			Expect(element(arrH, arrLen, core.Read, 0).Fault).To(MatchError(exception.ErrBounds))
		})
	})

	Describe("Read after write on every path", func() {
		It("should see a field write through a raw read", func() {
			field(objH, 1, core.Write, 99)

			r, err := c.IssueRawAccess(objBase+1, core.Read, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(wait(r).Result).To(Equal(uint32(99)))
		})

		It("should invalidate data caches on a raw main write", func() {
			Expect(field(objH, 3, core.Read, 0).Result).To(Equal(uint32(13)))
			Expect(element(arrH, 0, core.Read, 0).Result).To(Equal(uint32(20)))

			r, err := c.IssueRawAccess(objBase+3, core.Write, 7)
			Expect(err).NotTo(HaveOccurred())
			wait(r)
			Expect(c.Objects().Resident()).To(BeZero())
			Expect(c.Arrays().Resident()).To(BeZero())

			Expect(field(objH, 3, core.Read, 0).Result).To(Equal(uint32(7)))
		})

		It("should read back stack writes", func() {
			for i := uint32(0); i < 70; i++ {
				r, err := c.IssueStackAccess(i, core.Write, i*3)
				Expect(err).NotTo(HaveOccurred())
				wait(r)
			}
			r, err := c.IssueStackAccess(5, core.Read, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(wait(r).Result).To(Equal(uint32(15)))
		})
	})

	Describe("Aliased data", func() {
		const aliasH = 0x3000

		BeforeEach(func() {
			Expect(store.Load(aliasH, []uint32{arrBase, 4})).To(Succeed())
		})

		It("should update an array line on a field write to the same word", func() {
			Expect(element(arrH, 0, core.Read, 0).Result).To(Equal(uint32(20)))

			field(aliasH, 0, core.Write, 99)

			r := element(arrH, 0, core.Read, 0)
			Expect(r.Hit).To(BeTrue())
			Expect(r.Result).To(Equal(uint32(99)))
			Expect(c.Engine().Stats().Aliased).To(Equal(uint64(1)))
		})

		It("should update an object line on an array write to the same word", func() {
			Expect(field(aliasH, 1, core.Read, 0).Result).To(Equal(uint32(21)))

			element(arrH, 1, core.Write, 77)

			r := field(aliasH, 1, core.Read, 0)
			Expect(r.Hit).To(BeTrue())
			Expect(r.Result).To(Equal(uint32(77)))
		})
	})

	Describe("Data changed by another core", func() {
		var other *core.Core

		rawOn := func(cc *core.Core, addr uint32, op core.Op, value uint32) *core.Request {
			r, err := cc.IssueRawAccess(addr, op, value)
			Expect(err).NotTo(HaveOccurred())
			return wait(r)
		}

		BeforeEach(func() {
			newSystem(2)
			other = sys.Core(1)
			Expect(store.Load(objH, []uint32{objBase, 4})).To(Succeed())
			Expect(store.Load(objBase, []uint32{10, 11, 12, 13})).To(Succeed())
			Expect(store.Load(arrH, []uint32{arrBase, arrLen})).To(Succeed())
			Expect(store.Load(arrBase, []uint32{20, 21, 22, 23, 24, 25, 26, 27})).To(Succeed())
		})

		It("should refill a short tail line after the array grows", func() {
			Expect(element(arrH, 5, core.Read, 0).Result).To(Equal(uint32(25)))
			line, ok := c.Arrays().Peek(arrH, 5)
			Expect(ok).To(BeTrue())
			Expect(line.Elems).To(HaveLen(2))

			rawOn(other, arrH+1, core.Write, 8)

			r := element(arrH, 6, core.Read, 0)
			Expect(r.Fault).To(BeNil())
			Expect(r.Hit).To(BeFalse())
			Expect(r.Result).To(Equal(uint32(26)))

			line, ok = c.Arrays().Peek(arrH, 7)
			Expect(ok).To(BeTrue())
			Expect(line.Elems).To(Equal([]uint32{24, 25, 26, 27}))
		})

		It("should read a relocated object after an explicit invalidate", func() {
			const newBase = 0x1800

			Expect(field(objH, 2, core.Read, 0).Result).To(Equal(uint32(12)))

			for i, v := range []uint32{10, 11, 50, 13} {
				rawOn(other, newBase+uint32(i), core.Write, v)
			}
			rawOn(other, objH, core.Write, newBase)

			Expect(field(objH, 2, core.Read, 0).Result).To(Equal(uint32(12)))

			rawOn(c, core.IOInvalidate, core.Write, 1)
			Expect(c.Objects().Resident()).To(BeZero())
			Expect(c.Stats().Invalidations).To(Equal(uint64(1)))

			r := field(objH, 2, core.Read, 0)
			Expect(r.Hit).To(BeFalse())
			Expect(r.Result).To(Equal(uint32(50)))
		})
	})

	Describe("Fetch", func() {
		It("should fill on a miss and hit afterwards", func() {
			Expect(store.Load(0x40, []uint32{0xA, 0xB, 0xC})).To(Succeed())

			r, err := c.IssueFetch(0x41)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Done()).To(BeFalse())
			wait(r)
			Expect(r.Result).To(Equal(uint32(0xB)))
			Expect(r.Block.Addr).To(Equal(uint32(0)))
			Expect(r.Latency()).To(BeNumerically(">", 0))

			r, err = c.IssueFetch(0x42)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Done()).To(BeTrue())
			Expect(r.Hit).To(BeTrue())
			Expect(r.Result).To(Equal(uint32(0xC)))
		})

		It("should refuse a second request while a fill is outstanding", func() {
			_, err := c.IssueFetch(0x40)
			Expect(err).NotTo(HaveOccurred())

			_, err = c.IssueFetch(0x400)
			Expect(err).To(MatchError(core.ErrBusy))
		})

		It("should reject fetches from I/O space", func() {
			_, err := c.IssueFetch(memory.IOBase)
			Expect(err).To(MatchError(memory.ErrIOAddress))
		})
	})

	Describe("Exception delivery", func() {
		It("should deliver a software fault at the next fetch boundary", func() {
			r, err := c.IssueRawAccess(core.IOException, core.Write, 1)
			Expect(err).NotTo(HaveOccurred())
			wait(r)

			d, ok := c.FetchBoundary(0x123)
			Expect(ok).To(BeTrue())
			Expect(d.Kind).To(Equal(exception.KindSoftware))
			Expect(d.ReturnPC).To(Equal(uint32(0x123)))
			Expect(d.Handler).To(Equal(uint32(exception.DefaultHandlerEntry)))

			_, ok = c.FetchBoundary(0x124)
			Expect(ok).To(BeFalse())
		})

		It("should drop a second fault raised before delivery", func() {
			field(0, 0, core.Read, 0)
			element(arrH, 100, core.Read, 0)

			kind, ok := c.PollFault()
			Expect(ok).To(BeTrue())
			Expect(kind).To(Equal(exception.KindNullAccess))
			Expect(c.Exceptions().Latch().Dropped()).To(Equal(uint64(1)))
		})
	})

	Describe("I/O registers", func() {
		It("should report the core id", func() {
			newSystem(2)
			r, err := sys.Core(1).IssueRawAccess(core.IOCPUID, core.Read, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(wait(r).Result).To(Equal(uint32(1)))
		})

		It("should signal an interrupt to another core", func() {
			newSystem(2)
			other := sys.Core(1)
			other.Exceptions().SetInterruptsEnabled(true)

			r, err := c.IssueRawAccess(core.IOSignal, core.Write, 1)
			Expect(err).NotTo(HaveOccurred())
			wait(r)

			d, ok := other.FetchBoundary(0x10)
			Expect(ok).To(BeTrue())
			Expect(d.Kind).To(Equal(exception.KindInterrupt))
		})
	})

	Describe("Lock", func() {
		BeforeEach(func() {
			newSystem(2)
		})

		It("should halt a core until the owner releases", func() {
			other := sys.Core(1)

			Expect(c.LockRequest()).To(BeTrue())
			Expect(other.LockRequest()).To(BeFalse())
			Expect(other.LockStatus()).To(BeTrue())

			_, err := other.IssueRawAccess(0x10, core.Read, 0)
			Expect(err).To(MatchError(core.ErrHalted))

			sys.Tick()
			Expect(other.Stats().HaltedCycles).To(Equal(uint64(1)))

			Expect(c.LockRelease()).To(Succeed())
			Expect(other.LockStatus()).To(BeFalse())
			owner, ok := sys.Arbiter().Owner()
			Expect(ok).To(BeTrue())
			Expect(owner).To(Equal(1))
		})

		It("should freeze a core that reads the lock register while held", func() {
			other := sys.Core(1)
			Expect(c.LockRequest()).To(BeTrue())

			r, err := other.IssueRawAccess(core.IOLock, core.Read, 0)
			Expect(err).NotTo(HaveOccurred())
			for i := 0; i < 50; i++ {
				sys.Tick()
			}
			Expect(other.Halted()).To(BeTrue())
			Expect(r.Done()).To(BeFalse())

			u, err := c.IssueRawAccess(core.IOUnlock, core.Write, 0)
			Expect(err).NotTo(HaveOccurred())
			wait(u)
			wait(r)

			owner, _ := sys.Arbiter().Owner()
			Expect(owner).To(Equal(1))
		})
	})

	Describe("Shared memory ordering", func() {
		It("should let another core read a write-through value", func() {
			newSystem(2)
			Expect(store.Load(objH, []uint32{objBase, 4})).To(Succeed())

			field(objH, 0, core.Write, 555)

			r, err := sys.Core(1).IssueFieldAccess(objH, 0, core.Read, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(wait(r).Result).To(Equal(uint32(555)))
		})
	})

	It("should reject a request while busy", func() {
		_, err := c.IssueArrayAccess(arrH, 0, core.Read, 0)
		Expect(err).NotTo(HaveOccurred())

		_, err = c.IssueStackAccess(0, core.Read, 0)
		Expect(err).To(MatchError(core.ErrBusy))
	})
})
