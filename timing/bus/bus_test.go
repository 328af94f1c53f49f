package bus_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/jopsim/timing/bus"
	"github.com/sarchlab/jopsim/timing/latency"
	"github.com/sarchlab/jopsim/timing/memory"
)

type sourceDevice struct {
	lastSource int
}

func (d *sourceDevice) ReadIO(source int, addr uint32) uint32 {
	d.lastSource = source
	return uint32(source) + 100
}

func (d *sourceDevice) WriteIO(source int, addr uint32, value uint32) {
	d.lastSource = source
}

var _ = Describe("Bus", func() {
	var (
		store *memory.Store
		b     *bus.Bus
	)

	BeforeEach(func() {
		store = memory.New(4096, 0)
		b = bus.New(store, latency.NewTable())
	})

	// tickUntilDone ticks the bus until t completes and returns the
	// number of ticks taken.
	tickUntilDone := func(t *bus.Transaction) int {
		ticks := 0
		for !t.Done() {
			b.Tick()
			ticks++
			Expect(ticks).To(BeNumerically("<", 1000))
		}
		return ticks
	}

	Describe("Single transactions", func() {
		It("should complete a one-word read after the read latency", func() {
			Expect(store.Load(0x10, []uint32{0xCAFE})).To(Succeed())
			port := b.NewPort(0, "core0")

			t := bus.NewRead(0x10, 1)
			Expect(port.Submit(t)).To(Succeed())

			b.Tick()
			b.Tick()
			Expect(t.Done()).To(BeFalse())
			Expect(port.Busy()).To(BeTrue())

			b.Tick()
			Expect(t.Done()).To(BeTrue())
			Expect(t.Err).NotTo(HaveOccurred())
			Expect(t.Data).To(Equal([]uint32{0xCAFE}))
			Expect(t.Latency()).To(Equal(uint64(3)))
			Expect(port.Busy()).To(BeFalse())
		})

		It("should use burst timing for multi-word reads", func() {
			port := b.NewPort(0, "core0")
			t := bus.NewRead(0x0, 8)
			Expect(port.Submit(t)).To(Succeed())
			Expect(tickUntilDone(t)).To(Equal(12))
		})

		It("should commit writes to the backing store on completion", func() {
			port := b.NewPort(0, "core0")
			t := bus.NewWrite(0x20, []uint32{1, 2})
			Expect(port.Submit(t)).To(Succeed())

			v, _ := store.Peek(0x20)
			Expect(v).To(BeZero())

			tickUntilDone(t)
			v, _ = store.Peek(0x21)
			Expect(v).To(Equal(uint32(2)))
			Expect(store.Stats().Writes).To(Equal(uint64(1)))
		})

		It("should copy the write payload", func() {
			port := b.NewPort(0, "core0")
			data := []uint32{5}
			t := bus.NewWrite(0x30, data)
			data[0] = 6
			Expect(port.Submit(t)).To(Succeed())
			tickUntilDone(t)

			v, _ := store.Peek(0x30)
			Expect(v).To(Equal(uint32(5)))
		})

		It("should report backing store errors on the transaction", func() {
			port := b.NewPort(0, "core0")
			t := bus.NewRead(4095, 4)
			Expect(port.Submit(t)).To(Succeed())
			tickUntilDone(t)
			Expect(t.Err).To(MatchError(memory.ErrOutOfRange))
		})
	})

	Describe("Ports", func() {
		It("should reject a second outstanding transaction", func() {
			port := b.NewPort(0, "core0")
			Expect(port.Submit(bus.NewRead(0, 1))).To(Succeed())
			Expect(port.Submit(bus.NewRead(1, 1))).To(MatchError(bus.ErrPortBusy))
		})

		It("should present the port source to I/O devices", func() {
			dev := &sourceDevice{}
			store.MapIO(memory.IOBase, dev)
			port := b.NewPort(7, "core7")

			t := bus.NewRead(memory.IOBase, 1)
			Expect(port.Submit(t)).To(Succeed())
			tickUntilDone(t)

			Expect(dev.lastSource).To(Equal(7))
			Expect(t.Data).To(Equal([]uint32{107}))
		})
	})

	Describe("Arbitration", func() {
		var ports []*bus.Port

		BeforeEach(func() {
			ports = []*bus.Port{
				b.NewPort(0, "p0"),
				b.NewPort(1, "p1"),
				b.NewPort(2, "p2"),
			}
		})

		It("should serve one transaction at a time", func() {
			t0 := bus.NewRead(0, 1)
			t1 := bus.NewRead(1, 1)
			Expect(ports[0].Submit(t0)).To(Succeed())
			Expect(ports[1].Submit(t1)).To(Succeed())

			Expect(tickUntilDone(t0)).To(Equal(3))
			Expect(t1.Done()).To(BeFalse())
			Expect(tickUntilDone(t1)).To(Equal(3))
			Expect(t1.Latency()).To(Equal(uint64(6)))
		})

		It("should pick round-robin after the last served port", func() {
			var order []string
			pending := map[*bus.Transaction]string{}

			submit := func(i int) {
				t := bus.NewWrite(uint32(i), []uint32{uint32(i)})
				Expect(ports[i].Submit(t)).To(Succeed())
				pending[t] = ports[i].Name()
			}

			drain := func() {
				for len(pending) > 0 {
					b.Tick()
					for t, name := range pending {
						if t.Done() {
							order = append(order, name)
							delete(pending, t)
						}
					}
				}
			}

			submit(1)
			submit(2)
			b.Tick() // p1 starts service
			submit(0)
			drain()

			Expect(order).To(Equal([]string{"p1", "p2", "p0"}))
		})

		It("should order a write before a read submitted in the same cycle", func() {
			w := bus.NewWrite(0x40, []uint32{42})
			r := bus.NewRead(0x40, 1)
			Expect(ports[0].Submit(w)).To(Succeed())
			Expect(ports[1].Submit(r)).To(Succeed())

			tickUntilDone(r)
			Expect(w.Done()).To(BeTrue())
			Expect(r.Data).To(Equal([]uint32{42}))
		})

		It("should account waiting cycles", func() {
			Expect(ports[0].Submit(bus.NewRead(0, 1))).To(Succeed())
			Expect(ports[1].Submit(bus.NewRead(0, 1))).To(Succeed())
			for i := 0; i < 6; i++ {
				b.Tick()
			}

			stats := b.Stats()
			Expect(stats.Transactions).To(Equal(uint64(2)))
			Expect(stats.BusyCycles).To(Equal(uint64(6)))
			Expect(stats.WaitCycles).To(Equal(uint64(3)))
			Expect(b.Idle()).To(BeTrue())
		})
	})
})
