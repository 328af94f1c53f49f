package core

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/sarchlab/jopsim/timing/exception"
	"github.com/sarchlab/jopsim/timing/memory"
)

// I/O register addresses shared by all cores. The accessing core is
// identified by the bus source of the transaction.
const (
	// IOCPUID reads the id of the accessing core.
	IOCPUID = memory.IOBase + iota
	// IOLock requests the global lock on read. The read returns 1 when the
	// lock was granted at once; otherwise the core halts until it is
	// handed the lock and the read returns 0.
	IOLock
	// IOUnlock releases the global lock on write.
	IOUnlock
	// IOException raises a software fault on the accessing core on write.
	IOException
	// IOIntEnable enables (non-zero) or disables interrupt delivery.
	IOIntEnable
	// IOSignal raises an interrupt on the core whose id is written.
	IOSignal
	// IOInvalidate drops the object and array caches of the accessing core
	// on write. Software issues it after moving object data.
	IOInvalidate
)

type ioRegisters struct {
	sys    *System
	logger log.Logger
}

func (r *ioRegisters) mapInto(store *memory.Store) {
	for addr := IOCPUID; addr <= IOInvalidate; addr++ {
		store.MapIO(addr, r)
	}
}

func (r *ioRegisters) ReadIO(source int, addr uint32) uint32 {
	switch addr {
	case IOCPUID:
		return uint32(source)
	case IOLock:
		if r.sys.arbiter.Request(source) {
			return 1
		}
		return 0
	case IOIntEnable:
		if r.sys.cores[source].exceptions.InterruptsEnabled() {
			return 1
		}
	}
	return 0
}

func (r *ioRegisters) WriteIO(source int, addr uint32, value uint32) {
	c := r.sys.cores[source]

	switch addr {
	case IOUnlock:
		if err := c.LockRelease(); err != nil {
			r.logger.Warn("Unlock by non-owner", "core", source, "err", err)
		}
	case IOException:
		c.Raise(exception.KindSoftware)
	case IOIntEnable:
		c.exceptions.SetInterruptsEnabled(value != 0)
	case IOSignal:
		if int(value) >= len(r.sys.cores) {
			r.logger.Warn("Signal to unknown core", "core", source, "target", value)
			return
		}
		r.sys.cores[value].Raise(exception.KindInterrupt)
	case IOInvalidate:
		c.Invalidate()
	}
}
