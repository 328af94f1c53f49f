package pipeline

import (
	"fmt"

	"github.com/sarchlab/jopsim/timing/exception"
)

// OpKind identifies a memory operation of the replayed stream.
type OpKind int

const (
	// OpFetch fetches one instruction word through the method cache.
	OpFetch OpKind = iota
	// OpInvoke loads a whole method body into the method cache.
	OpInvoke
	OpFieldRead
	OpFieldWrite
	OpArrayRead
	OpArrayWrite
	OpStackRead
	OpStackWrite
	OpRawRead
	OpRawWrite
	// OpLock acquires the global lock, halting the core until granted.
	OpLock
	OpUnlock
	// OpFault raises a software fault through the exception register.
	OpFault
	// OpExpect checks the outcome of the previous operation.
	OpExpect
	// OpInvalidate drops the core's object and array caches through the
	// invalidate register.
	OpInvalidate
)

var opNames = map[OpKind]string{
	OpFetch:      "fetch",
	OpInvoke:     "invoke",
	OpFieldRead:  "field_read",
	OpFieldWrite: "field_write",
	OpArrayRead:  "array_read",
	OpArrayWrite: "array_write",
	OpStackRead:  "stack_read",
	OpStackWrite: "stack_write",
	OpRawRead:    "raw_read",
	OpRawWrite:   "raw_write",
	OpLock:       "lock",
	OpUnlock:     "unlock",
	OpFault:      "fault",
	OpExpect:     "expect",
	OpInvalidate: "invalidate",
}

func (k OpKind) String() string {
	if name, ok := opNames[k]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// ParseOpKind converts an operation name to an OpKind.
func ParseOpKind(name string) (OpKind, error) {
	for k, n := range opNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", name)
}

// Op is one operation of the stream.
type Op struct {
	Kind OpKind
	// Addr is the fetch or method address, the virtual stack address or
	// the raw word address.
	Addr   uint32
	Handle uint32
	// Index is the field offset or array index.
	Index int64
	// Value is the value written, or the value expected by OpExpect.
	Value uint32
	// Words is the method length of OpInvoke.
	Words int
	// Fault is the fault kind expected by OpExpect. KindNone expects the
	// previous operation to succeed with Value.
	Fault exception.Kind
}

func (o Op) String() string {
	switch o.Kind {
	case OpFieldRead, OpFieldWrite, OpArrayRead, OpArrayWrite:
		return fmt.Sprintf("%s h=0x%X i=%d v=%d", o.Kind, o.Handle, o.Index, o.Value)
	case OpExpect:
		if o.Fault != exception.KindNone {
			return fmt.Sprintf("%s fault=%s", o.Kind, o.Fault)
		}
		return fmt.Sprintf("%s v=%d", o.Kind, o.Value)
	default:
		return fmt.Sprintf("%s a=0x%X v=%d", o.Kind, o.Addr, o.Value)
	}
}
