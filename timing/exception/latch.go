// Package exception provides the fault latch and the fetch-boundary
// dispatcher.
//
// Fault detection and fault delivery are decoupled: a fault may be detected
// at any depth of an in-flight operation and is held in a Latch until the
// pipeline reaches its next instruction fetch boundary, where the
// Dispatcher redirects control to the handler entry point.
package exception

import (
	"errors"
	"fmt"
)

// Kind identifies a fault.
type Kind uint8

const (
	// KindNone means no fault.
	KindNone Kind = iota
	// KindNullAccess is raised when a zero handle is dereferenced.
	KindNullAccess
	// KindBounds is raised for an array index outside [0, length).
	KindBounds
	// KindSoftware is raised explicitly by the running program.
	KindSoftware
	// KindInterrupt is an external interrupt request. It is held in its
	// own latch and only delivered when interrupts are enabled.
	KindInterrupt
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNullAccess:
		return "null-access"
	case KindBounds:
		return "bounds"
	case KindSoftware:
		return "software"
	case KindInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	// ErrNullAccess matches faults of KindNullAccess.
	ErrNullAccess = errors.New("null access fault")
	// ErrBounds matches faults of KindBounds.
	ErrBounds = errors.New("bounds fault")
	// ErrSoftware matches faults of KindSoftware.
	ErrSoftware = errors.New("software fault")
)

// Fault describes a detected fault. It implements error and matches the
// sentinel of its kind with errors.Is.
type Fault struct {
	Kind   Kind
	Handle uint32
	Index  int64
}

func (f *Fault) Error() string {
	switch f.Kind {
	case KindBounds:
		return fmt.Sprintf("bounds fault: handle 0x%08X index %d", f.Handle, f.Index)
	case KindNullAccess:
		return "null access fault"
	default:
		return fmt.Sprintf("%s fault", f.Kind)
	}
}

// Is makes errors.Is(fault, ErrBounds) and friends work.
func (f *Fault) Is(target error) bool {
	switch f.Kind {
	case KindNullAccess:
		return target == ErrNullAccess
	case KindBounds:
		return target == ErrBounds
	case KindSoftware:
		return target == ErrSoftware
	}
	return false
}

// Latch is a single-slot saturating fault holder. Once set, the kind is
// not overwritten until the latch is consumed; further raises are dropped.
type Latch struct {
	pending bool
	kind    Kind

	raised  uint64
	dropped uint64
}

// Raise latches kind. It returns false if a fault was already pending, in
// which case kind is dropped.
func (l *Latch) Raise(kind Kind) bool {
	if kind == KindNone {
		return false
	}

	if l.pending {
		l.dropped++
		return false
	}

	l.pending = true
	l.kind = kind
	l.raised++
	return true
}

// Pending returns the latched kind without consuming it.
func (l *Latch) Pending() (Kind, bool) {
	if !l.pending {
		return KindNone, false
	}
	return l.kind, true
}

// Consume clears the latch and returns the kind that was pending.
func (l *Latch) Consume() (Kind, bool) {
	if !l.pending {
		return KindNone, false
	}

	kind := l.kind
	l.pending = false
	l.kind = KindNone
	return kind, true
}

// Raised returns the number of faults accepted by the latch.
func (l *Latch) Raised() uint64 {
	return l.raised
}

// Dropped returns the number of faults discarded because another one was
// pending.
func (l *Latch) Dropped() uint64 {
	return l.dropped
}

// Reset clears the latch and its counters.
func (l *Latch) Reset() {
	*l = Latch{}
}
