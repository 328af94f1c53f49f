// Package lock provides the global lock arbiter shared by all cores.
//
// At most one core owns the lock. A core requesting a held lock is halted
// until the owner releases it; the lock is then handed to the next waiting
// core in round-robin order, starting just after the releasing owner.
package lock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// ErrNotOwner is returned when a core releases a lock it does not own.
var ErrNotOwner = errors.New("core does not own the lock")

// State is a core's relation to the lock.
type State int

const (
	// Running cores neither own nor wait for the lock.
	Running State = iota
	// Waiting cores requested the lock and are halted.
	Waiting
	// Owner is the core holding the lock.
	Owner
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Owner:
		return "owner"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is the per-core view exposed to the pipeline.
type Status struct {
	Requesting bool
	Halted     bool
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithLogger sets the arbiter's logger.
func WithLogger(l log.Logger) Option {
	return func(a *Arbiter) {
		a.logger = l
	}
}

// Arbiter is the lock arbiter. It is safe for concurrent use.
type Arbiter struct {
	mu sync.Mutex

	states []State
	owner  int

	grants []int

	logger log.Logger
}

// New creates an idle arbiter for cpuCount cores.
func New(cpuCount int, opts ...Option) *Arbiter {
	a := &Arbiter{
		states: make([]State, cpuCount),
		owner:  -1,
		logger: log.Root(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// CPUCount returns the number of cores arbitrated.
func (a *Arbiter) CPUCount() int {
	return len(a.states)
}

// Request asks for the lock on behalf of core. It returns true if core owns
// the lock afterwards; otherwise the core is halted until granted.
func (a *Arbiter) Request(core int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.states[core] {
	case Owner:
		return true
	case Waiting:
		return false
	}

	if a.owner < 0 {
		a.grant(core)
		return true
	}

	a.states[core] = Waiting
	a.logger.Debug("Lock request halted", "core", core, "owner", a.owner)
	return false
}

// Release gives up the lock held by core and hands it to the next waiting
// core, if any.
func (a *Arbiter) Release(core int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.owner != core {
		return fmt.Errorf("release by core %d: %w", core, ErrNotOwner)
	}

	a.states[core] = Running
	a.owner = -1

	n := len(a.states)
	for i := 1; i < n; i++ {
		next := (core + i) % n
		if a.states[next] == Waiting {
			a.grant(next)
			break
		}
	}

	return nil
}

func (a *Arbiter) grant(core int) {
	a.states[core] = Owner
	a.owner = core
	a.grants = append(a.grants, core)
	a.logger.Debug("Lock granted", "core", core)
}

// State returns core's relation to the lock.
func (a *Arbiter) State(core int) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[core]
}

// Status returns the requesting/halted view of core.
func (a *Arbiter) Status(core int) Status {
	s := a.State(core)
	return Status{
		Requesting: s != Running,
		Halted:     s == Waiting,
	}
}

// Halted reports whether core is frozen waiting for the lock.
func (a *Arbiter) Halted(core int) bool {
	return a.State(core) == Waiting
}

// Owner returns the current owner, if any.
func (a *Arbiter) Owner() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner, a.owner >= 0
}

// Grants returns the sequence of cores the lock was granted to.
func (a *Arbiter) Grants() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	grants := make([]int, len(a.grants))
	copy(grants, a.grants)
	return grants
}

// Reset returns the arbiter to the idle state.
func (a *Arbiter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.states {
		a.states[i] = Running
	}
	a.owner = -1
	a.grants = nil
}
