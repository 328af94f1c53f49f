package exception

import (
	"github.com/ethereum/go-ethereum/log"
)

// DefaultHandlerEntry is the handler address used for kinds without an
// explicit entry.
const DefaultHandlerEntry uint32 = 0x0000_0008

// Delivery is the control-transfer record produced at a fetch boundary.
type Delivery struct {
	Kind Kind
	// Handler is the address control is redirected to.
	Handler uint32
	// ReturnPC is the fetch address that was about to be fetched. When the
	// fault was raised inside a helper routine it points into that routine,
	// not into the instruction that called it.
	ReturnPC uint32
	// Cycle is the cycle the delivery happened in.
	Cycle uint64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHandler sets the handler entry for kind.
func WithHandler(kind Kind, entry uint32) DispatcherOption {
	return func(d *Dispatcher) {
		d.handlers[kind] = entry
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// Dispatcher delivers latched faults and interrupts at fetch boundaries.
// A pending fault has priority over a pending interrupt. Interrupts are
// only delivered while enabled; faults are always delivered.
type Dispatcher struct {
	faults Latch

	irqPending bool
	irqEnabled bool

	handlers map[Kind]uint32
	cycle    uint64
	history  []Delivery

	logger log.Logger
}

// NewDispatcher creates a dispatcher with an empty latch.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[Kind]uint32),
		logger:   log.Root(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Latch returns the fault latch.
func (d *Dispatcher) Latch() *Latch {
	return &d.faults
}

// Raise latches a fault. Interrupt requests are routed to the interrupt
// latch. It returns false when the request was dropped.
func (d *Dispatcher) Raise(kind Kind) bool {
	if kind == KindInterrupt {
		d.irqPending = true
		return true
	}

	if !d.faults.Raise(kind) {
		pending, _ := d.faults.Pending()
		d.logger.Debug("Fault dropped while another is pending",
			"kind", kind, "pending", pending)
		return false
	}

	d.logger.Debug("Fault latched", "kind", kind)
	return true
}

// SetInterruptsEnabled enables or disables interrupt delivery.
func (d *Dispatcher) SetInterruptsEnabled(enabled bool) {
	d.irqEnabled = enabled
}

// InterruptsEnabled reports whether interrupts are delivered.
func (d *Dispatcher) InterruptsEnabled() bool {
	return d.irqEnabled
}

// Pending reports whether something would be delivered at the next fetch
// boundary.
func (d *Dispatcher) Pending() bool {
	_, fault := d.faults.Pending()
	return fault || (d.irqPending && d.irqEnabled)
}

// Tick advances the dispatcher's notion of time.
func (d *Dispatcher) Tick() {
	d.cycle++
}

// ConsumeAtFetchBoundary clears and returns the pending fault, if any.
// Interrupts are not returned here.
func (d *Dispatcher) ConsumeAtFetchBoundary() (Kind, bool) {
	return d.faults.Consume()
}

// Dispatch is called once per fetch boundary with the address that would
// be fetched next. If a fault or an enabled interrupt is pending it is
// consumed and the returned Delivery redirects control to its handler.
func (d *Dispatcher) Dispatch(pc uint32) (Delivery, bool) {
	kind, ok := d.faults.Consume()
	if !ok {
		if !d.irqPending || !d.irqEnabled {
			return Delivery{}, false
		}
		kind = KindInterrupt
		d.irqPending = false
	}

	entry, ok := d.handlers[kind]
	if !ok {
		entry = DefaultHandlerEntry
	}

	delivery := Delivery{
		Kind:     kind,
		Handler:  entry,
		ReturnPC: pc,
		Cycle:    d.cycle,
	}
	d.history = append(d.history, delivery)

	d.logger.Debug("Delivering exception",
		"kind", kind, "handler", entry, "return", pc)

	return delivery, true
}

// History returns all deliveries made so far.
func (d *Dispatcher) History() []Delivery {
	return d.history
}

// Reset clears latches and history. Handler entries are kept.
func (d *Dispatcher) Reset() {
	d.faults.Reset()
	d.irqPending = false
	d.irqEnabled = false
	d.cycle = 0
	d.history = nil
}
