package irq

import (
	"log/slog"

	"golang.org/x/time/rate"
)

// Controller is the capability set a hardware interrupt controller family
// provides to the dispatch core. Methods receive the abstract line number;
// Ack and End also receive the dispatching CPU because acknowledgement is a
// per-CPU operation on most hardware.
//
// Ack and End are called with the line's lock held and must not call back
// into the Subsystem.
type Controller interface {
	// Name is shown in the interrupt dump.
	Name() string
	// Startup arms the line and reports whether an event is already latched.
	Startup(line uint) bool
	// Shutdown tears the line down after its last action is removed.
	Shutdown(line uint)
	Enable(line uint)
	Disable(line uint)
	// Ack tells the hardware the trigger was taken. It runs before any
	// early exit so the source stops signalling.
	Ack(cpu int, line uint)
	// End finishes the cycle. status is the line state at that moment; a
	// controller keeps the line masked while it carries StatusDisabled or
	// StatusInProgress.
	End(cpu int, line uint, status Status)
}

// Resender is implemented by controllers that can re-trigger an edge that
// was latched while the line was disabled. Resend runs under the line lock
// and must only latch the event; delivery happens on a later Dispatch.
type Resender interface {
	Resend(line uint)
}

// noController is bound to every line at creation. Its Ack reports the
// unexpected trigger and still performs the architecture acknowledgement so
// the slot does not stay in service.
type noController struct {
	sub     *Subsystem
	limiter *rate.Limiter
}

func (noController) Name() string          { return "none" }
func (noController) Startup(uint) bool     { return false }
func (noController) Shutdown(uint)         {}
func (noController) Enable(uint)           {}
func (noController) Disable(uint)          {}
func (noController) End(int, uint, Status) {}

func (n *noController) Ack(cpu int, line uint) {
	if n.limiter.Allow() {
		n.sub.log.Warn("irq: unexpected interrupt on unbound line",
			slog.Uint64("line", uint64(line)),
			slog.Int("cpu", cpu),
		)
	}
	if ack := n.sub.archAck.Load(); ack != nil {
		(*ack)(cpu, line)
	}
}
