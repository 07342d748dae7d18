package chipset

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// InterruptSink receives level changes on the input pins of a controller.
type InterruptSink interface {
	SetIRQ(pin uint, level bool)
}

// InterruptSinkFunc adapts a function to InterruptSink.
type InterruptSinkFunc func(pin uint, level bool)

// SetIRQ implements InterruptSink.
func (f InterruptSinkFunc) SetIRQ(pin uint, level bool) {
	if f != nil {
		f(pin, level)
	}
}

// Source is the CPU-facing side of a controller: Next performs the
// interrupt acknowledge cycle for cpu and returns the line to dispatch.
type Source interface {
	Next(cpu int) (line uint, ok bool)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(cpu int) (uint, bool)

// Next implements Source.
func (f SourceFunc) Next(cpu int) (uint, bool) {
	if f == nil {
		return 0, false
	}
	return f(cpu)
}
