package irq

import "sync/atomic"

// Return is the aggregate result of a handler chain. Handlers return None
// or Handled; anything else is reported as a bogus return value.
type Return uint32

const (
	None    Return = 0
	Handled Return = 1
)

// RetVal converts a boolean "it was mine" into a Return.
func RetVal(handled bool) Return {
	if handled {
		return Handled
	}
	return None
}

// Handler services one trigger of line for the device identified by dev.
// Handlers run in dispatch context: they must return promptly and must not
// call Free, Disable or Synchronize for their own line.
type Handler func(line uint, dev any) Return

// Flags control how an action is registered and invoked.
type Flags uint32

const (
	// FlagShared allows other actions with FlagShared on the same line.
	FlagShared Flags = 1 << iota
	// FlagDisableLocal keeps local interrupts off on the dispatching CPU
	// while the chain runs.
	FlagDisableLocal
	// FlagSampleRandom feeds trigger timing to the entropy sink.
	FlagSampleRandom
	// FlagPerCPU makes the line PER_CPU: it dispatches without the line
	// lock on every CPU independently.
	FlagPerCPU
)

// Action is one registered handler on a line. Dev is the identity token used
// by Free; it must be comparable and non-nil for shared lines.
type Action struct {
	Handler Handler
	Flags   Flags
	Name    string
	Dev     any

	next      atomic.Pointer[Action]
	accounted bool
}

// Next returns the following action on the chain.
func (a *Action) Next() *Action {
	return a.next.Load()
}
