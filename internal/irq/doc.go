// Package irq implements a controller-independent interrupt dispatch core.
//
// A Subsystem owns a fixed table of line descriptors. Platform code binds a
// Controller to each line it can deliver, drivers register Actions with
// Request/Free, and whatever models the CPU calls Dispatch once per hardware
// trigger. The core acknowledges the controller, serializes each line's
// handler chain, coalesces edges that arrive while the chain is running,
// replays edges latched while a line was disabled, and disables lines whose
// handlers stop claiming their interrupts.
//
// Dispatch never blocks on anything a blocking operation can hold: the only
// lock it takes is the line's own mutex, and that mutex is never held across
// a handler call or a wait. Free, Disable, Synchronize and the ProbeOn/ProbeOff
// session are the only operations that wait.
package irq
