package irq

import "errors"

var (
	// ErrInvalidArgument reports a line out of range, a nil handler or a
	// shared registration without a device token.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoMemory reports that the action budget is exhausted.
	ErrNoMemory = errors.New("out of memory")
	// ErrNotSupported reports a line without a real controller, or a
	// controller lacking an optional capability.
	ErrNotSupported = errors.New("not supported")
	// ErrBusy reports a sharing conflict on a line.
	ErrBusy = errors.New("line busy")
	// ErrNoSuchLine reports a lookup outside the descriptor table.
	ErrNoSuchLine = errors.New("no such line")
)
