package irq

import "strings"

// Status holds the per-line state bits.
type Status uint32

const (
	// StatusDisabled is set while the line is masked by depth, by a health
	// monitor trip or because no action is installed.
	StatusDisabled Status = 1 << iota
	// StatusPending records a trigger that has not been handled yet.
	StatusPending
	// StatusReplay is set once a latched trigger has been resent on enable.
	StatusReplay
	// StatusAutodetect marks lines taking part in a probe session.
	StatusAutodetect
	// StatusWaiting is cleared by the first trigger seen during a probe.
	StatusWaiting
	// StatusInProgress is set while a CPU runs the handler chain.
	StatusInProgress
	// StatusPerCPU lines dispatch without taking the line lock.
	StatusPerCPU
)

var statusNames = []struct {
	bit  Status
	name string
}{
	{StatusDisabled, "disabled"},
	{StatusPending, "pending"},
	{StatusReplay, "replay"},
	{StatusAutodetect, "autodetect"},
	{StatusWaiting, "waiting"},
	{StatusInProgress, "inprogress"},
	{StatusPerCPU, "percpu"},
}

func (s Status) String() string {
	if s == 0 {
		return "enabled"
	}
	names := []string{}
	for _, n := range statusNames {
		if s&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}
