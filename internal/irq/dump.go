package irq

import (
	"fmt"
	"io"
	"strings"
)

// LineStats is a consistent snapshot of one line.
type LineStats struct {
	Line       uint
	Controller string
	Status     Status
	Depth      int
	PerCPU     []uint64
	Count      uint32
	Unhandled  uint32
	Handlers   []string
}

// Total sums the per-CPU dispatch counts.
func (l LineStats) Total() uint64 {
	var n uint64
	for _, c := range l.PerCPU {
		n += c
	}
	return n
}

// Active reports whether the line has at least one action.
func (l LineStats) Active() bool {
	return len(l.Handlers) > 0
}

// Stats snapshots line under its lock.
func (s *Subsystem) Stats(line uint) (LineStats, error) {
	d, err := s.Descriptor(line)
	if err != nil {
		return LineStats{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	st := LineStats{
		Line:       line,
		Controller: d.controller().Name(),
		Status:     d.loadStatus(),
		Depth:      d.depth,
		PerCPU:     make([]uint64, len(d.counts)),
		Count:      d.irqCount.Load(),
		Unhandled:  d.unhandled.Load(),
	}
	for i := range d.counts {
		st.PerCPU[i] = d.counts[i].Load()
	}
	for a := d.action.Load(); a != nil; a = a.Next() {
		st.Handlers = append(st.Handlers, a.Name)
	}
	return st, nil
}

// WriteTo writes the interrupt table in the /proc/interrupts layout: a CPU
// header, then one row per line with actions giving the per-CPU counts, the
// controller name and the comma-joined action names.
func (s *Subsystem) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder

	b.WriteString("    ")
	for cpu := range s.cpus {
		fmt.Fprintf(&b, " %10s", fmt.Sprintf("CPU%d", cpu))
	}
	b.WriteByte('\n')

	for line := range s.desc {
		st, err := s.Stats(uint(line))
		if err != nil {
			return 0, err
		}
		if !st.Active() {
			continue
		}
		fmt.Fprintf(&b, "%3d:", line)
		for _, n := range st.PerCPU {
			fmt.Fprintf(&b, " %10d", n)
		}
		fmt.Fprintf(&b, " %14s  %s\n", st.Controller, strings.Join(st.Handlers, ", "))
	}

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
