package chipset

import (
	"fmt"
	"sync"
)

// LineSet maps global interrupt lines onto controller input pins and tracks
// the level devices drive on each line.
type LineSet struct {
	mu sync.Mutex

	ranges []pinRange
	levels map[uint]bool
}

type pinRange struct {
	first, count uint
	sink         InterruptSink
}

func (r pinRange) contains(line uint) bool {
	return line >= r.first && line-r.first < r.count
}

// NewLineSet returns a LineSet with no pins attached.
func NewLineSet() *LineSet {
	return &LineSet{levels: make(map[uint]bool)}
}

// Attach routes lines [first, first+count) to pins 0..count-1 of sink.
func (l *LineSet) Attach(first, count uint, sink InterruptSink) error {
	if sink == nil {
		return fmt.Errorf("chipset: pins at line %d: nil sink", first)
	}
	if count == 0 {
		return fmt.Errorf("chipset: pins at line %d: zero count", first)
	}
	if first+count < first {
		return fmt.Errorf("chipset: pins at line %d count %d overflow", first, count)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.ranges {
		if regionsOverlap(uint64(first), uint64(count), uint64(r.first), uint64(r.count)) {
			return fmt.Errorf("chipset: pins %d-%d overlap existing pins %d-%d",
				first, first+count-1, r.first, r.first+r.count-1)
		}
	}
	l.ranges = append(l.ranges, pinRange{first: first, count: count, sink: sink})
	return nil
}

// AllocateLine returns a LineInterrupt handle for line. Lines with no pin
// attached get a detached handle.
func (l *LineSet) AllocateLine(line uint) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lookupLocked(line); !ok {
		return LineInterruptDetached()
	}
	return &lineHandle{owner: l, line: line}
}

// Level returns the level last driven on line.
func (l *LineSet) Level(line uint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.levels[line]
}

func (l *LineSet) lookupLocked(line uint) (pinRange, bool) {
	for _, r := range l.ranges {
		if r.contains(line) {
			return r, true
		}
	}
	return pinRange{}, false
}

type lineHandle struct {
	owner *LineSet
	line  uint
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.line, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.line)
}

func (l *LineSet) setLevel(line uint, high bool) {
	l.mu.Lock()
	r, ok := l.lookupLocked(line)
	changed := l.levels[line] != high
	l.levels[line] = high
	l.mu.Unlock()

	if ok && changed {
		r.sink.SetIRQ(line-r.first, high)
	}
}

func (l *LineSet) pulse(line uint) {
	l.mu.Lock()
	r, ok := l.lookupLocked(line)
	l.mu.Unlock()
	if !ok {
		return
	}
	r.sink.SetIRQ(line-r.first, true)
	r.sink.SetIRQ(line-r.first, false)
}
