package chipset

import (
	"fmt"
	"sort"

	"github.com/tinyrange/irqcore/internal/irq"
)

type controllerBinding struct {
	name  string
	first uint
	count uint
	ctrl  irq.Controller
}

// Builder registers controllers, input pins and interrupt sources before
// creating a Platform.
type Builder struct {
	controllers []controllerBinding
	lines       *LineSet
	sources     []Source
	archAck     func(cpu int, line uint)
}

// NewBuilder returns an empty Builder instance.
func NewBuilder() *Builder {
	return &Builder{lines: NewLineSet()}
}

// WithController binds ctrl to lines [first, first+count).
func (b *Builder) WithController(name string, first, count uint, ctrl irq.Controller) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("controller name is empty")
	}
	if ctrl == nil {
		return fmt.Errorf("controller %q is nil", name)
	}
	if count == 0 {
		return fmt.Errorf("controller %q covers no lines", name)
	}
	if first+count < first {
		return fmt.Errorf("controller %q at line %d with count %d overflows", name, first, count)
	}
	for _, existing := range b.controllers {
		if regionsOverlap(uint64(first), uint64(count), uint64(existing.first), uint64(existing.count)) {
			return fmt.Errorf(
				"controller %q lines %d-%d overlap %q lines %d-%d",
				name, first, first+count-1, existing.name, existing.first, existing.first+existing.count-1)
		}
	}
	b.controllers = append(b.controllers, controllerBinding{name: name, first: first, count: count, ctrl: ctrl})
	return nil
}

// WithPins routes device lines [first, first+count) to the input pins of sink.
func (b *Builder) WithPins(first, count uint, sink InterruptSink) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	return b.lines.Attach(first, count, sink)
}

// WithSource adds an interrupt source polled by Platform.Deliver.
func (b *Builder) WithSource(src Source) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if src == nil {
		return fmt.Errorf("interrupt source is nil")
	}
	b.sources = append(b.sources, src)
	return nil
}

// WithArchAck sets the acknowledgement performed for triggers on lines no
// controller claims.
func (b *Builder) WithArchAck(fn func(cpu int, line uint)) {
	b.archAck = fn
}

// Build binds every controller into sub and returns the Platform.
func (b *Builder) Build(sub *irq.Subsystem) (*Platform, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}
	if sub == nil {
		return nil, fmt.Errorf("chipset: build: nil subsystem")
	}

	controllers := make([]controllerBinding, len(b.controllers))
	copy(controllers, b.controllers)
	sort.Slice(controllers, func(i, j int) bool { return controllers[i].first < controllers[j].first })

	for _, c := range controllers {
		if c.first+c.count > uint(sub.Lines()) {
			return nil, fmt.Errorf("chipset: controller %q lines %d-%d beyond table of %d",
				c.name, c.first, c.first+c.count-1, sub.Lines())
		}
		for line := c.first; line < c.first+c.count; line++ {
			if err := sub.Bind(line, c.ctrl); err != nil {
				return nil, fmt.Errorf("chipset: bind %q: %w", c.name, err)
			}
		}
	}
	if b.archAck != nil {
		sub.SetArchAck(b.archAck)
	}

	sources := make([]Source, len(b.sources))
	copy(sources, b.sources)

	wake := make([]chan struct{}, sub.CPUs())
	for i := range wake {
		wake[i] = make(chan struct{}, 1)
	}

	return &Platform{
		sub:         sub,
		controllers: controllers,
		lines:       b.lines,
		sources:     sources,
		wake:        wake,
	}, nil
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}
