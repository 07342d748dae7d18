package irq

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	defaultLines           = 256
	defaultHealthWindow    = 100000
	defaultHealthThreshold = 99900
	defaultProbeSettle     = 20 * time.Millisecond
	defaultProbeWait       = 100 * time.Millisecond

	// badReportBudget bounds bogus-return diagnostics over the lifetime of
	// a Subsystem.
	badReportBudget = 100
)

// EntropySink collects timing samples from lines whose actions carry
// FlagSampleRandom. AddInterrupt runs in dispatch context and must not block.
type EntropySink interface {
	RegisterLine(line uint)
	AddInterrupt(line uint)
}

// Options configures a Subsystem. Zero values select the defaults.
type Options struct {
	Lines  int
	CPUs   int
	Logger *slog.Logger

	// NoIRQDebug turns the health monitor off entirely.
	NoIRQDebug bool
	// MaxActions bounds the number of actions Request may allocate.
	// Zero means unlimited.
	MaxActions int

	ProbeSettle time.Duration
	ProbeWait   time.Duration

	HealthWindow    uint32
	HealthThreshold uint32

	Entropy EntropySink
}

// Descriptor is the state of one interrupt line.
type Descriptor struct {
	mu sync.Mutex

	// status is written only under mu; it is atomic so Synchronize can poll
	// it without the lock.
	status atomic.Uint32
	depth  int
	action atomic.Pointer[Action]
	chip   atomic.Pointer[binding]

	// inflight counts CPUs between snapshotting the chain and returning from
	// it, including PER_CPU dispatches that never set StatusInProgress.
	inflight atomic.Int32

	// Free flips epoch under mu after unlinking an action and then waits
	// for readers[old&1] to drain. A dispatch holds a reference in the
	// slot of the epoch it took its chain snapshot in. freeMu keeps one
	// Free per line waiting at a time, so a slot is empty before its
	// parity comes round again.
	epoch   atomic.Uint32
	readers [2]atomic.Int32
	freeMu  sync.Mutex

	counts    []atomic.Uint64
	irqCount  atomic.Uint32
	unhandled atomic.Uint32
}

type binding struct {
	ctrl Controller
}

func (d *Descriptor) controller() Controller {
	return d.chip.Load().ctrl
}

func (d *Descriptor) loadStatus() Status {
	return Status(d.status.Load())
}

func (d *Descriptor) storeStatus(s Status) {
	d.status.Store(uint32(s))
}

// cpuState is the slice of per-CPU state the dispatch core maintains.
type cpuState struct {
	localOff atomic.Bool
	nesting  atomic.Int32
}

// Subsystem owns the descriptor table and every piece of global interrupt
// state. Independent Subsystems share nothing.
type Subsystem struct {
	log  *slog.Logger
	opts Options

	desc []Descriptor
	cpus []cpuState

	stub    noController
	stubRef *binding
	archAck atomic.Pointer[func(cpu int, line uint)]

	probe   *semaphore.Weighted
	probing atomic.Bool

	actions    atomic.Int64
	badReports atomic.Int32
}

// New builds a Subsystem with every line bound to the stub controller and
// marked disabled.
func New(opts Options) *Subsystem {
	if opts.Lines <= 0 {
		opts.Lines = defaultLines
	}
	if opts.CPUs <= 0 {
		opts.CPUs = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ProbeSettle <= 0 {
		opts.ProbeSettle = defaultProbeSettle
	}
	if opts.ProbeWait <= 0 {
		opts.ProbeWait = defaultProbeWait
	}
	if opts.HealthWindow == 0 {
		opts.HealthWindow = defaultHealthWindow
	}
	if opts.HealthThreshold == 0 {
		opts.HealthThreshold = defaultHealthThreshold
	}

	s := &Subsystem{
		log:   opts.Logger,
		opts:  opts,
		desc:  make([]Descriptor, opts.Lines),
		cpus:  make([]cpuState, opts.CPUs),
		probe: semaphore.NewWeighted(1),
	}
	s.stub = noController{
		sub:     s,
		limiter: rate.NewLimiter(rate.Every(time.Second), 10),
	}
	s.stubRef = &binding{ctrl: &s.stub}
	s.badReports.Store(badReportBudget)

	for i := range s.desc {
		d := &s.desc[i]
		d.counts = make([]atomic.Uint64, opts.CPUs)
		d.depth = 1
		d.storeStatus(StatusDisabled)
		d.chip.Store(s.stubRef)
	}
	return s
}

// Lines returns the size of the descriptor table.
func (s *Subsystem) Lines() int { return len(s.desc) }

// CPUs returns the number of CPUs the Subsystem accounts for.
func (s *Subsystem) CPUs() int { return len(s.cpus) }

// Descriptor returns the descriptor for line.
func (s *Subsystem) Descriptor(line uint) (*Descriptor, error) {
	if line >= uint(len(s.desc)) {
		return nil, fmt.Errorf("irq: line %d: %w", line, ErrNoSuchLine)
	}
	return &s.desc[line], nil
}

// Bind attaches ctrl to line. Platform code calls it before drivers request
// the line; passing nil restores the stub. Rebinding a line that has actions
// installed fails with ErrBusy.
func (s *Subsystem) Bind(line uint, ctrl Controller) error {
	d, err := s.Descriptor(line)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.action.Load() != nil {
		return fmt.Errorf("irq: bind line %d: %w", line, ErrBusy)
	}
	if ctrl == nil {
		d.chip.Store(s.stubRef)
		return nil
	}
	d.chip.Store(&binding{ctrl: ctrl})
	return nil
}

// SetArchAck installs the acknowledgement the stub controller performs for
// triggers on unbound lines.
func (s *Subsystem) SetArchAck(fn func(cpu int, line uint)) {
	if fn == nil {
		s.archAck.Store(nil)
		return
	}
	s.archAck.Store(&fn)
}

// LocalInterruptsEnabled reports whether cpu currently accepts interrupts.
// Local interrupts are off on entry to Dispatch and are switched back on
// for the handler chain unless its first action has FlagDisableLocal.
func (s *Subsystem) LocalInterruptsEnabled(cpu int) bool {
	if cpu < 0 || cpu >= len(s.cpus) {
		return false
	}
	return !s.cpus[cpu].localOff.Load()
}

// InInterrupt reports whether cpu is inside Dispatch.
func (s *Subsystem) InInterrupt(cpu int) bool {
	if cpu < 0 || cpu >= len(s.cpus) {
		return false
	}
	return s.cpus[cpu].nesting.Load() > 0
}

func (s *Subsystem) bound(d *Descriptor) bool {
	return d.chip.Load() != s.stubRef
}
