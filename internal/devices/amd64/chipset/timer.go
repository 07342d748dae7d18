package chipset

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// timerHandle tracks a cancellable periodic callback.
type timerHandle interface {
	Stop()
}

type timerHandleFunc func()

func (f timerHandleFunc) Stop() {
	if f != nil {
		f()
	}
}

type timerFactory func(period time.Duration, cb func()) timerHandle

func defaultTimerFactory(period time.Duration, cb func()) timerHandle {
	if period <= 0 || cb == nil {
		return nil
	}

	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cb()
			case <-stop:
				return
			}
		}
	}()

	return timerHandleFunc(func() {
		once.Do(func() { close(stop) })
	})
}

// Ticker is a periodic interrupt source: it calls fire once per period,
// typically a line pulse or a local vector raise on every CPU.
type Ticker struct {
	mu      sync.Mutex
	fire    func()
	factory timerFactory
	handle  timerHandle

	ticks atomic.Uint64
}

// TickerOption customises a Ticker, mainly for tests.
type TickerOption func(*Ticker)

// WithTickerFactory injects a custom periodic timer factory.
func WithTickerFactory(factory func(time.Duration, func()) timerHandle) TickerOption {
	return func(t *Ticker) {
		if factory != nil {
			t.factory = factory
		}
	}
}

// NewTicker returns a stopped Ticker.
func NewTicker(fire func(), opts ...TickerOption) *Ticker {
	t := &Ticker{fire: fire, factory: defaultTimerFactory}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start arms the ticker, replacing any running period.
func (t *Ticker) Start(period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("ticker: invalid period %v", period)
	}
	if t.fire == nil {
		return fmt.Errorf("ticker: nothing to fire")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handle != nil {
		t.handle.Stop()
	}
	t.handle = t.factory(period, t.tick)
	return nil
}

// Stop disarms the ticker.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handle != nil {
		t.handle.Stop()
		t.handle = nil
	}
}

// Ticks returns the number of periods fired.
func (t *Ticker) Ticks() uint64 {
	return t.ticks.Load()
}

func (t *Ticker) tick() {
	t.ticks.Add(1)
	t.fire()
}
