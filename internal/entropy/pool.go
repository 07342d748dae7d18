// Package entropy keeps a small pool fed by interrupt timing.
package entropy

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrNotSeeded is returned by Read before any sample has been mixed in.
var ErrNotSeeded = errors.New("entropy: pool not seeded")

// Pool mixes the arrival time of interrupts on registered lines into a
// 256-bit state. It implements irq.EntropySink.
type Pool struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	lines   map[uint]bool
	last    map[uint]int64
	state   [4]uint64
	samples uint64
	reads   uint64
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock replaces time.Now as the sample source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New returns an empty pool.
func New(log *slog.Logger, opts ...Option) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		log:   log,
		now:   time.Now,
		lines: make(map[uint]bool),
		last:  make(map[uint]int64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterLine marks line as a sample source.
func (p *Pool) RegisterLine(line uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lines[line] {
		p.lines[line] = true
		p.log.Debug("entropy: line registered", slog.Uint64("line", uint64(line)))
	}
}

// AddInterrupt mixes one trigger of line. Triggers on lines that were never
// registered are ignored.
func (p *Pool) AddInterrupt(line uint) {
	ts := p.now().UnixNano()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lines[line] {
		return
	}
	delta := ts - p.last[line]
	p.last[line] = ts

	var buf [56]byte
	for i, w := range p.state {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	binary.LittleEndian.PutUint64(buf[32:], uint64(line))
	binary.LittleEndian.PutUint64(buf[40:], uint64(ts))
	binary.LittleEndian.PutUint64(buf[48:], uint64(delta))

	slot := p.samples % uint64(len(p.state))
	p.state[slot] ^= xxhash.Sum64(buf[:])
	p.samples++
}

// Samples returns the number of triggers mixed so far.
func (p *Pool) Samples() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.samples
}

// Read fills b with bytes derived from the pool state. Every call advances
// an internal counter, so consecutive reads never repeat.
func (p *Pool) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.samples == 0 {
		return 0, ErrNotSeeded
	}

	d := xxhash.New()
	var word [8]byte
	n := 0
	for n < len(b) {
		d.Reset()
		for _, w := range p.state {
			binary.LittleEndian.PutUint64(word[:], w)
			_, _ = d.Write(word[:])
		}
		binary.LittleEndian.PutUint64(word[:], p.reads)
		_, _ = d.Write(word[:])
		p.reads++

		binary.LittleEndian.PutUint64(word[:], d.Sum64())
		n += copy(b[n:], word[:])
	}
	return n, nil
}
