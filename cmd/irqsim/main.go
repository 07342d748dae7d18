package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/irqcore/internal/config"
	amd64chipset "github.com/tinyrange/irqcore/internal/devices/amd64/chipset"
	"github.com/tinyrange/irqcore/internal/entropy"
	"github.com/tinyrange/irqcore/internal/irq"
	"github.com/tinyrange/irqcore/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "irqsim: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	writeConfig string
	cpus        int
	lines       int
	debug       bool
	noIRQDebug  bool
	metricsAddr string
	probeLine   uint
	tick        time.Duration
	quiet       bool
}

func run() error {
	var opts options
	flag.StringVar(&opts.configPath, "config", config.Filename, "Configuration file")
	flag.StringVar(&opts.writeConfig, "write-config", "", "Write the effective configuration to this path and exit")
	flag.IntVar(&opts.cpus, "cpus", 0, "Number of CPUs (overrides the configuration)")
	flag.IntVar(&opts.lines, "lines", 0, "Number of interrupt lines (overrides the configuration)")
	flag.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&opts.noIRQDebug, "noirqdebug", false, "Never disable lines that nobody handles")
	flag.StringVar(&opts.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address and wait for a signal")
	flag.UintVar(&opts.probeLine, "probe", uint(config.LegacyLines+1), "Line a device pulses during the autodetection session (0 skips it)")
	flag.DurationVar(&opts.tick, "tick", time.Millisecond, "Local timer period")
	flag.BoolVar(&opts.quiet, "quiet", false, "Do not draw a progress bar")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a simulated PC interrupt platform, drive device interrupts from every CPU\n")
		fmt.Fprintf(os.Stderr, "and print the resulting interrupt table.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.cpus > 0 {
		cfg.CPUs = opts.cpus
	}
	if opts.lines > 0 {
		cfg.Lines = opts.lines
	}
	if opts.noIRQDebug {
		cfg.NoIRQDebug = true
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = defaultDevices(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if opts.writeConfig != "" {
		return config.Write(opts.writeConfig, cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := entropy.New(log)
	sub := irq.New(cfg.IRQOptions(log, pool))

	levelLines := make(map[uint]bool)
	for _, d := range cfg.Devices {
		if d.Level {
			levelLines[d.Line] = true
		}
	}
	pc, err := amd64chipset.NewPC(sub, amd64chipset.PCConfig{
		IOAPICPins:   cfg.Platform.IOAPICPins,
		LocalVectors: cfg.Platform.LocalVectors,
		Level:        levelLines,
	})
	if err != nil {
		return err
	}
	for _, c := range pc.Controllers() {
		log.Debug("controller bound", "name", c.Name, "first", c.First, "count", c.Count)
	}

	m := metrics.New(sub)
	m.SetInfo(sub.Lines(), sub.CPUs())

	var server *http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		server = &http.Server{
			Addr:         opts.metricsAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("serving metrics", "addr", opts.metricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer func() { _ = shutdownServer(server) }()
	}

	cpuCtx, stopCPUs := context.WithCancel(ctx)
	cpus, cpuCtx := errgroup.WithContext(cpuCtx)
	for cpu := 0; cpu < sub.CPUs(); cpu++ {
		cpus.Go(func() error { return pc.Service(cpuCtx, cpu) })
	}
	var ticker *amd64chipset.Ticker
	// Every return from here on disarms the timer and joins the CPU loops.
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		stopCPUs()
		_ = cpus.Wait()
	}()

	if opts.probeLine != 0 {
		result, err := probe(cpuCtx, sub, pc, opts.probeLine)
		if err != nil {
			m.RecordProbeAborted()
			log.Warn("probe aborted", "error", err)
		} else {
			m.RecordProbe(result)
			log.Info("probe finished", "want", opts.probeLine, "result", result)
		}
	}

	devices, err := attachDevices(sub, pc.Platform, cfg.Devices)
	if err != nil {
		return err
	}

	var ticks atomic.Uint64
	if ticker, err = startLocalTimer(sub, pc, opts.tick, &ticks); err != nil {
		return err
	}

	if err := drive(cpuCtx, devices, m, opts.quiet); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// Let the CPUs drain whatever is still queued.
	time.Sleep(50 * time.Millisecond)
	if ticker != nil {
		ticker.Stop()
	}
	stopCPUs()
	if err := cpus.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if err := printReport(os.Stdout, sub, devices, pool, pc, ticks.Load()); err != nil {
		return err
	}

	if server != nil {
		log.Info("waiting for a signal to stop the metrics server")
		<-ctx.Done()
		return shutdownServer(server)
	}
	return nil
}

func shutdownServer(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// startLocalTimer registers the PER_CPU timer on the first local vector and
// arms a ticker raising it on every CPU. It returns a nil Ticker when the
// platform has no local vectors. On failure the line is left unregistered.
func startLocalTimer(sub *irq.Subsystem, pc *amd64chipset.PC, period time.Duration, ticks *atomic.Uint64) (*amd64chipset.Ticker, error) {
	line, ok := pc.LocalLine(0)
	if !ok {
		return nil, nil
	}
	timer := func(uint, any) irq.Return {
		ticks.Add(1)
		return irq.Handled
	}
	if err := sub.Request(line, timer, irq.FlagPerCPU|irq.FlagDisableLocal, "local-timer", ticks); err != nil {
		return nil, fmt.Errorf("local timer: %w", err)
	}
	ticker := amd64chipset.NewTicker(func() { _ = pc.RaiseLocalAll(line) })
	if err := ticker.Start(period); err != nil {
		sub.Free(line, ticks)
		return nil, fmt.Errorf("local timer: %w", err)
	}
	return ticker, nil
}

// probe runs one autodetection session while a device pulses line, the
// way a driver finds the line its hardware was jumpered to.
func probe(ctx context.Context, sub *irq.Subsystem, pc *amd64chipset.PC, line uint) (int, error) {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		const want = irq.StatusAutodetect | irq.StatusWaiting
		for probeCtx.Err() == nil {
			if st, err := sub.Stats(line); err != nil {
				return
			} else if st.Status&want == want {
				pc.Line(line).PulseInterrupt()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	mask, err := sub.ProbeOn(probeCtx)
	if err != nil {
		return 0, err
	}
	return sub.ProbeOff(mask), nil
}

// drive raises every configured trigger, one goroutine per device.
func drive(ctx context.Context, devices []*simDevice, m *metrics.Metrics, quiet bool) error {
	var total int64
	for _, d := range devices {
		total += int64(d.cfg.Triggers)
	}
	var bar *progressbar.ProgressBar
	if quiet || !term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.DefaultSilent(total, "triggers")
	} else {
		bar = progressbar.Default(total, "triggers")
	}
	defer bar.Close()

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range devices {
		g.Go(func() error {
			for range d.cfg.Triggers {
				if err := gctx.Err(); err != nil {
					return err
				}
				d.raise()
				m.TriggersTotal.Inc()
				_ = bar.Add(1)
			}
			return nil
		})
	}
	return g.Wait()
}

func printReport(w io.Writer, sub *irq.Subsystem, devices []*simDevice, pool *entropy.Pool, pc *amd64chipset.PC, ticks uint64) error {
	var buf bytes.Buffer
	if _, err := sub.WriteTo(&buf); err != nil {
		return err
	}
	fmt.Fprintf(&buf, "\n%-10s %10s %10s %6s\n", "device", "raised", "handled", "held")
	for _, d := range devices {
		fmt.Fprintf(&buf, "%-10s %10d %10d %6t\n", d.cfg.Name, d.raised.Load(), d.handled.Load(), pc.Lines().Level(d.cfg.Line))
	}
	pic := pc.PIC.Stats()
	lapic := pc.LAPIC.Stats()
	fmt.Fprintf(&buf, "\nlocal timer ticks: %d\n", ticks)
	fmt.Fprintf(&buf, "pic: acknowledges=%d spurious=%d\n", pic.Acknowledges, pic.Spurious)
	fmt.Fprintf(&buf, "lapic: delivered=%d spurious=%d dropped=%d eoi=%d\n", lapic.Delivered, lapic.Spurious, lapic.Dropped, lapic.EOIs)
	fmt.Fprintf(&buf, "ioapic: interrupts=%d\n", pc.IOAPIC.Stats().Interrupts)
	fmt.Fprintf(&buf, "entropy samples: %d\n", pool.Samples())

	width := 0
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil {
			width = cols
		}
	}
	_, err := io.WriteString(w, fitWidth(buf.String(), width))
	return err
}

// fitWidth truncates every line of s to width cells. Zero keeps s as is.
func fitWidth(s string, width int) string {
	if width <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if ansi.StringWidth(line) > width {
			lines[i] = ansi.Truncate(line, width, "…")
		}
	}
	return strings.Join(lines, "\n")
}
