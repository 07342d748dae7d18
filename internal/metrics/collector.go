package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/irqcore/internal/irq"
)

// lineCollector snapshots every line with actions on each scrape.
type lineCollector struct {
	src Source

	dispatched *prometheus.Desc
	unhandled  *prometheus.Desc
	disabled   *prometheus.Desc
	depth      *prometheus.Desc
	handlers   *prometheus.Desc
}

func newLineCollector(src Source) *lineCollector {
	return &lineCollector{
		src: src,
		dispatched: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "line", "dispatched_total"),
			"Triggers dispatched per line and cpu",
			[]string{"line", "cpu", "controller"}, nil,
		),
		unhandled: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "line", "unhandled"),
			"Unhandled triggers in the current health window",
			[]string{"line"}, nil,
		),
		disabled: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "line", "disabled"),
			"Whether the line is currently disabled",
			[]string{"line"}, nil,
		),
		depth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "line", "disable_depth"),
			"Outstanding disable calls on the line",
			[]string{"line"}, nil,
		),
		handlers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "line", "handlers"),
			"Actions installed on the line",
			[]string{"line"}, nil,
		),
	}
}

func (c *lineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.dispatched
	ch <- c.unhandled
	ch <- c.disabled
	ch <- c.depth
	ch <- c.handlers
}

func (c *lineCollector) Collect(ch chan<- prometheus.Metric) {
	for line := 0; line < c.src.Lines(); line++ {
		st, err := c.src.Stats(uint(line))
		if err != nil || !st.Active() {
			continue
		}
		l := strconv.Itoa(line)
		for cpu, n := range st.PerCPU {
			ch <- prometheus.MustNewConstMetric(c.dispatched, prometheus.CounterValue,
				float64(n), l, strconv.Itoa(cpu), st.Controller)
		}
		disabled := 0.0
		if st.Status&irq.StatusDisabled != 0 {
			disabled = 1
		}
		ch <- prometheus.MustNewConstMetric(c.unhandled, prometheus.GaugeValue, float64(st.Unhandled), l)
		ch <- prometheus.MustNewConstMetric(c.disabled, prometheus.GaugeValue, disabled, l)
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(st.Depth), l)
		ch <- prometheus.MustNewConstMetric(c.handlers, prometheus.GaugeValue, float64(len(st.Handlers)), l)
	}
}
