// Package metrics exports forwarding table statistics to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/yanet-platform/fibtrie/modules/route/fib"
	"github.com/yanet-platform/fibtrie/modules/route/internal/epoch"
)

const namespace = "fib"

// Option is a function that configures the collector.
type Option func(*options)

// WithLog configures the collector with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithReclaimer adds reclamation domain counters to the collector.
func WithReclaimer(d *epoch.Domain) Option {
	return func(o *options) {
		o.Reclaimer = d
	}
}

type options struct {
	Reclaimer *epoch.Domain
	Log       *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Collector implements prometheus.Collector on top of table statistics.
//
// Statistics are gathered on every scrape.
type Collector struct {
	tables    []*fib.Table
	reclaimer *epoch.Domain
	log       *zap.SugaredLogger

	leaves        *prometheus.Desc
	prefixes      *prometheus.Desc
	tnodes        *prometheus.Desc
	nullPointers  *prometheus.Desc
	maxDepth      *prometheus.Desc
	avgDepth      *prometheus.Desc
	memory        *prometheus.Desc
	defaultRoutes *prometheus.Desc
	resizeSkipped *prometheus.Desc
	allocFailures *prometheus.Desc

	pending      *prometheus.Desc
	pendingBytes *prometheus.Desc
	reclaimed    *prometheus.Desc
	gracePeriods *prometheus.Desc
}

// NewCollector creates a collector for the given tables.
func NewCollector(tables []*fib.Table, options ...Option) *Collector {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	tableDesc := func(name string, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "trie", name), help, []string{"table"}, nil)
	}
	reclaimDesc := func(name string, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "reclaim", name), help, nil, nil)
	}

	return &Collector{
		tables:    tables,
		reclaimer: opts.Reclaimer,
		log:       opts.Log,

		leaves:        tableDesc("leaves", "Number of trie leaves."),
		prefixes:      tableDesc("prefixes", "Number of routes stored in the trie."),
		tnodes:        tableDesc("tnodes", "Number of internal trie nodes."),
		nullPointers:  tableDesc("null_pointers", "Number of empty child slots."),
		maxDepth:      tableDesc("max_depth", "Maximum leaf depth."),
		avgDepth:      tableDesc("avg_depth", "Average leaf depth."),
		memory:        tableDesc("memory_bytes", "Size of allocated trie nodes."),
		defaultRoutes: tableDesc("default_routes", "Number of default routes."),
		resizeSkipped: tableDesc("resize_skipped_total", "Number of node resizes skipped for lack of memory."),
		allocFailures: tableDesc("alloc_failures_total", "Number of failed node allocations."),

		pending:      reclaimDesc("pending", "Number of objects waiting for a grace period."),
		pendingBytes: reclaimDesc("pending_bytes", "Size of objects waiting for a grace period."),
		reclaimed:    reclaimDesc("reclaimed_total", "Number of destroyed objects."),
		gracePeriods: reclaimDesc("grace_periods_total", "Number of completed grace periods."),
	}
}

// Describe implements prometheus.Collector.
func (m *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.leaves
	ch <- m.prefixes
	ch <- m.tnodes
	ch <- m.nullPointers
	ch <- m.maxDepth
	ch <- m.avgDepth
	ch <- m.memory
	ch <- m.defaultRoutes
	ch <- m.resizeSkipped
	ch <- m.allocFailures

	if m.reclaimer != nil {
		ch <- m.pending
		ch <- m.pendingBytes
		ch <- m.reclaimed
		ch <- m.gracePeriods
	}
}

// Collect implements prometheus.Collector.
func (m *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, tbl := range m.tables {
		s, err := tbl.Stats()
		if err != nil {
			m.log.Debugw("skipping table statistics", zap.Uint32("table", tbl.ID()), zap.Error(err))
			continue
		}

		table := strconv.FormatUint(uint64(tbl.ID()), 10)
		gauge := func(desc *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, table)
		}
		counter := func(desc *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), table)
		}

		gauge(m.leaves, float64(s.Leaves))
		gauge(m.prefixes, float64(s.Prefixes))
		gauge(m.tnodes, float64(s.TNodes))
		gauge(m.nullPointers, float64(s.NullPointers))
		gauge(m.maxDepth, float64(s.MaxDepth))
		gauge(m.avgDepth, s.AvgDepth())
		gauge(m.memory, float64(s.Memory.Bytes()))
		gauge(m.defaultRoutes, float64(s.DefaultRoutes))
		counter(m.resizeSkipped, s.ResizeSkipped)
		counter(m.allocFailures, s.AllocFailures)
	}

	if m.reclaimer == nil {
		return
	}

	s := m.reclaimer.Stats()
	ch <- prometheus.MustNewConstMetric(m.pending, prometheus.GaugeValue, float64(s.Pending))
	ch <- prometheus.MustNewConstMetric(m.pendingBytes, prometheus.GaugeValue, float64(s.PendingBytes.Bytes()))
	ch <- prometheus.MustNewConstMetric(m.reclaimed, prometheus.CounterValue, float64(s.Reclaimed))
	ch <- prometheus.MustNewConstMetric(m.gracePeriods, prometheus.CounterValue, float64(s.GracePeriods))
}
