// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package reactor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector exports TaskStats and Core counters to Prometheus.
type StatsCollector struct {
	stats *TaskStats
	cores func() []CoreStats

	pending   *prometheus.Desc
	running   *prometheus.Desc
	completed *prometheus.Desc
	failed    *prometheus.Desc
	total     *prometheus.Desc
	latest    *prometheus.Desc
	longest   *prometheus.Desc

	coreChannels *prometheus.Desc
	coreEvents   *prometheus.Desc
	coreTasks    *prometheus.Desc
	coreTimeouts *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector builds a collector over stats. cores may be nil.
func NewStatsCollector(namespace string, stats *TaskStats, cores func() []CoreStats) *StatsCollector {
	group := []string{"group"}
	core := []string{"core"}
	fq := func(sub, name string) string { return prometheus.BuildFQName(namespace, sub, name) }
	return &StatsCollector{
		stats:        stats,
		cores:        cores,
		pending:      prometheus.NewDesc(fq("tasks", "pending"), "Background tasks queued but not started.", group, nil),
		running:      prometheus.NewDesc(fq("tasks", "running"), "Background tasks currently running.", group, nil),
		completed:    prometheus.NewDesc(fq("tasks", "completed_total"), "Background tasks finished successfully.", group, nil),
		failed:       prometheus.NewDesc(fq("tasks", "failed_total"), "Background tasks finished with failure.", group, nil),
		total:        prometheus.NewDesc(fq("tasks", "time_seconds_total"), "Time spent in finished background tasks.", group, nil),
		latest:       prometheus.NewDesc(fq("tasks", "latest_duration_seconds"), "Duration of the most recently finished task.", group, nil),
		longest:      prometheus.NewDesc(fq("tasks", "longest_duration_seconds"), "Duration of the longest finished task.", group, nil),
		coreChannels: prometheus.NewDesc(fq("reactor", "channels"), "Channels registered on a reactor core.", core, nil),
		coreEvents:   prometheus.NewDesc(fq("reactor", "events_total"), "Readiness callbacks dispatched by a reactor core.", core, nil),
		coreTasks:    prometheus.NewDesc(fq("reactor", "tasks_total"), "Selector tasks run by a reactor core.", core, nil),
		coreTimeouts: prometheus.NewDesc(fq("reactor", "timeouts_total"), "Registrations expired by a reactor core.", core, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.pending, c.running, c.completed, c.failed, c.total, c.latest, c.longest,
		c.coreChannels, c.coreEvents, c.coreTasks, c.coreTimeouts,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, g := range c.stats.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(g.Pending), g.Group)
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, float64(g.Running), g.Group)
		ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(g.Completed), g.Group)
		ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(g.Failed), g.Group)
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue, g.TotalTime.Seconds(), g.Group)
		ch <- prometheus.MustNewConstMetric(c.latest, prometheus.GaugeValue, g.Latest.Duration.Seconds(), g.Group)
		ch <- prometheus.MustNewConstMetric(c.longest, prometheus.GaugeValue, g.Longest.Duration.Seconds(), g.Group)
	}
	if c.cores == nil {
		return
	}
	for _, cs := range c.cores() {
		id := strconv.Itoa(cs.ID)
		ch <- prometheus.MustNewConstMetric(c.coreChannels, prometheus.GaugeValue, float64(cs.Channels), id)
		ch <- prometheus.MustNewConstMetric(c.coreEvents, prometheus.CounterValue, float64(cs.Events), id)
		ch <- prometheus.MustNewConstMetric(c.coreTasks, prometheus.CounterValue, float64(cs.Tasks), id)
		ch <- prometheus.MustNewConstMetric(c.coreTimeouts, prometheus.CounterValue, float64(cs.Timeouts), id)
	}
}
