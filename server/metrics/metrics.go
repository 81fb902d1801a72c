package metrics

import (
	"requery/server/core"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Create and register system metrics collector
type systemCollector struct {
	diskSpace    *prometheus.Desc
	memoryMetric *prometheus.Desc
	cpuUsage     *prometheus.Desc
}

// Implement collector interface
func (collector *systemCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- collector.diskSpace
	ch <- collector.memoryMetric
	ch <- collector.cpuUsage
}

func (collector *systemCollector) Collect(ch chan<- prometheus.Metric) {
	// Collect disk metrics
	if usage, err := disk.Usage("/"); err == nil {
		ch <- prometheus.MustNewConstMetric(
			collector.diskSpace,
			prometheus.GaugeValue,
			float64(usage.Total),
			"/", "total",
		)
		ch <- prometheus.MustNewConstMetric(
			collector.diskSpace,
			prometheus.GaugeValue,
			float64(usage.Used),
			"/", "used",
		)
	}

	// Collect memory metrics
	if vmstat, err := mem.VirtualMemory(); err == nil {
		ch <- prometheus.MustNewConstMetric(
			collector.memoryMetric,
			prometheus.GaugeValue,
			float64(vmstat.Total),
			"total",
		)
		ch <- prometheus.MustNewConstMetric(
			collector.memoryMetric,
			prometheus.GaugeValue,
			float64(vmstat.Available),
			"available",
		)
		ch <- prometheus.MustNewConstMetric(
			collector.memoryMetric,
			prometheus.GaugeValue,
			float64(vmstat.Used),
			"used",
		)
	}

	// Collect CPU metrics
	if cpuPercentage, err := cpu.Percent(0, false); err == nil {
		ch <- prometheus.MustNewConstMetric(
			collector.cpuUsage,
			prometheus.GaugeValue,
			cpuPercentage[0],
		)
	}
}

// engineCollector reads the adapter registry straight off the app state, so
// the value is exact at scrape time without bookkeeping in the registry.
type engineCollector struct {
	app            *core.App
	activeAdapters *prometheus.Desc
}

func (collector *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- collector.activeAdapters
}

func (collector *engineCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		collector.activeAdapters,
		prometheus.GaugeValue,
		float64(core.AdapterCount(collector.app)),
	)
}

func Init(app *core.App) {
	prometheus.MustRegister(&systemCollector{
		diskSpace: prometheus.NewDesc(
			"system_disk_space_bytes",
			"Available disk space in bytes",
			[]string{"path", "type"},
			nil,
		),
		memoryMetric: prometheus.NewDesc(
			"system_memory_bytes",
			"System memory usage in bytes",
			[]string{"type"},
			nil,
		),
		cpuUsage: prometheus.NewDesc(
			"system_cpu_usage_percent",
			"Current CPU usage percentage",
			nil,
			nil,
		),
	})
	prometheus.MustRegister(&engineCollector{
		app: app,
		activeAdapters: prometheus.NewDesc(
			"requery_registered_adapters",
			"Number of registered search adapters",
			nil,
			nil,
		),
	})
}
