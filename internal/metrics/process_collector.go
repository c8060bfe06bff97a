package metrics

import (
	"log/slog"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessCollector reports resource usage of the process currently owning a role. The pid is
// resolved on every scrape so restarts are followed without re-registration.
type ProcessCollector struct {
	role string
	pid  func() int

	cpu     *prometheus.Desc
	rss     *prometheus.Desc
	vms     *prometheus.Desc
	threads *prometheus.Desc
	fds     *prometheus.Desc
	up      *prometheus.Desc
}

var _ prometheus.Collector = (*ProcessCollector)(nil)

// NewProcessCollector returns a collector for role; pid returns 0 when nothing is running.
func NewProcessCollector(role string, pid func() int) *ProcessCollector {
	labels := prometheus.Labels{"role": role}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("procd", "tracked", name), help, nil, labels)
	}
	return &ProcessCollector{
		role:    role,
		pid:     pid,
		cpu:     desc("cpu_percent", "CPU usage of the tracked process."),
		rss:     desc("memory_rss_bytes", "Resident set size of the tracked process."),
		vms:     desc("memory_vms_bytes", "Virtual memory size of the tracked process."),
		threads: desc("threads", "Number of threads of the tracked process."),
		fds:     desc("open_fds", "Number of open file descriptors of the tracked process."),
		up:      desc("up", "1 when the tracked process could be inspected."),
	}
}

func (c *ProcessCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.cpu, c.rss, c.vms, c.threads, c.fds, c.up} {
		ch <- d
	}
}

func (c *ProcessCollector) Collect(ch chan<- prometheus.Metric) {
	pid := c.pid()
	if pid <= 0 {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		slog.Debug("failed to get memory info", "role", c.role, "pid", pid, "error", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(mem.RSS))
	ch <- prometheus.MustNewConstMetric(c.vms, prometheus.GaugeValue, float64(mem.VMS))

	if cpu, err := proc.CPUPercent(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, cpu)
	}
	if n, err := proc.NumThreads(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(n))
	}
	// file descriptor count is Unix only
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.fds, prometheus.GaugeValue, float64(n))
		}
	}
}
