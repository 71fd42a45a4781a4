package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/harshul/devsup/internal/state"
)

var projectsDesc = prometheus.NewDesc(
	"devsup_projects",
	"Projects currently in each status",
	[]string{"status"}, nil,
)

var allStatuses = []state.Status{
	state.StatusStopped,
	state.StatusStarting,
	state.StatusRunning,
	state.StatusError,
}

type projectCollector struct {
	snapshot func() map[string]state.DevServerState
}

func (c *projectCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- projectsDesc
}

func (c *projectCollector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[state.Status]int, len(allStatuses))
	for _, st := range c.snapshot() {
		counts[st.Status]++
	}
	for _, s := range allStatuses {
		ch <- prometheus.MustNewConstMetric(projectsDesc, prometheus.GaugeValue, float64(counts[s]), string(s))
	}
}
