// Package metrics exports supervisor lifecycle counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harshul/devsup/internal/state"
)

// Recorder implements supervisor.Recorder on its own registry so several
// supervisors (and tests) never collide on the default one.
type Recorder struct {
	registry *prometheus.Registry

	transitions        *prometheus.CounterVec
	detections         *prometheus.CounterVec
	crashes            prometheus.Counter
	breakerTrips       prometheus.Counter
	spawnFailures      prometheus.Counter
	terminationFailure prometheus.Counter
}

// New creates a recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devsup_state_transitions_total",
				Help: "Dev server status transitions",
			},
			[]string{"from", "to"},
		),
		detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devsup_url_detections_total",
				Help: "URL detections by source (output or probe)",
			},
			[]string{"source"},
		),
		crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devsup_unexpected_exits_total",
			Help: "Unexpected dev server exits",
		}),
		breakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devsup_crash_loop_trips_total",
			Help: "Times the crash-loop breaker opened",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devsup_spawn_failures_total",
			Help: "Failed process spawns",
		}),
		terminationFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devsup_termination_failures_total",
			Help: "Processes that survived a forceful kill",
		}),
	}
	r.registry.MustRegister(
		r.transitions,
		r.detections,
		r.crashes,
		r.breakerTrips,
		r.spawnFailures,
		r.terminationFailure,
	)
	return r
}

// Transition counts a status change.
func (r *Recorder) Transition(from, to state.Status) {
	if from == to {
		return
	}
	r.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (r *Recorder) Detected(source string) { r.detections.WithLabelValues(source).Inc() }
func (r *Recorder) Crash()                 { r.crashes.Inc() }
func (r *Recorder) BreakerTripped()        { r.breakerTrips.Inc() }
func (r *Recorder) SpawnFailed()           { r.spawnFailures.Inc() }
func (r *Recorder) TerminationFailed()     { r.terminationFailure.Inc() }

// WatchProjects registers a gauge of projects per status, computed from
// snapshot at scrape time.
func (r *Recorder) WatchProjects(snapshot func() map[string]state.DevServerState) {
	r.registry.MustRegister(&projectCollector{snapshot: snapshot})
}

// Registry exposes the underlying registry for gathering.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
