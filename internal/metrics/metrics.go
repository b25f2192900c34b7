// Package metrics holds the Prometheus collectors shared by the client sync
// core and the backend. A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "tally"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeReplay  = "replay"
)

// Metrics bundles every collector together with the registry that owns them.
type Metrics struct {
	registry *prometheus.Registry

	mutations       *prometheus.CounterVec
	rebased         prometheus.Counter
	pendingMutation prometheus.Gauge
	queueDepth      prometheus.Gauge
	dispatch        *prometheus.HistogramVec
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	changeLog       *prometheus.CounterVec
}

// New creates a Metrics with its own registry. Process and Go runtime
// collectors are registered alongside the tally collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "mutations_resolved_total",
			Help:      "Optimistic mutations resolved, by command and outcome.",
		}, []string{"command", "outcome"}),
		rebased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "mutations_rebased_total",
			Help:      "Pending mutations re-applied after an earlier overlapping mutation failed.",
		}),
		pendingMutation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "mutations_pending",
			Help:      "Optimistic mutations awaiting a backend outcome.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "queue_depth",
			Help:      "Requests persisted in the outgoing queue.",
		}),
		dispatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "dispatch_duration_seconds",
			Help:      "Round-trip time of queued requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "commands_total",
			Help:      "Commands executed by the backend, by command and outcome.",
		}, []string{"command", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "command_duration_seconds",
			Help:      "Time spent executing a command transaction.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		changeLog: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "change_log_entries_total",
			Help:      "Change log entries served or accepted, by direction.",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.mutations,
		m.rebased,
		m.pendingMutation,
		m.queueDepth,
		m.dispatch,
		m.commands,
		m.commandDuration,
		m.changeLog,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WriteText writes the tally collectors to w in the text exposition format.
// Runtime collectors are left out; the CLI prints this after a run.
func (m *Metrics) WriteText(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), namespace+"_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// MutationResolved counts a resolved optimistic mutation.
func (m *Metrics) MutationResolved(command, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(command, outcome).Inc()
}

// MutationRebased counts a pending mutation re-applied on top of a rollback.
func (m *Metrics) MutationRebased() {
	if m == nil {
		return
	}
	m.rebased.Inc()
}

// SetPendingMutations records the number of unresolved mutations.
func (m *Metrics) SetPendingMutations(n int) {
	if m == nil {
		return
	}
	m.pendingMutation.Set(float64(n))
}

// SetQueueDepth records the number of persisted queued requests.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveDispatch records the round-trip time of one queued request.
func (m *Metrics) ObserveDispatch(command string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(command).Observe(d.Seconds())
}

// CommandExecuted records a backend command outcome and its duration.
func (m *Metrics) CommandExecuted(command, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
	m.commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// ChangeLogEntries counts change log entries by direction: written by
// commands or pushes ("command", "push"), served to clients ("delta") or
// applied to a client cache ("pull").
func (m *Metrics) ChangeLogEntries(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.changeLog.WithLabelValues(direction).Add(float64(n))
}
