// Package metrics exposes Prometheus instrumentation for the project-state
// engine: documents tracked, changes applied, branch merges, and sync
// transport activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all metrics for the engine.
type Metrics struct {
	registry *prometheus.Registry

	documentsTracked prometheus.Gauge
	changesApplied   prometheus.Counter
	mergesTotal      prometheus.Counter
	commandsTotal    *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
	syncMessages     *prometheus.CounterVec
	syncReconnects   prometheus.Counter
}

// NewMetrics creates a metrics instance backed by its own registry, so
// multiple instances (one per test, say) never collide.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		documentsTracked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "projectd_documents_tracked",
			Help: "Number of CRDT document handles currently registered",
		}),

		changesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "projectd_changes_applied_total",
			Help: "Total number of CRDT changes committed or merged locally",
		}),

		mergesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "projectd_branch_merges_total",
			Help: "Total number of branch merge operations",
		}),

		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "projectd_commands_total",
				Help: "Total number of driver commands processed",
			},
			[]string{"command", "status"},
		),

		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "projectd_events_total",
				Help: "Total number of driver output events emitted",
			},
			[]string{"event"},
		),

		syncMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "projectd_sync_messages_total",
				Help: "Total number of sync wire messages",
			},
			[]string{"direction", "type"},
		),

		syncReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "projectd_sync_reconnects_total",
			Help: "Total number of sync connection attempts after the first",
		}),
	}
}

// Registry exposes the backing registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetDocumentsTracked records the current handle count.
func (m *Metrics) SetDocumentsTracked(n int) {
	m.documentsTracked.Set(float64(n))
}

// RecordChangeApplied counts one committed or merged change.
func (m *Metrics) RecordChangeApplied() {
	m.changesApplied.Inc()
}

// RecordMerge counts one branch merge.
func (m *Metrics) RecordMerge() {
	m.mergesTotal.Inc()
}

// RecordCommand counts one processed driver command with its outcome.
func (m *Metrics) RecordCommand(command, status string) {
	m.commandsTotal.WithLabelValues(command, status).Inc()
}

// RecordEvent counts one emitted driver output event.
func (m *Metrics) RecordEvent(event string) {
	m.eventsTotal.WithLabelValues(event).Inc()
}

// RecordSyncMessage counts one wire message in the given direction.
func (m *Metrics) RecordSyncMessage(direction, msgType string) {
	m.syncMessages.WithLabelValues(direction, msgType).Inc()
}

// RecordSyncReconnect counts one reconnection attempt.
func (m *Metrics) RecordSyncReconnect() {
	m.syncReconnects.Inc()
}
