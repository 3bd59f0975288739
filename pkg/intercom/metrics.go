// Copyright 2024-2026 Aiku AI

package intercom

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the engine's Prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	relayed    *prometheus.CounterVec
	handshakes *prometheus.CounterVec
	refreshes  *prometheus.CounterVec
	commands   *prometheus.CounterVec
	directory  prometheus.Gauge
}

const (
	relayDelivered  = "delivered"
	relaySuppressed = "suppressed"
	relayFailed     = "failed"
)

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intercom",
			Name:      "relay_targets_total",
			Help:      "Relay targets processed, by outcome.",
		}, []string{"outcome"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intercom",
			Name:      "handshakes_total",
			Help:      "Link requests, by final state.",
		}, []string{"state"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intercom",
			Name:      "refreshes_total",
			Help:      "Background refreshes, by job and result.",
		}, []string{"job", "result"}),
		directory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "intercom",
			Name:      "directory_channels",
			Help:      "Channels in the current directory snapshot.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intercom",
			Name:      "commands_total",
			Help:      "Commands handled, by name.",
		}, []string{"command"}),
	}
	m.Registry.MustRegister(
		m.relayed,
		m.handshakes,
		m.refreshes,
		m.commands,
		m.directory,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) observeReport(r *Report) {
	if m == nil || r == nil {
		return
	}
	m.relayed.WithLabelValues(relayDelivered).Add(float64(len(r.Delivered)))
	m.relayed.WithLabelValues(relaySuppressed).Add(float64(len(r.Suppressed)))
	m.relayed.WithLabelValues(relayFailed).Add(float64(len(r.Failed)))
}

func (m *Metrics) observeHandshake(state HandshakeState) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) observeRefresh(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.refreshes.WithLabelValues(job, result).Inc()
}

func (m *Metrics) setDirectorySize(n int) {
	if m == nil {
		return
	}
	m.directory.Set(float64(n))
}

func (m *Metrics) countCommand(name string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name).Inc()
}
