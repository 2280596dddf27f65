// Package metrics holds the prometheus collectors shared by the gateway.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shelter"

type Metrics struct {
	fetches              *prometheus.CounterVec
	installs             *prometheus.CounterVec
	partitionsDeleted    prometheus.Counter
	versionNotifications prometheus.Counter
	pushes               *prometheus.CounterVec
	replayEntries        *prometheus.CounterVec
	queueDepth           prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Intercepted GET requests by routing policy and outcome.",
		}, []string{"policy", "outcome"}),
		installs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "install_total",
			Help:      "Shell install attempts by result.",
		}, []string{"result"}),
		partitionsDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_deleted_total",
			Help:      "Cache partitions removed during activation.",
		}),
		versionNotifications: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_notifications_total",
			Help:      "New-version broadcasts sent to clients.",
		}),
		pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_total",
			Help:      "Inbound push messages by payload kind.",
		}, []string{"payload"}),
		replayEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_entries_total",
			Help:      "Deferred writes replayed by result.",
		}, []string{"result"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Deferred writes waiting for replay.",
		}),
	}
}

func (m *Metrics) Fetch(policy, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(policy, outcome).Inc()
}

func (m *Metrics) Install(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.installs.WithLabelValues(result).Inc()
}

func (m *Metrics) PartitionDeleted() {
	if m == nil {
		return
	}
	m.partitionsDeleted.Inc()
}

func (m *Metrics) VersionNotified() {
	if m == nil {
		return
	}
	m.versionNotifications.Inc()
}

func (m *Metrics) Push(payload string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(payload).Inc()
}

func (m *Metrics) Replayed(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.replayEntries.WithLabelValues(result).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
