// Package stats is the operational metrics surface: a small struct of
// prometheus.Gauge/Counter fields injected into the protocol
// engine, rather than a global registry reached into from deep call
// sites.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Metrics implements paxos.Metrics, publishing the session engine's
// operational counters. One Metrics is shared across every session this
// process hosts.
type Metrics struct {
	PrepareStartedCounter    prometheus.Counter
	InstanceCommittedCounter prometheus.Counter
	RedirectSentCounter      prometheus.Counter
	LearnDeliveredCounter    prometheus.Counter
	LiveAcceptorGauge        prometheus.Gauge
	InstanceBacklogGauge     prometheus.Gauge
}

// NewMetrics registers and returns a Metrics bound to reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PrepareStartedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumchat",
			Name:      "prepares_started_total",
			Help:      "Number of ballot prepares this process has initiated as proposer.",
		}),
		InstanceCommittedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumchat",
			Name:      "instances_committed_total",
			Help:      "Number of Paxos instances committed while this process was proposer.",
		}),
		RedirectSentCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumchat",
			Name:      "redirects_sent_total",
			Help:      "Number of REDIRECT replies sent.",
		}),
		LearnDeliveredCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumchat",
			Name:      "learns_delivered_total",
			Help:      "Number of learn callbacks delivered to the client.",
		}),
		LiveAcceptorGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumchat",
			Name:      "live_acceptors",
			Help:      "Acceptors this process currently believes are live.",
		}),
		InstanceBacklogGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumchat",
			Name:      "instance_backlog",
			Help:      "Instances committed but not yet learned (blocked behind ihole).",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.PrepareStartedCounter,
			m.InstanceCommittedCounter,
			m.RedirectSentCounter,
			m.LearnDeliveredCounter,
			m.LiveAcceptorGauge,
			m.InstanceBacklogGauge,
		)
	}
	return m
}

// PrepareStarted implements paxos.Metrics.
func (m *Metrics) PrepareStarted() { m.PrepareStartedCounter.Inc() }

// InstanceCommitted implements paxos.Metrics.
func (m *Metrics) InstanceCommitted() { m.InstanceCommittedCounter.Inc() }

// RedirectSent implements paxos.Metrics.
func (m *Metrics) RedirectSent() { m.RedirectSentCounter.Inc() }

// LearnDelivered implements paxos.Metrics.
func (m *Metrics) LearnDelivered() { m.LearnDeliveredCounter.Inc() }

// SetLiveAcceptors publishes the current live-acceptor count.
func (m *Metrics) SetLiveAcceptors(n int) { m.LiveAcceptorGauge.Set(float64(n)) }

// SetInstanceBacklog publishes the current count of committed-but-unlearned
// instances.
func (m *Metrics) SetInstanceBacklog(n int) { m.InstanceBacklogGauge.Set(float64(n)) }
