// Package metrics instruments the stack with Prometheus counters, the
// way Jeeves-Cluster-Organization's coreengine and cuemby-
// warren instrument their own core loops. Every counter is labeled by the
// owning process's address so a single registry can back a whole
// in-process test cluster without collisions.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the counters a stack reports.
type Metrics struct {
	LinkDelivered   *prometheus.CounterVec
	CrashesDetected *prometheus.CounterVec
	LeaderChanges   *prometheus.CounterVec
	Decisions       *prometheus.CounterVec
	PaxosRounds     *prometheus.CounterVec
	BroadcastSent   *prometheus.CounterVec
}

var (
	once     sync.Once
	instance *Metrics
)

// Default returns a process-wide singleton registered against the default
// Prometheus registry. Registration is idempotent: calling Default from
// multiple in-process stacks (as tests do) reuses the same collectors.
func Default() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			LinkDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rsdp",
				Name:      "link_delivered_total",
				Help:      "Messages delivered upward by perfect links, by process.",
			}, []string{"process"}),
			CrashesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rsdp",
				Name:      "crashes_detected_total",
				Help:      "Crash indications raised by a failure detector, by process.",
			}, []string{"process"}),
			LeaderChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rsdp",
				Name:      "leader_changes_total",
				Help:      "Leader/Trust changes raised by a leader detector, by process.",
			}, []string{"process"}),
			Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rsdp",
				Name:      "consensus_decisions_total",
				Help:      "Decide indications raised by a consensus instance, by process.",
			}, []string{"process", "algorithm"}),
			PaxosRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rsdp",
				Name:      "paxos_rounds_total",
				Help:      "Ballot rounds started by a Synod proposer, by process.",
			}, []string{"process"}),
			BroadcastSent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rsdp",
				Name:      "broadcast_sent_total",
				Help:      "Best-effort broadcast sends, by process and broadcast kind.",
			}, []string{"process", "kind"}),
		}
		for _, c := range []prometheus.Collector{
			instance.LinkDelivered, instance.CrashesDetected, instance.LeaderChanges,
			instance.Decisions, instance.PaxosRounds, instance.BroadcastSent,
		} {
			_ = prometheus.Register(c) // AlreadyRegisteredError is fine across test stacks
		}
	})
	return instance
}
