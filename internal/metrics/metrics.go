// Package metrics holds the Prometheus instruments the router core
// maintains. Exposition over HTTP belongs to the web collaborator; the
// core only keeps the registry current.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all router core metrics.
type Registry struct {
	prom *prometheus.Registry

	// Health prober
	ProbeLatencyMS   *prometheus.GaugeVec
	ProbeJitterMS    *prometheus.GaugeVec
	ProbeLossPercent *prometheus.GaugeVec
	PeerOnline       *prometheus.GaugeVec
	ProbesTotal      *prometheus.CounterVec

	// Smart gateway
	FailoversTotal prometheus.Counter
	FailbacksTotal prometheus.Counter

	// Reconciler
	ReconcilesTotal      prometheus.Counter
	ReconcileOpsTotal    *prometheus.CounterVec
	ReconcileErrorsTotal prometheus.Counter
}

// Get returns the process-wide metrics registry, creating it on first
// use.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

// Prometheus returns the underlying registry for the web collaborator
// to expose.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

func newRegistry() *Registry {
	prom := prometheus.NewRegistry()
	factory := promauto.With(prom)

	return &Registry{
		prom: prom,

		ProbeLatencyMS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wgrouter_probe_latency_ms",
			Help: "Latest ICMP round-trip time per exit candidate.",
		}, []string{"peer"}),
		ProbeJitterMS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wgrouter_probe_jitter_ms",
			Help: "Mean successive latency delta over the probe window.",
		}, []string{"peer"}),
		ProbeLossPercent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wgrouter_probe_loss_percent",
			Help: "Packet loss over the probe window.",
		}, []string{"peer"}),
		PeerOnline: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wgrouter_peer_online",
			Help: "1 when the peer is considered online.",
		}, []string{"peer"}),
		ProbesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wgrouter_probes_total",
			Help: "ICMP probes issued, by peer and result.",
		}, []string{"peer", "result"}),

		FailoversTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wgrouter_failovers_total",
			Help: "Automatic exit-node failovers performed.",
		}),
		FailbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wgrouter_failbacks_total",
			Help: "Automatic failbacks to the preferred exit node.",
		}),

		ReconcilesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wgrouter_reconciles_total",
			Help: "Reconcile passes executed.",
		}),
		ReconcileOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wgrouter_reconcile_ops_total",
			Help: "Mutating kernel operations applied, by kind.",
		}, []string{"op"}),
		ReconcileErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wgrouter_reconcile_errors_total",
			Help: "Reconcile passes that ended in a partial state.",
		}),
	}
}
