package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metric namespace.
const namespace = "smapd"

// Query outcomes used as the result label.
const (
	ResultFound    = "found"
	ResultNotFound = "notfound"
	ResultError    = "error"
	ResultOK       = "ok"
)

// Daemon collectors.
type Metrics struct {
	registry      *prometheus.Registry
	Connections   *prometheus.CounterVec // Connections accepted, by server.
	Children      *prometheus.GaugeVec   // Running workers, by server.
	ServerBusy    *prometheus.CounterVec // Times a server reached its child limit, by server.
	Queries       *prometheus.CounterVec // Queries answered, by database and result.
	Transforms    *prometheus.CounterVec // Transforms applied, by database and result.
	FramingErrors prometheus.Counter     // Malformed length-prefixed records.
	ConfigErrors  prometheus.Counter     // Errors found while loading the configuration.
}

// Creates the collectors and registers them, along with the Go runtime and
// process collectors, in a new registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connections accepted.",
		}, []string{"server"}),
		Children: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "children",
			Help:      "Running connection workers.",
		}, []string{"server"}),
		ServerBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_busy_total",
			Help:      "Times a server stopped accepting because of its child limit.",
		}, []string{"server"}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries dispatched.",
		}, []string{"database", "result"}),
		Transforms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transforms_total",
			Help:      "Transform rules applied.",
		}, []string{"database", "result"}),
		FramingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "framing_errors_total",
			Help:      "Malformed length-prefixed records received.",
		}),
		ConfigErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_errors_total",
			Help:      "Errors reported while loading the configuration.",
		}),
	}

	m.registry.MustRegister(
		m.Connections,
		m.Children,
		m.ServerBusy,
		m.Queries,
		m.Transforms,
		m.FramingErrors,
		m.ConfigErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
