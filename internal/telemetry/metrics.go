package telemetry

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "labdeploy"

// Metrics holds the Prometheus collectors for one process. All Observe
// methods are safe on a nil receiver so components can run without
// metrics.
type Metrics struct {
	registry *prometheus.Registry

	probes          *prometheus.CounterVec
	snapshots       *prometheus.CounterVec
	hostUtilization *prometheus.GaugeVec
	decisions       *prometheus.CounterVec
	deployments     *prometheus.CounterVec
	deployDuration  *prometheus.HistogramVec
	runs            *prometheus.CounterVec
	agentRequests   *prometheus.CounterVec
	agentExecTime   *prometheus.HistogramVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		probes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Availability probes by host and result.",
		}, []string{"host", "result"}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Resource snapshots by host and status.",
		}, []string{"host", "status"}),
		hostUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_avg_utilization_percent",
			Help:      "Average accelerator utilization from the last snapshot.",
		}, []string{"host"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placement_decisions_total",
			Help:      "Placement decisions by workload, host and degraded flag.",
		}, []string{"workload", "host", "degraded"}),
		deployments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Deployment attempts by host, kind and outcome.",
		}, []string{"host", "kind", "outcome"}),
		deployDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deployment_duration_seconds",
			Help:      "Wall time of a single dispatch.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed orchestration runs by result.",
		}, []string{"result"}),
		agentRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "requests_total",
			Help:      "Agent requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
		agentExecTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "exec_duration_seconds",
			Help:      "Duration of commands run by the agent.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WriteTextfile dumps the registry for the node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func (m *Metrics) ObserveProbe(host string, available bool) {
	if m == nil {
		return
	}
	result := "unavailable"
	if available {
		result = "available"
	}
	m.probes.WithLabelValues(host, result).Inc()
}

func (m *Metrics) ObserveSnapshot(host, status string, avgUtilization float64) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(host, status).Inc()
	if status == "ok" {
		m.hostUtilization.WithLabelValues(host).Set(avgUtilization)
	}
}

func (m *Metrics) ObserveDecision(workload, host string, degraded bool) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(workload, host, strconv.FormatBool(degraded)).Inc()
}

func (m *Metrics) ObserveDeployment(host, kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(host, kind, outcome).Inc()
	m.deployDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) ObserveRun(failed bool) {
	if m == nil {
		return
	}
	result := "success"
	if failed {
		result = "failure"
	}
	m.runs.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAgentRequest(endpoint string, status int) {
	if m == nil {
		return
	}
	m.agentRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveAgentExec(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	m.agentExecTime.WithLabelValues(status).Observe(d.Seconds())
}
