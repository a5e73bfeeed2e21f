package telemetry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveProbe(t *testing.T) {
	m := NewMetrics()
	m.ObserveProbe("hpc-1", true)
	m.ObserveProbe("hpc-1", false)
	m.ObserveProbe("hpc-1", false)

	if got := testutil.ToFloat64(m.probes.WithLabelValues("hpc-1", "available")); got != 1 {
		t.Errorf("available probes = %v", got)
	}
	if got := testutil.ToFloat64(m.probes.WithLabelValues("hpc-1", "unavailable")); got != 2 {
		t.Errorf("unavailable probes = %v", got)
	}
}

func TestObserveSnapshotSetsUtilizationOnlyWhenOK(t *testing.T) {
	m := NewMetrics()
	m.ObserveSnapshot("hpc-2", "ok", 42.5)
	m.ObserveSnapshot("hpc-2", "unavailable", 99)
	if got := testutil.ToFloat64(m.hostUtilization.WithLabelValues("hpc-2")); got != 42.5 {
		t.Fatalf("utilization gauge = %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveProbe("a", true)
	m.ObserveSnapshot("a", "ok", 1)
	m.ObserveDecision("w", "a", true)
	m.ObserveDeployment("a", "gateway", "success", time.Second)
	m.ObserveRun(false)
	m.ObserveAgentRequest("/v0/exec", 200)
	m.ObserveAgentExec(true, time.Millisecond)
	if err := m.WriteTextfile("/nonexistent/x.prom"); err != nil {
		t.Fatalf("nil metrics textfile: %v", err)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.ObserveDecision("batch_processing", "hpc-1", false)
	m.ObserveDeployment("hpc-1", "compute-node", "failure", 3*time.Second)
	path := filepath.Join(t.TempDir(), "labdeploy.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	out := string(b)
	for _, want := range []string{
		`labdeploy_placement_decisions_total{degraded="false",host="hpc-1",workload="batch_processing"} 1`,
		`labdeploy_deployments_total{host="hpc-1",kind="compute-node",outcome="failure"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q", want)
		}
	}
}

func TestInstallTracingExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InstallTracing(&buf, "test")
	if err != nil {
		t.Fatalf("install tracing: %v", err)
	}
	_, span := StartSpan(context.Background(), "select", AttrWorkload.String("batch_processing"))
	EndSpan(span, nil)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), `"Name":"select"`) {
		t.Fatalf("span not exported: %s", buf.String())
	}
}
