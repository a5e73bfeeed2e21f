package core

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/3cpo-dev/labdeploy/internal/catalog"
	"github.com/3cpo-dev/labdeploy/internal/dispatch"
	"github.com/3cpo-dev/labdeploy/internal/placement"
	"github.com/3cpo-dev/labdeploy/internal/remote"
	"github.com/3cpo-dev/labdeploy/internal/remote/remotetest"
	"github.com/3cpo-dev/labdeploy/pkg/api"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dashboard.Path = filepath.Join(t.TempDir(), "dashboard-config.json")
	cfg.History.Driver = "none"
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg Config, exec remote.Executor) *Orchestrator {
	t.Helper()
	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	o, err := NewOrchestrator(cfg, reg, exec, nil)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return o
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !json.Valid(payload) {
		return errors.New("invalid json")
	}
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) Close() {}

func TestDeployFleetOneEntryPerPair(t *testing.T) {
	fake := remotetest.New().
		GPUs("dgx-spark", "20, 0, 100\n").
		GPUs("hpc-1", "60, 0, 100\n").
		GPUs("hpc-3", "5, 0, 100\n").
		Respond("hpc-1", "cd ", remote.ExecResult{ExitCode: 1, Stderr: "compose up failed"})
	cfg := testConfig(t)
	o := newTestOrchestrator(t, cfg, fake)
	pub := &recordingPublisher{}
	o.Events = pub

	profiles := []placement.Profile{
		{WorkloadType: "development", ModelSize: placement.SizeSmall},
		{WorkloadType: "large_inference", ModelSize: placement.SizeLarge},
		{WorkloadType: "production", ModelSize: placement.SizeMedium},
	}
	report, err := o.DeployFleet(context.Background(), profiles)
	if !errors.Is(err, ErrRunFailed) {
		t.Fatalf("want ErrRunFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "compose up failed") {
		t.Errorf("run error lacks remote detail: %v", err)
	}

	type pair struct {
		Workload, Host string
		Outcome        api.Outcome
	}
	var got []pair
	for _, e := range report.Entries {
		got = append(got, pair{e.Workload, e.Host, e.Outcome})
	}
	want := []pair{
		{ControlPlaneWorkload, "mac-studio", api.OutcomeSuccess},
		{"development", "hpc-3", api.OutcomeSuccess},
		{"large_inference", "hpc-1", api.OutcomeFailure},
		{"production", "dgx-spark", api.OutcomeSuccess},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("entries (-want +got):\n%s", diff)
	}
	if !report.Failed() {
		t.Error("report should be failed")
	}
	if e, _ := report.Entry("large_inference", "hpc-1"); e.Error != "compose up failed" || e.Attempts != 1 {
		t.Errorf("failed entry = %+v", e)
	}
	if e, _ := report.Entry("development", "hpc-3"); e.Score != 95 || e.ModelSize != "small" {
		t.Errorf("development entry = %+v", e)
	}
	if report.ID == "" || report.Dashboard == nil || len(report.Dashboard.Systems) != 4 {
		t.Errorf("report = %+v", report)
	}
	if _, err := os.Stat(cfg.Dashboard.Path); err != nil {
		t.Errorf("dashboard not written: %v", err)
	}
	wantSubjects := []string{
		"labdeploy.deployment",
		"labdeploy.placement", "labdeploy.deployment",
		"labdeploy.placement", "labdeploy.deployment",
		"labdeploy.placement", "labdeploy.deployment",
		"labdeploy.run",
	}
	if diff := cmp.Diff(wantSubjects, pub.subjects); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestDeployFleetDegradedFallback(t *testing.T) {
	fake := remotetest.New().Down("dgx-spark", "hpc-3")
	o := newTestOrchestrator(t, testConfig(t), fake)

	report, err := o.DeployFleet(context.Background(), []placement.Profile{{WorkloadType: "interactive", ModelSize: placement.SizeSmall}})
	if !errors.Is(err, ErrRunFailed) {
		t.Fatalf("want ErrRunFailed, got %v", err)
	}
	e, ok := report.Entry("interactive", "dgx-spark")
	if !ok {
		t.Fatalf("no entry for fallback host: %+v", report.Entries)
	}
	if !e.Degraded || e.Outcome != api.OutcomeFailure {
		t.Fatalf("entry = %+v", e)
	}
	if fake.Count("sync", "dgx-spark") != 1 {
		t.Errorf("fallback host should still be dispatched to")
	}
}

func TestDeployFleetSuccess(t *testing.T) {
	fake := remotetest.New().GPUs("dgx-spark", "10, 0, 100\n").GPUs("hpc-1", "10, 0, 100\n")
	o := newTestOrchestrator(t, testConfig(t), fake)
	report, err := o.DeployFleet(context.Background(), []placement.Profile{
		{WorkloadType: "testing", ModelSize: placement.SizeMedium},
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if report.Failed() || len(report.Entries) != 2 {
		t.Fatalf("report = %+v", report.Entries)
	}
	if e := report.Entries[1]; e.Host != "dgx-spark" || e.Degraded {
		t.Fatalf("entry = %+v", e)
	}
}

func TestDeployFleetCancelledStillRecorded(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()
	o := newTestOrchestrator(t, testConfig(t), remotetest.New())
	o.History = store
	pub := &recordingPublisher{}
	o.Events = pub

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := o.DeployFleet(ctx, []placement.Profile{{WorkloadType: "development", ModelSize: placement.SizeSmall}})
	if !errors.Is(err, ErrRunFailed) || !errors.Is(err, context.Canceled) {
		t.Fatalf("want ErrRunFailed wrapping cancel, got %v", err)
	}
	runs, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != report.ID {
		t.Fatalf("runs = %+v", runs)
	}
	if n := len(pub.subjects); n == 0 || pub.subjects[n-1] != "labdeploy.run" {
		t.Fatalf("events = %v", pub.subjects)
	}
}

func TestDeployFleetRejectsBadProfile(t *testing.T) {
	fake := remotetest.New()
	o := newTestOrchestrator(t, testConfig(t), fake)
	if _, err := o.DeployFleet(context.Background(), []placement.Profile{{WorkloadType: "testing", ModelSize: "xl"}}); err == nil {
		t.Fatal("expected error")
	}
	if len(fake.Calls()) != 0 {
		t.Fatalf("no remote action expected, got %+v", fake.Calls())
	}
}

func TestDeployOne(t *testing.T) {
	fake := remotetest.New().Down("hpc-2")
	o := newTestOrchestrator(t, testConfig(t), fake)
	ctx := context.Background()
	wc := dispatch.WorkloadConfig{WorkloadType: "multi_user", ModelSize: "medium"}

	if _, err := o.DeployOne(ctx, "hpc-9", wc); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	res, err := o.DeployOne(ctx, "hpc-2", wc)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if res.Outcome != api.OutcomeSkipped {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if fake.Count("sync", "hpc-2") != 0 {
		t.Fatal("unreachable host must not be dispatched to")
	}

	res, err = o.DeployOne(ctx, "hpc-1", wc)
	if err != nil || !res.OK() {
		t.Fatalf("deploy hpc-1: %+v %v", res, err)
	}
}

func TestDeployTo(t *testing.T) {
	fake := remotetest.New().Down("hpc-3")
	o := newTestOrchestrator(t, testConfig(t), fake)
	report, err := o.DeployTo(context.Background(), "hpc-3", []placement.Profile{
		{WorkloadType: "development", ModelSize: placement.SizeSmall},
		{WorkloadType: "testing", ModelSize: placement.SizeSmall},
	})
	if !errors.Is(err, ErrRunFailed) {
		t.Fatalf("want ErrRunFailed, got %v", err)
	}
	if len(report.Entries) != 2 {
		t.Fatalf("entries = %+v", report.Entries)
	}
	for _, e := range report.Entries {
		if e.Outcome != api.OutcomeSkipped || e.Host != "hpc-3" {
			t.Errorf("entry = %+v", e)
		}
	}
	if _, err := o.DeployTo(context.Background(), "nowhere", nil); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRetryPolicyAppliedToFailures(t *testing.T) {
	fake := remotetest.New().Respond("hpc-1", "cd ", remote.ExecResult{ExitCode: 1, Stderr: "boom"})
	cfg := testConfig(t)
	cfg.Deploy.Retries = 2
	cfg.Deploy.RetryBackoff = time.Millisecond
	o := newTestOrchestrator(t, cfg, fake)

	report, err := o.DeployTo(context.Background(), "hpc-1", []placement.Profile{{WorkloadType: "batch_processing", ModelSize: placement.SizeLarge}})
	if !errors.Is(err, ErrRunFailed) {
		t.Fatalf("want ErrRunFailed, got %v", err)
	}
	if got := report.Entries[0].Attempts; got != 3 {
		t.Fatalf("attempts = %d", got)
	}
	if got := fake.Count("sync", "hpc-1"); got != 3 {
		t.Fatalf("syncs = %d", got)
	}
}

func TestWriteDashboard(t *testing.T) {
	cfg := testConfig(t)
	o := newTestOrchestrator(t, cfg, remotetest.New())
	d, err := o.WriteDashboard()
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	want := api.Dashboard{Systems: []api.DashboardSystem{
		{Name: "dgx-spark", Host: "dgx-spark.lab", Type: "gateway", APIEndpoint: "http://dgx-spark.lab:8001", UIEndpoint: "http://dgx-spark.lab:3001"},
		{Name: "hpc-1", Host: "hpc-1.lab", Type: "compute-node", APIEndpoint: "http://hpc-1.lab:8002", UIEndpoint: "http://hpc-1.lab:3002"},
		{Name: "hpc-2", Host: "hpc-2.lab", Type: "compute-node", APIEndpoint: "http://hpc-2.lab:8003", UIEndpoint: "http://hpc-2.lab:3003"},
		{Name: "hpc-3", Host: "hpc-3.lab", Type: "compute-node", APIEndpoint: "http://hpc-3.lab:8004", UIEndpoint: "http://hpc-3.lab:3004"},
	}}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Fatalf("dashboard (-want +got):\n%s", diff)
	}

	b, err := os.ReadFile(cfg.Dashboard.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var onDisk api.Dashboard
	if err := json.Unmarshal(b, &onDisk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(want, onDisk); diff != "" {
		t.Fatalf("file (-want +got):\n%s", diff)
	}
	entries, _ := os.ReadDir(filepath.Dir(cfg.Dashboard.Path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestHostsSnapshot(t *testing.T) {
	fake := remotetest.New().Down("hpc-2").GPUs("hpc-1", "25, 10, 100\n")
	o := newTestOrchestrator(t, testConfig(t), fake)
	hosts, avail, snaps := o.Hosts(context.Background())
	if len(hosts) != 5 || avail["hpc-2"] || !avail["mac-studio"] {
		t.Fatalf("avail = %v", avail)
	}
	if _, ok := snaps["hpc-2"]; ok {
		t.Error("unavailable host should not be snapshotted")
	}
	if snaps["hpc-1"].AvgUtilization != 25 {
		t.Errorf("hpc-1 snapshot = %+v", snaps["hpc-1"])
	}
}
