package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/3cpo-dev/labdeploy/internal/catalog"
	"github.com/3cpo-dev/labdeploy/internal/dispatch"
	"github.com/3cpo-dev/labdeploy/internal/placement"
	"github.com/3cpo-dev/labdeploy/internal/probe"
	"github.com/3cpo-dev/labdeploy/internal/remote"
	"github.com/3cpo-dev/labdeploy/internal/resources"
	"github.com/3cpo-dev/labdeploy/internal/telemetry"
	"github.com/3cpo-dev/labdeploy/pkg/api"
)

// ControlPlaneWorkload labels the local-control setup in reports.
const ControlPlaneWorkload = "control-plane"

// ErrRunFailed is returned when at least one pair of a run did not succeed.
var ErrRunFailed = errors.New("deployment run failed")

// Orchestrator drives a deployment run end to end.
type Orchestrator struct {
	Registry   *catalog.Registry
	Routing    *placement.RoutingTable
	Prober     *probe.Prober
	Collector  *resources.Collector
	Selector   *placement.Selector
	Dispatcher *dispatch.Dispatcher
	History    HistoryStore
	Events     Publisher
	Metrics    *telemetry.Metrics
	Retry      RetryPolicy

	dashboard     DashboardConfig
	subjectPrefix string
	now           func() time.Time
}

// NewOrchestrator validates the routing table against reg and wires the
// pipeline on top of exec. History and Events default to no-ops.
func NewOrchestrator(cfg Config, reg *catalog.Registry, exec remote.Executor, metrics *telemetry.Metrics) (*Orchestrator, error) {
	rt, err := placement.NewRoutingTable(cfg.Routing, reg)
	if err != nil {
		return nil, err
	}
	prober := &probe.Prober{
		Exec:                exec,
		ReachabilityTimeout: cfg.Timeouts.Reachability,
		HandshakeTimeout:    cfg.Timeouts.Handshake,
		Parallelism:         cfg.Probe.Parallelism,
		Metrics:             metrics,
	}
	collector := &resources.Collector{
		Exec:        exec,
		Timeout:     cfg.Timeouts.Telemetry,
		Parallelism: cfg.Probe.Parallelism,
		Metrics:     metrics,
		Now:         time.Now,
	}
	retry := DefaultRetryPolicy()
	retry.MaxRetries = cfg.Deploy.Retries
	if cfg.Deploy.RetryBackoff > 0 {
		retry.InitialDelay = cfg.Deploy.RetryBackoff
	}
	return &Orchestrator{
		Registry:  reg,
		Routing:   rt,
		Prober:    prober,
		Collector: collector,
		Selector: &placement.Selector{
			Registry:  reg,
			Routing:   rt,
			Probe:     prober,
			Snapshots: collector,
			Metrics:   metrics,
		},
		Dispatcher: dispatch.New(exec, dispatch.Options{
			SourceDir:        cfg.Deploy.SourceDir,
			RemoteDir:        cfg.Deploy.RemoteDir,
			ConfigureCommand: cfg.Deploy.ConfigureCommand,
			Service:          cfg.Deploy.Service,
			LocalActions:     cfg.Deploy.LocalActions,
			Fallback:         rt.Fallback(),
			Timeout:          cfg.Timeouts.Dispatch,
		}, metrics),
		History:       nopStore{},
		Events:        nopPublisher{},
		Metrics:       metrics,
		Retry:         retry,
		dashboard:     cfg.Dashboard,
		subjectPrefix: cfg.Events.SubjectPrefix,
		now:           time.Now,
	}, nil
}

func (o *Orchestrator) events() emitter {
	prefix := o.subjectPrefix
	if prefix == "" {
		prefix = "labdeploy"
	}
	return emitter{pub: o.Events, prefix: prefix}
}

// dispatch deploys with the driver retry policy. Only failures are
// retried.
func (o *Orchestrator) dispatch(ctx context.Context, host catalog.Host, wc dispatch.WorkloadConfig) (dispatch.Result, int) {
	var res dispatch.Result
	attempts := o.Retry.Do(ctx, func(int) bool {
		res = o.Dispatcher.Deploy(ctx, host, wc)
		return res.OK()
	})
	return res, attempts
}

// DeployOne probes and deploys to a named host without placement. An
// unavailable host is reported as skipped and never dispatched to.
func (o *Orchestrator) DeployOne(ctx context.Context, hostName string, wc dispatch.WorkloadConfig) (dispatch.Result, error) {
	res, _, err := o.deployOne(ctx, hostName, wc)
	return res, err
}

func (o *Orchestrator) deployOne(ctx context.Context, hostName string, wc dispatch.WorkloadConfig) (dispatch.Result, int, error) {
	host, err := o.Registry.Find(hostName)
	if err != nil {
		return dispatch.Result{}, 0, err
	}
	if !o.Prober.IsAvailable(ctx, host) {
		log.Warn().Str("host", host.Name).Str("workload", wc.WorkloadType).Msg("target unavailable, skipping")
		return dispatch.Result{
			Host:     host.Name,
			Workload: wc.WorkloadType,
			Outcome:  api.OutcomeSkipped,
			Error:    "host failed availability check",
		}, 0, nil
	}
	res, attempts := o.dispatch(ctx, host, wc)
	return res, attempts, nil
}

// DeployFleet sets up the local control hosts, then places and deploys
// each profile in order. Failures never stop the remaining profiles.
// The returned error wraps ErrRunFailed when any pair did not succeed.
func (o *Orchestrator) DeployFleet(ctx context.Context, profiles []placement.Profile) (*api.RunReport, error) {
	for _, p := range profiles {
		if p.WorkloadType == "" {
			return nil, errors.New("workload type is required")
		}
		if _, err := placement.ParseModelSize(string(p.ModelSize)); err != nil {
			return nil, err
		}
	}
	report := o.startReport()
	ctx, span := telemetry.StartSpan(ctx, "deploy-fleet", telemetry.AttrRunID.String(report.ID))
	logger := log.With().Str("run_id", report.ID).Logger()
	logger.Info().Int("profiles", len(profiles)).Msg("deployment run started")

	for _, h := range o.Registry.ByKind(catalog.KindLocalControl) {
		wc := dispatch.WorkloadConfig{WorkloadType: ControlPlaneWorkload}
		res, attempts := o.dispatch(ctx, h, wc)
		o.record(ctx, report, res, "", attempts, nil)
	}

	var runErr error
	for _, p := range profiles {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		d, err := o.Selector.Select(ctx, p)
		if err != nil {
			runErr = err
			break
		}
		o.events().emit(ctx, "placement", PlacementEvent{
			RunID:     report.ID,
			Workload:  p.WorkloadType,
			ModelSize: string(p.ModelSize),
			Host:      d.Host.Name,
			Score:     d.Score,
			Scores:    d.Scores,
			Degraded:  d.Degraded,
			DecidedAt: d.DecidedAt,
		})
		wc := dispatch.WorkloadConfig{WorkloadType: p.WorkloadType, ModelSize: string(p.ModelSize)}
		res, attempts := o.dispatch(ctx, d.Host, wc)
		o.record(ctx, report, res, string(p.ModelSize), attempts, &d)
	}

	err := o.finish(ctx, report, runErr)
	telemetry.EndSpan(span, err)
	return report, err
}

// DeployTo deploys every profile to one named host, skipping placement.
func (o *Orchestrator) DeployTo(ctx context.Context, hostName string, profiles []placement.Profile) (*api.RunReport, error) {
	if !o.Registry.Has(hostName) {
		return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, hostName)
	}
	report := o.startReport()
	ctx, span := telemetry.StartSpan(ctx, "deploy-target",
		telemetry.AttrRunID.String(report.ID), telemetry.AttrHost.String(hostName))

	var runErr error
	for _, p := range profiles {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		wc := dispatch.WorkloadConfig{WorkloadType: p.WorkloadType, ModelSize: string(p.ModelSize)}
		res, attempts, err := o.deployOne(ctx, hostName, wc)
		if err != nil {
			runErr = err
			break
		}
		o.record(ctx, report, res, string(p.ModelSize), attempts, nil)
	}

	err := o.finish(ctx, report, runErr)
	telemetry.EndSpan(span, err)
	return report, err
}

func (o *Orchestrator) startReport() *api.RunReport {
	return &api.RunReport{ID: uuid.NewString(), StartedAt: o.now()}
}

func (o *Orchestrator) record(ctx context.Context, report *api.RunReport, res dispatch.Result, size string, attempts int, d *placement.Decision) {
	e := api.RunEntry{
		Workload:   res.Workload,
		ModelSize:  size,
		Host:       res.Host,
		Outcome:    res.Outcome,
		Error:      res.Error,
		Attempts:   attempts,
		Duration:   res.Duration,
		FinishedAt: o.now(),
	}
	if d != nil {
		e.Degraded = d.Degraded
		e.Score = d.Score
	}
	report.Entries = append(report.Entries, e)
	o.events().emit(ctx, "deployment", DeploymentEvent{RunID: report.ID, Entry: e})
}

// finish writes the dashboard, persists the report and computes the run
// error.
func (o *Orchestrator) finish(ctx context.Context, report *api.RunReport, runErr error) error {
	logger := log.With().Str("run_id", report.ID).Logger()
	dash, err := o.WriteDashboard()
	if err != nil {
		logger.Error().Err(err).Msg("dashboard not written")
	} else {
		report.Dashboard = &dash
	}
	report.FinishedAt = o.now()

	// An interrupted run is still recorded.
	keep := context.WithoutCancel(ctx)
	if err := o.History.Record(keep, report); err != nil {
		logger.Warn().Err(err).Msg("history not recorded")
	}
	o.events().emit(keep, "run", report.Summarize())

	failed := report.Failed() || runErr != nil
	o.Metrics.ObserveRun(failed)
	sum := report.Summarize()
	logger.Info().Int("total", sum.Total).Int("failed", sum.Failed).Int("degraded", sum.Degraded).Msg("deployment run finished")
	if !failed {
		return nil
	}
	var errs error
	for _, e := range report.Entries {
		if e.Outcome != api.OutcomeSuccess {
			errs = multierr.Append(errs, fmt.Errorf("%s on %s: %s: %s", e.Workload, e.Host, e.Outcome, e.Error))
		}
	}
	errs = multierr.Append(errs, runErr)
	return fmt.Errorf("%w: %w", ErrRunFailed, errs)
}

// WriteDashboard regenerates the dashboard from the catalog and replaces
// the artifact on disk.
func (o *Orchestrator) WriteDashboard() (api.Dashboard, error) {
	apiBase, uiBase := o.dashboard.APIPortBase, o.dashboard.UIPortBase
	if apiBase == 0 {
		apiBase = 8000
	}
	if uiBase == 0 {
		uiBase = 3000
	}
	d := BuildDashboard(o.Registry, apiBase, uiBase)
	path := o.dashboard.Path
	if path == "" {
		path = "dashboard-config.json"
	}
	if err := SaveDashboard(path, d); err != nil {
		return d, err
	}
	log.Info().Str("path", path).Int("systems", len(d.Systems)).Msg("dashboard written")
	return d, nil
}

// Hosts returns the catalog with availability and a fresh snapshot per
// host, read in parallel.
func (o *Orchestrator) Hosts(ctx context.Context) ([]catalog.Host, map[string]bool, map[string]resources.Snapshot) {
	hosts := o.Registry.List()
	avail := o.Prober.ProbeAll(ctx, hosts)
	var up []catalog.Host
	for _, h := range hosts {
		if avail[h.Name] {
			up = append(up, h)
		}
	}
	return hosts, avail, o.Collector.SnapshotAll(ctx, up)
}
