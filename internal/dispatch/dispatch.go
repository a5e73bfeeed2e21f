// Package dispatch drives the deployment action on a chosen host.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/labdeploy/internal/catalog"
	"github.com/3cpo-dev/labdeploy/internal/remote"
	"github.com/3cpo-dev/labdeploy/internal/telemetry"
	"github.com/3cpo-dev/labdeploy/pkg/api"
)

const (
	DefaultTimeout   = 10 * time.Minute
	DefaultRemoteDir = "/data/qwen-project"
	DefaultService   = "qwen-api"
)

// DefaultLocalActions are run on the control machine. {{ .Fallback }} is
// replaced with the fallback host name.
var DefaultLocalActions = []string{
	"ai-workbench create-project qwen-image-edit",
	"ai-workbench connect {{ .Fallback }}",
	"ai-workbench setup-monitoring",
}

// WorkloadConfig is what gets deployed.
type WorkloadConfig struct {
	WorkloadType string
	ModelSize    string
	// Role overrides the host's declared role in the exported environment.
	Role string
}

// Result records one dispatch.
type Result struct {
	Host     string
	Workload string
	Outcome  api.Outcome
	Error    string
	Duration time.Duration
}

// OK reports a successful dispatch.
func (r Result) OK() bool { return r.Outcome == api.OutcomeSuccess }

// Options tune the deployment actions.
type Options struct {
	SourceDir        string
	RemoteDir        string
	ConfigureCommand string
	Service          string
	LocalActions     []string
	// Fallback is substituted into local actions.
	Fallback string
	Timeout  time.Duration
}

func (o Options) remoteDir() string {
	if o.RemoteDir == "" {
		return DefaultRemoteDir
	}
	return o.RemoteDir
}

func (o Options) service() string {
	if o.Service == "" {
		return DefaultService
	}
	return o.Service
}

func (o Options) sourceDir() string {
	if o.SourceDir == "" {
		return "."
	}
	return o.SourceDir
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// Strategy deploys to one kind of host.
type Strategy interface {
	Deploy(ctx context.Context, host catalog.Host, cfg WorkloadConfig) Result
}

// Dispatcher picks a strategy by host kind and serializes calls per host.
type Dispatcher struct {
	strategies map[catalog.Kind]Strategy
	metrics    *telemetry.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(exec remote.Executor, opts Options, metrics *telemetry.Metrics) *Dispatcher {
	rs := &remoteStrategy{exec: exec, opts: opts}
	return &Dispatcher{
		strategies: map[catalog.Kind]Strategy{
			catalog.KindLocalControl: &localControlStrategy{exec: exec, opts: opts},
			catalog.KindGateway:      rs,
			catalog.KindComputeNode:  rs,
		},
		metrics: metrics,
		locks:   map[string]*sync.Mutex{},
	}
}

// WithStrategy replaces the strategy for a kind.
func (d *Dispatcher) WithStrategy(kind catalog.Kind, s Strategy) *Dispatcher {
	d.strategies[kind] = s
	return d
}

func (d *Dispatcher) hostLock(name string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[name]
	if !ok {
		l = &sync.Mutex{}
		d.locks[name] = l
	}
	return l
}

// Deploy runs the deployment action for host. Failures are reported in
// the Result; there is no retry here.
func (d *Dispatcher) Deploy(ctx context.Context, host catalog.Host, cfg WorkloadConfig) (res Result) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch",
		telemetry.AttrHost.String(host.Name),
		telemetry.AttrWorkload.String(cfg.WorkloadType))
	defer func() {
		span.SetAttributes(telemetry.AttrOutcome.String(string(res.Outcome)))
		var err error
		if !res.OK() {
			err = errors.New(res.Error)
		}
		telemetry.EndSpan(span, err)
	}()

	l := d.hostLock(host.Name)
	l.Lock()
	defer l.Unlock()

	start := time.Now()
	s, ok := d.strategies[host.Kind]
	if !ok {
		res = Result{Outcome: api.OutcomeFailure, Error: fmt.Sprintf("no deployment strategy for kind %q", host.Kind)}
	} else {
		res = s.Deploy(ctx, host, cfg)
	}
	res.Host = host.Name
	res.Workload = cfg.WorkloadType
	res.Duration = time.Since(start)

	logger := log.With().Str("host", host.Name).Str("workload", cfg.WorkloadType).Str("outcome", string(res.Outcome)).Logger()
	if res.OK() {
		logger.Info().Dur("took", res.Duration).Msg("deployment finished")
	} else {
		logger.Error().Str("err", res.Error).Dur("took", res.Duration).Msg("deployment failed")
	}
	d.metrics.ObserveDeployment(host.Name, string(host.Kind), string(res.Outcome), res.Duration)
	return res
}
