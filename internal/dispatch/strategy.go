package dispatch

import (
	"context"
	"strings"
	"text/template"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/labdeploy/internal/catalog"
	"github.com/3cpo-dev/labdeploy/internal/remote"
	"github.com/3cpo-dev/labdeploy/pkg/api"
)

// localControlStrategy prepares the control machine. Individual action
// failures are logged and do not fail the deployment.
type localControlStrategy struct {
	exec remote.Executor
	opts Options
}

func (s *localControlStrategy) actions() []string {
	acts := s.opts.LocalActions
	if acts == nil {
		acts = DefaultLocalActions
	}
	out := make([]string, 0, len(acts))
	for _, a := range acts {
		t, err := template.New("action").Parse(a)
		if err != nil {
			out = append(out, a)
			continue
		}
		var b strings.Builder
		if err := t.Execute(&b, struct{ Fallback string }{s.opts.Fallback}); err != nil {
			out = append(out, a)
			continue
		}
		out = append(out, b.String())
	}
	return out
}

func (s *localControlStrategy) Deploy(ctx context.Context, host catalog.Host, cfg WorkloadConfig) Result {
	for _, cmd := range s.actions() {
		actx, cancel := context.WithTimeout(ctx, s.opts.timeout())
		res, err := s.exec.Run(actx, host, cmd)
		cancel()
		logger := log.With().Str("host", host.Name).Str("command", cmd).Logger()
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("local setup action failed")
		case !res.OK():
			logger.Warn().Int("exit_code", res.ExitCode).Str("detail", res.Detail()).Msg("local setup action failed")
		default:
			logger.Debug().Msg("local setup action done")
		}
	}
	return Result{Outcome: api.OutcomeSuccess}
}

// remoteStrategy syncs the project and starts the service in one
// remote command. Gateways and compute nodes differ only in their
// process manager.
type remoteStrategy struct {
	exec remote.Executor
	opts Options
}

func (s *remoteStrategy) Deploy(ctx context.Context, host catalog.Host, cfg WorkloadConfig) Result {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout())
	defer cancel()

	if err := s.exec.Sync(ctx, host, s.opts.sourceDir(), s.opts.remoteDir()); err != nil {
		return Result{Outcome: api.OutcomeFailure, Error: "sync: " + err.Error()}
	}
	script, err := RenderScript(host, cfg, s.opts)
	if err != nil {
		return Result{Outcome: api.OutcomeFailure, Error: err.Error()}
	}
	log.Debug().Str("host", host.Name).Str("command", script).Msg("running deploy script")
	res, err := s.exec.Run(ctx, host, script)
	if err != nil {
		return Result{Outcome: api.OutcomeFailure, Error: err.Error()}
	}
	if !res.OK() {
		detail := res.Detail()
		if detail == "" {
			detail = "deploy script exited non-zero"
		}
		return Result{Outcome: api.OutcomeFailure, Error: detail}
	}
	return Result{Outcome: api.OutcomeSuccess}
}
