// Package probe decides whether a host can take work right now.
package probe

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/labdeploy/internal/catalog"
	"github.com/3cpo-dev/labdeploy/internal/remote"
	"github.com/3cpo-dev/labdeploy/internal/telemetry"
)

const (
	DefaultReachabilityTimeout = 5 * time.Second
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultParallelism         = 4
)

// Prober runs the two-stage availability check.
type Prober struct {
	Exec                remote.Executor
	ReachabilityTimeout time.Duration
	HandshakeTimeout    time.Duration
	Parallelism         int
	Metrics             *telemetry.Metrics
}

func New(exec remote.Executor) *Prober {
	return &Prober{
		Exec:                exec,
		ReachabilityTimeout: DefaultReachabilityTimeout,
		HandshakeTimeout:    DefaultHandshakeTimeout,
		Parallelism:         DefaultParallelism,
	}
}

// IsAvailable never returns an error: every failure means unavailable.
func (p *Prober) IsAvailable(ctx context.Context, host catalog.Host) bool {
	ok := p.check(ctx, host)
	p.Metrics.ObserveProbe(host.Name, ok)
	return ok
}

func (p *Prober) check(ctx context.Context, host catalog.Host) bool {
	if host.IsLocal() {
		return true
	}
	logger := log.With().Str("host", host.Name).Logger()

	rctx, cancel := context.WithTimeout(ctx, orDefault(p.ReachabilityTimeout, DefaultReachabilityTimeout))
	err := p.Exec.Probe(rctx, host)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("host unreachable")
		return false
	}

	hctx, cancel := context.WithTimeout(ctx, orDefault(p.HandshakeTimeout, DefaultHandshakeTimeout))
	defer cancel()
	res, err := p.Exec.Run(hctx, host, "echo ok")
	if err != nil {
		logger.Warn().Err(err).Msg("handshake failed")
		return false
	}
	if !res.OK() || strings.TrimSpace(res.Stdout) != "ok" {
		logger.Warn().Int("exit_code", res.ExitCode).Str("stdout", strings.TrimSpace(res.Stdout)).Msg("unexpected handshake reply")
		return false
	}
	return true
}

// ProbeAll checks hosts concurrently and returns availability by name.
func (p *Prober) ProbeAll(ctx context.Context, hosts []catalog.Host) map[string]bool {
	out := make(map[string]bool, len(hosts))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(orDefaultInt(p.Parallelism, DefaultParallelism))
	for _, h := range hosts {
		g.Go(func() error {
			ok := p.IsAvailable(gctx, h)
			mu.Lock()
			out[h.Name] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func orDefaultInt(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
