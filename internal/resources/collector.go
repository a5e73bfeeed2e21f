package resources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/labdeploy/internal/catalog"
	"github.com/3cpo-dev/labdeploy/internal/remote"
	"github.com/3cpo-dev/labdeploy/internal/telemetry"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultParallelism = 4
)

type Collector struct {
	Exec        remote.Executor
	Timeout     time.Duration
	Parallelism int
	Metrics     *telemetry.Metrics
	// Now is overridable for tests.
	Now func() time.Time
}

func NewCollector(exec remote.Executor) *Collector {
	return &Collector{Exec: exec, Timeout: DefaultTimeout, Parallelism: DefaultParallelism, Now: time.Now}
}

func (c *Collector) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Snapshot fetches a fresh reading. Failures come back as a snapshot
// with a non-OK status, never as an error.
func (c *Collector) Snapshot(ctx context.Context, host catalog.Host) Snapshot {
	s := c.snapshot(ctx, host)
	c.Metrics.ObserveSnapshot(host.Name, string(s.Status), s.AvgUtilization)
	return s
}

func (c *Collector) snapshot(ctx context.Context, host catalog.Host) Snapshot {
	if host.IsLocal() {
		return Snapshot{Host: host.Name, CapturedAt: c.now(), Reachable: true, Status: StatusOK}
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := log.With().Str("host", host.Name).Logger()
	res, err := c.Exec.Run(tctx, host, GPUQuery)
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry query failed")
		return Snapshot{Host: host.Name, CapturedAt: c.now(), Status: StatusTransportError, Reason: err.Error()}
	}
	if !res.OK() {
		reason := fmt.Sprintf("exit %d: %s", res.ExitCode, res.Detail())
		logger.Warn().Int("exit_code", res.ExitCode).Str("detail", res.Detail()).Msg("telemetry query failed")
		return Snapshot{Host: host.Name, CapturedAt: c.now(), Status: StatusTransportError, Reason: reason}
	}
	accs, err := ParseGPUQuery(res.Stdout)
	if err != nil {
		logger.Warn().Err(err).Msg("malformed telemetry")
		return Snapshot{Host: host.Name, CapturedAt: c.now(), Reachable: true, Status: StatusUnavailable, Reason: err.Error()}
	}
	s := newSnapshot(host.Name, c.now(), accs)
	logger.Debug().Str("status", string(s.Status)).Float64("avg_utilization", s.AvgUtilization).Int("accelerators", len(accs)).Msg("snapshot")
	return s
}

// SnapshotAll fetches hosts concurrently and keys results by name.
func (c *Collector) SnapshotAll(ctx context.Context, hosts []catalog.Host) map[string]Snapshot {
	out := make(map[string]Snapshot, len(hosts))
	var mu sync.Mutex
	limit := c.Parallelism
	if limit <= 0 {
		limit = DefaultParallelism
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, h := range hosts {
		g.Go(func() error {
			s := c.Snapshot(gctx, h)
			mu.Lock()
			out[h.Name] = s
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
