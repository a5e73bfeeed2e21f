// Package placement picks the host a workload should run on.
package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/labdeploy/internal/catalog"
	"github.com/3cpo-dev/labdeploy/internal/resources"
	"github.com/3cpo-dev/labdeploy/internal/telemetry"
)

// Availability is the subset of the prober the selector needs.
type Availability interface {
	ProbeAll(ctx context.Context, hosts []catalog.Host) map[string]bool
}

// Snapshots is the subset of the telemetry collector the selector needs.
type Snapshots interface {
	SnapshotAll(ctx context.Context, hosts []catalog.Host) map[string]resources.Snapshot
}

// Decision is the immutable result of one placement.
type Decision struct {
	Host    catalog.Host
	Profile Profile
	Score   float64
	// Scores holds the score of every candidate that survived probing
	// and telemetry, keyed by host name.
	Scores    map[string]float64
	Degraded  bool
	DecidedAt time.Time
}

type Selector struct {
	Registry  *catalog.Registry
	Routing   *RoutingTable
	Probe     Availability
	Snapshots Snapshots
	Metrics   *telemetry.Metrics
	Now       func() time.Time
}

// Score maps a snapshot to a placement score; higher is better.
func Score(s resources.Snapshot) float64 { return 100 - s.AvgUtilization }

// Select returns the best available host for the profile, or the
// fallback host flagged as degraded when none qualifies. It only errors
// for an invalid profile or a cancelled context.
func (s *Selector) Select(ctx context.Context, p Profile) (d Decision, err error) {
	ctx, span := telemetry.StartSpan(ctx, "select",
		telemetry.AttrWorkload.String(p.WorkloadType),
		telemetry.AttrModelSize.String(string(p.ModelSize)))
	defer func() {
		if err == nil {
			span.SetAttributes(telemetry.AttrHost.String(d.Host.Name), telemetry.AttrDegraded.Bool(d.Degraded))
		}
		telemetry.EndSpan(span, err)
	}()

	if p.WorkloadType == "" {
		return Decision{}, errors.New("workload type is required")
	}
	if _, err := ParseModelSize(string(p.ModelSize)); err != nil {
		return Decision{}, err
	}
	logger := log.With().Str("workload", p.WorkloadType).Str("model_size", string(p.ModelSize)).Logger()

	names := s.Routing.Candidates(p)
	candidates := make([]catalog.Host, 0, len(names))
	for _, n := range names {
		h, err := s.Registry.Find(n)
		if err != nil {
			return Decision{}, fmt.Errorf("routing references %s: %w", n, err)
		}
		candidates = append(candidates, h)
	}

	avail := s.Probe.ProbeAll(ctx, candidates)
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	var up []catalog.Host
	for _, h := range candidates {
		if avail[h.Name] {
			up = append(up, h)
		}
	}

	snaps := s.Snapshots.SnapshotAll(ctx, up)
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	scores := map[string]float64{}
	var best *catalog.Host
	for i := range up {
		h := up[i]
		snap := snaps[h.Name]
		if !snap.Available() {
			logger.Debug().Str("host", h.Name).Str("status", string(snap.Status)).Str("reason", snap.Reason).Msg("candidate dropped")
			continue
		}
		scores[h.Name] = Score(snap)
		if best == nil || better(h, scores[h.Name], *best, scores[best.Name]) {
			best = &up[i]
		}
	}

	d = Decision{Profile: p, Scores: scores, DecidedAt: s.now()}
	if best == nil {
		fb, err := s.Registry.Find(s.Routing.Fallback())
		if err != nil {
			return Decision{}, err
		}
		d.Host = fb
		d.Degraded = true
		logger.Warn().Str("host", fb.Name).Strs("candidates", names).Msg("no candidate available, using fallback")
	} else {
		d.Host = *best
		d.Score = scores[best.Name]
		logger.Info().Str("host", best.Name).Float64("score", d.Score).Msg("placement selected")
	}
	s.Metrics.ObserveDecision(p.WorkloadType, d.Host.Name, d.Degraded)
	return d, nil
}

// better reports whether a beats the incumbent b. Strictly higher score
// wins, then lower priority. Equal on both keeps b, which came earlier in
// routing order.
func better(a catalog.Host, as float64, b catalog.Host, bs float64) bool {
	if as != bs {
		return as > bs
	}
	return a.Priority < b.Priority
}

func (s *Selector) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
