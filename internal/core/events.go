package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/labdeploy/pkg/api"
)

// Publisher emits orchestration events. Publishing is best effort; the
// driver logs failures and carries on.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Close()
}

// PlacementEvent is published for every decision.
type PlacementEvent struct {
	RunID     string             `json:"run_id"`
	Workload  string             `json:"workload"`
	ModelSize string             `json:"model_size"`
	Host      string             `json:"host"`
	Score     float64            `json:"score"`
	Scores    map[string]float64 `json:"scores"`
	Degraded  bool               `json:"degraded"`
	DecidedAt time.Time          `json:"decided_at"`
}

// DeploymentEvent is published once per attempted pair.
type DeploymentEvent struct {
	RunID string       `json:"run_id"`
	Entry api.RunEntry `json:"entry"`
}

type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("labdeploy"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return p.nc.Publish(subject, payload)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, []byte) error { return nil }
func (nopPublisher) Close()                                        {}

// OpenEvents connects to NATS when a URL is configured.
func OpenEvents(cfg EventsConfig) (Publisher, error) {
	if cfg.URL == "" {
		return nopPublisher{}, nil
	}
	return NewNATSPublisher(cfg.URL)
}

// emitter prefixes subjects and marshals payloads.
type emitter struct {
	pub    Publisher
	prefix string
}

func (e emitter) emit(ctx context.Context, kind string, v any) {
	if e.pub == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("encode event")
		return
	}
	if err := e.pub.Publish(ctx, e.prefix+"."+kind, b); err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("publish event")
	}
}
