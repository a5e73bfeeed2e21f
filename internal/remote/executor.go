// Package remote is the transport seam between the orchestrator and the
// machines it manages. Every component reaches a host through Executor.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/3cpo-dev/labdeploy/internal/catalog"
)

// ErrUnsupported is returned when no executor is registered for a host's
// transport.
var ErrUnsupported = errors.New("unsupported transport")

// ExecResult is the outcome of a command that ran. A non-zero ExitCode is
// not a transport error.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports a zero exit status.
func (r ExecResult) OK() bool { return r.ExitCode == 0 }

// Detail returns stderr, or stdout when stderr is empty, trimmed.
func (r ExecResult) Detail() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// Executor runs commands on and copies files to a host. Errors are
// reserved for transport failures.
type Executor interface {
	// Probe checks that the host can be reached at the network level.
	Probe(ctx context.Context, host catalog.Host) error
	Run(ctx context.Context, host catalog.Host, command string) (ExecResult, error)
	Sync(ctx context.Context, host catalog.Host, localDir, remoteDir string) error
}

// Router dispatches to an executor chosen by the host's transport.
type Router struct {
	executors map[catalog.Transport]Executor
}

func NewRouter() *Router {
	return &Router{executors: map[catalog.Transport]Executor{}}
}

// Register binds an executor to a transport, replacing any previous one.
func (r *Router) Register(t catalog.Transport, e Executor) *Router {
	r.executors[t] = e
	return r
}

func (r *Router) executor(host catalog.Host) (Executor, error) {
	e, ok := r.executors[host.Transport]
	if !ok {
		return nil, fmt.Errorf("%w %q for host %s", ErrUnsupported, host.Transport, host.Name)
	}
	return e, nil
}

func (r *Router) Probe(ctx context.Context, host catalog.Host) error {
	e, err := r.executor(host)
	if err != nil {
		return err
	}
	return e.Probe(ctx, host)
}

func (r *Router) Run(ctx context.Context, host catalog.Host, command string) (ExecResult, error) {
	e, err := r.executor(host)
	if err != nil {
		return ExecResult{}, err
	}
	return e.Run(ctx, host, command)
}

func (r *Router) Sync(ctx context.Context, host catalog.Host, localDir, remoteDir string) error {
	e, err := r.executor(host)
	if err != nil {
		return err
	}
	return e.Sync(ctx, host, localDir, remoteDir)
}
