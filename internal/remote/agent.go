package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/3cpo-dev/labdeploy/internal/agent"
	"github.com/3cpo-dev/labdeploy/internal/catalog"
)

// AgentExecutor talks to labdeploy-agent on each host.
type AgentExecutor struct {
	Token   string
	Timeout time.Duration
	// TLS switches the scheme to https when set.
	TLS     *tls.Config
	Exclude []string

	mu      sync.Mutex
	clients map[string]*agent.Client
}

func (e *AgentExecutor) client(host catalog.Host) *agent.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[host.Name]; ok {
		return c
	}
	if e.clients == nil {
		e.clients = map[string]*agent.Client{}
	}
	scheme := "http"
	httpClient := &http.Client{Timeout: e.Timeout}
	if e.TLS != nil {
		scheme = "https"
		httpClient.Transport = &http.Transport{TLSClientConfig: e.TLS}
	}
	c := &agent.Client{
		BaseURL: fmt.Sprintf("%s://%s", scheme, host.Endpoint()),
		Token:   e.Token,
		HTTP:    httpClient,
	}
	e.clients[host.Name] = c
	return c
}

// Probe calls the agent heartbeat.
func (e *AgentExecutor) Probe(ctx context.Context, host catalog.Host) error {
	_, err := e.client(host).Heartbeat(ctx)
	return err
}

func (e *AgentExecutor) Run(ctx context.Context, host catalog.Host, command string) (ExecResult, error) {
	req := agent.ExecRequest{Command: "sh", Args: []string{"-c", command}}
	if dl, ok := ctx.Deadline(); ok {
		req.Timeout = int(math.Ceil(time.Until(dl).Seconds()))
	}
	resp, err := e.client(host).Exec(ctx, req)
	if err != nil {
		return ExecResult{}, err
	}
	if resp.Error != "" {
		return ExecResult{}, fmt.Errorf("agent %s: %s", host.Name, resp.Error)
	}
	return ExecResult{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}, nil
}

func (e *AgentExecutor) Sync(ctx context.Context, host catalog.Host, localDir, remoteDir string) error {
	_, err := e.client(host).Sync(ctx, localDir, remoteDir, e.Exclude)
	return err
}
