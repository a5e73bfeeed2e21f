package core

import (
	"fmt"

	"github.com/3cpo-dev/labdeploy/internal/agent"
	"github.com/3cpo-dev/labdeploy/internal/catalog"
	"github.com/3cpo-dev/labdeploy/internal/remote"
	"github.com/3cpo-dev/labdeploy/internal/ssh"
)

// NewExecutor wires one executor per transport used by the catalog. SSH
// key material is only required when some host uses SSH.
func NewExecutor(cfg Config, reg *catalog.Registry) (remote.Executor, error) {
	router := remote.NewRouter().Register(catalog.TransportLocal, remote.LocalExecutor{Exclude: cfg.Deploy.Exclude})
	used := map[catalog.Transport]bool{}
	for _, h := range reg.List() {
		used[h.Transport] = true
	}
	if used[catalog.TransportSSH] {
		signer, err := ssh.LoadPrivateKeySigner(cfg.SSH.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load ssh key (run `labdeploy init`): %w", err)
		}
		hostKeys, err := ssh.LoadKnownHostsCallback(cfg.SSH.KnownHosts)
		if err != nil {
			return nil, err
		}
		router.Register(catalog.TransportSSH, &remote.SSHExecutor{
			User:       cfg.SSH.User,
			Signer:     signer,
			KnownHosts: hostKeys,
			Timeout:    cfg.Timeouts.Handshake,
			Retries:    cfg.SSH.Retries,
			Exclude:    cfg.Deploy.Exclude,
			Verify:     cfg.Deploy.Verify,
		})
	}
	if used[catalog.TransportAgent] {
		ae := &remote.AgentExecutor{
			Token:   cfg.Agent.Token,
			Timeout: cfg.Timeouts.Dispatch,
			Exclude: cfg.Deploy.Exclude,
		}
		if cfg.Agent.CACert != "" {
			tlsCfg, err := agent.ClientTLSConfig(cfg.Agent.CACert, cfg.Agent.ClientCert, cfg.Agent.ClientKey)
			if err != nil {
				return nil, err
			}
			ae.TLS = tlsCfg
		}
		router.Register(catalog.TransportAgent, ae)
	}
	return router, nil
}
