package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/labdeploy/internal/catalog"
	"github.com/3cpo-dev/labdeploy/internal/ssh"
)

// SSHExecutor reaches hosts over SSH with key authentication and
// known_hosts verification. Files are copied over SFTP.
type SSHExecutor struct {
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	// Timeout bounds the TCP dial and the SSH handshake.
	Timeout time.Duration
	Retries int
	Exclude []string
	Verify  bool
	Dialer  ssh.Dialer
}

func (e *SSHExecutor) client(host catalog.Host) *ssh.Client {
	user := host.User
	if user == "" {
		user = e.User
	}
	return &ssh.Client{
		Addr:       host.Endpoint(),
		User:       user,
		Signer:     e.Signer,
		KnownHosts: e.KnownHosts,
		Timeout:    e.Timeout,
		Retries:    e.Retries,
		Dialer:     e.Dialer,
	}
}

func (e *SSHExecutor) dialer() ssh.Dialer {
	if e.Dialer != nil {
		return e.Dialer
	}
	return ssh.NetDialer{Timeout: e.Timeout}
}

// Probe opens and closes a TCP connection to the SSH port.
func (e *SSHExecutor) Probe(ctx context.Context, host catalog.Host) error {
	conn, err := e.dialer().DialContext(ctx, "tcp", host.Endpoint())
	if err != nil {
		return fmt.Errorf("reach %s: %w", host.Endpoint(), err)
	}
	return conn.Close()
}

func (e *SSHExecutor) Run(ctx context.Context, host catalog.Host, command string) (ExecResult, error) {
	res, err := e.client(host).RunCommand(ctx, command)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

func (e *SSHExecutor) Sync(ctx context.Context, host catalog.Host, localDir, remoteDir string) error {
	cli, err := ssh.Dial(ctx, e.client(host))
	if err != nil {
		return err
	}
	defer cli.Close()
	n, err := ssh.PushDir(ctx, cli, localDir, remoteDir, ssh.PushOptions{Exclude: e.Exclude, Verify: e.Verify})
	if err != nil {
		return fmt.Errorf("sync to %s:%s: %w", host.Name, remoteDir, err)
	}
	log.Debug().Str("host", host.Name).Str("dir", remoteDir).Int("files", n).Msg("sftp sync done")
	return nil
}
