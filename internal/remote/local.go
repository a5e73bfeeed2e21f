package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/labdeploy/internal/agent"
	"github.com/3cpo-dev/labdeploy/internal/catalog"
)

// LocalExecutor runs commands on the control machine itself.
type LocalExecutor struct {
	Shell   string
	Exclude []string
}

func (e LocalExecutor) shell() string {
	if e.Shell == "" {
		return "sh"
	}
	return e.Shell
}

// Probe always succeeds; there is no network hop.
func (e LocalExecutor) Probe(ctx context.Context, host catalog.Host) error {
	return ctx.Err()
}

func (e LocalExecutor) Run(ctx context.Context, host catalog.Host, command string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, e.shell(), "-c", command)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return ExecResult{}, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return ExecResult{}, fmt.Errorf("local exec: %w", err)
}

// Sync copies localDir into remoteDir on the same machine by piping the
// agent archive format through memory.
func (e LocalExecutor) Sync(ctx context.Context, host catalog.Host, localDir, remoteDir string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(agent.WriteTarGz(pw, localDir, e.Exclude))
	}()
	defer pr.Close()
	n, err := agent.ExtractTarGz(pr, remoteDir)
	if err != nil {
		return fmt.Errorf("local sync %s -> %s: %w", localDir, remoteDir, err)
	}
	log.Debug().Str("host", host.Name).Str("dir", remoteDir).Int("files", n).Msg("local sync done")
	return nil
}
