// Package remotetest provides a scripted remote.Executor for tests.
package remotetest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/3cpo-dev/labdeploy/internal/catalog"
	"github.com/3cpo-dev/labdeploy/internal/remote"
)

// ErrUnreachable is what Fake returns for hosts marked down.
var ErrUnreachable = errors.New("connection refused")

// Call is one recorded executor invocation.
type Call struct {
	Op      string // probe, run or sync
	Host    string
	Command string
}

// Fake answers per host. Commands are matched by prefix; the longest
// matching prefix wins. Unscripted commands succeed with empty output,
// except "echo ok" which answers "ok".
type Fake struct {
	mu        sync.Mutex
	down      map[string]bool
	runErr    map[string]error
	syncErr   map[string]error
	responses map[string]map[string]remote.ExecResult
	calls     []Call
}

func New() *Fake {
	return &Fake{
		down:      map[string]bool{},
		runErr:    map[string]error{},
		syncErr:   map[string]error{},
		responses: map[string]map[string]remote.ExecResult{},
	}
}

// Down makes Probe, Run and Sync fail for the host.
func (f *Fake) Down(hosts ...string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range hosts {
		f.down[h] = true
	}
	return f
}

// FailRun makes every Run on the host fail with err while Probe succeeds.
func (f *Fake) FailRun(host string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runErr[host] = err
	return f
}

func (f *Fake) FailSync(host string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncErr[host] = err
	return f
}

// Respond scripts the result of commands starting with prefix on host.
func (f *Fake) Respond(host, prefix string, res remote.ExecResult) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.responses[host] == nil {
		f.responses[host] = map[string]remote.ExecResult{}
	}
	f.responses[host][prefix] = res
	return f
}

// GPUs scripts the telemetry query output for host.
func (f *Fake) GPUs(host, csv string) *Fake {
	return f.Respond(host, "nvidia-smi", remote.ExecResult{Stdout: csv})
}

func (f *Fake) record(c Call) {
	f.calls = append(f.calls, c)
}

func (f *Fake) Probe(ctx context.Context, host catalog.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "probe", Host: host.Name})
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.down[host.Name] {
		return ErrUnreachable
	}
	return nil
}

func (f *Fake) Run(ctx context.Context, host catalog.Host, command string) (remote.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "run", Host: host.Name, Command: command})
	if err := ctx.Err(); err != nil {
		return remote.ExecResult{}, err
	}
	if f.down[host.Name] {
		return remote.ExecResult{}, ErrUnreachable
	}
	if err := f.runErr[host.Name]; err != nil {
		return remote.ExecResult{}, err
	}
	best := -1
	var res remote.ExecResult
	for prefix, r := range f.responses[host.Name] {
		if strings.HasPrefix(command, prefix) && len(prefix) > best {
			best, res = len(prefix), r
		}
	}
	if best >= 0 {
		return res, nil
	}
	if command == "echo ok" {
		return remote.ExecResult{Stdout: "ok\n"}, nil
	}
	return remote.ExecResult{}, nil
}

func (f *Fake) Sync(ctx context.Context, host catalog.Host, localDir, remoteDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "sync", Host: host.Name, Command: localDir + " -> " + remoteDir})
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.down[host.Name] {
		return ErrUnreachable
	}
	return f.syncErr[host.Name]
}

// Calls returns a copy of the recorded invocations in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Ran returns the commands run on host in order.
func (f *Fake) Ran(host string) []string {
	var out []string
	for _, c := range f.Calls() {
		if c.Op == "run" && c.Host == host {
			out = append(out, c.Command)
		}
	}
	return out
}

// Count returns how many calls of op were made against host.
func (f *Fake) Count(op, host string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op && c.Host == host {
			n++
		}
	}
	return n
}
