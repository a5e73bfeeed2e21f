package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/labdeploy/internal/placement"
	"github.com/3cpo-dev/labdeploy/pkg/api"
)

// writeLocalConfig describes a lab whose only remote host is reached
// through the local shell, so commands run without a network.
func writeLocalConfig(t *testing.T) (cfgPath, dir string) {
	t.Helper()
	return writeConfig(t, "local")
}

// writeConfig writes a two-host lab whose gateway uses transport. No SSH
// key is generated.
func writeConfig(t *testing.T, transport string) (cfgPath, dir string) {
	t.Helper()
	t.Setenv("LABDEPLOY_AGENT_TOKEN", "")
	t.Setenv("LABDEPLOY_NATS_URL", "")
	dir = t.TempDir()
	cfgPath = filepath.Join(dir, "config.yaml")
	yml := fmt.Sprintf(`hosts:
  - name: control
    kind: local-control
    address: localhost
  - name: gw
    kind: gateway
    address: 127.0.0.1
    transport: %s
    gpu_count: 1
    accelerator_memory: 24GB
    priority: 1
routing:
  workloads:
    development: [gw]
  fallback: gw
dashboard:
  path: %s
history:
  driver: sqlite
  path: %s
ssh:
  key_dir: %s
`, transport, filepath.Join(dir, "dashboard-config.json"), filepath.Join(dir, "history.db"), filepath.Join(dir, "keys"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(yml), 0o644))
	return cfgPath, dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	root.SetContext(context.Background())
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "labdeploy "+version)
}

func TestDeployMonitorOnly(t *testing.T) {
	cfgPath, dir := writeLocalConfig(t)
	out, err := execute(t, "--config", cfgPath, "deploy", "--monitor-only")
	require.NoError(t, err)

	var printed api.Dashboard
	require.NoError(t, json.Unmarshal([]byte(out), &printed))
	require.Len(t, printed.Systems, 1)
	assert.Equal(t, api.DashboardSystem{
		Name:        "gw",
		Host:        "127.0.0.1",
		Type:        "gateway",
		APIEndpoint: "http://127.0.0.1:8001",
		UIEndpoint:  "http://127.0.0.1:3001",
	}, printed.Systems[0])
	assert.Contains(t, out, "\n  \"systems\"")

	b, err := os.ReadFile(filepath.Join(dir, "dashboard-config.json"))
	require.NoError(t, err)
	var onDisk api.Dashboard
	require.NoError(t, json.Unmarshal(b, &onDisk))
	assert.Equal(t, printed, onDisk)
}

func TestOfflineCommandsNeedNoSSHKey(t *testing.T) {
	cfgPath, dir := writeConfig(t, "ssh")
	require.NoDirExists(t, filepath.Join(dir, "keys"))

	out, err := execute(t, "--config", cfgPath, "deploy", "--monitor-only")
	require.NoError(t, err)
	assert.Contains(t, out, "\"gw\"")

	out, err = execute(t, "--config", cfgPath, "hosts")
	require.NoError(t, err)
	assert.Contains(t, out, "gw\tgateway")

	_, err = execute(t, "--config", cfgPath, "hosts", "--probe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "labdeploy init")
}

func TestSelectPicksConfiguredHost(t *testing.T) {
	cfgPath, _ := writeLocalConfig(t)
	out, err := execute(t, "--config", cfgPath, "select", "--workload", "development", "--model-size", "small")
	require.NoError(t, err)
	assert.Contains(t, out, "host=gw")
}

func TestSelectListsWorkloadTypes(t *testing.T) {
	cfgPath, _ := writeLocalConfig(t)
	_, err := execute(t, "--config", cfgPath, "select")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configured types: development")
}

func TestSelectRejectsUnknownSize(t *testing.T) {
	cfgPath, _ := writeLocalConfig(t)
	_, err := execute(t, "--config", cfgPath, "select", "--workload", "development", "--model-size", "huge")
	require.Error(t, err)
}

func TestHostsListsCatalog(t *testing.T) {
	cfgPath, _ := writeLocalConfig(t)
	out, err := execute(t, "--config", cfgPath, "hosts")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "control\tlocal-control"))
	assert.True(t, strings.HasPrefix(lines[1], "gw\tgateway"))
}

func TestHistoryEmpty(t *testing.T) {
	cfgPath, _ := writeLocalConfig(t)
	out, err := execute(t, "--config", cfgPath, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "no runs recorded")
}

func TestInitWritesConfigAndKeys(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("LABDEPLOY_AGENT_TOKEN", "")
	t.Setenv("LABDEPLOY_NATS_URL", "")
	path := filepath.Join(t.TempDir(), "labdeploy", "config.yaml")

	out, err := execute(t, "--config", path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote default config")
	assert.FileExists(t, path)

	out, err = execute(t, "--config", path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "config already present")
	assert.NotContains(t, out, "generated")
}

func TestParseProfiles(t *testing.T) {
	got, err := parseProfiles([]string{"development", "large_inference:large", " "}, "small")
	require.NoError(t, err)
	assert.Equal(t, []placement.Profile{
		{WorkloadType: "development", ModelSize: placement.SizeSmall},
		{WorkloadType: "large_inference", ModelSize: placement.SizeLarge},
	}, got)

	_, err = parseProfiles([]string{"testing:xl"}, "small")
	assert.Error(t, err)
	_, err = parseProfiles([]string{":small"}, "small")
	assert.Error(t, err)
	_, err = parseProfiles(nil, "small")
	assert.Error(t, err)
}
