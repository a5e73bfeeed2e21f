package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/labdeploy/internal/catalog"
	"github.com/3cpo-dev/labdeploy/internal/placement"
)

// Config is the on-disk configuration.
type Config struct {
	Hosts     []HostConfig            `yaml:"hosts"`
	Routing   placement.RoutingConfig `yaml:"routing"`
	Deploy    DeployConfig            `yaml:"deploy"`
	Timeouts  TimeoutsConfig          `yaml:"timeouts"`
	SSH       SSHConfig               `yaml:"ssh"`
	Agent     AgentConfig             `yaml:"agent"`
	Probe     ProbeConfig             `yaml:"probe"`
	Dashboard DashboardConfig         `yaml:"dashboard"`
	History   HistoryConfig           `yaml:"history"`
	Events    EventsConfig            `yaml:"events"`
	Metrics   MetricsConfig           `yaml:"metrics"`
	Tracing   TracingConfig           `yaml:"tracing"`
}

type HostConfig struct {
	Name              string `yaml:"name"`
	Kind              string `yaml:"kind"`
	Address           string `yaml:"address"`
	GPUCount          int    `yaml:"gpu_count"`
	AcceleratorMemory string `yaml:"accelerator_memory"`
	Role              string `yaml:"role"`
	Priority          int    `yaml:"priority"`
	Transport         string `yaml:"transport,omitempty"`
	User              string `yaml:"user,omitempty"`
	Port              int    `yaml:"port,omitempty"`
	ProcessManager    string `yaml:"process_manager,omitempty"`
}

type DeployConfig struct {
	SourceDir        string        `yaml:"source_dir"`
	RemoteDir        string        `yaml:"remote_dir"`
	ConfigureCommand string        `yaml:"configure_command"`
	Service          string        `yaml:"service"`
	LocalActions     []string      `yaml:"local_actions"`
	Exclude          []string      `yaml:"exclude"`
	Verify           bool          `yaml:"verify"`
	Retries          int           `yaml:"retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	Workloads        []string      `yaml:"workloads"`
	ModelSize        string        `yaml:"model_size"`
}

type TimeoutsConfig struct {
	Reachability time.Duration `yaml:"reachability"`
	Handshake    time.Duration `yaml:"handshake"`
	Telemetry    time.Duration `yaml:"telemetry"`
	Dispatch     time.Duration `yaml:"dispatch"`
}

type SSHConfig struct {
	User       string `yaml:"user"`
	KeyDir     string `yaml:"key_dir"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	Retries    int    `yaml:"retries"`
}

type AgentConfig struct {
	Token      string `yaml:"token,omitempty"`
	CACert     string `yaml:"ca_cert,omitempty"`
	ClientCert string `yaml:"client_cert,omitempty"`
	ClientKey  string `yaml:"client_key,omitempty"`
}

type ProbeConfig struct {
	Parallelism int `yaml:"parallelism"`
}

type DashboardConfig struct {
	Path        string `yaml:"path"`
	APIPortBase int    `yaml:"api_port_base"`
	UIPortBase  int    `yaml:"ui_port_base"`
}

type HistoryConfig struct {
	// Driver is sqlite, badger or none.
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type EventsConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path receives JSON spans; empty means stderr.
	Path string `yaml:"path"`
}

// ConfigDir returns $XDG_CONFIG_HOME/labdeploy or ~/.config/labdeploy.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "labdeploy")
}

// DefaultConfigPath is where LoadConfig looks when no path is given.
func DefaultConfigPath() string { return filepath.Join(ConfigDir(), "config.yaml") }

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves the default location and falls back to the built-in lab
// catalog when that file does not exist. An explicit path must exist.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	content, err := os.ReadFile(path)
	var cfg Config
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	case !explicit && errors.Is(err, fs.ErrNotExist):
		cfg = DefaultConfig()
	default:
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	cfg.applyDefaults()

	// Merge secrets from secrets.env if present to avoid storing tokens in YAML
	secrets, err := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	if err != nil {
		return Config{}, err
	}
	for _, k := range []string{"LABDEPLOY_AGENT_TOKEN", "LABDEPLOY_NATS_URL"} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	if t := secrets["LABDEPLOY_AGENT_TOKEN"]; t != "" {
		cfg.Agent.Token = t
	}
	if u := secrets["LABDEPLOY_NATS_URL"]; u != "" {
		cfg.Events.URL = u
	}
	return cfg, nil
}

// LoadSecretsEnv reads KEY=VALUE pairs. A missing file is not an error.
func LoadSecretsEnv(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secrets %s: %w", path, err)
	}
	return env, nil
}

// WriteConfig saves cfg as YAML, creating parent directories.
func WriteConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	cfg.Agent.Token = ""
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

func (c *Config) applyDefaults() {
	if len(c.Hosts) == 0 {
		d := DefaultConfig()
		c.Hosts = d.Hosts
		if routingEmpty(c.Routing) {
			c.Routing = d.Routing
		}
	}
	if c.Deploy.SourceDir == "" {
		c.Deploy.SourceDir = "."
	}
	if len(c.Deploy.Workloads) == 0 {
		c.Deploy.Workloads = []string{"development", "testing", "production"}
	}
	if c.Deploy.ModelSize == "" {
		c.Deploy.ModelSize = string(placement.SizeMedium)
	}
	if c.Deploy.RetryBackoff <= 0 {
		c.Deploy.RetryBackoff = 2 * time.Second
	}
	if len(c.Deploy.Exclude) == 0 {
		c.Deploy.Exclude = []string{".git", "*.pyc", "__pycache__"}
	}
	if c.Timeouts.Reachability <= 0 {
		c.Timeouts.Reachability = 5 * time.Second
	}
	if c.Timeouts.Handshake <= 0 {
		c.Timeouts.Handshake = 10 * time.Second
	}
	if c.Timeouts.Telemetry <= 0 {
		c.Timeouts.Telemetry = 10 * time.Second
	}
	if c.Timeouts.Dispatch <= 0 {
		c.Timeouts.Dispatch = 10 * time.Minute
	}
	if c.SSH.KeyDir == "" {
		c.SSH.KeyDir = filepath.Join(ConfigDir(), "keys")
	}
	if c.SSH.KeyPath == "" {
		c.SSH.KeyPath = filepath.Join(c.SSH.KeyDir, "id_ed25519")
	}
	if c.SSH.KnownHosts == "" {
		c.SSH.KnownHosts = filepath.Join(c.SSH.KeyDir, "known_hosts")
	}
	if c.Probe.Parallelism <= 0 {
		c.Probe.Parallelism = 4
	}
	if c.Dashboard.Path == "" {
		c.Dashboard.Path = "dashboard-config.json"
	}
	if c.Dashboard.APIPortBase == 0 {
		c.Dashboard.APIPortBase = 8000
	}
	if c.Dashboard.UIPortBase == 0 {
		c.Dashboard.UIPortBase = 3000
	}
	if c.History.Driver == "" {
		c.History.Driver = "sqlite"
	}
	if c.History.Path == "" {
		switch c.History.Driver {
		case "badger":
			c.History.Path = filepath.Join(ConfigDir(), "history")
		default:
			c.History.Path = filepath.Join(ConfigDir(), "history.db")
		}
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "labdeploy"
	}
}

func routingEmpty(r placement.RoutingConfig) bool {
	return len(r.Workloads) == 0 && len(r.ModelSizes) == 0 && len(r.Default) == 0 && r.Fallback == ""
}

// Registry validates the host section and builds the catalog.
func (c Config) Registry() (*catalog.Registry, error) {
	hosts := make([]catalog.Host, 0, len(c.Hosts))
	for _, hc := range c.Hosts {
		kind, err := catalog.ParseKind(hc.Kind)
		if err != nil {
			return nil, &catalog.ConfigError{Field: "hosts." + hc.Name + ".kind", Value: hc.Kind, Message: err.Error()}
		}
		mem, err := catalog.ParseMemory(hc.AcceleratorMemory)
		if err != nil {
			return nil, &catalog.ConfigError{Field: "hosts." + hc.Name + ".accelerator_memory", Value: hc.AcceleratorMemory, Message: err.Error()}
		}
		hosts = append(hosts, catalog.Host{
			Name:              hc.Name,
			Kind:              kind,
			Address:           hc.Address,
			GPUCount:          hc.GPUCount,
			AcceleratorMemory: mem,
			Role:              hc.Role,
			Priority:          hc.Priority,
			Transport:         catalog.Transport(hc.Transport),
			User:              hc.User,
			Port:              hc.Port,
			ProcessManager:    catalog.ProcessManager(hc.ProcessManager),
		})
	}
	return catalog.New(hosts)
}
