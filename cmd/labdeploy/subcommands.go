package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/labdeploy/internal/core"
	"github.com/3cpo-dev/labdeploy/internal/placement"
	"github.com/3cpo-dev/labdeploy/internal/remote"
	"github.com/3cpo-dev/labdeploy/internal/resources"
	gssh "github.com/3cpo-dev/labdeploy/internal/ssh"
	"github.com/3cpo-dev/labdeploy/internal/telemetry"
	"github.com/3cpo-dev/labdeploy/pkg/api"
)

// env is everything a subcommand needs after loading the config.
type env struct {
	cfg     core.Config
	orch    *core.Orchestrator
	metrics *telemetry.Metrics
	closers []func()
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

type envOpts struct {
	// sinks opens history, events and tracing.
	sinks bool
	// remote loads transport credentials. Without it no host is contacted.
	remote bool
}

// Resolve the config and wire the orchestrator.
func resolveEnv(cmd *cobra.Command, opts envOpts) (*env, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	var exec remote.Executor = remote.NewRouter()
	if opts.remote {
		if exec, err = core.NewExecutor(cfg, reg); err != nil {
			return nil, err
		}
	}
	metrics := telemetry.NewMetrics()
	orch, err := core.NewOrchestrator(cfg, reg, exec, metrics)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, orch: orch, metrics: metrics}
	if !opts.sinks {
		return e, nil
	}

	hist, err := core.OpenHistory(cfg.History)
	if err != nil {
		log.Warn().Err(err).Str("driver", cfg.History.Driver).Msg("history disabled")
	} else {
		orch.History = hist
		e.closers = append(e.closers, func() { _ = hist.Close() })
	}
	pub, err := core.OpenEvents(cfg.Events)
	if err != nil {
		log.Warn().Err(err).Msg("events disabled")
	} else {
		orch.Events = pub
		e.closers = append(e.closers, pub.Close)
	}
	if cfg.Tracing.Enabled {
		shutdown, err := installTracing(cfg.Tracing)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.closers = append(e.closers, shutdown)
	}
	return e, nil
}

func installTracing(cfg core.TracingConfig) (func(), error) {
	var w io.Writer = os.Stderr
	var f *os.File
	if cfg.Path != "" {
		var err error
		f, err = os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		w = f
	}
	shutdown, err := telemetry.InstallTracing(w, version)
	if err != nil {
		if f != nil {
			f.Close()
		}
		return nil, err
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("flush traces")
		}
		if f != nil {
			f.Close()
		}
	}, nil
}

// parseProfiles accepts "type" or "type:size" entries.
func parseProfiles(args []string, defaultSize string) ([]placement.Profile, error) {
	var out []placement.Profile
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		wt, size, found := strings.Cut(arg, ":")
		if !found {
			size = defaultSize
		}
		if wt == "" {
			return nil, fmt.Errorf("invalid workload %q", arg)
		}
		ms, err := placement.ParseModelSize(size)
		if err != nil {
			return nil, fmt.Errorf("workload %s: %w", wt, err)
		}
		out = append(out, placement.Profile{WorkloadType: wt, ModelSize: ms})
	}
	if len(out) == 0 {
		return nil, errors.New("no workloads given")
	}
	return out, nil
}

func printReport(w io.Writer, r *api.RunReport) {
	fmt.Fprintf(w, "run %s\n", r.ID)
	for _, e := range r.Entries {
		status := string(e.Outcome)
		if e.Degraded {
			status += " (degraded)"
		}
		line := fmt.Sprintf("%-24s\t%-12s\t%s\t%s", e.Key(), e.Host, status, e.Duration.Round(1e6))
		if e.Error != "" {
			line += "\t" + e.Error
		}
		fmt.Fprintln(w, line)
	}
	s := r.Summarize()
	fmt.Fprintf(w, "%d deployed, %d failed, %d degraded\n", s.Total-s.Failed, s.Failed, s.Degraded)
}

// Deploy workloads
func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Place each workload on the best host and deploy it",
		RunE: func(cmd *cobra.Command, args []string) error {
			monitorOnly, _ := cmd.Flags().GetBool("monitor-only")
			target, _ := cmd.Flags().GetString("target")
			workloads, _ := cmd.Flags().GetStringSlice("workloads")
			size, _ := cmd.Flags().GetString("model-size")

			e, err := resolveEnv(cmd, envOpts{sinks: !monitorOnly, remote: !monitorOnly})
			if err != nil {
				return err
			}
			defer e.Close()
			out := cmd.OutOrStdout()

			if monitorOnly {
				d, err := e.orch.WriteDashboard()
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(d)
			}

			if len(workloads) == 0 {
				workloads = e.cfg.Deploy.Workloads
			}
			if size == "" {
				size = e.cfg.Deploy.ModelSize
			}
			profiles, err := parseProfiles(workloads, size)
			if err != nil {
				return err
			}

			var report *api.RunReport
			var runErr error
			if target != "" {
				report, runErr = e.orch.DeployTo(cmd.Context(), target, profiles)
			} else {
				report, runErr = e.orch.DeployFleet(cmd.Context(), profiles)
			}
			if report != nil {
				printReport(out, report)
			}
			if err := e.metrics.WriteTextfile(e.cfg.Metrics.Textfile); err != nil {
				log.Warn().Err(err).Msg("metrics textfile not written")
			}
			return runErr
		},
	}
	cmd.Flags().StringSlice("workloads", nil, "workload profiles as type or type:size (default from config)")
	cmd.Flags().String("model-size", "", "model size for workloads without an explicit size: small, medium, large")
	cmd.Flags().String("target", "", "deploy every workload to this host, skipping placement")
	cmd.Flags().Bool("monitor-only", false, "only regenerate the monitoring dashboard")
	return cmd
}

// Dry-run placement
func newSelectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Show which host a workload would be placed on",
		RunE: func(cmd *cobra.Command, args []string) error {
			workload, _ := cmd.Flags().GetString("workload")
			size, _ := cmd.Flags().GetString("model-size")
			e, err := resolveEnv(cmd, envOpts{remote: workload != ""})
			if err != nil {
				return err
			}
			defer e.Close()
			if workload == "" {
				return fmt.Errorf("--workload is required; configured types: %s", strings.Join(e.orch.Routing.WorkloadTypes(), ", "))
			}
			ms, err := placement.ParseModelSize(size)
			if err != nil {
				return err
			}
			d, err := e.orch.Selector.Select(cmd.Context(), placement.Profile{WorkloadType: workload, ModelSize: ms})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "workload=%s size=%s host=%s score=%.1f degraded=%t\n", workload, ms, d.Host.Name, d.Score, d.Degraded)
			names := make([]string, 0, len(d.Scores))
			for n := range d.Scores {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Fprintf(out, "  %s\t%.1f\n", n, d.Scores[n])
			}
			return nil
		},
	}
	cmd.Flags().String("workload", "", "workload type")
	cmd.Flags().String("model-size", string(placement.SizeMedium), "model size: small, medium, large")
	return cmd
}

// List the catalog
func newHostsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List the host catalog, optionally with live availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			probe, _ := cmd.Flags().GetBool("probe")
			e, err := resolveEnv(cmd, envOpts{remote: probe})
			if err != nil {
				return err
			}
			defer e.Close()
			out := cmd.OutOrStdout()
			if !probe {
				for _, h := range e.orch.Registry.List() {
					fmt.Fprintf(out, "%s\t%s\t%s\t%d GPU\t%s\t%s\n", h.Name, h.Kind, h.Address, h.GPUCount, h.MemoryString(), h.Transport)
				}
				return nil
			}
			hosts, avail, snaps := e.orch.Hosts(cmd.Context())
			for _, h := range hosts {
				state := "down"
				if avail[h.Name] {
					state = "up"
				}
				detail := "-"
				if s, ok := snaps[h.Name]; ok {
					detail = describeSnapshot(s)
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", h.Name, h.Kind, state, detail)
			}
			return nil
		},
	}
	cmd.Flags().Bool("probe", false, "probe each host and read accelerator telemetry")
	return cmd
}

func describeSnapshot(s resources.Snapshot) string {
	if s.Status != resources.StatusOK {
		if s.Reason == "" {
			return string(s.Status)
		}
		return string(s.Status) + ": " + s.Reason
	}
	return fmt.Sprintf("%d accelerators, %.0f%% busy", len(s.Accelerators), s.AvgUtilization)
}

// Show past runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent deployment runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			runID, _ := cmd.Flags().GetString("run")
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			store, err := core.OpenHistory(cfg.History)
			if err != nil {
				return err
			}
			defer store.Close()
			out := cmd.OutOrStdout()

			if runID != "" {
				entries, err := store.Entries(cmd.Context(), runID)
				if err != nil {
					return err
				}
				printReport(out, &api.RunReport{ID: runID, Entries: entries})
				return nil
			}
			runs, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs recorded")
				return nil
			}
			for _, r := range runs {
				fmt.Fprintf(out, "%s\t%s\t%d total\t%d failed\t%d degraded\n", r.ID, humanize.Time(r.StartedAt), r.Total, r.Failed, r.Degraded)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 10, "number of runs to show")
	cmd.Flags().String("run", "", "show the entries of one run")
	return cmd
}

// Initialize configuration and SSH material
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "labdeploy initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = core.DefaultConfigPath()
			}
			out := cmd.OutOrStdout()

			var cfg core.Config
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				cfg = core.DefaultConfig()
				if err := core.WriteConfig(path, cfg); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote default config to %s\n", path)
			} else {
				loaded, err := core.LoadConfig(path)
				if err != nil {
					return err
				}
				cfg = loaded
				fmt.Fprintf(out, "config already present at %s\n", path)
			}

			if _, err := os.Stat(cfg.SSH.KeyPath); errors.Is(err, fs.ErrNotExist) {
				if err := os.MkdirAll(filepath.Dir(cfg.SSH.KeyPath), 0o700); err != nil {
					return err
				}
				pub, err := gssh.GenerateEd25519Keypair(cfg.SSH.KeyPath)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "generated %s\n%s", cfg.SSH.KeyPath, pub)
			}
			if err := gssh.EnsureKnownHostsFile(cfg.SSH.KnownHosts); err != nil {
				return err
			}
			fmt.Fprintf(out, "known hosts at %s\n", cfg.SSH.KnownHosts)
			return nil
		},
	}
}
