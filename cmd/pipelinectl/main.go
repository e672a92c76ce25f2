// Command pipelinectl is the bootstrap/lifecycle collaborator spec.md
// leaves at its interface: it loads configuration, wires up a Scheduler
// with stub pipeline instances, and exposes init/run/status/shutdown
// subcommands. Grounded on the teacher's cmd/node/main.go (cobra
// rootCmd with subcommands, --config persistent flag, viper-backed
// config.Load).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pipelinesched/pipelinesched/internal/config"
	"github.com/pipelinesched/pipelinesched/pkg/logging"
	"github.com/pipelinesched/pipelinesched/pkg/pipeline"
	"github.com/pipelinesched/pipelinesched/pkg/sched"
	"github.com/pipelinesched/pipelinesched/pkg/sched/types"
)

var (
	cfgFile string
	version = "dev"
)

// defaultPidFile is where runCmd records its PID so a separate
// shutdownCmd invocation can find and signal it.
const defaultPidFile = "pipelinectl.pid"

func main() {
	rootCmd := &cobra.Command{
		Use:     "pipelinectl",
		Short:   "Pipeline scheduler control CLI",
		Long:    "pipelinectl loads a scheduler configuration, runs the scheduler, and reports its status.",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./pipelinesched.yaml, $HOME/.pipelinesched, /etc/pipelinesched)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(shutdownCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadScheduler() (*sched.Scheduler, *config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:       logLevelFromString(string(cfg.Logging.Level)),
		Format:      logging.Format(cfg.Logging.Format),
		ServiceName: "pipelinectl",
	})

	schedCfg := sched.Config{
		DefaultTimeout:           cfg.Scheduler.DefaultTimeout,
		MaxRetries:               cfg.Scheduler.MaxRetries,
		DefaultRetryDelay:        cfg.Scheduler.DefaultRetryDelay,
		LoadBalancerStrategy:     cfg.LoadBalancer.Strategy,
		EnableLoadBalancing:      cfg.LoadBalancer.EnableLoadBalancing,
		BlacklistCleanupInterval: cfg.BlacklistCleanupInterval(),
		HealthCfg:                cfg.HealthConfig(),
		BreakerCfg:               cfg.BreakerConfig(),
		PolicyCfg:                cfg.PolicyConfig(),
		RespCenterCfg:            cfg.RespCenterConfig(),
		OptimizerCfg:             cfg.OptimizerRuntimeConfig(),
	}

	scheduler := sched.New(schedCfg, logger)

	for _, pc := range cfg.Pipelines {
		descriptor := types.PipelineDescriptor{
			ID:             pc.ID,
			Name:           pc.Name,
			Type:           pc.Type,
			Enabled:        pc.Enabled,
			Priority:       pc.Priority,
			Weight:         pc.Weight,
			Timeout:        pc.Timeout,
			MaxConcurrency: pc.MaxConcurrency,
		}
		factory := func(id string) pipeline.Instance {
			return pipeline.NewStubInstance(id, newDemoResponder())
		}
		if _, err := scheduler.CreatePipeline(context.Background(), descriptor, factory); err != nil {
			return nil, nil, nil, fmt.Errorf("creating pipeline %s: %w", pc.ID, err)
		}
	}

	return scheduler, cfg, logger, nil
}

// demoResponder simulates a well-behaved upstream for local runs: it
// always succeeds after a small randomized latency. Real pipeline
// instances are out of scope per spec.md.
type demoResponder struct{}

func newDemoResponder() *demoResponder { return &demoResponder{} }

func (d *demoResponder) Respond(_ types.ExecutionContext) ([]byte, *types.PipelineError, time.Duration) {
	latency := time.Duration(10+rand.Intn(40)) * time.Millisecond
	return []byte("ok"), nil, latency
}

func (d *demoResponder) Healthy() bool { return true }

func colorBool(b bool) string {
	if b {
		return color.GreenString("true")
	}
	return color.RedString("false")
}

func colorState(state string) string {
	switch state {
	case "ready":
		return color.GreenString(state)
	case "error", "stopped":
		return color.RedString(state)
	default:
		return color.YellowString(state)
	}
}

func colorBreaker(state string) string {
	switch state {
	case "closed":
		return color.GreenString(state)
	case "open":
		return color.RedString(state)
	default:
		return color.YellowString(state)
	}
}

func logLevelFromString(s string) logging.LogLevel {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// initCmd scaffolds a starter YAML config, grounded on the teacher's
// quickstart/setup commands which both generate a default on-disk config
// before the node ever runs (cmd/node/quickstart.go, cmd/node/setup.go).
func initCmd() *cobra.Command {
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter pipelinesched config with spec-default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", out)
			}

			bytes, err := yaml.Marshal(config.Default())
			if err != nil {
				return fmt.Errorf("marshaling default config: %w", err)
			}
			if err := os.WriteFile(out, bytes, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", out, err)
			}

			fmt.Printf("%s %s\n", color.GreenString("✅ Wrote"), color.YellowString(out))
			fmt.Printf("   %s\n", color.CyanString("Edit pipelines: [] to register pipeline instances, then run: pipelinectl run --config %s", out))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "output", "pipelinesched.yaml", "path to write the generated config")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite output if it already exists")
	return cmd
}

func runCmd() *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduler, _, logger, err := loadScheduler()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := scheduler.Initialize(ctx); err != nil {
				return fmt.Errorf("initializing scheduler: %w", err)
			}

			if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
				logger.Warn("could not write pid file, shutdown subcommand won't find this process", "path", pidFile, "error", err)
			} else {
				defer os.Remove(pidFile)
			}
			logger.Info("scheduler started", "pid_file", pidFile)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logger.Info("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return scheduler.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&pidFile, "pid-file", defaultPidFile, "path to record this process's PID for the shutdown subcommand")
	return cmd
}

// shutdownCmd signals a separately-running `pipelinectl run` process to
// shut down gracefully. The scheduler itself has no remote-control surface
// (spec.md's persistence/distribution is out of scope), so this operates
// the same way the run subcommand's own SIGINT/SIGTERM handling does: by
// delivering a signal to the process recorded in --pid-file.
func shutdownCmd() *cobra.Command {
	var pidFile string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Gracefully stop a running `pipelinectl run` process",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(pidFile)
			if err != nil {
				return fmt.Errorf("reading %s: %w (is `pipelinectl run` running?)", pidFile, err)
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
			if err != nil {
				return fmt.Errorf("malformed pid in %s: %w", pidFile, err)
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("finding process %d: %w", pid, err)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("signaling process %d: %w", pid, err)
			}
			fmt.Printf("%s pid %d, waiting up to %s for it to exit...\n", color.CyanString("signaled"), pid, timeout)

			deadline := time.Now().Add(timeout)
			for time.Now().Before(deadline) {
				if err := proc.Signal(syscall.Signal(0)); err != nil {
					fmt.Println(color.GreenString("✅ process exited"))
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
			return fmt.Errorf("process %d did not exit within %s", pid, timeout)
		},
	}
	cmd.Flags().StringVar(&pidFile, "pid-file", defaultPidFile, "path to the pid file written by `run`")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for graceful exit before reporting failure")
	return cmd
}

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print scheduler configuration and pipeline status for the local config",
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduler, cfg, _, err := loadScheduler()
			if err != nil {
				return err
			}

			report := map[string]any{
				"strategy":  cfg.LoadBalancer.Strategy,
				"pipelines": []map[string]any{},
				"stats":     scheduler.GetSchedulerStats(),
				"healthy":   scheduler.HealthCheck(),
			}

			pipelines := make([]map[string]any, 0, len(cfg.Pipelines))
			for _, pc := range cfg.Pipelines {
				st, err := scheduler.GetPipelineStatus(pc.ID)
				if err != nil {
					continue
				}
				pipelines = append(pipelines, map[string]any{
					"id":      pc.ID,
					"enabled": st.Enabled,
					"state":   st.State,
					"breaker": st.BreakerState,
				})
			}
			report["pipelines"] = pipelines

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Printf("strategy: %s\n", color.CyanString(cfg.LoadBalancer.Strategy))
			fmt.Printf("healthy: %s\n", colorBool(report["healthy"].(bool)))
			for _, p := range pipelines {
				fmt.Printf("  pipeline %s: enabled=%s state=%s breaker=%s\n",
					p["id"], colorBool(p["enabled"].(bool)), colorState(fmt.Sprint(p["state"])), colorBreaker(fmt.Sprint(p["breaker"])))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}
