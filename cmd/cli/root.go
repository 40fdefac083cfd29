// Package cli provides the command-line interface of the scan agent. The root
// command loads configuration, sets up logging and runs the agent in the mode
// selected by its flags.
package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/scanorama-agent/internal/agent"
	"github.com/anstrom/scanorama-agent/internal/config"
	"github.com/anstrom/scanorama-agent/internal/errors"
	"github.com/anstrom/scanorama-agent/internal/logging"
	"github.com/anstrom/scanorama-agent/internal/metrics"
)

// envPrefix is the prefix of environment overrides, e.g. SCANORAMA_AGENT_SERVER_URL.
const envPrefix = "SCANORAMA_AGENT"

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

type options struct {
	configFile string
	target     string
	targetFile string
	verbose    bool
}

// runner runs the agent; replaced in tests.
type runner func(ctx context.Context, cfg *config.Config, logger *logging.Logger, mode agent.Mode) (*agent.Summary, error)

func runAgent(ctx context.Context, cfg *config.Config, logger *logging.Logger, mode agent.Mode) (*agent.Summary, error) {
	m := metrics.NewPrometheusMetrics()
	return agent.New(cfg, version, m, logger).Run(ctx, mode)
}

// NewRootCommand builds the agent's root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(runAgent)
}

func newRootCommand(run runner) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "scanorama-agent",
		Short: "Distributed scan agent",
		Long: `scanorama-agent scans the hosts a scope authority approves and reports
the results back to it. Given a target or a target file it checks every host
of the range and exits when all accepted work is done; without either it polls
the authority for work until interrupted.`,
		Version:       getVersion(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, opts, run)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.target, "target", "t", "", "scan a single address or CIDR range")
	flags.StringVarP(&opts.targetFile, "target-file", "f", "", "scan each address or CIDR range listed in a file")
	flags.StringVarP(&opts.configFile, "config", "c", "", "config file (default is ./agent.yaml)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	cmd.MarkFlagsMutuallyExclusive("target", "target-file")

	return cmd
}

func execute(cmd *cobra.Command, opts *options, run runner) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := agent.Mode{Target: opts.target, TargetFile: opts.targetFile}
	summary, err := run(ctx, cfg, logger, mode)
	if err != nil {
		return err
	}

	if summary != nil && mode.Name() != "polling" {
		return printSummary(cmd.OutOrStdout(), summary)
	}
	return nil
}

// loadConfig reads the config file, layers environment overrides and flags
// on top, and validates the result.
func loadConfig(opts *options) (*config.Config, error) {
	path := opts.configFile
	if path == "" {
		if _, err := os.Stat("agent.yaml"); err == nil {
			path = "agent.yaml"
		}
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := applyEnv(v, cfg); err != nil {
		return nil, err
	}

	if opts.verbose {
		cfg.Logging.Level = string(logging.LevelDebug)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides maps config keys to setters.
var envOverrides = map[string]func(cfg *config.Config, v *viper.Viper, key string){
	"server.url":                  func(c *config.Config, v *viper.Viper, k string) { c.Server.URL = v.GetString(k) },
	"server.agent_id":             func(c *config.Config, v *viper.Viper, k string) { c.Server.AgentID = v.GetString(k) },
	"server.token":                func(c *config.Config, v *viper.Viper, k string) { c.Server.Token = v.GetString(k) },
	"server.request_timeout":      func(c *config.Config, v *viper.Viper, k string) { c.Server.RequestTimeout = v.GetDuration(k) },
	"server.ignore_ssl_warn":      func(c *config.Config, v *viper.Viper, k string) { c.Server.IgnoreSSLWarn = v.GetBool(k) },
	"server.requests_per_second":  func(c *config.Config, v *viper.Viper, k string) { c.Server.RequestsPerSecond = v.GetFloat64(k) },
	"server.backoff_base":         func(c *config.Config, v *viper.Viper, k string) { c.Server.BackoffBase = v.GetDuration(k) },
	"server.backoff_max":          func(c *config.Config, v *viper.Viper, k string) { c.Server.BackoffMax = v.GetDuration(k) },
	"agent.max_threads":           func(c *config.Config, v *viper.Viper, k string) { c.Agent.MaxThreads = v.GetInt(k) },
	"agent.data_dir":              func(c *config.Config, v *viper.Viper, k string) { c.Agent.DataDir = v.GetString(k) },
	"agent.scan_local":            func(c *config.Config, v *viper.Viper, k string) { c.Agent.ScanLocal = v.GetBool(k) },
	"agent.save_fails":            func(c *config.Config, v *viper.Viper, k string) { c.Agent.SaveFails = v.GetBool(k) },
	"agent.nmap_path":             func(c *config.Config, v *viper.Viper, k string) { c.Agent.NmapPath = v.GetString(k) },
	"agent.skip_capability_check": func(c *config.Config, v *viper.Viper, k string) { c.Agent.SkipCapabilityCheck = v.GetBool(k) },
	"agent.batch_size":            func(c *config.Config, v *viper.Viper, k string) { c.Agent.BatchSize = v.GetInt(k) },
	"agent.batch_delay":           func(c *config.Config, v *viper.Viper, k string) { c.Agent.BatchDelay = v.GetDuration(k) },
	"agent.poll_interval":         func(c *config.Config, v *viper.Viper, k string) { c.Agent.PollInterval = v.GetDuration(k) },
	"logging.level":               func(c *config.Config, v *viper.Viper, k string) { c.Logging.Level = v.GetString(k) },
	"logging.format":              func(c *config.Config, v *viper.Viper, k string) { c.Logging.Format = v.GetString(k) },
	"logging.output":              func(c *config.Config, v *viper.Viper, k string) { c.Logging.Output = v.GetString(k) },
	"metrics.enabled":             func(c *config.Config, v *viper.Viper, k string) { c.Metrics.Enabled = v.GetBool(k) },
	"metrics.listen_addr":         func(c *config.Config, v *viper.Viper, k string) { c.Metrics.ListenAddr = v.GetString(k) },
}

func applyEnv(v *viper.Viper, cfg *config.Config) error {
	for key, set := range envOverrides {
		if err := v.BindEnv(key); err != nil {
			return errors.WrapConfigError(errors.CodeConfiguration, "failed to bind "+key, err)
		}
		if v.IsSet(key) {
			set(cfg, v, key)
		}
	}
	return nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.New(logging.Config{
		Level:     logging.LogLevel(cfg.Logging.Level),
		Format:    logging.LogFormat(cfg.Logging.Format),
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.Level == string(logging.LevelDebug),
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeConfiguration, "failed to initialize logging", err)
	}
	return logger, nil
}

// printSummary renders the result of a finite run.
func printSummary(w io.Writer, s *agent.Summary) error {
	table := tablewriter.NewWriter(w)
	table.Header("Mode", "Hosts", "Accepted", "Rejected", "Invalid", "Lookup Errors",
		"Submitted", "Failed", "Dropped", "Duration")

	_ = table.Append([]string{
		s.Mode,
		strconv.Itoa(s.Targets.Hosts),
		strconv.Itoa(s.Targets.Accepted),
		strconv.Itoa(s.Targets.Rejected),
		strconv.Itoa(s.Targets.Invalid),
		strconv.Itoa(s.Targets.Errors),
		strconv.FormatInt(s.Pool.Submitted, 10),
		strconv.FormatInt(s.Pool.Failed, 10),
		strconv.FormatInt(s.Pool.Dropped, 10),
		s.Duration.Round(time.Millisecond).String(),
	})
	return table.Render()
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	os.Exit(runCommand(NewRootCommand(), os.Args[1:], os.Stderr))
}

// runCommand executes cmd with args and returns the process exit code.
func runCommand(cmd *cobra.Command, args []string, stderr io.Writer) int {
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stderr, "Error:", describe(err))
		return 1
	}
	return 0
}

// describe returns the one-line message shown for err.
func describe(err error) string {
	var agentErr *errors.AgentError
	if stderrors.As(err, &agentErr) && errors.IsFatal(err) {
		msg := agentErr.Message
		if agentErr.Cause != nil {
			msg += ": " + agentErr.Cause.Error()
		}
		return msg
	}
	return err.Error()
}
