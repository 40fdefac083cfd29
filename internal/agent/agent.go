// Package agent wires the agent's components together and runs one of its
// three modes: a single target, a target file, or continuous polling.
package agent

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/scanorama-agent/internal/capability"
	"github.com/anstrom/scanorama-agent/internal/config"
	"github.com/anstrom/scanorama-agent/internal/errors"
	"github.com/anstrom/scanorama-agent/internal/logging"
	"github.com/anstrom/scanorama-agent/internal/metrics"
	"github.com/anstrom/scanorama-agent/internal/queue"
	"github.com/anstrom/scanorama-agent/internal/scanning"
	"github.com/anstrom/scanorama-agent/internal/scope"
	"github.com/anstrom/scanorama-agent/internal/servicedb"
	"github.com/anstrom/scanorama-agent/internal/targets"
	"github.com/anstrom/scanorama-agent/internal/workers"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	defaultHeartbeat       = "@every 1m"
	metricsRefresh         = "@every 15s"
)

// Mode selects what the agent scans. With neither field set the agent polls
// the authority for work until interrupted.
type Mode struct {
	Target     string
	TargetFile string
}

// Name returns a short label for the mode.
func (m Mode) Name() string {
	switch {
	case m.Target != "":
		return "target"
	case m.TargetFile != "":
		return "target-file"
	default:
		return "polling"
	}
}

// Validate rejects a mode with both a target and a target file.
func (m Mode) Validate() error {
	if m.Target != "" && m.TargetFile != "" {
		return errors.New(errors.CodeInvalidArgument, "--target and --target-file are mutually exclusive")
	}
	return nil
}

// Gate verifies the scan engine before any work starts.
type Gate interface {
	Check(ctx context.Context) (string, error)
}

// ScannerFactory builds the scanner once the engine and services file are known.
type ScannerFactory func(opts scanning.Options) workers.Scanner

// Summary describes a finished run.
type Summary struct {
	Mode        string
	Targets     targets.Stats
	Pool        workers.Stats
	Duration    time.Duration
	Interrupted bool
}

// Agent is the run-mode controller.
type Agent struct {
	cfg       *config.Config
	version   string
	agentID   string
	gate      Gate
	authority scope.Authority
	scanners  ScannerFactory
	metrics   *metrics.PrometheusMetrics
	logger    *logging.Logger

	heartbeat       string
	shutdownTimeout time.Duration
	poolSleep       func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	mode   Mode
	pool   *workers.Pool
	queue  *queue.Queue[*scope.WorkItem]
	status *StatusServer
}

// Option customizes an Agent.
type Option func(*Agent)

// WithGate replaces the capability gate.
func WithGate(g Gate) Option {
	return func(a *Agent) { a.gate = g }
}

// WithAuthority replaces the authority client.
func WithAuthority(authority scope.Authority) Option {
	return func(a *Agent) { a.authority = authority }
}

// WithScannerFactory replaces the scanner construction.
func WithScannerFactory(f ScannerFactory) Option {
	return func(a *Agent) { a.scanners = f }
}

// WithHeartbeat sets the cron schedule of the polling heartbeat.
func WithHeartbeat(spec string) Option {
	return func(a *Agent) { a.heartbeat = spec }
}

// WithShutdownTimeout bounds how long in-flight scans may run after interruption.
func WithShutdownTimeout(d time.Duration) Option {
	return func(a *Agent) { a.shutdownTimeout = d }
}

// WithPoolSleep replaces the pause between worker batches.
func WithPoolSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Agent) { a.poolSleep = sleep }
}

// New creates an agent. Unless replaced by options it checks the real nmap
// binary and talks to the configured authority over HTTP.
func New(cfg *config.Config, version string, m *metrics.PrometheusMetrics, logger *logging.Logger, opts ...Option) *Agent {
	agentID := cfg.Server.AgentID
	if agentID == "" {
		agentID = "anonymous-" + uuid.NewString()[:8]
	}

	a := &Agent{
		cfg:             cfg,
		version:         version,
		agentID:         agentID,
		metrics:         m,
		logger:          logger.WithComponent("agent"),
		heartbeat:       defaultHeartbeat,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.gate == nil {
		a.gate = capability.NewGate(cfg, logger)
	}
	if a.authority == nil {
		a.authority = scope.NewClient(cfg, version, m, logger)
	}
	if a.scanners == nil {
		a.scanners = func(opts scanning.Options) workers.Scanner {
			return scanning.NewScanner(opts, m, logger)
		}
	}
	return a
}

// ID returns the agent identity reported with results.
func (a *Agent) ID() string {
	return a.agentID
}

// Run performs startup checks, starts the worker pool and runs mode. An
// interruption through ctx is not an error: Run stops taking new work, lets
// in-flight scans finish within the shutdown timeout and returns nil.
func (a *Agent) Run(ctx context.Context, mode Mode) (*Summary, error) {
	start := time.Now()
	summary := &Summary{Mode: mode.Name()}

	if err := mode.Validate(); err != nil {
		return summary, err
	}

	a.logger.Info("Starting agent",
		"agent_id", a.agentID,
		"version", a.version,
		"mode", summary.Mode,
		"server", a.cfg.Server.URL,
		"max_threads", a.cfg.Agent.MaxThreads)

	scanner, err := a.prepare(ctx)
	if err != nil {
		if ctx.Err() != nil {
			summary.Interrupted = true
			return summary, nil
		}
		return summary, err
	}

	if a.cfg.Metrics.Enabled {
		status := NewStatusServer(a.cfg.Metrics.ListenAddr, a, a.metrics, a.logger)
		if err := status.Start(); err != nil {
			return summary, err
		}
		a.setStatus(status)
		defer a.stopStatus()
	}

	sched := cron.New()
	if _, err := sched.AddFunc(metricsRefresh, a.refreshMetrics); err != nil {
		return summary, errors.Wrap(errors.CodeConfiguration, "invalid metrics schedule", err)
	}
	if mode.Name() == "polling" {
		if _, err := sched.AddFunc(a.heartbeat, a.logHeartbeat); err != nil {
			return summary, errors.Wrap(errors.CodeConfiguration, "invalid heartbeat schedule", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	a.mu.Lock()
	a.mode = mode
	a.mu.Unlock()

	switch {
	case mode.Target != "" || mode.TargetFile != "":
		err = a.runFinite(ctx, mode, scanner, summary)
	default:
		err = a.runPolling(ctx, scanner)
	}

	if pool := a.currentPool(); pool != nil {
		summary.Pool = pool.Stats()
	}
	summary.Duration = time.Since(start)
	if ctx.Err() != nil {
		summary.Interrupted = true
		a.logger.Info("Agent interrupted, exiting", "processed", summary.Pool.Processed)
		return summary, nil
	}
	return summary, err
}

// prepare runs the startup sequence: engine check, data directories,
// services definition. It returns the scanner for the pool.
func (a *Agent) prepare(ctx context.Context) (workers.Scanner, error) {
	enginePath, err := a.gate.Check(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.cfg.EnsureDataDirs(); err != nil {
		return nil, err
	}

	def, err := servicedb.NewCache(a.cfg.ServicesPath(), a.cfg.Server.URL, a.authority, a.logger).Ensure(ctx)
	if err != nil {
		return nil, err
	}

	return a.scanners(scanning.Options{
		BinaryPath:   enginePath,
		ServicesPath: def.Path,
		ServicesHash: def.SHA256,
		ScansDir:     a.cfg.ScansDir(),
		AgentID:      a.agentID,
		Version:      a.version,
		ScanLocal:    a.cfg.Agent.ScanLocal,
		SaveFails:    a.cfg.Agent.SaveFails,
	}), nil
}

func (a *Agent) newPool(source workers.Source, scanner workers.Scanner) *workers.Pool {
	pool := workers.New(workers.ConfigFrom(a.cfg), source, scanner, a.authority, a.metrics, a.logger)
	if a.poolSleep != nil {
		pool.WithSleep(a.poolSleep)
	}
	a.mu.Lock()
	a.pool = pool
	a.mu.Unlock()
	return pool
}

// runFinite expands the target or target file into the queue and waits until
// every accepted item has been processed.
func (a *Agent) runFinite(ctx context.Context, mode Mode, scanner workers.Scanner, summary *Summary) error {
	q := queue.New[*scope.WorkItem](a.cfg.QueueCapacity())
	a.mu.Lock()
	a.queue = q
	a.mu.Unlock()

	pool := a.newPool(workers.NewQueueSource(q), scanner)
	defer a.shutdown(pool, q)

	if err := pool.Start(ctx); err != nil {
		return err
	}

	expander := targets.NewExpander(a.authority, q, a.metrics, a.logger)
	var err error
	if mode.Target != "" {
		summary.Targets, err = expander.Expand(ctx, mode.Target)
	} else {
		summary.Targets, err = expander.ExpandFile(ctx, mode.TargetFile)
	}
	if err != nil {
		return err
	}

	a.logger.Info("Target expansion complete",
		"hosts", summary.Targets.Hosts,
		"accepted", summary.Targets.Accepted,
		"rejected", summary.Targets.Rejected,
		"invalid", summary.Targets.Invalid,
		"errors", summary.Targets.Errors)

	if err := q.Join(ctx); err != nil {
		return err
	}
	a.logger.Info("All work items processed")
	return nil
}

// runPolling lets the pool pull work from the authority until ctx is cancelled.
func (a *Agent) runPolling(ctx context.Context, scanner workers.Scanner) error {
	source := workers.NewPollSource(a.authority, a.cfg.Agent.PollInterval, a.logger)
	pool := a.newPool(source, scanner)
	defer a.shutdown(pool, nil)

	if err := pool.Start(ctx); err != nil {
		return err
	}

	a.logger.Info("Polling for work", "interval", a.cfg.Agent.PollInterval)
	<-ctx.Done()
	return nil
}

// shutdown closes the queue and waits for the workers.
func (a *Agent) shutdown(pool *workers.Pool, q *queue.Queue[*scope.WorkItem]) {
	if q != nil {
		q.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
		a.logger.Warn("Worker pool shutdown failed", "error", err)
	}
	a.refreshMetrics()
}

func (a *Agent) currentPool() *workers.Pool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pool
}

func (a *Agent) setStatus(s *StatusServer) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

func (a *Agent) stopStatus() {
	a.mu.Lock()
	s := a.status
	a.status = nil
	a.mu.Unlock()
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		a.logger.Warn("Status server shutdown failed", "error", err)
	}
}

// Snapshot is the agent state reported on the status endpoint.
type Snapshot struct {
	AgentID       string        `json:"agent_id"`
	Version       string        `json:"version"`
	Mode          string        `json:"mode"`
	Uptime        string        `json:"uptime"`
	QueueDepth    int           `json:"queue_depth"`
	QueueCapacity int           `json:"queue_capacity"`
	Pool          workers.Stats `json:"pool"`
}

// Snapshot returns the current agent state.
func (a *Agent) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Snapshot{
		AgentID: a.agentID,
		Version: a.version,
		Mode:    a.mode.Name(),
		Uptime:  a.metrics.GetUptime().Round(time.Second).String(),
	}
	if a.queue != nil {
		s.QueueDepth = a.queue.Len()
		s.QueueCapacity = a.queue.Cap()
	}
	if a.pool != nil {
		s.Pool = a.pool.Stats()
	}
	return s
}

func (a *Agent) refreshMetrics() {
	a.metrics.UpdateSystemMetrics()
	a.mu.RLock()
	q := a.queue
	a.mu.RUnlock()
	if q != nil {
		a.metrics.SetQueue(q.Len(), q.Cap())
	}
}

func (a *Agent) logHeartbeat() {
	s := a.Snapshot()
	a.logger.Info("Agent heartbeat",
		"workers", s.Pool.Workers,
		"scanning", s.Pool.Scanning,
		"processed", s.Pool.Processed,
		"submitted", s.Pool.Submitted,
		"dropped", s.Pool.Dropped)
}
