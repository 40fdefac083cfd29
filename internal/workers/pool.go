// Package workers runs the agent's scan workers. Each worker takes one work
// item at a time from its source, scans it, submits the result and marks the
// item done. Workers are started in batches and supervised by an errgroup.
package workers

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anstrom/scanorama-agent/internal/config"
	"github.com/anstrom/scanorama-agent/internal/errors"
	"github.com/anstrom/scanorama-agent/internal/logging"
	"github.com/anstrom/scanorama-agent/internal/metrics"
	"github.com/anstrom/scanorama-agent/internal/scope"
)

// State is what a worker is currently doing.
type State int32

// Worker states.
const (
	StateIdle State = iota
	StateScanning
	StateReporting
	numStates
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateReporting:
		return "reporting"
	default:
		return "unknown"
	}
}

// Scanner runs the engine for one work item. It always returns a result;
// a non-nil error marks it as a failure record.
type Scanner interface {
	Scan(ctx context.Context, item *scope.WorkItem) (*scope.Result, error)
}

// Submitter delivers results to the authority.
type Submitter interface {
	SubmitResult(ctx context.Context, result *scope.Result) error
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// BatchSize is the number of workers started before each pause.
	BatchSize int
	// BatchDelay is the pause between batches.
	BatchDelay time.Duration
}

// ConfigFrom returns the pool configuration for an agent configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Size:       cfg.Agent.MaxThreads,
		BatchSize:  cfg.Agent.BatchSize,
		BatchDelay: cfg.Agent.BatchDelay,
	}
}

// Stats is a snapshot of the pool.
type Stats struct {
	Workers   int   `json:"workers"`
	Idle      int   `json:"idle"`
	Scanning  int   `json:"scanning"`
	Reporting int   `json:"reporting"`
	Processed int64 `json:"processed"`
	Submitted int64 `json:"submitted"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Pool manages the scan workers.
type Pool struct {
	config    Config
	source    Source
	scanner   Scanner
	submitter Submitter
	metrics   *metrics.PrometheusMetrics
	logger    *logging.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	group        errgroup.Group
	cancelIntake context.CancelFunc
	cancelWork   context.CancelFunc
	startOnce    sync.Once
	started      atomic.Int32

	stateMu sync.Mutex
	states  [numStates]int

	processed atomic.Int64
	submitted atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// New creates a worker pool.
func New(cfg Config, source Source, scanner Scanner, submitter Submitter,
	m *metrics.PrometheusMetrics, logger *logging.Logger) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = cfg.Size
	}
	return &Pool{
		config:    cfg,
		source:    source,
		scanner:   scanner,
		submitter: submitter,
		metrics:   m,
		logger:    logger.WithComponent("workers"),
		sleep:     sleepContext,
	}
}

// WithSleep replaces the pause used between batches.
func (p *Pool) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Pool {
	p.sleep = sleep
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the workers, pausing after every full batch. Workers stop
// taking new items once ctx is cancelled; an item already taken is scanned
// and submitted until Shutdown cancels it. Start returns early if ctx is
// cancelled during a pause.
func (p *Pool) Start(ctx context.Context) error {
	var err error
	p.startOnce.Do(func() {
		intake, cancelIntake := context.WithCancel(ctx)
		workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
		p.cancelIntake = cancelIntake
		p.cancelWork = cancelWork

		p.logger.Info("Starting worker pool",
			"worker_count", p.config.Size,
			"batch_size", p.config.BatchSize,
			"batch_delay", p.config.BatchDelay)

		for i := 0; i < p.config.Size; i++ {
			if i > 0 && i%p.config.BatchSize == 0 {
				p.logger.Debug("Pausing before next batch", "started", i, "delay", p.config.BatchDelay)
				if err = p.sleep(intake, p.config.BatchDelay); err != nil {
					return
				}
			}
			id := i
			p.started.Add(1)
			p.setState(-1, StateIdle)
			p.group.Go(func() error {
				return p.work(intake, workCtx, id)
			})
		}
	})
	return err
}

// Started returns the number of workers launched so far.
func (p *Pool) Started() int {
	return int(p.started.Load())
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() error {
	return p.group.Wait()
}

// Shutdown stops workers from taking new items and waits for them to exit.
// Workers still busy when ctx is done have their scan cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.cancelWork == nil {
		return nil
	}
	p.cancelIntake()

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	select {
	case err := <-done:
		p.cancelWork()
		p.logger.Info("Worker pool shutdown completed")
		return err
	case <-ctx.Done():
		p.logger.Warn("Worker pool shutdown timeout, cancelling in-flight scans")
		p.cancelWork()
		return <-done
	}
}

// Stats returns a snapshot of worker states and result counters.
func (p *Pool) Stats() Stats {
	p.stateMu.Lock()
	states := p.states
	p.stateMu.Unlock()

	return Stats{
		Workers:   p.Started(),
		Idle:      states[StateIdle],
		Scanning:  states[StateScanning],
		Reporting: states[StateReporting],
		Processed: p.processed.Load(),
		Submitted: p.submitted.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// setState moves one worker from one state to another. A negative from adds a worker.
func (p *Pool) setState(from, to State) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if from >= 0 {
		p.states[from]--
		p.metrics.SetWorkersInState(from.String(), p.states[from])
	}
	if to >= 0 {
		p.states[to]++
		p.metrics.SetWorkersInState(to.String(), p.states[to])
	}
}

// work is the loop of a single worker.
func (p *Pool) work(intake, workCtx context.Context, id int) error {
	logger := p.logger.WithWorker(id)
	logger.Debug("Worker started")
	defer func() {
		p.setState(StateIdle, -1)
		logger.Debug("Worker stopped")
	}()

	for {
		item, err := p.source.Next(intake)
		if err != nil {
			if intake.Err() == nil && !isClosed(err) {
				logger.Warn("Work source failed", "error", err)
			}
			return nil
		}

		p.process(workCtx, logger, item)
		p.source.Done()
	}
}

// process scans one item and submits its result.
func (p *Pool) process(ctx context.Context, logger *logging.Logger, item *scope.WorkItem) {
	logger = logger.WithTarget(item.Target).WithFields("scan_id", item.ScanID)

	p.setState(StateIdle, StateScanning)
	result, err := p.scanner.Scan(ctx, item)
	if err != nil {
		if result == nil {
			result = scope.NewResult(item)
			result.FailureReason = err.Error()
		}
		if errors.IsCode(err, errors.CodeCanceled) {
			p.setState(StateScanning, StateIdle)
			logger.Info("Scan cancelled, result discarded")
			return
		}
		p.failed.Add(1)
		p.metrics.IncrementResults(metrics.ResultFailed)
		logger.Warn("Submitting failure record", "reason", result.FailureReason)
	}

	p.setState(StateScanning, StateReporting)
	if err := p.submitter.SubmitResult(ctx, result); err != nil {
		p.dropped.Add(1)
		p.metrics.IncrementResults(metrics.ResultDropped)
		logger.Warn("Dropping result after failed submission", "error", err)
	} else {
		p.submitted.Add(1)
		p.metrics.IncrementResults(metrics.ResultSubmitted)
		logger.Debug("Result submitted")
	}
	p.processed.Add(1)
	p.setState(StateReporting, StateIdle)
}

func isClosed(err error) bool {
	return stderrors.Is(err, errClosed)
}
