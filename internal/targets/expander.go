// Package targets turns user target specifications into scoped work items.
// Each usable host is checked against the authority once, and accepted items
// are handed to the work queue with a blocking put.
package targets

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anstrom/scanorama-agent/internal/errors"
	"github.com/anstrom/scanorama-agent/internal/logging"
	"github.com/anstrom/scanorama-agent/internal/metrics"
	"github.com/anstrom/scanorama-agent/internal/scope"
)

// WorkSource answers whether an address is in scope.
type WorkSource interface {
	GetWork(ctx context.Context, address string) (*scope.WorkItem, error)
}

// Sink receives accepted work items. Put blocks while the sink is full.
type Sink interface {
	Put(ctx context.Context, item *scope.WorkItem) error
}

// Stats summarizes one or more expansions.
type Stats struct {
	Entries  int // target specifications processed
	Invalid  int // specifications that failed to parse
	Hosts    int // GetWork calls issued
	Accepted int // items enqueued
	Rejected int // hosts out of scope
	Errors   int // GetWork calls that failed
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Entries += other.Entries
	s.Invalid += other.Invalid
	s.Hosts += other.Hosts
	s.Accepted += other.Accepted
	s.Rejected += other.Rejected
	s.Errors += other.Errors
}

// Expander expands target specifications into queued work.
type Expander struct {
	source  WorkSource
	sink    Sink
	metrics *metrics.PrometheusMetrics
	logger  *logging.Logger
}

// NewExpander creates an Expander.
func NewExpander(source WorkSource, sink Sink, m *metrics.PrometheusMetrics, logger *logging.Logger) *Expander {
	return &Expander{
		source:  source,
		sink:    sink,
		metrics: m,
		logger:  logger.WithComponent("targets"),
	}
}

// Expand checks every usable host of spec with the authority and enqueues
// the accepted ones in ascending address order. An unparseable spec returns
// an InvalidTarget error; a spec with no in-scope hosts is not an error.
// Failed lookups are logged and skipped.
func (e *Expander) Expand(ctx context.Context, spec string) (Stats, error) {
	stats := Stats{Entries: 1}

	prefix, err := ParseTarget(spec)
	if err != nil {
		stats.Invalid++
		e.metrics.IncrementInvalidTargets()
		return stats, err
	}

	e.logger.Debug("Expanding target", "target", prefix.String())

	for addr := range Hosts(prefix) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		address := addr.String()
		stats.Hosts++

		item, err := e.source.GetWork(ctx, address)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Errors++
			e.metrics.IncrementLookups(metrics.OutcomeError)
			e.logger.ErrorScan("Work lookup failed", address, err)
			continue
		}
		if item == nil {
			stats.Rejected++
			e.metrics.IncrementLookups(metrics.OutcomeRejected)
			continue
		}

		if err := e.sink.Put(ctx, item); err != nil {
			return stats, err
		}
		stats.Accepted++
		e.metrics.IncrementLookups(metrics.OutcomeAccepted)
	}

	return stats, nil
}

// ExpandFile expands each line of a target file in turn. Blank lines and
// lines starting with # are ignored. Invalid entries are logged and skipped.
func (e *Expander) ExpandFile(ctx context.Context, path string) (Stats, error) {
	var total Stats

	f, err := os.Open(path) //nolint:gosec // operator-supplied target file
	if err != nil {
		return total, errors.Wrap(errors.CodeInvalidArgument,
			fmt.Sprintf("failed to open target file %s", path), err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		stats, err := e.Expand(ctx, line)
		total.Add(stats)
		if err != nil {
			if errors.IsCode(err, errors.CodeTargetInvalid) {
				e.logger.Warn("Skipping invalid target", "line", lineNo, "target", line, "error", err)
				continue
			}
			return total, err
		}
	}
	if err := scanner.Err(); err != nil {
		return total, errors.Wrap(errors.CodeInvalidArgument,
			fmt.Sprintf("failed to read target file %s", path), err)
	}

	return total, nil
}
