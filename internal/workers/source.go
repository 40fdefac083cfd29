package workers

import (
	"context"
	"time"

	"github.com/anstrom/scanorama-agent/internal/logging"
	"github.com/anstrom/scanorama-agent/internal/queue"
	"github.com/anstrom/scanorama-agent/internal/scope"
)

var errClosed = queue.ErrClosed

// Source hands work items to workers.
type Source interface {
	// Next blocks until an item is available. An error ends the worker.
	Next(ctx context.Context) (*scope.WorkItem, error)
	// Done marks the item last returned by Next as finished.
	Done()
}

// QueueSource feeds workers from the bounded work queue.
type QueueSource struct {
	q *queue.Queue[*scope.WorkItem]
}

// NewQueueSource creates a source backed by q.
func NewQueueSource(q *queue.Queue[*scope.WorkItem]) *QueueSource {
	return &QueueSource{q: q}
}

func (s *QueueSource) Next(ctx context.Context) (*scope.WorkItem, error) {
	return s.q.Take(ctx)
}

func (s *QueueSource) Done() {
	s.q.Done()
}

// WorkSource is the authority call used for polling.
type WorkSource interface {
	GetWork(ctx context.Context, address string) (*scope.WorkItem, error)
}

// PollSource asks the authority for work, waiting interval whenever it has
// none or cannot be reached.
type PollSource struct {
	authority WorkSource
	interval  time.Duration
	logger    *logging.Logger
}

// NewPollSource creates a polling source.
func NewPollSource(authority WorkSource, interval time.Duration, logger *logging.Logger) *PollSource {
	return &PollSource{
		authority: authority,
		interval:  interval,
		logger:    logger.WithComponent("poller"),
	}
}

func (s *PollSource) Next(ctx context.Context) (*scope.WorkItem, error) {
	for {
		item, err := s.authority.GetWork(ctx, "")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch {
		case err != nil:
			s.logger.Warn("Failed to get work", "error", err, "retry_in", s.interval)
		case item != nil:
			return item, nil
		default:
			s.logger.Debug("No work available", "retry_in", s.interval)
		}

		if err := sleepContext(ctx, s.interval); err != nil {
			return nil, err
		}
	}
}

func (s *PollSource) Done() {}
