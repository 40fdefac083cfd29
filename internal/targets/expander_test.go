package targets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/scanorama-agent/internal/errors"
	"github.com/anstrom/scanorama-agent/internal/logging"
	"github.com/anstrom/scanorama-agent/internal/metrics"
	"github.com/anstrom/scanorama-agent/internal/queue"
	"github.com/anstrom/scanorama-agent/internal/scope"
	"github.com/anstrom/scanorama-agent/internal/scope/mocks"
)

func workFor(address string) *scope.WorkItem {
	return &scope.WorkItem{ScanID: "scan-" + address, Target: address}
}

func newExpander(authority *mocks.MockAuthority, capacity int) (*Expander, *queue.Queue[*scope.WorkItem]) {
	q := queue.New[*scope.WorkItem](capacity)
	return NewExpander(authority, q, metrics.NewPrometheusMetrics(), logging.NewDiscard()), q
}

func drain(q *queue.Queue[*scope.WorkItem]) []string {
	var out []string
	for q.Len() > 0 {
		item, _ := q.Take(context.Background())
		out = append(out, item.Target)
	}
	return out
}

func TestExpand(t *testing.T) {
	ctx := context.Background()

	t.Run("slash 30 checks both usable hosts in order", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		authority := mocks.NewMockAuthority(ctrl)
		gomock.InOrder(
			authority.EXPECT().GetWork(gomock.Any(), "10.0.0.1").Return(workFor("10.0.0.1"), nil),
			authority.EXPECT().GetWork(gomock.Any(), "10.0.0.2").Return(workFor("10.0.0.2"), nil),
		)

		expander, q := newExpander(authority, 2)
		stats, err := expander.Expand(ctx, "10.0.0.0/30")
		require.NoError(t, err)

		assert.Equal(t, Stats{Entries: 1, Hosts: 2, Accepted: 2}, stats)
		assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, drain(q))
	})

	t.Run("single address makes one call", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		authority := mocks.NewMockAuthority(ctrl)
		authority.EXPECT().GetWork(gomock.Any(), "2001:db8::1").Return(workFor("2001:db8::1"), nil).Times(1)

		expander, q := newExpander(authority, 1)
		stats, err := expander.Expand(ctx, "2001:db8::1/128")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Hosts)
		assert.Equal(t, 1, q.Len())
	})

	t.Run("out of scope hosts are never enqueued", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		authority := mocks.NewMockAuthority(ctrl)
		authority.EXPECT().GetWork(gomock.Any(), gomock.Any()).Return(nil, nil).Times(6)

		expander, q := newExpander(authority, 1)
		stats, err := expander.Expand(ctx, "192.168.1.0/29")
		require.NoError(t, err, "zero in-scope hosts is not an error")
		assert.Equal(t, 6, stats.Rejected)
		assert.Equal(t, 0, stats.Accepted)
		assert.Equal(t, 0, q.Len())
		assert.Equal(t, 0, q.Unfinished())
	})

	t.Run("lookup errors skip the host", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		authority := mocks.NewMockAuthority(ctrl)
		gomock.InOrder(
			authority.EXPECT().GetWork(gomock.Any(), "10.0.0.1").
				Return(nil, errors.New(errors.CodeNetworkUnreachable, "connection refused")),
			authority.EXPECT().GetWork(gomock.Any(), "10.0.0.2").Return(workFor("10.0.0.2"), nil),
		)

		expander, q := newExpander(authority, 2)
		stats, err := expander.Expand(ctx, "10.0.0.0/30")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Errors)
		assert.Equal(t, []string{"10.0.0.2"}, drain(q))
	})

	t.Run("invalid target", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		authority := mocks.NewMockAuthority(ctrl)

		expander, _ := newExpander(authority, 1)
		stats, err := expander.Expand(ctx, "10.0.0.1/24")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeTargetInvalid))
		assert.Equal(t, 1, stats.Invalid)
		assert.Equal(t, 0, stats.Hosts)
	})
}

func TestExpandBackpressure(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	authority := mocks.NewMockAuthority(ctrl)
	authority.EXPECT().GetWork(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, address string) (*scope.WorkItem, error) {
			return workFor(address), nil
		}).Times(6)

	expander, q := newExpander(authority, 2)

	done := make(chan Stats, 1)
	go func() {
		stats, _ := expander.Expand(ctx, "192.168.1.0/29")
		done <- stats
	}()

	// The expander stalls once the queue is full.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("expansion finished without a consumer")
	default:
	}
	assert.Equal(t, 2, q.Len())

	var got []string
	for len(got) < 6 {
		item, err := q.Take(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, q.Len(), q.Cap())
		got = append(got, item.Target)
		q.Done()
	}

	stats := <-done
	assert.Equal(t, 6, stats.Accepted)
	assert.Equal(t, "192.168.1.1", got[0])
	assert.Equal(t, "192.168.1.6", got[5])
}

func TestExpandCancellation(t *testing.T) {
	ctrl := gomock.NewController(t)
	authority := mocks.NewMockAuthority(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	authority.EXPECT().GetWork(gomock.Any(), "10.0.0.1").
		DoAndReturn(func(context.Context, string) (*scope.WorkItem, error) {
			cancel()
			return workFor("10.0.0.1"), nil
		})

	expander, _ := newExpander(authority, 10)
	stats, err := expander.Expand(ctx, "10.0.0.0/24")
	require.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, stats.Hosts, 1)
}

func TestExpandClosedQueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	authority := mocks.NewMockAuthority(ctrl)
	authority.EXPECT().GetWork(gomock.Any(), "10.0.0.1").Return(workFor("10.0.0.1"), nil)

	expander, q := newExpander(authority, 2)
	q.Close()

	_, err := expander.Expand(context.Background(), "10.0.0.0/30")
	require.ErrorIs(t, err, queue.ErrClosed)
}

func TestExpandFile(t *testing.T) {
	ctx := context.Background()

	writeTargets := func(t *testing.T, content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "targets.txt")
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))
		return path
	}

	t.Run("invalid line is skipped and valid lines continue", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		authority := mocks.NewMockAuthority(ctrl)
		authority.EXPECT().GetWork(gomock.Any(), "10.0.0.5").Return(workFor("10.0.0.5"), nil).Times(1)
		authority.EXPECT().GetWork(gomock.Any(), "10.0.0.9").Return(nil, nil).Times(1)

		path := writeTargets(t, "10.0.0.5\nnot-a-target\n10.0.0.9\n")
		expander, q := newExpander(authority, 2)

		stats, err := expander.ExpandFile(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Invalid)
		assert.Equal(t, 2, stats.Hosts)
		assert.Equal(t, 1, stats.Accepted)
		assert.Equal(t, 3, stats.Entries)
		assert.Equal(t, 1, q.Len())
	})

	t.Run("comments and blank lines are ignored", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		authority := mocks.NewMockAuthority(ctrl)
		authority.EXPECT().GetWork(gomock.Any(), "10.0.0.1").Return(nil, nil)
		authority.EXPECT().GetWork(gomock.Any(), "10.0.0.2").Return(nil, nil)

		path := writeTargets(t, "# lab range\n\n10.0.0.0/30\r\n   \n")
		expander, _ := newExpander(authority, 1)

		stats, err := expander.ExpandFile(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Entries)
		assert.Equal(t, 2, stats.Rejected)
	})

	t.Run("missing file", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		expander, _ := newExpander(mocks.NewMockAuthority(ctrl), 1)

		_, err := expander.ExpandFile(ctx, filepath.Join(t.TempDir(), "absent.txt"))
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
	})
}

func TestStatsAdd(t *testing.T) {
	s := Stats{Entries: 1, Hosts: 2}
	s.Add(Stats{Entries: 1, Invalid: 1, Accepted: 3, Rejected: 4, Errors: 5})
	assert.Equal(t, Stats{Entries: 2, Invalid: 1, Hosts: 2, Accepted: 3, Rejected: 4, Errors: 5}, s)
}
