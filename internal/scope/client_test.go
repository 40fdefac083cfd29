package scope

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanorama-agent/internal/config"
	"github.com/anstrom/scanorama-agent/internal/errors"
	"github.com/anstrom/scanorama-agent/internal/logging"
	"github.com/anstrom/scanorama-agent/internal/metrics"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Server.URL = server.URL + "/"
	cfg.Server.AgentID = "agent-1"
	cfg.Server.Token = "s3cret"
	cfg.Server.RequestTimeout = 2 * time.Second
	cfg.Server.BackoffBase = time.Millisecond
	cfg.Server.BackoffMax = 20 * time.Millisecond

	return NewClient(cfg, "1.2.3", metrics.NewPrometheusMetrics(), logging.NewDiscard()), server
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestGetWork(t *testing.T) {
	ctx := context.Background()

	t.Run("in scope returns work item with payload", func(t *testing.T) {
		var gotTarget string
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, EndpointGetWork, r.URL.Path)
			gotTarget = r.URL.Query().Get("target")
			writeJSON(w, http.StatusOK, map[string]any{
				"scan_id":       "abc123",
				"target":        "10.0.0.1",
				"scan_reason":   "requested",
				"type":          "manual",
				"ports":         []int{22, 80},
				"services_hash": "deadbeef",
				"agent_config":  map[string]any{"scanTimeout": 660, "versionDetection": true},
				"extra":         "kept",
			})
		}))

		item, err := client.GetWork(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.NotNil(t, item)

		assert.Equal(t, "10.0.0.1", gotTarget)
		assert.Equal(t, "abc123", item.ScanID)
		assert.Equal(t, []int{22, 80}, item.Ports)
		assert.Equal(t, 660, item.AgentConfig.ScanTimeout)
		assert.True(t, item.AgentConfig.VersionDetection)
		assert.Equal(t, "kept", item.Payload["extra"])
	})

	t.Run("not found means out of scope", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{"status": 404, "message": "not in scope"})
		}))

		item, err := client.GetWork(ctx, "10.0.0.9")
		require.NoError(t, err)
		assert.Nil(t, item)
	})

	t.Run("status in body means no work", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"status": 404, "message": "no work"})
		}))

		item, err := client.GetWork(ctx, "")
		require.NoError(t, err)
		assert.Nil(t, item)
	})

	t.Run("empty address omits target parameter", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, present := r.URL.Query()["target"]
			assert.False(t, present)
			writeJSON(w, http.StatusOK, map[string]any{"scan_id": "x", "target": "192.0.2.7"})
		}))

		item, err := client.GetWork(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, "192.0.2.7", item.Target)
	})

	t.Run("unauthorized is not retried", func(t *testing.T) {
		var calls atomic.Int32
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))

		_, err := client.GetWork(ctx, "10.0.0.1")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeUnauthorized))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("malformed body", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}))

		_, err := client.GetWork(ctx, "10.0.0.1")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeBadResponse))
	})

	t.Run("missing target in reply", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"scan_id": "x"})
		}))

		_, err := client.GetWork(ctx, "10.0.0.1")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeBadResponse))
	})
}

func TestRequestHeaders(t *testing.T) {
	var header http.Header
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.GetWork(context.Background(), "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer agent-1:s3cret", header.Get("Authorization"))
	assert.Equal(t, "scanorama-agent/1.2.3", header.Get("User-Agent"))
	_, err = uuid.Parse(header.Get("X-Request-ID"))
	assert.NoError(t, err, "request id should be a uuid")
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("server errors are retried until success", func(t *testing.T) {
		var calls atomic.Int32
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		}))

		item, err := client.GetWork(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.Nil(t, item)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up after backoff budget", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))

		_, err := client.GetWork(ctx, "10.0.0.1")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeServiceUnavailable))
	})

	t.Run("unreachable authority", func(t *testing.T) {
		client, server := newTestClient(t, http.NotFoundHandler())
		server.Close()

		_, err := client.GetWork(ctx, "10.0.0.1")
		require.Error(t, err)
		assert.True(t, errors.IsRetryable(err))
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		client.backoffBase = time.Second
		client.backoffMax = time.Minute

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := client.GetWork(cctx, "10.0.0.1")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeCanceled))
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestSleepContext(t *testing.T) {
	t.Run("elapses", func(t *testing.T) {
		assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)

		start := time.Now()
		err := sleepContext(ctx, time.Hour)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestGetServicesFile(t *testing.T) {
	ctx := context.Background()
	content := "http 80/tcp\nssh 22/tcp\r\n"

	t.Run("valid definition", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, EndpointServices, r.URL.Path)
			writeJSON(w, http.StatusOK, map[string]any{"sha256": HashServices(content), "services": content})
		}))

		def, err := client.GetServicesFile(ctx)
		require.NoError(t, err)
		assert.Equal(t, content, def.Content)
		assert.Equal(t, HashServices(content), def.SHA256)
	})

	t.Run("hash mismatch", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"sha256": "0000", "services": content})
		}))

		_, err := client.GetServicesFile(ctx)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeBadResponse))
	})

	t.Run("empty definition", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"sha256": HashServices(""), "services": ""})
		}))

		_, err := client.GetServicesFile(ctx)
		require.Error(t, err)
	})

	t.Run("server rejects", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))

		_, err := client.GetServicesFile(ctx)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeUnauthorized))
	})
}

func TestSubmitResult(t *testing.T) {
	ctx := context.Background()
	item := &WorkItem{
		ScanID:  "scan-1",
		Target:  "10.0.0.2",
		Payload: map[string]any{"scan_id": "scan-1", "target": "10.0.0.2", "tag": "lab"},
	}

	t.Run("accepted", func(t *testing.T) {
		var doc map[string]any
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, EndpointResults, r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&doc))
			w.WriteHeader(http.StatusOK)
		}))

		result := NewResult(item)
		result.IsUp = true
		result.PortCount = 2
		require.NoError(t, client.SubmitResult(ctx, result))

		assert.Equal(t, "scan-1", doc["scan_id"])
		assert.Equal(t, true, doc["is_up"])
		assert.Equal(t, "lab", doc["tag"], "payload keys pass through")
		_, hasFailure := doc["failure_reason"]
		assert.False(t, hasFailure)
	})

	t.Run("rejected", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))

		err := client.SubmitResult(ctx, NewResult(item))
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeSubmitFailed))
	})
}

func TestRateLimit(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	cfg := config.Default()
	cfg.Server.RequestsPerSecond = 20
	limited := NewClient(cfg, "test", metrics.NewPrometheusMetrics(), logging.NewDiscard())
	require.NotNil(t, limited.limiter)
	client.limiter = limited.limiter

	start := time.Now()
	for i := 0; i < 25; i++ {
		_, err := client.GetWork(context.Background(), "10.0.0.1")
		require.NoError(t, err)
	}
	// burst of 20, then 5 more at 20/s
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestHashServices(t *testing.T) {
	assert.Equal(t, HashServices("a\nb"), HashServices("a\nb\r\n"))
	assert.Equal(t, HashServices("a\nb"), HashServices("a\nb\n\n"))
	assert.NotEqual(t, HashServices("a\nb"), HashServices("a\nc"))
	assert.Len(t, HashServices("x"), 64)
}
