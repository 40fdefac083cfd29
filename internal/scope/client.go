// Package scope is the agent's only channel to the scope authority. It asks
// whether an address may be scanned, downloads the services definition, and
// submits scan results.
package scope

//go:generate mockgen -source=client.go -destination=mocks/mock_authority.go -package=mocks

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/anstrom/scanorama-agent/internal/config"
	"github.com/anstrom/scanorama-agent/internal/errors"
	"github.com/anstrom/scanorama-agent/internal/logging"
	"github.com/anstrom/scanorama-agent/internal/metrics"
)

// Authority endpoints.
const (
	EndpointGetWork  = "/api/getwork"
	EndpointServices = "/api/services"
	EndpointResults  = "/api/results"

	maxResponseBytes = 64 << 20
)

// Authority is the set of calls the agent makes against the scope authority.
type Authority interface {
	// GetWork returns the work item for address, or nil when it is out of
	// scope. An empty address lets the authority choose the target.
	GetWork(ctx context.Context, address string) (*WorkItem, error)

	// GetServicesFile downloads and verifies the current services definition.
	GetServicesFile(ctx context.Context) (*ServicesDefinition, error)

	// SubmitResult uploads one scan result.
	SubmitResult(ctx context.Context, result *Result) error
}

// Client talks to the authority over HTTP.
type Client struct {
	baseURL    string
	agentID    string
	token      string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter

	backoffBase time.Duration
	backoffMax  time.Duration

	metrics *metrics.PrometheusMetrics
	logger  *logging.Logger
}

var _ Authority = (*Client)(nil)

// NewClient creates an authority client from the server configuration.
func NewClient(cfg *config.Config, version string, m *metrics.PrometheusMetrics, logger *logging.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = cfg.Agent.MaxThreads
	if cfg.Server.IgnoreSSLWarn {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.Server.URL, "/"),
		agentID:   cfg.Server.AgentID,
		token:     cfg.Server.Token,
		userAgent: "scanorama-agent/" + version,
		httpClient: &http.Client{
			Timeout:   cfg.Server.RequestTimeout,
			Transport: transport,
		},
		backoffBase: cfg.Server.BackoffBase,
		backoffMax:  cfg.Server.BackoffMax,
		metrics:     m,
		logger:      logger.WithComponent("authority"),
	}

	if cfg.Server.RequestsPerSecond > 0 {
		burst := int(cfg.Server.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Server.RequestsPerSecond), burst)
	}
	return c
}

// GetWork asks the authority whether address is in scope.
func (c *Client) GetWork(ctx context.Context, address string) (*WorkItem, error) {
	query := url.Values{}
	if address != "" {
		query.Set("target", address)
	}

	status, body, err := c.do(ctx, http.MethodGet, EndpointGetWork, query, nil)
	if err != nil {
		return nil, withTarget(err, address)
	}

	switch {
	case status == http.StatusNotFound:
		c.logger.Debug("Target not in scope", "target", address)
		return nil, nil
	case status != http.StatusOK:
		return nil, statusError(status, "getwork request rejected", address)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.WrapWithTarget(errors.CodeBadResponse, "invalid getwork response", address, err)
	}
	// Some authorities answer "no work" in the body with a 200.
	if code, ok := payload["status"].(float64); ok && int(code) != http.StatusOK {
		c.logger.Debug("No work for target", "target", address, "status", int(code))
		return nil, nil
	}

	var item WorkItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, errors.WrapWithTarget(errors.CodeBadResponse, "invalid getwork response", address, err)
	}
	if item.Target == "" {
		return nil, errors.NewWithTarget(errors.CodeBadResponse, "getwork response has no target", address)
	}
	item.Payload = payload

	return &item, nil
}

// GetServicesFile downloads the services definition and checks its hash.
func (c *Client) GetServicesFile(ctx context.Context) (*ServicesDefinition, error) {
	status, body, err := c.do(ctx, http.MethodGet, EndpointServices, nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, "services request rejected", "")
	}

	var def ServicesDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, errors.Wrap(errors.CodeBadResponse, "invalid services response", err)
	}
	if def.Content == "" {
		return nil, errors.New(errors.CodeBadResponse, "services response is empty")
	}
	if got := HashServices(def.Content); !strings.EqualFold(got, def.SHA256) {
		return nil, errors.New(errors.CodeBadResponse, "services hash mismatch").
			WithContext("expected", def.SHA256).
			WithContext("actual", got)
	}
	def.SHA256 = strings.ToLower(def.SHA256)

	c.logger.Info("Fetched services definition", "sha256", def.SHA256)
	return &def, nil
}

// SubmitResult uploads a scan result.
func (c *Client) SubmitResult(ctx context.Context, result *Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.WrapWithTarget(errors.CodeSubmitFailed, "failed to encode result", result.Target, err)
	}

	status, _, err := c.do(ctx, http.MethodPost, EndpointResults, nil, data)
	if err != nil {
		return errors.WrapWithTarget(errors.CodeSubmitFailed, "result submission failed", result.Target, err).
			WithContext("scan_id", result.ScanID)
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusAccepted {
		return errors.WrapWithTarget(errors.CodeSubmitFailed, "result submission rejected", result.Target,
			statusError(status, "results request rejected", result.Target)).
			WithContext("scan_id", result.ScanID)
	}
	return nil
}

// do sends a request, retrying connection failures and 5xx replies with
// exponential backoff. It returns the final status code and body.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body []byte) (int, []byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoffBase
	b.MaxInterval = c.backoffMax
	b.MaxElapsedTime = c.backoffMax
	b.Reset()

	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return 0, nil, errors.Wrap(errors.CodeCanceled, "request aborted", err)
			}
		}

		status, respBody, err := c.once(ctx, method, endpoint, query, body)
		if err == nil && status < http.StatusInternalServerError {
			return status, respBody, nil
		}
		if err == nil {
			err = statusError(status, fmt.Sprintf("%s %s failed", method, endpoint), "")
		}
		if !errors.IsRetryable(err) {
			return status, respBody, err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return status, respBody, err
		}

		c.metrics.IncrementRetries(metricEndpoint(endpoint))
		c.logger.Warn("Authority request failed, retrying",
			"endpoint", endpoint, "error", err, "retry_in", wait)

		if err := sleepContext(ctx, wait); err != nil {
			return 0, nil, errors.Wrap(errors.CodeCanceled, "request aborted", err)
		}
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) once(ctx context.Context, method, endpoint string, query url.Values, body []byte) (int, []byte, error) {
	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, errors.Wrap(errors.CodeConfiguration, "failed to create request", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.agentID != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s:%s", c.agentID, c.token))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordRequest(metricEndpoint(endpoint), "error", time.Since(start))
		if ctx.Err() != nil {
			return 0, nil, errors.Wrap(errors.CodeCanceled, "request aborted", ctx.Err())
		}
		var netErr interface{ Timeout() bool }
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, errors.Wrap(errors.CodeTimeout, "authority request timed out", err)
		}
		return 0, nil, errors.Wrap(errors.CodeNetworkUnreachable, "authority unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordRequest(metricEndpoint(endpoint), strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return 0, nil, errors.Wrap(errors.CodeNetworkUnreachable, "failed to read response body", err)
	}

	c.logger.Debug("Authority request completed",
		"method", method,
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration", time.Since(start))

	return resp.StatusCode, respBody, nil
}

func statusError(status int, message, target string) *errors.AgentError {
	code := errors.CodeBadResponse
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = errors.CodeUnauthorized
	case status >= http.StatusInternalServerError:
		code = errors.CodeServiceUnavailable
	}
	return errors.NewWithTarget(code, fmt.Sprintf("%s (status %d)", message, status), target).
		WithContext("status", status)
}

func withTarget(err error, target string) error {
	var agentErr *errors.AgentError
	if target != "" && stderrors.As(err, &agentErr) && agentErr.Target == "" {
		agentErr.Target = target
	}
	return err
}

func metricEndpoint(endpoint string) string {
	return strings.TrimPrefix(endpoint, "/api/")
}
