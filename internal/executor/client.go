// Package executor provides the HTTP client the control plane uses to
// reach the executor agent inside each sandbox container.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/common/config"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/errs"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// Client talks to executor agents over HTTP. Containers are addressed
// by name on the sandbox network, so the same client serves every
// session.
type Client struct {
	httpClient *http.Client
	port       int
	token      string
	logger     *logger.Logger
}

// NewClient creates an executor client. The dial timeout bounds how
// long a submit can hang on a container that never came up; the request
// timeout bounds the full round trip.
func NewClient(cfg config.ExecutorConfig, port int, token string, log *logger.Logger) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeoutDuration()}
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeoutDuration(),
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
		port:   port,
		token:  token,
		logger: log.WithFields(zap.String("component", "executor-client")),
	}
}

// Submit posts code to the agent's /execute endpoint and returns the
// agent's acknowledgement. The agent runs the code asynchronously and
// reports the outcome through the result callback; Submit never waits
// for completion.
func (c *Client) Submit(ctx context.Context, host string, submit *v1.ExecutorSubmit) (*v1.ExecutorSubmitAck, error) {
	body, err := json.Marshal(submit)
	if err != nil {
		return nil, errs.Internal("Executor.EncodeFailed", "failed to encode submit payload").WithCause(err)
	}

	url := fmt.Sprintf("http://%s:%d/execute", host, c.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Internal("Executor.RequestFailed", "failed to build submit request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	c.logger.Debug("Submitting execution",
		zap.String("host", host),
		zap.String("execution_id", submit.ExecutionID),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Executor("Executor.Unreachable",
			"executor at %s did not accept the request", host).
			WithSolution("the container may still be starting; retry or check the session status").
			WithCause(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp)
	if err != nil {
		return nil, errs.Executor("Executor.ReadFailed", "failed to read executor response").WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.Executor("Executor.SubmitRejected",
			"executor at %s rejected the submit with status %d", host, resp.StatusCode).
			WithDetail(truncateBody(respBody))
	}

	var ack v1.ExecutorSubmitAck
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return nil, errs.Executor("Executor.BadResponse",
			"failed to parse executor response (status %d, body: %s)", resp.StatusCode, truncateBody(respBody)).
			WithCause(err)
	}
	if ack.ExecutionID == "" {
		ack.ExecutionID = submit.ExecutionID
	}

	return &ack, nil
}

// Health checks whether the agent inside a container answers.
func (c *Client) Health(ctx context.Context, host string) error {
	url := fmt.Sprintf("http://%s:%d/health", host, c.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Executor("Executor.Unreachable", "executor at %s did not answer the health check", host).WithCause(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errs.Executor("Executor.Unhealthy", "executor at %s returned %d on health check", host, resp.StatusCode)
	}
	return nil
}

// readResponseBody reads and returns the response body.
func readResponseBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// truncateBody truncates body for error messages to avoid huge logs.
func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
