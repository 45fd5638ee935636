package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpit-io/sandpit/internal/common/config"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/errs"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// newClientFor builds a client whose port matches the test server, so
// Submit's http://<host>:<port> URL lands on the handler.
func newClientFor(t *testing.T, srv *httptest.Server) (*Client, string) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := config.ExecutorConfig{RequestTimeout: 5, ConnectTimeout: 2}
	return NewClient(cfg, port, "test-token", newTestLogger(t)), u.Hostname()
}

func TestSubmit(t *testing.T) {
	var received v1.ExecutorSubmit

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/execute", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(v1.ExecutorSubmitAck{
			ExecutionID: received.ExecutionID,
			Status:      "accepted",
		})
	}))
	defer srv.Close()

	client, host := newClientFor(t, srv)

	ack, err := client.Submit(context.Background(), host, &v1.ExecutorSubmit{
		ExecutionID: "exec_20250314120000_aabbccdd",
		SessionID:   "sess_20250314_aabbccdd",
		Code:        "print('hello')",
		Language:    "python",
		Timeout:     30,
	})
	require.NoError(t, err)

	assert.Equal(t, "exec_20250314120000_aabbccdd", ack.ExecutionID)
	assert.Equal(t, "accepted", ack.Status)
	assert.Equal(t, "print('hello')", received.Code)
	assert.Equal(t, "sess_20250314_aabbccdd", received.SessionID)
}

func TestSubmitAckWithoutExecutionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	}))
	defer srv.Close()

	client, host := newClientFor(t, srv)

	ack, err := client.Submit(context.Background(), host, &v1.ExecutorSubmit{
		ExecutionID: "exec_20250314120000_aabbccdd",
		Code:        "1+1",
	})
	require.NoError(t, err)
	assert.Equal(t, "exec_20250314120000_aabbccdd", ack.ExecutionID, "falls back to the submitted id")
}

func TestSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "executor busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, host := newClientFor(t, srv)

	_, err := client.Submit(context.Background(), host, &v1.ExecutorSubmit{ExecutionID: "exec_20250314120000_aabbccdd"})
	require.Error(t, err)
	assert.Equal(t, errs.KindExecutor, errs.KindOf(err))
	assert.Equal(t, "Executor.SubmitRejected", errs.CodeOf(err))
}

func TestSubmitUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client, host := newClientFor(t, srv)
	srv.Close()

	_, err := client.Submit(context.Background(), host, &v1.ExecutorSubmit{ExecutionID: "exec_20250314120000_aabbccdd"})
	require.Error(t, err)
	assert.Equal(t, errs.KindExecutor, errs.KindOf(err))
	assert.Equal(t, "Executor.Unreachable", errs.CodeOf(err))
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, host := newClientFor(t, srv)
	assert.NoError(t, client.Health(context.Background(), host))
}

func TestHealthUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, host := newClientFor(t, srv)

	err := client.Health(context.Background(), host)
	require.Error(t, err)
	assert.Equal(t, "Executor.Unhealthy", errs.CodeOf(err))
}
