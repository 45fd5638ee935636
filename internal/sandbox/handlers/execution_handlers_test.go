package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpit-io/sandpit/internal/sandbox/dto"
	"github.com/sandpit-io/sandpit/internal/sandbox/ids"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// newExecutorServer fakes the in-container executor agent the same way
// the service tests do: record the submit, acknowledge with 202.
func newExecutorServer(t *testing.T, onSubmit func(submit v1.ExecutorSubmit)) (string, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var submit v1.ExecutorSubmit
		require.NoError(t, json.NewDecoder(r.Body).Decode(&submit))
		if onSubmit != nil {
			onSubmit(submit)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(v1.ExecutorSubmitAck{ExecutionID: submit.ExecutionID, Status: "accepted"})
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestExecuteEndpoint(t *testing.T) {
	host, port := newExecutorServer(t, nil)
	f := newRouterFixtureExecutor(t, port)
	seedTemplate(t, f)
	session := seedSession(t, f, "sess_20250314_aaaaaaaa", host, v1.SessionStatusRunning)

	resp := f.do(t, http.MethodPost, "/api/v1/executions/sessions/"+session.ID+"/execute",
		v1.ExecuteRequest{Code: "print('hi')"})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	var ack v1.ExecuteResponse
	decodeJSON(t, resp, &ack)
	assert.True(t, ids.ValidExecutionID(ack.ExecutionID), "id %q", ack.ExecutionID)
	assert.Equal(t, session.ID, ack.SessionID)
	assert.Equal(t, v1.ExecutionStatusRunning, ack.Status)
}

func TestExecuteMalformedSessionID(t *testing.T) {
	f := newRouterFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/executions/sessions/nope/execute",
		v1.ExecuteRequest{Code: "print('hi')"})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Equal(t, "Session.InvalidID", errorCode(t, resp))
}

func TestExecuteSessionNotRunning(t *testing.T) {
	f := newRouterFixture(t)
	seedTemplate(t, f)
	session := seedSession(t, f, "sess_20250314_cccccccc", "host-c", v1.SessionStatusCreating)

	resp := f.do(t, http.MethodPost, "/api/v1/executions/sessions/"+session.ID+"/execute",
		v1.ExecuteRequest{Code: "print('hi')"})
	require.Equal(t, http.StatusConflict, resp.Code)
	require.Equal(t, "Execution.SessionNotRunning", errorCode(t, resp))
}

func TestExecuteTimeoutOutOfRange(t *testing.T) {
	f := newRouterFixture(t)
	seedTemplate(t, f)
	session := seedSession(t, f, "sess_20250314_aaaaaaaa", "host-a", v1.SessionStatusRunning)

	resp := f.do(t, http.MethodPost, "/api/v1/executions/sessions/"+session.ID+"/execute",
		v1.ExecuteRequest{Code: "print('hi')", Timeout: 4000})
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	require.Equal(t, "Execution.InvalidTimeout", errorCode(t, resp))
}

func TestExecuteSyncQueryValidation(t *testing.T) {
	f := newRouterFixture(t)
	seedTemplate(t, f)
	session := seedSession(t, f, "sess_20250314_aaaaaaaa", "host-a", v1.SessionStatusRunning)
	base := "/api/v1/executions/sessions/" + session.ID + "/execute-sync"

	cases := []struct {
		name  string
		query string
	}{
		{"poll interval below range", "?poll_interval=0.05"},
		{"poll interval above range", "?poll_interval=15"},
		{"poll interval not a number", "?poll_interval=fast"},
		{"sync timeout below range", "?sync_timeout=5"},
		{"sync timeout above range", "?sync_timeout=4000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, base+tc.query, v1.ExecuteRequest{Code: "print('hi')"})
			require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
			require.Equal(t, "Execution.InvalidQuery", errorCode(t, resp))
		})
	}
}

func TestExecuteSyncEndpointCompletes(t *testing.T) {
	var f *routerFixture
	host, port := newExecutorServer(t, func(submit v1.ExecutorSubmit) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = f.repo.ApplyExecutionResult(context.Background(), submit.ExecutionID,
				func(e *models.Execution) error {
					if err := e.Complete(f.clk.Now()); err != nil {
						return err
					}
					zero := 0
					e.ExitCode = &zero
					e.Stdout = "hi\n"
					return nil
				})
		}()
	})
	f = newRouterFixtureExecutor(t, port)
	seedTemplate(t, f)
	session := seedSession(t, f, "sess_20250314_aaaaaaaa", host, v1.SessionStatusRunning)

	resp := f.do(t, http.MethodPost,
		"/api/v1/executions/sessions/"+session.ID+"/execute-sync?poll_interval=0.1&sync_timeout=10",
		v1.ExecuteRequest{Code: "print('hi')"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var result dto.ExecuteSyncResponse
	decodeJSON(t, resp, &result)
	assert.Equal(t, v1.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, "hi\n", result.Stdout)
	assert.Empty(t, result.SyncStatus)
}

func TestExecutionStatusAndResultEndpoints(t *testing.T) {
	f := newRouterFixture(t)
	seedTemplate(t, f)
	session := seedSession(t, f, "sess_20250314_aaaaaaaa", "host-a", v1.SessionStatusRunning)
	execution := seedExecution(t, f, "exec_20250314120000_aaaaaaaa", session.ID)

	err := f.repo.ApplyExecutionResult(context.Background(), execution.ID,
		func(e *models.Execution) error {
			if err := e.Complete(f.clk.Now()); err != nil {
				return err
			}
			zero := 0
			e.ExitCode = &zero
			e.Stdout = "42\n"
			e.ReturnValue = `{"answer":42}`
			return nil
		})
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/api/v1/executions/"+execution.ID+"/status", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var status dto.ExecutionStatusResponse
	decodeJSON(t, resp, &status)
	assert.Equal(t, execution.ID, status.ExecutionID)
	assert.Equal(t, session.ID, status.SessionID)
	assert.Equal(t, v1.ExecutionStatusCompleted, status.Status)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, 0, *status.ExitCode)

	// The light shape never carries outputs.
	var raw map[string]interface{}
	decodeJSON(t, resp, &raw)
	assert.NotContains(t, raw, "stdout")
	assert.NotContains(t, raw, "code")

	resp = f.do(t, http.MethodGet, "/api/v1/executions/"+execution.ID+"/result", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var full v1.Execution
	decodeJSON(t, resp, &full)
	assert.Equal(t, "42\n", full.Stdout)
	assert.Equal(t, map[string]interface{}{"answer": float64(42)}, full.ReturnValue)
}

func TestExecutionStatusMalformedID(t *testing.T) {
	f := newRouterFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/executions/bogus/status", nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Equal(t, "Execution.InvalidID", errorCode(t, resp))
}

func TestListExecutionsEndpoint(t *testing.T) {
	f := newRouterFixture(t)
	seedTemplate(t, f)
	session := seedSession(t, f, "sess_20250314_aaaaaaaa", "host-a", v1.SessionStatusRunning)
	seedExecution(t, f, "exec_20250314120000_aaaaaaaa", session.ID)
	seedExecution(t, f, "exec_20250314120001_bbbbbbbb", session.ID)
	seedExecution(t, f, "exec_20250314120002_cccccccc", session.ID)

	resp := f.do(t, http.MethodGet,
		"/api/v1/executions/sessions/"+session.ID+"/executions?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var list dto.ListExecutionsResponse
	decodeJSON(t, resp, &list)
	assert.Equal(t, 3, list.Total)
	assert.Len(t, list.Executions, 2)
}

func TestExecutionArtifactsPresigned(t *testing.T) {
	f := newRouterFixture(t)
	seedTemplate(t, f)
	session := seedSession(t, f, "sess_20250314_aaaaaaaa", "host-a", v1.SessionStatusRunning)
	execution := seedExecution(t, f, "exec_20250314120000_aaaaaaaa", session.ID)

	err := f.repo.ApplyExecutionResult(context.Background(), execution.ID,
		func(e *models.Execution) error {
			if err := e.Complete(f.clk.Now()); err != nil {
				return err
			}
			e.Artifacts = []models.Artifact{{
				Path:      "out/plot.png",
				Size:      2048,
				MimeType:  "image/png",
				Kind:      v1.ArtifactKindArtifact,
				CreatedAt: f.clk.Now(),
			}}
			return nil
		})
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/api/v1/executions/"+execution.ID+"/artifacts?presign=true", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var list dto.ListArtifactsResponse
	decodeJSON(t, resp, &list)
	require.Len(t, list.Artifacts, 1)
	assert.Equal(t, "out/plot.png", list.Artifacts[0].Path)
	assert.Contains(t, list.Artifacts[0].URL, "sessions/"+session.ID+"/out/plot.png")
}
