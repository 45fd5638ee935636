package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandpit-io/sandpit/internal/sandbox/dto"
	"github.com/sandpit-io/sandpit/internal/sandbox/ids"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

func TestCreateSessionEndpoint(t *testing.T) {
	f := newRouterFixture(t)
	seedTemplate(t, f)
	seedNode(t, f, "node-a")

	resp := f.do(t, http.MethodPost, "/api/v1/sessions", v1.CreateSessionRequest{
		TemplateID: "python-basic",
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	var session v1.Session
	decodeJSON(t, resp, &session)
	require.True(t, ids.ValidSessionID(session.ID), "id %q", session.ID)
	require.Equal(t, v1.SessionStatusCreating, session.Status)
	require.Equal(t, "python-basic", session.TemplateID)
	require.Equal(t, "node-a", session.NodeID)
	require.Equal(t, 30, session.Timeout)
	require.Equal(t, "s3://sandpit/sessions/"+session.ID+"/", session.WorkspacePath)
}

func TestCreateSessionRejectsMissingTemplate(t *testing.T) {
	f := newRouterFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/sessions", map[string]interface{}{
		"timeout": 60,
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	require.Equal(t, "Request.InvalidBody", errorCode(t, resp))
}

func TestCreateSessionUnknownTemplate(t *testing.T) {
	f := newRouterFixture(t)
	seedNode(t, f, "node-a")

	resp := f.do(t, http.MethodPost, "/api/v1/sessions", v1.CreateSessionRequest{
		TemplateID: "missing",
	})
	require.Equal(t, http.StatusNotFound, resp.Code)
	require.Equal(t, "Template.NotFound", errorCode(t, resp))
}

func TestCreateSessionNoCapacity(t *testing.T) {
	f := newRouterFixture(t)
	seedTemplate(t, f)

	resp := f.do(t, http.MethodPost, "/api/v1/sessions", v1.CreateSessionRequest{
		TemplateID: "python-basic",
	})
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	require.Equal(t, "Session.NoCapacity", errorCode(t, resp))
}

func TestGetSessionMalformedID(t *testing.T) {
	f := newRouterFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/sessions/not-an-id", nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Equal(t, "Session.InvalidID", errorCode(t, resp))
}

func TestGetSessionNotFound(t *testing.T) {
	f := newRouterFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/sessions/sess_20250314_deadbeef", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
	require.Equal(t, "Session.NotFound", errorCode(t, resp))
}

func TestListSessionsFiltersAndPaginates(t *testing.T) {
	f := newRouterFixture(t)
	seedTemplate(t, f)
	seedSession(t, f, "sess_20250314_aaaaaaaa", "host-a", v1.SessionStatusRunning)
	seedSession(t, f, "sess_20250314_bbbbbbbb", "host-b", v1.SessionStatusRunning)
	seedSession(t, f, "sess_20250314_cccccccc", "host-c", v1.SessionStatusCreating)

	resp := f.do(t, http.MethodGet, "/api/v1/sessions?status=running&page_size=1&page=2", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var list dto.ListSessionsResponse
	decodeJSON(t, resp, &list)
	require.Equal(t, 2, list.Total)
	require.Len(t, list.Sessions, 1)
	require.Equal(t, 2, list.Page)
	require.Equal(t, 1, list.PageSize)
	require.Equal(t, v1.SessionStatusRunning, list.Sessions[0].Status)
}

func TestTerminateSessionEndpoint(t *testing.T) {
	f := newRouterFixture(t)
	seedTemplate(t, f)
	session := seedSession(t, f, "sess_20250314_aaaaaaaa", "host-a", v1.SessionStatusRunning)

	resp := f.do(t, http.MethodDelete, "/api/v1/sessions/"+session.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var terminated v1.Session
	decodeJSON(t, resp, &terminated)
	require.Equal(t, v1.SessionStatusTerminated, terminated.Status)
	require.NotNil(t, terminated.CompletedAt)

	exists, err := f.fake.Exists(context.Background(), session.ContainerID)
	require.NoError(t, err)
	require.False(t, exists, "container should be gone after terminate")

	// Terminal sessions absorb repeat deletes.
	resp = f.do(t, http.MethodDelete, "/api/v1/sessions/"+session.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	decodeJSON(t, resp, &terminated)
	require.Equal(t, v1.SessionStatusTerminated, terminated.Status)
}
