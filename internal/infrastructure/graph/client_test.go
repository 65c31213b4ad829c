package graph_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn.io.arda/dirsync/internal/domain"
	"vn.io.arda/dirsync/internal/infrastructure/graph"
)

const (
	testAppID = "11111111-1111-1111-1111-111111111111"
	testSPID  = "sp-object-id"
)

// newServer wires a Graph-shaped httptest server. The mux always
// answers the service principal lookup; tests add their own routes.
func newServer(t *testing.T, mux *http.ServeMux) *graph.Client {
	t.Helper()
	mux.HandleFunc("/servicePrincipals", func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("$filter")
		if !strings.Contains(filter, testAppID) {
			writeJSON(w, http.StatusOK, map[string]any{"value": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"value": []map[string]string{{"id": testSPID, "displayName": "demo-app"}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return graph.NewWithHTTPClient(srv.Client(), srv.URL)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func graphError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func TestResolveServicePrincipal_Caches(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/servicePrincipals", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"value": []map[string]string{{"id": testSPID, "displayName": "demo-app"}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := graph.NewWithHTTPClient(srv.Client(), srv.URL)

	for range 3 {
		id, err := c.ResolveServicePrincipal(context.Background(), testAppID)
		require.NoError(t, err)
		assert.Equal(t, testSPID, id)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolveServicePrincipal_UnknownApp(t *testing.T) {
	c := newServer(t, http.NewServeMux())

	_, err := c.ResolveServicePrincipal(context.Background(), "unknown-app")
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestListAssignments_FollowsPagination(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/servicePrincipals/"+testSPID+"/appRoleAssignedTo", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, map[string]any{
				"value": []map[string]string{
					{"id": "as-2", "appRoleId": "r1", "principalId": "u2", "principalType": "User", "principalDisplayName": "User Two"},
					{"id": "as-3", "appRoleId": "r1", "principalId": "spn1", "principalType": "ServicePrincipal"},
				},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"value": []map[string]string{
				{"id": "as-1", "appRoleId": "r1", "principalId": "g1", "principalType": "Group", "principalDisplayName": "Ops"},
			},
			"@odata.nextLink": fmt.Sprintf("%s/servicePrincipals/%s/appRoleAssignedTo?page=2", srvURL, testSPID),
		})
	})
	mux.HandleFunc("/servicePrincipals", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"value": []map[string]string{{"id": testSPID}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL
	c := graph.NewWithHTTPClient(srv.Client(), srv.URL)

	assignments, err := c.ListAssignments(context.Background(), testAppID)
	require.NoError(t, err)

	// Service-principal assignments are skipped.
	require.Len(t, assignments, 2)
	assert.Equal(t, "as-1", assignments[0].ObjectID)
	assert.Equal(t, domain.KindGroup, assignments[0].Principal.Kind)
	assert.Equal(t, domain.KindUser, assignments[1].Principal.Kind)
}

func TestGrant_PostsAssignment(t *testing.T) {
	mux := http.NewServeMux()
	var gotBody map[string]string
	mux.HandleFunc("POST /servicePrincipals/"+testSPID+"/appRoleAssignedTo", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(w, http.StatusCreated, map[string]string{"id": "as-new"})
	})
	c := newServer(t, mux)

	err := c.Grant(context.Background(), testAppID, domain.Assignment{
		Principal: domain.Principal{ID: "u1", Kind: domain.KindUser},
		AppRoleID: "r1",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"principalId": "u1",
		"resourceId":  testSPID,
		"appRoleId":   "r1",
	}, gotBody)
}

func TestGrant_DuplicateIsConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /servicePrincipals/"+testSPID+"/appRoleAssignedTo", func(w http.ResponseWriter, r *http.Request) {
		graphError(w, http.StatusBadRequest, "InvalidUpdate",
			"Permission being assigned already exists on the object")
	})
	c := newServer(t, mux)

	err := c.Grant(context.Background(), testAppID, domain.Assignment{
		Principal: domain.Principal{ID: "u1"}, AppRoleID: "r1",
	})
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
}

func TestRevoke_UsesObjectID(t *testing.T) {
	mux := http.NewServeMux()
	var deleted string
	mux.HandleFunc("DELETE /servicePrincipals/"+testSPID+"/appRoleAssignedTo/", func(w http.ResponseWriter, r *http.Request) {
		deleted = strings.TrimPrefix(r.URL.Path, "/servicePrincipals/"+testSPID+"/appRoleAssignedTo/")
		w.WriteHeader(http.StatusNoContent)
	})
	c := newServer(t, mux)

	err := c.Revoke(context.Background(), testAppID, domain.Assignment{
		ObjectID:  "as-123",
		Principal: domain.Principal{ID: "u1"},
		AppRoleID: "r1",
	})
	require.NoError(t, err)
	assert.Equal(t, "as-123", deleted)
}

func TestRevoke_ResolvesMissingObjectID(t *testing.T) {
	mux := http.NewServeMux()
	var deleted string
	mux.HandleFunc("GET /servicePrincipals/"+testSPID+"/appRoleAssignedTo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"value": []map[string]string{
				{"id": "as-77", "appRoleId": "r1", "principalId": "u1", "principalType": "User"},
			},
		})
	})
	mux.HandleFunc("DELETE /servicePrincipals/"+testSPID+"/appRoleAssignedTo/", func(w http.ResponseWriter, r *http.Request) {
		deleted = strings.TrimPrefix(r.URL.Path, "/servicePrincipals/"+testSPID+"/appRoleAssignedTo/")
		w.WriteHeader(http.StatusNoContent)
	})
	c := newServer(t, mux)

	err := c.Revoke(context.Background(), testAppID, domain.Assignment{
		Principal: domain.Principal{ID: "u1"}, AppRoleID: "r1",
	})
	require.NoError(t, err)
	assert.Equal(t, "as-77", deleted)
}

func TestRevoke_AbsentTargetIsNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /servicePrincipals/"+testSPID+"/appRoleAssignedTo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"value": []any{}})
	})
	c := newServer(t, mux)

	err := c.Revoke(context.Background(), testAppID, domain.Assignment{
		Principal: domain.Principal{ID: "ghost"}, AppRoleID: "r1",
	})
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
		name   string
	}{
		{http.StatusUnauthorized, domain.IsAuth, "401 auth"},
		{http.StatusForbidden, domain.IsAuth, "403 auth"},
		{http.StatusTooManyRequests, domain.IsTransient, "429 transient"},
		{http.StatusServiceUnavailable, domain.IsTransient, "503 transient"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/servicePrincipals/"+testSPID+"/appRoleAssignedTo", func(w http.ResponseWriter, r *http.Request) {
				graphError(w, tc.status, "Error", http.StatusText(tc.status))
			})
			c := newServer(t, mux)

			_, err := c.ListAssignments(context.Background(), testAppID)
			require.Error(t, err)
			assert.True(t, tc.check(err), "status %d classified as %v", tc.status, domain.KindOf(err))
		})
	}
}

func TestListGroupMembers_MapsKinds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/groups/g1/members", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"value": []map[string]string{
				{"@odata.type": "#microsoft.graph.user", "id": "u1", "displayName": "User One", "userPrincipalName": "u1@example.com"},
				{"@odata.type": "#microsoft.graph.group", "id": "g2", "displayName": "Nested"},
			},
		})
	})
	c := newServer(t, mux)

	members, err := c.ListGroupMembers(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, domain.KindUser, members[0].Kind)
	assert.Equal(t, "u1@example.com", members[0].Email)
	assert.Equal(t, domain.KindGroup, members[1].Kind)
}

func TestGetUser(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/u1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"id": "u1", "displayName": "User One", "userPrincipalName": "u1@example.com",
		})
	})
	c := newServer(t, mux)

	p, err := c.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", p.Email)
	assert.Equal(t, domain.KindUser, p.Kind)
}
