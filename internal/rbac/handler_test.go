package rbac

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repairhub/repairhub/internal/shared"
)

func newHandlerRouter(t *testing.T) (http.Handler, *memStore) {
	t.Helper()
	store := newMemStore()
	store.roles[1] = []Role{RoleAdmin}
	store.roles[3] = []Role{RoleCounter}
	store.grants = technicianMatrix()
	versions := NewVersions(nil, discardLogger())
	service := NewService(store, versions, nil, discardLogger())
	require.NoError(t, service.SyncCatalog(t.Context()))

	directory := NewDirectory(NewLoader(store, store, versions, time.Second, discardLogger()), discardLogger())
	t.Cleanup(directory.Close)
	guard := NewGuard(directory, GuardConfig{PendingTimeout: time.Second}, nil, discardLogger())

	h := NewHandler(discardLogger(), service, guard)
	r := chi.NewRouter()
	r.Route("/admin/permissions", h.MountRoutes)
	r.Route("/me", h.MountSelfRoutes)
	return r, store
}

func serve(t *testing.T, router http.Handler, method, target, body string, principalID int64) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if principalID > 0 {
		sess := &shared.Session{}
		sess.SignIn(principalID)
		req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHandlerShowsMatrixToAdmin(t *testing.T) {
	router, _ := newHandlerRouter(t)

	rr := serve(t, router, http.MethodGet, "/admin/permissions/", "", 1)
	require.Equal(t, http.StatusOK, rr.Code)

	var view MatrixView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, DisplayableRoles(), view.Roles)
	assert.NotEmpty(t, view.Categories)
}

func TestHandlerDeniesMatrixWithoutPermission(t *testing.T) {
	router, _ := newHandlerRouter(t)
	rr := serve(t, router, http.MethodGet, "/admin/permissions/", "", 3)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandlerToggle(t *testing.T) {
	router, store := newHandlerRouter(t)

	rr := serve(t, router, http.MethodPost, "/admin/permissions/toggle", `{"role":"counter","permission":"view_reports"}`, 1)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var result ToggleResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.True(t, result.Granted)
	assert.Equal(t, PermViewReports, result.Permission)
	assert.Contains(t, store.grants, Assignment{Role: RoleCounter, Permission: PermViewReports})
}

func TestHandlerToggleErrors(t *testing.T) {
	cases := map[string]struct {
		body   string
		status int
	}{
		"top role":       {`{"role":"admin","permission":"VIEW_REPORTS"}`, http.StatusConflict},
		"partner role":   {`{"role":"b2b_owner","permission":"VIEW_REPORTS"}`, http.StatusConflict},
		"unknown role":   {`{"role":"wizard","permission":"VIEW_REPORTS"}`, http.StatusBadRequest},
		"unknown key":    {`{"role":"counter","permission":"CAST_SPELLS"}`, http.StatusBadRequest},
		"missing fields": {`{"role":"counter"}`, http.StatusBadRequest},
		"not json":       {`role=counter`, http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			router, store := newHandlerRouter(t)
			rr := serve(t, router, http.MethodPost, "/admin/permissions/toggle", tc.body, 1)
			assert.Equal(t, tc.status, rr.Code, rr.Body.String())
			assert.Equal(t, technicianMatrix(), store.grants)
		})
	}
}

func TestHandlerSelfPermissions(t *testing.T) {
	router, _ := newHandlerRouter(t)

	rr := serve(t, router, http.MethodGet, "/me/permissions", "", 3)
	require.Equal(t, http.StatusOK, rr.Code)

	var body selfPermissions
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, int64(3), body.PrincipalID)
	assert.Equal(t, "ready", body.State)
	assert.Equal(t, []Role{RoleCounter}, body.Roles)
	assert.Equal(t, []PermissionKey{PermManageTickets, PermViewIntake}, body.Permissions)

	rr = serve(t, router, http.MethodGet, "/me/permissions", "", 0)
	assert.Equal(t, http.StatusSeeOther, rr.Code)
}

func TestHandlerRefreshRecoversFailedPermissions(t *testing.T) {
	router, store := newHandlerRouter(t)
	store.mu.Lock()
	store.roleErr = errors.New("statement timeout")
	store.mu.Unlock()

	assert.Equal(t, http.StatusForbidden, serve(t, router, http.MethodGet, "/me/permissions", "", 3).Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, router, http.MethodPost, "/me/permissions/refresh", "", 3).Code)

	store.mu.Lock()
	store.roleErr = nil
	store.mu.Unlock()

	rr := serve(t, router, http.MethodPost, "/me/permissions/refresh", "", 3)
	require.Equal(t, http.StatusOK, rr.Code)
	var body selfPermissions
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.State)
	assert.Equal(t, []Role{RoleCounter}, body.Roles)

	assert.Equal(t, http.StatusOK, serve(t, router, http.MethodGet, "/me/permissions", "", 3).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(t, router, http.MethodPost, "/me/permissions/refresh", "", 0).Code)
}
