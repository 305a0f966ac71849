package users

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repairhub/repairhub/internal/rbac"
	"github.com/repairhub/repairhub/internal/shared"
)

type staticGrants []rbac.Assignment

func (g staticGrants) ListAssignments(ctx context.Context, roles []rbac.Role) ([]rbac.Assignment, error) {
	return g, nil
}

var managerGrants = staticGrants{{Role: rbac.RoleBranchManager, Permission: rbac.PermManageUsers}}

func newHandlerFixture(t *testing.T) (http.Handler, *serviceFixture) {
	t.Helper()
	f := newServiceFixture()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	directory := rbac.NewDirectory(rbac.NewLoader(f.roles, managerGrants, nil, time.Second, logger), logger)
	t.Cleanup(directory.Close)
	f.sessions.next = directory
	guard := rbac.NewGuard(directory, rbac.GuardConfig{PendingTimeout: time.Second}, nil, logger)

	r := chi.NewRouter()
	r.Route("/admin/users", NewHandler(logger, f.service, guard).MountRoutes)
	return r, f
}

func call(t *testing.T, router http.Handler, method, target, body string, principalID int64) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	sess := &shared.Session{}
	sess.SignIn(principalID)
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHandlerRequiresManageUsers(t *testing.T) {
	router, _ := newHandlerFixture(t)
	rr := call(t, router, http.MethodGet, "/admin/users/", "", 3)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandlerGetUser(t *testing.T) {
	router, _ := newHandlerFixture(t)

	rr := call(t, router, http.MethodGet, "/admin/users/21", "", 1)
	require.Equal(t, http.StatusOK, rr.Code)
	var detail PrincipalDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &detail))
	assert.Equal(t, []rbac.Role{rbac.RolePartnerUser}, detail.Roles)

	assert.Equal(t, http.StatusNotFound, call(t, router, http.MethodGet, "/admin/users/404", "", 1).Code)
	assert.Equal(t, http.StatusBadRequest, call(t, router, http.MethodGet, "/admin/users/abc", "", 1).Code)
}

func TestHandlerAssignRole(t *testing.T) {
	router, f := newHandlerFixture(t)

	rr := call(t, router, http.MethodPost, "/admin/users/3/roles", `{"role":"technician"}`, 1)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Contains(t, f.roles.roles[3], rbac.RoleTechnician)

	cases := map[string]struct {
		target, body string
		status       int
	}{
		"unknown role":     {"/admin/users/3/roles", `{"role":"wizard"}`, http.StatusBadRequest},
		"missing role":     {"/admin/users/3/roles", `{}`, http.StatusBadRequest},
		"partner conflict": {"/admin/users/21/roles", `{"role":"b2b_owner"}`, http.StatusConflict},
		"unknown user":     {"/admin/users/404/roles", `{"role":"counter"}`, http.StatusNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.status, call(t, router, http.MethodPost, tc.target, tc.body, 1).Code)
		})
	}
}

func TestHandlerSelfActionsConflict(t *testing.T) {
	router, _ := newHandlerFixture(t)
	assert.Equal(t, http.StatusConflict, call(t, router, http.MethodDelete, "/admin/users/1/roles/admin", "", 1).Code)
	assert.Equal(t, http.StatusConflict, call(t, router, http.MethodPost, "/admin/users/1/deactivate", "", 1).Code)
	assert.Equal(t, http.StatusConflict, call(t, router, http.MethodDelete, "/admin/users/1", "", 1).Code)
}

func TestHandlerSetPartnerAndPurge(t *testing.T) {
	router, f := newHandlerFixture(t)

	rr := call(t, router, http.MethodPut, "/admin/users/21/partner", `{"partner_id":12}`, 1)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.ElementsMatch(t, []int64{10, 12}, f.cache.evicted)

	rr = call(t, router, http.MethodPut, "/admin/users/21/partner", `{"partner_id":-1}`, 1)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = call(t, router, http.MethodDelete, "/admin/users/21", "", 1)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []int64{21}, f.sessions.released)
}

func TestHandlerListRejectsBadPartnerFilter(t *testing.T) {
	router, _ := newHandlerFixture(t)
	assert.Equal(t, http.StatusBadRequest, call(t, router, http.MethodGet, "/admin/users/?partner_id=x", "", 1).Code)

	rr := call(t, router, http.MethodGet, "/admin/users/?partner_id=10", "", 1)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []Principal
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, int64(21), list[0].ID)
}

func TestDeactivatedPrincipalLosesAccess(t *testing.T) {
	router, f := newHandlerFixture(t)

	require.Equal(t, http.StatusOK, call(t, router, http.MethodGet, "/admin/users/", "", 5).Code)

	rr := call(t, router, http.MethodPost, "/admin/users/5/deactivate", "", 1)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []int64{5}, f.logins.revoked)

	rr = call(t, router, http.MethodGet, "/admin/users/", "", 5)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
