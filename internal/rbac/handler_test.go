package rbac

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staffdesk/staffdesk/internal/shared"
)

const adminID = int64(1)

type handlerEnv struct {
	*fixture
	router chi.Router
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	f := newFixture(t)
	manage := f.store.seedPermission(shared.PermPermissionsManage, false)
	overrides := f.store.seedPermission(shared.PermOverridesManage, false)
	role := f.store.seedRole("rbac admin", nil, false, manage, overrides)
	_, err := f.store.AssignRole(t.Context(), RoleAssignment{RoleID: role.ID, UserID: adminID})
	require.NoError(t, err)

	h := NewHandler(discardLogger(), f.svc, f.admin, Middleware{Service: f.svc, Logger: discardLogger()})
	r := chi.NewRouter()
	h.MountRoutes(r)
	return &handlerEnv{fixture: f, router: r}
}

func (e *handlerEnv) do(t *testing.T, method, target, body string, p shared.Principal) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if p.UserID > 0 {
		req = req.WithContext(shared.ContextWithPrincipal(req.Context(), p))
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func TestHandlerMyPermissions(t *testing.T) {
	env := newHandlerEnv(t)
	view := env.store.seedPermission("tickets.view", true)
	role := env.store.seedRole("agent", Int64(teamA), true, view)
	_, err := env.store.AssignRole(t.Context(), RoleAssignment{TeamID: Int64(teamA), RoleID: role.ID, UserID: userID})
	require.NoError(t, err)

	rr := env.do(t, http.MethodGet, "/me/permissions", "", shared.Principal{UserID: userID, TeamID: Int64(teamA)})
	require.Equal(t, http.StatusOK, rr.Code)
	var set PermissionSet
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &set))
	assert.Equal(t, PermissionSet{Names: []string{"tickets.view"}}, set)

	rr = env.do(t, http.MethodGet, "/me/can?permission=tickets.view", "", shared.Principal{UserID: userID, TeamID: Int64(teamB)})
	require.Equal(t, http.StatusOK, rr.Code)
	var can struct {
		Allowed bool   `json:"allowed"`
		Team    string `json:"team"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &can))
	assert.False(t, can.Allowed)
	assert.Equal(t, "2", can.Team)

	rr = env.do(t, http.MethodGet, "/me/permissions", "", shared.Principal{})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandlerRequiresPermission(t *testing.T) {
	env := newHandlerEnv(t)

	rr := env.do(t, http.MethodPost, "/permissions", `{"name":"tickets.export"}`, shared.Principal{UserID: userID})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = env.do(t, http.MethodGet, "/permissions", "", shared.Principal{})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodGet, "/permissions", "", shared.Principal{UserID: adminID})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandlerOverrideLifecycle(t *testing.T) {
	env := newHandlerEnv(t)
	admin := shared.Principal{UserID: adminID}
	update := env.store.seedPermission("tickets.update", true)
	role := env.store.seedRole("agent", nil, true, update)
	_, err := env.store.AssignRole(t.Context(), RoleAssignment{RoleID: role.ID, UserID: userID})
	require.NoError(t, err)
	require.True(t, env.svc.Can(t.Context(), userID, "tickets.update", nil))

	body := `{"user_id":42,"permission_id":` + strconv.FormatInt(update.ID, 10) + `,"effect":"deny","reason":"audit"}`
	rr := env.do(t, http.MethodPost, "/overrides", body, admin)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created overrideResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "tickets.update", created.Permission)
	assert.True(t, created.Active)
	assert.False(t, env.svc.Can(t.Context(), userID, "tickets.update", nil))

	rr = env.do(t, http.MethodPost, "/overrides", body, admin)
	assert.Equal(t, http.StatusConflict, rr.Code)

	replace := strings.Replace(body, `"deny"`, `"allow"`, 1)
	replace = strings.TrimSuffix(replace, "}") + `,"replace":true}`
	rr = env.do(t, http.MethodPost, "/overrides", replace, admin)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.True(t, env.svc.Can(t.Context(), userID, "tickets.update", nil))

	rr = env.do(t, http.MethodGet, "/users/42/overrides", "", admin)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"effect":"allow"`)

	rr = env.do(t, http.MethodDelete, "/overrides/"+strconv.FormatInt(created.ID, 10), "", admin)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = env.do(t, http.MethodDelete, "/overrides/"+strconv.FormatInt(created.ID, 10), "", admin)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandlerValidation(t *testing.T) {
	env := newHandlerEnv(t)
	admin := shared.Principal{UserID: adminID}

	rr := env.do(t, http.MethodPost, "/overrides", `{"user_id":42,"permission_id":1,"effect":"maybe"}`, admin)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(t, http.MethodPost, "/overrides", `{not json`, admin)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(t, http.MethodDelete, "/overrides/abc", "", admin)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(t, http.MethodDelete, "/users/42/roles/3?team=nope", "", admin)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerProtectedEntities(t *testing.T) {
	env := newHandlerEnv(t)
	admin := shared.Principal{UserID: adminID}
	protected := env.store.seedPermission(shared.PermRBACProtected, false)

	rr := env.do(t, http.MethodDelete, "/permissions/"+strconv.FormatInt(protected.ID, 10), "", admin)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(t, http.MethodPost, "/roles", `{"name":"Support Lead","team_id":1}`, admin)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var role Role
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &role))
	assert.Equal(t, "support-lead", role.Slug)

	rr = env.do(t, http.MethodPost, "/users/42/roles", `{"role_id":`+strconv.FormatInt(role.ID, 10)+`,"team_id":1}`, admin)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = env.do(t, http.MethodDelete, "/users/42/roles/"+strconv.FormatInt(role.ID, 10)+"?team=1", "", admin)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestMiddlewareRequireAnyAndAll(t *testing.T) {
	f := newFixture(t)
	view := f.store.seedPermission("tickets.view", true)
	f.store.seedPermission("tickets.delete", true)
	role := f.store.seedRole("agent", Int64(teamA), true, view)
	_, err := f.store.AssignRole(t.Context(), RoleAssignment{TeamID: Int64(teamA), RoleID: role.ID, UserID: userID})
	require.NoError(t, err)

	mw := Middleware{Service: f.svc, Logger: discardLogger()}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	serve := func(h http.Handler, team *int64) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(shared.ContextWithPrincipal(req.Context(), shared.Principal{UserID: userID, TeamID: team}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusTeapot, serve(mw.RequireAny("tickets.delete", " Tickets.View ")(ok), Int64(teamA)))
	assert.Equal(t, http.StatusForbidden, serve(mw.RequireAny("tickets.view")(ok), Int64(teamB)))
	assert.Equal(t, http.StatusForbidden, serve(mw.RequireAll("tickets.view", "tickets.delete")(ok), Int64(teamA)))
	assert.Equal(t, http.StatusTeapot, serve(mw.RequireAll("tickets.view", "tickets.view")(ok), Int64(teamA)))
	assert.Equal(t, http.StatusTeapot, serve(mw.RequireAll()(ok), nil))
}

func TestNormalizePermissions(t *testing.T) {
	assert.Equal(t, []string{"a.b", "c.d"}, normalizePermissions([]string{" A.B ", "", "c.d", "a.b"}))
}

func TestParseTeam(t *testing.T) {
	team, err := ParseTeam("")
	require.NoError(t, err)
	assert.Nil(t, team)
	team, err = ParseTeam("global")
	require.NoError(t, err)
	assert.Nil(t, team)
	team, err = ParseTeam("12")
	require.NoError(t, err)
	assert.Equal(t, int64(12), *team)
	_, err = ParseTeam("-1")
	assert.ErrorIs(t, err, shared.ErrInvalidTeam)
}

func TestHandlerTeamManagerStaysInTeam(t *testing.T) {
	env := newHandlerEnv(t)
	const leadID = int64(7)
	manage, err := env.store.FindPermissionByName(t.Context(), shared.PermPermissionsManage)
	require.NoError(t, err)
	overrides, err := env.store.FindPermissionByName(t.Context(), shared.PermOverridesManage)
	require.NoError(t, err)
	leadRole := env.store.seedRole("team lead", Int64(teamA), false, manage, overrides)
	_, err = env.store.AssignRole(t.Context(), RoleAssignment{TeamID: Int64(teamA), RoleID: leadRole.ID, UserID: leadID})
	require.NoError(t, err)

	update := env.store.seedPermission("tickets.update", true)
	otherTeamRole := env.store.seedRole("agent", Int64(teamB), true, update)
	marketer := env.store.seedRole("marketer", nil, true, update)
	super := env.store.seedRole(DefaultSuperAdminRole, nil, false)
	globalDeny := env.store.putOverride(Override{UserID: userID, PermissionID: update.ID, Effect: EffectDeny})

	lead := shared.Principal{UserID: leadID, TeamID: Int64(teamA)}
	id := func(v int64) string { return strconv.FormatInt(v, 10) }
	overrideBody := func(team string) string {
		body := `{"user_id":42,"permission_id":` + id(update.ID) + `,"effect":"allow"`
		if team != "" {
			body += `,"team_id":` + team
		}
		return body + `}`
	}

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{name: "create permission", method: http.MethodPost, target: "/permissions", body: `{"name":"tickets.export"}`, want: http.StatusForbidden},
		{name: "create global role", method: http.MethodPost, target: "/roles", body: `{"name":"Ops"}`, want: http.StatusForbidden},
		{name: "create role in other team", method: http.MethodPost, target: "/roles", body: `{"name":"Ops","team_id":2}`, want: http.StatusForbidden},
		{name: "delete role in other team", method: http.MethodDelete, target: "/roles/" + id(otherTeamRole.ID), want: http.StatusForbidden},
		{name: "edit global role", method: http.MethodPost, target: "/roles/" + id(marketer.ID) + "/permissions/" + id(update.ID), want: http.StatusForbidden},
		{name: "assign in other team", method: http.MethodPost, target: "/users/42/roles", body: `{"role_id":` + id(otherTeamRole.ID) + `,"team_id":2}`, want: http.StatusForbidden},
		{name: "assign reserved role", method: http.MethodPost, target: "/users/42/roles", body: `{"role_id":` + id(super.ID) + `,"team_id":1}`, want: http.StatusForbidden},
		{name: "remove globally", method: http.MethodDelete, target: "/users/42/roles/" + id(marketer.ID), want: http.StatusForbidden},
		{name: "global override", method: http.MethodPost, target: "/overrides", body: overrideBody(""), want: http.StatusForbidden},
		{name: "override in other team", method: http.MethodPost, target: "/overrides", body: overrideBody("2"), want: http.StatusForbidden},
		{name: "delete global override", method: http.MethodDelete, target: "/overrides/" + id(globalDeny.ID), want: http.StatusForbidden},
		{name: "create role in own team", method: http.MethodPost, target: "/roles", body: `{"name":"Ops","team_id":1}`, want: http.StatusCreated},
		{name: "assign global role in own team", method: http.MethodPost, target: "/users/42/roles", body: `{"role_id":` + id(marketer.ID) + `,"team_id":1}`, want: http.StatusNoContent},
		{name: "override in own team", method: http.MethodPost, target: "/overrides", body: overrideBody("1"), want: http.StatusCreated},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, tc.method, tc.target, tc.body, lead)
			assert.Equal(t, tc.want, rr.Code, rr.Body.String())
		})
	}

	assert.False(t, env.svc.IsSuperAdmin(t.Context(), userID))
	assert.False(t, env.svc.Can(t.Context(), userID, "tickets.update", nil), "global deny survives")
	assert.False(t, env.svc.Can(t.Context(), userID, "tickets.update", Int64(teamB)))
}
