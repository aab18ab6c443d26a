package rbac

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/permcache"
)

func newTestRouter(t *testing.T) (*testEnv, http.Handler) {
	t.Helper()
	env := newTestEnv(t)
	h := NewHandler(nil, env.svc)
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		h.MountQueryRoutes(r)
		h.MountAdminRoutes(r)
	})
	return env, r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestEffectivePermissionsEndpoint(t *testing.T) {
	env, h := newTestRouter(t)
	tenant := env.repo.addTenant(catalog.TierBase)
	user := env.repo.addUser(tenant, false)
	role := env.repo.addRole(ptr(tenant), "Clerk", true, "orders:view", "orders:create")
	env.repo.assign(user, role)

	rr := do(t, h, http.MethodGet, "/v1/users/"+user.String()+"/permissions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body permissionsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, user, body.UserID)
	assert.Equal(t, []string{"orders:create", "orders:view"}, body.Permissions)

	rr = do(t, h, http.MethodGet, "/v1/users/"+user.String()+"/permissions/orders:view", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var check checkResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &check))
	assert.True(t, check.Allowed)
	assert.Equal(t, "orders:view", check.Key)
}

func TestQueryEndpointsHideFailureReasons(t *testing.T) {
	_, h := newTestRouter(t)

	for _, path := range []string{
		"/v1/users/" + uuid.NewString() + "/permissions",
		"/v1/users/not-a-uuid/permissions",
		"/v1/users/" + uuid.NewString() + "/permissions/orders:view",
	} {
		rr := do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusForbidden, rr.Code, path)
		assert.NotContains(t, rr.Body.String(), "not found", path)
	}
}

func TestRoleAdministrationEndpoints(t *testing.T) {
	env, h := newTestRouter(t)
	tenant := env.repo.addTenant(catalog.TierBase)
	base := "/v1/tenants/" + tenant.String() + "/roles"

	rr := do(t, h, http.MethodPost, base, `{"name":"Clerk","permission_keys":["orders:view"]}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var role Role
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &role))
	assert.Equal(t, "Clerk", role.Name)

	rr = do(t, h, http.MethodPost, base, `{"name":"clerk"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, http.MethodPost, base, `{"name":"Auditor","permission_keys":["payroll:run"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, h, http.MethodPost, base, `{"permission_keys":["orders:view"]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, base, `{"name":"X","extra":true}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPatch, "/v1/roles/"+role.ID.String()+"/permissions", `{"add":["orders:create"]}`)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/roles/"+role.ID.String(), "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &role))
	assert.Equal(t, []string{"orders:create", "orders:view"}, role.PermissionKeys)

	rr = do(t, h, http.MethodPost, "/v1/roles/"+role.ID.String()+"/clone", `{"name":"Clerk 2"}`)
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = do(t, h, http.MethodPatch, "/v1/roles/"+role.ID.String(), `{"name":"Senior Clerk"}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Roles []Role `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Len(t, list.Roles, 2)

	rr = do(t, h, http.MethodDelete, "/v1/roles/"+role.ID.String(), "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, h, http.MethodDelete, "/v1/roles/"+role.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(t, h, http.MethodGet, "/v1/roles/bogus", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTemplateEndpoints(t *testing.T) {
	env, h := newTestRouter(t)
	tenant := env.repo.addTenant(catalog.TierBase)
	template := env.repo.addRole(nil, "Dispatcher", false, "orders:view")

	rr := do(t, h, http.MethodGet, "/v1/templates", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), template.String())

	rr = do(t, h, http.MethodPost, "/v1/tenants/"+tenant.String()+"/roles/from-template",
		`{"template_id":"`+template.String()+`","name":"Dispatcher"}`)
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/tenants/"+tenant.String()+"/roles/from-template",
		`{"template_id":"nope","name":"Dispatcher"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUserAdministrationEndpoints(t *testing.T) {
	env, h := newTestRouter(t)
	tenant := env.repo.addTenant(catalog.TierBase)
	other := env.repo.addTenant(catalog.TierBase)
	user := env.repo.addUser(tenant, false)
	role := env.repo.addRole(ptr(tenant), "Clerk", true, "orders:view")
	foreign := env.repo.addRole(ptr(other), "Foreign", true, "orders:view")
	userPath := "/v1/users/" + user.String()

	rr := do(t, h, http.MethodPut, userPath+"/roles", `{"role_ids":["`+foreign.String()+`"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, h, http.MethodPut, userPath+"/roles", `{"role_ids":["`+role.String()+`"]}`)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, h, http.MethodPut, userPath+"/overrides/orders:cancel", `{"granted":true}`)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, h, http.MethodPut, userPath+"/overrides/orders:cancel", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, userPath+"/overrides", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"permission_key":"orders:cancel"`)

	rr = do(t, h, http.MethodGet, userPath+"/permissions/orders:cancel/explain", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var d Decision
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonOverrideGrant, d.Reason)

	rr = do(t, h, http.MethodDelete, userPath+"/overrides/orders:cancel", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, h, http.MethodGet, userPath+"/permissions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"permissions":["orders:view"]`)
}

func TestPlanAndCacheEndpoints(t *testing.T) {
	env, h := newTestRouter(t)
	tenant := env.repo.addTenant(catalog.TierBase)
	planPath := "/v1/tenants/" + tenant.String() + "/plan"

	rr := do(t, h, http.MethodPut, planPath, `{"plan_tier":"enterprise","add_ons":["advanced_reporting"]}`)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	stored, err := env.repo.GetTenant(t.Context(), tenant)
	require.NoError(t, err)
	assert.Equal(t, catalog.TierEnterprise, stored.PlanTier)

	rr = do(t, h, http.MethodPut, planPath, `{"plan_tier":"gold"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, h, http.MethodPut, planPath, `{"plan_tier":"pro","add_ons":["sso"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/cache/tenants/"+tenant.String()+"/invalidate", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, h, http.MethodPost, "/v1/cache/orgs/"+tenant.String()+"/invalidate", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(t, h, http.MethodPost, "/v1/cache/users/"+uuid.NewString()+"/invalidate", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/catalog", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var cat catalogResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cat))
	assert.Equal(t, uint64(1), cat.Version)
	assert.Len(t, cat.Permissions, 5)
	require.Len(t, cat.AddOns, 1)
	assert.Equal(t, "advanced_reporting", cat.AddOns[0].Name)
}

func TestUnpropagatedChangeRespondsUnavailable(t *testing.T) {
	mirror := &unreachableMirror{MemoryGenerations: permcache.NewMemoryGenerations()}
	env := newTestEnvWith(t, newMemRepo(), mirror)
	r := chi.NewRouter()
	r.Route("/v1", NewHandler(nil, env.svc).MountAdminRoutes)
	tenant := env.repo.addTenant(catalog.TierBase)
	user := env.repo.addUser(tenant, false)

	mirror.down.Store(true)
	rr := do(t, r, http.MethodPut, "/v1/users/"+user.String()+"/overrides/orders:cancel", `{"granted":true}`)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "change saved")

	overrides, err := env.svc.ListOverrides(t.Context(), user)
	require.NoError(t, err)
	assert.Len(t, overrides, 1)

	rr = do(t, r, http.MethodPost, "/v1/cache/users/"+user.String()+"/invalidate", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
