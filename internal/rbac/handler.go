package rbac

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/permcache"
	"github.com/odyssey-erp/gatekeeper/internal/platform/httpx"
)

// Handler exposes the query and administration endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountQueryRoutes registers the permission check endpoints.
func (h *Handler) MountQueryRoutes(r chi.Router) {
	r.Get("/users/{userID}/permissions", h.effectivePermissions)
	r.Get("/users/{userID}/permissions/{key}", h.hasPermission)
}

// MountAdminRoutes registers the administration endpoints. Callers are
// expected to guard them.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Get("/catalog", h.getCatalog)
	r.Get("/templates", h.listTemplates)

	r.Get("/tenants/{tenantID}/roles", h.listRoles)
	r.Post("/tenants/{tenantID}/roles", h.createRole)
	r.Post("/tenants/{tenantID}/roles/from-template", h.cloneTemplate)
	r.Put("/tenants/{tenantID}/plan", h.setPlan)

	r.Get("/roles/{roleID}", h.getRole)
	r.Patch("/roles/{roleID}", h.renameRole)
	r.Delete("/roles/{roleID}", h.deleteRole)
	r.Post("/roles/{roleID}/clone", h.cloneRole)
	r.Patch("/roles/{roleID}/permissions", h.setRolePermissions)

	r.Put("/users/{userID}/roles", h.assignRoles)
	r.Get("/users/{userID}/overrides", h.listOverrides)
	r.Put("/users/{userID}/overrides/{key}", h.setOverride)
	r.Delete("/users/{userID}/overrides/{key}", h.clearOverride)
	r.Get("/users/{userID}/permissions/{key}/explain", h.explain)

	r.Post("/cache/{scope}/{id}/invalidate", h.invalidate)
}

type createRoleRequest struct {
	Name           string   `json:"name" validate:"required,max=100"`
	PermissionKeys []string `json:"permission_keys" validate:"dive,required"`
}

type cloneTemplateRequest struct {
	TemplateID string `json:"template_id" validate:"required,uuid"`
	Name       string `json:"name" validate:"required,max=100"`
}

type renameRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

type rolePermissionsRequest struct {
	Add    []string `json:"add" validate:"dive,required"`
	Remove []string `json:"remove" validate:"dive,required"`
}

type assignRolesRequest struct {
	RoleIDs []string `json:"role_ids" validate:"dive,uuid"`
}

type overrideRequest struct {
	Granted *bool `json:"granted" validate:"required"`
}

type planRequest struct {
	PlanTier string   `json:"plan_tier" validate:"required,oneof=base pro enterprise"`
	AddOns   []string `json:"add_ons" validate:"dive,required"`
}

type permissionsResponse struct {
	UserID      uuid.UUID `json:"user_id"`
	Permissions []string  `json:"permissions"`
}

type checkResponse struct {
	UserID  uuid.UUID `json:"user_id"`
	Key     string    `json:"key"`
	Allowed bool      `json:"allowed"`
}

type catalogResponse struct {
	Version     uint64               `json:"version"`
	Permissions []catalog.Permission `json:"permissions"`
	AddOns      []catalog.AddOn      `json:"add_ons"`
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
		return
	}
	perms, err := h.service.EffectivePermissions(r.Context(), userID)
	if err != nil {
		h.queryFailed(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, permissionsResponse{UserID: userID, Permissions: perms.Keys()})
}

func (h *Handler) hasPermission(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
		return
	}
	key := chi.URLParam(r, "key")
	ok, err := h.service.HasPermission(r.Context(), userID, key)
	if err != nil {
		h.queryFailed(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, checkResponse{UserID: userID, Key: key, Allowed: ok})
}

// queryFailed never reveals why a query failed. Unknown users hold nothing.
func (h *Handler) queryFailed(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
		return
	}
	h.logger.Error("permission query failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

func (h *Handler) getCatalog(w http.ResponseWriter, r *http.Request) {
	view := h.service.Catalog()
	httpx.JSON(w, http.StatusOK, catalogResponse{
		Version:     view.Version(),
		Permissions: view.AllKeys(),
		AddOns:      view.AddOns(),
	})
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListTemplates(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": nonNil(roles)})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.uuidParam(w, r, "tenantID")
	if !ok {
		return
	}
	roles, err := h.service.ListRoles(r.Context(), tenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": nonNil(roles)})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.uuidParam(w, r, "tenantID")
	if !ok {
		return
	}
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), tenantID, req.Name, req.PermissionKeys)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) cloneTemplate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.uuidParam(w, r, "tenantID")
	if !ok {
		return
	}
	var req cloneTemplateRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CloneTemplate(r.Context(), uuid.MustParse(req.TemplateID), tenantID, req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) setPlan(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.uuidParam(w, r, "tenantID")
	if !ok {
		return
	}
	var req planRequest
	if !h.decode(w, r, &req) {
		return
	}
	tier, err := catalog.ParseTier(req.PlanTier)
	if err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return
	}
	if err := h.service.SetTenantPlan(r.Context(), tenantID, tier, req.AddOns); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.uuidParam(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), roleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) renameRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.uuidParam(w, r, "roleID")
	if !ok {
		return
	}
	var req renameRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.RenameRole(r.Context(), roleID, req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.uuidParam(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), roleID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cloneRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.uuidParam(w, r, "roleID")
	if !ok {
		return
	}
	var req renameRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CloneRole(r.Context(), roleID, req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.uuidParam(w, r, "roleID")
	if !ok {
		return
	}
	var req rolePermissionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), roleID, req.Add, req.Remove); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}
	var req assignRolesRequest
	if !h.decode(w, r, &req) {
		return
	}
	ids := make([]uuid.UUID, len(req.RoleIDs))
	for i, raw := range req.RoleIDs {
		ids[i] = uuid.MustParse(raw)
	}
	if err := h.service.AssignRoles(r.Context(), userID, ids); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listOverrides(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}
	overrides, err := h.service.ListOverrides(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if overrides == nil {
		overrides = []Override{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"overrides": overrides})
}

func (h *Handler) setOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}
	var req overrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetOverride(r.Context(), userID, chi.URLParam(r, "key"), *req.Granted); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}
	if err := h.service.ClearOverride(r.Context(), userID, chi.URLParam(r, "key")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) explain(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}
	decision, err := h.service.Explain(r.Context(), userID, chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, decision)
}

var cacheScopes = map[string]permcache.Scope{
	"users":   permcache.ScopeUser,
	"roles":   permcache.ScopeRole,
	"tenants": permcache.ScopeTenant,
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	scope, ok := cacheScopes[chi.URLParam(r, "scope")]
	if !ok {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown cache scope")
		return
	}
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Invalidate(r.Context(), scope, id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, fmt.Errorf("invalid %s", name)))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(w, r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fieldErr := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fieldErr.Field(), fieldErr.Tag()))
			}
			err = errors.New(strings.Join(msgs, "; "))
		}
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return false
	}
	return true
}

// fail maps the rbac error taxonomy onto problem responses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var kind error
	switch {
	case errors.Is(err, httpx.ErrValidation):
		httpx.RespondError(w, err)
		return
	case errors.Is(err, ErrNotFound):
		kind = httpx.ErrNotFound
	case errors.Is(err, ErrDuplicateName), errors.Is(err, ErrProtectedRole), errors.Is(err, ErrRoleInUse):
		kind = httpx.ErrConflict
	case errors.Is(err, ErrUnknownPermission), errors.Is(err, ErrUnknownAddOn), errors.Is(err, ErrTenantMismatch):
		kind = httpx.ErrUnprocessable
	case errors.Is(err, ErrInvalidInput):
		kind = httpx.ErrValidation
	case errors.Is(err, permcache.ErrNotPropagated):
		h.logger.Warn("rbac change saved, cache propagation pending", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, httpx.Wrap(httpx.ErrUnavailable, errors.New("change saved; cache propagation pending, retry the read later")))
		return
	default:
		h.logger.Error("rbac admin request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.RespondError(w, httpx.Wrap(kind, err))
}

func nonNil(roles []Role) []Role {
	if roles == nil {
		return []Role{}
	}
	return roles
}
