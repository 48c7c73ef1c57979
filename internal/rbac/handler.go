package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/staffdesk/staffdesk/internal/platform/httpx"
	"github.com/staffdesk/staffdesk/internal/shared"
)

var problemMappings = []httpx.Mapping{
	{Err: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: ErrConflict, Status: http.StatusConflict, Title: "Override Exists"},
	{Err: ErrDuplicate, Status: http.StatusConflict, Title: "Duplicate"},
	{Err: ErrProtected, Status: http.StatusUnprocessableEntity, Title: "Protected"},
	{Err: ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed"},
	{Err: shared.ErrInvalidTeam, Status: http.StatusBadRequest, Title: "Validation Failed"},
}

// Handler exposes the permission engine and its administration over JSON.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	admin     *Admin
	rbac      Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, admin *Admin, rbac Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, admin: admin, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers RBAC routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/me/permissions", h.myPermissions)
	r.Get("/me/can", h.myCan)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermPermissionsView, shared.PermPermissionsManage))
		r.Get("/permissions", h.listPermissions)
		r.Get("/roles", h.listRoles)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermPermissionsManage))
		r.Post("/permissions", h.createPermission)
		r.Delete("/permissions/{permissionID}", h.deletePermission)
		r.Post("/roles", h.createRole)
		r.Delete("/roles/{roleID}", h.deleteRole)
		r.Put("/roles/{roleID}/permissions", h.setRolePermissions)
		r.Post("/roles/{roleID}/permissions/{permissionID}", h.attachPermission)
		r.Delete("/roles/{roleID}/permissions/{permissionID}", h.detachPermission)
		r.Post("/users/{userID}/roles", h.assignRole)
		r.Delete("/users/{userID}/roles/{roleID}", h.removeRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermOverridesManage))
		r.Get("/users/{userID}/overrides", h.listOverrides)
		r.Post("/overrides", h.createOverride)
		r.Delete("/overrides/{overrideID}", h.deleteOverride)
	})
}

type permissionRequest struct {
	Name        string `json:"name" validate:"required,max=150"`
	Description string `json:"description" validate:"max=500"`
}

type roleRequest struct {
	TeamID *int64 `json:"team_id" validate:"omitempty,gt=0"`
	Name   string `json:"name" validate:"required,max=150"`
	Slug   string `json:"slug" validate:"max=150"`
}

type rolePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"dive,gt=0"`
}

type assignmentRequest struct {
	RoleID int64  `json:"role_id" validate:"required,gt=0"`
	TeamID *int64 `json:"team_id" validate:"omitempty,gt=0"`
}

type overrideRequest struct {
	UserID       int64      `json:"user_id" validate:"required,gt=0"`
	PermissionID int64      `json:"permission_id" validate:"required,gt=0"`
	TeamID       *int64     `json:"team_id" validate:"omitempty,gt=0"`
	Effect       string     `json:"effect" validate:"required,oneof=allow deny"`
	Reason       string     `json:"reason" validate:"max=500"`
	ExpiresAt    *time.Time `json:"expires_at"`
	Replace      bool       `json:"replace"`
}

type overrideResponse struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	PermissionID int64      `json:"permission_id"`
	Permission   string     `json:"permission"`
	TeamID       *int64     `json:"team_id"`
	Effect       Effect     `json:"effect"`
	Reason       string     `json:"reason,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at"`
	Active       bool       `json:"active"`
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	p, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	httpx.JSON(w, http.StatusOK, h.service.PermissionsFor(r.Context(), p.UserID, p.TeamID))
}

func (h *Handler) myCan(w http.ResponseWriter, r *http.Request) {
	p, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	perm := r.URL.Query().Get("permission")
	if perm == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "permission query parameter required")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"permission": perm,
		"team":       teamToken(p.TeamID),
		"allowed":    h.service.Can(r.Context(), p.UserID, perm, p.TeamID),
	})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.admin.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.admin.ListRoles(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorize(w, r, shared.PermPermissionsManage, nil) {
		return
	}
	perm, err := h.admin.CreatePermission(r.Context(), PermissionInput{Name: req.Name, Description: req.Description, IsMutable: true})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, perm)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	if !h.authorize(w, r, shared.PermPermissionsManage, nil) {
		return
	}
	if err := h.admin.DeletePermission(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorize(w, r, shared.PermPermissionsManage, req.TeamID) {
		return
	}
	role, err := h.admin.CreateRole(r.Context(), RoleInput{TeamID: req.TeamID, Name: req.Name, Slug: req.Slug, IsMutable: true})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	if !h.authorizeRole(w, r, id) {
		return
	}
	if err := h.admin.DeleteRole(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req rolePermissionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeRole(w, r, roleID) {
		return
	}
	if err := h.admin.SetRolePermissions(r.Context(), roleID, req.PermissionIDs); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) attachPermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	permID, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	if !h.authorizeRole(w, r, roleID) {
		return
	}
	if err := h.admin.AttachPermission(r.Context(), roleID, permID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) detachPermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	permID, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	if !h.authorizeRole(w, r, roleID) {
		return
	}
	if err := h.admin.DetachPermission(r.Context(), roleID, permID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	var req assignmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeAssignment(w, r, req.RoleID, req.TeamID) {
		return
	}
	if err := h.admin.AssignRole(r.Context(), userID, req.RoleID, req.TeamID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	teamID, err := ParseTeam(r.URL.Query().Get("team"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.authorizeAssignment(w, r, roleID, teamID) {
		return
	}
	if err := h.admin.RemoveRole(r.Context(), userID, roleID, teamID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listOverrides(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	items, err := h.admin.ListOverrides(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	now := time.Now()
	out := make([]overrideResponse, 0, len(items))
	for _, o := range items {
		out = append(out, toOverrideResponse(o, now))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"overrides": out})
}

func (h *Handler) createOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorize(w, r, shared.PermOverridesManage, req.TeamID) {
		return
	}
	in := OverrideInput{
		UserID:       req.UserID,
		PermissionID: req.PermissionID,
		TeamID:       req.TeamID,
		Effect:       Effect(req.Effect),
		Reason:       req.Reason,
		ExpiresAt:    req.ExpiresAt,
	}
	var (
		created Override
		err     error
	)
	if req.Replace {
		created, err = h.admin.ReplaceOverride(r.Context(), in)
	} else {
		created, err = h.admin.CreateOverride(r.Context(), in)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("permission override saved",
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.Int64("override_id", created.ID),
		slog.Int64("user_id", created.UserID),
		slog.String("permission", created.PermissionName),
		slog.String("effect", string(created.Effect)),
		slog.String("team", teamToken(created.TeamID)))
	httpx.JSON(w, http.StatusCreated, toOverrideResponse(created, time.Now()))
}

func (h *Handler) deleteOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "overrideID")
	if !ok {
		return
	}
	o, err := h.admin.Override(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.authorize(w, r, shared.PermOverridesManage, o.TeamID) {
		return
	}
	if err := h.admin.DeleteOverride(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorize checks perm in the scope a mutation targets; global targets need
// a global grant.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, perm string, target *int64) bool {
	p, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrForbidden)
		return false
	}
	if h.service.Can(r.Context(), p.UserID, perm, target) {
		return true
	}
	h.rbac.denied(r, shared.Principal{UserID: p.UserID, TeamID: target}, []string{perm})
	httpx.Problem(w, http.StatusForbidden, "Forbidden", perm+" required in "+teamToken(target))
	return false
}

func (h *Handler) authorizeRole(w http.ResponseWriter, r *http.Request, roleID int64) bool {
	role, err := h.admin.Role(r.Context(), roleID)
	if err != nil {
		h.fail(w, r, err)
		return false
	}
	return h.authorize(w, r, shared.PermPermissionsManage, role.TeamID)
}

// authorizeAssignment scopes a grant to its team, except for the reserved
// role, which reaches every team.
func (h *Handler) authorizeAssignment(w http.ResponseWriter, r *http.Request, roleID int64, teamID *int64) bool {
	role, err := h.admin.Role(r.Context(), roleID)
	if err != nil {
		h.fail(w, r, err)
		return false
	}
	target := teamID
	if h.admin.IsReservedRole(role) {
		target = nil
	}
	return h.authorize(w, r, shared.PermPermissionsManage, target)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fieldErrs[0].Field()+" failed "+fieldErrs[0].Tag())
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var protected *ProtectedEntityError
	switch {
	case errors.As(err, &protected):
		h.logger.Warn("rbac protected entity", slog.String("kind", protected.Kind), slog.Int64("id", protected.ID))
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicate), errors.Is(err, ErrValidation):
	default:
		h.logger.Error("rbac request",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err, problemMappings...)
}

// ParseTeam parses a team scope; empty and "global" mean nil.
func ParseTeam(raw string) (*int64, error) {
	if raw == "" || raw == "global" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, shared.ErrInvalidTeam
	}
	return &id, nil
}

func toOverrideResponse(o Override, now time.Time) overrideResponse {
	return overrideResponse{
		ID:           o.ID,
		UserID:       o.UserID,
		PermissionID: o.PermissionID,
		Permission:   o.PermissionName,
		TeamID:       o.TeamID,
		Effect:       o.Effect,
		Reason:       o.Reason,
		ExpiresAt:    o.ExpiresAt,
		Active:       o.Active(now),
	}
}
