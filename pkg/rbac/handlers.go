package rbac

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/middleware"
	"github.com/platinummonkey/bastion/pkg/observability"
)

// MaxBatchSize bounds POST /authz/decide/batch
const MaxBatchSize = 100

// Handlers provides HTTP handlers for RBAC administration and decisions
type Handlers struct {
	service *Service
	engine  *Engine
	perms   *PermissionMiddleware
	logger  *observability.Logger
}

// NewHandlers creates new RBAC handlers
func NewHandlers(service *Service, engine *Engine, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return &Handlers{service: service, engine: engine, logger: logger}
}

// RegisterRoutes registers all RBAC routes. When perms is non-nil the admin
// routes are gated by the rbac resource permissions.
func (h *Handlers) RegisterRoutes(router *mux.Router, perms *PermissionMiddleware) {
	h.perms = perms
	guard := func(action string, fn http.HandlerFunc) http.Handler {
		if perms == nil {
			return fn
		}
		return perms.Require(ResourceRBAC, action)(fn)
	}

	// Roles
	router.Handle("/roles", guard(ActionRead, h.ListRoles)).Methods("GET")
	router.Handle("/roles", guard(ActionCreate, h.CreateRole)).Methods("POST")
	router.Handle("/roles/{id}", guard(ActionRead, h.GetRole)).Methods("GET")
	router.Handle("/roles/{id}", guard(ActionUpdate, h.UpdateRole)).Methods("PUT")
	router.Handle("/roles/{id}", guard(ActionDelete, h.DeleteRole)).Methods("DELETE")
	router.Handle("/roles/{id}/ancestors", guard(ActionRead, h.GetAncestors)).Methods("GET")

	// Resource grants
	router.Handle("/roles/{id}/resources", guard(ActionRead, h.ListRoleResources)).Methods("GET")
	router.Handle("/roles/{id}/resources", guard(ActionManage, h.AddRoleResource)).Methods("POST")
	router.Handle("/role-resources/{id}", guard(ActionManage, h.RemoveRoleResource)).Methods("DELETE")

	// Policy bindings
	router.Handle("/roles/{id}/policies", guard(ActionManage, h.AttachPolicy)).Methods("POST")
	router.Handle("/roles/{id}/policies/{policy_id}", guard(ActionManage, h.DetachPolicy)).Methods("DELETE")

	// Users and user grants
	router.Handle("/users", guard(ActionCreate, h.CreateUser)).Methods("POST")
	router.Handle("/users/{id}/roles", guard(ActionRead, h.ListUserRoles)).Methods("GET")
	router.Handle("/users/{id}/roles", guard(ActionManage, h.GrantUserRole)).Methods("POST")
	router.Handle("/user-roles/{id}/approve", guard(ActionApprove, h.ApproveUserRole)).Methods("POST")
	router.Handle("/user-roles/{id}/reject", guard(ActionApprove, h.RejectUserRole)).Methods("POST")
	router.Handle("/user-roles/{id}", guard(ActionManage, h.RevokeUserRole)).Methods("DELETE")

	// Groups and group grants
	router.Handle("/groups", guard(ActionCreate, h.CreateGroup)).Methods("POST")
	router.Handle("/groups/{id}/members", guard(ActionManage, h.AddGroupMember)).Methods("POST")
	router.Handle("/groups/{id}/members/{user_id}", guard(ActionManage, h.RemoveGroupMember)).Methods("DELETE")
	router.Handle("/groups/{id}/roles", guard(ActionRead, h.ListGroupRoles)).Methods("GET")
	router.Handle("/groups/{id}/roles", guard(ActionManage, h.GrantGroupRole)).Methods("POST")
	router.Handle("/group-roles/{id}", guard(ActionManage, h.RevokeGroupRole)).Methods("DELETE")

	// Policies
	router.Handle("/policies", guard(ActionRead, h.ListPolicies)).Methods("GET")
	router.Handle("/policies", guard(ActionCreate, h.CreatePolicy)).Methods("POST")
	router.Handle("/policies/{id}", guard(ActionRead, h.GetPolicy)).Methods("GET")
	router.Handle("/policies/{id}", guard(ActionUpdate, h.UpdatePolicy)).Methods("PUT")
	router.Handle("/policies/{id}", guard(ActionDelete, h.DeletePolicy)).Methods("DELETE")
	router.Handle("/policies/{id}/instantiate", guard(ActionCreate, h.InstantiateTemplate)).Methods("POST")

	// Decisions. Callers only need a valid key.
	router.HandleFunc("/authz/decide", h.Decide).Methods("POST")
	router.HandleFunc("/authz/decide/batch", h.BatchDecide).Methods("POST")
	router.Handle("/authz/principals/{kind}/{id}/roles", guard(ActionRead, h.GetPrincipalRoles)).Methods("GET")
}

// writeError maps service errors onto HTTP statuses
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case IsNotFound(err):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ErrSelfApproval):
		httputil.WriteForbidden(w, err.Error())
	case errors.Is(err, ErrConflict), errors.Is(err, ErrRoleInUse):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, ErrInvalidGrant), errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrSystemRole), errors.Is(err, ErrCycleDetected):
		httputil.WriteBadRequest(w, err.Error())
	default:
		h.logger.WithError(err).
			WithField("path", r.URL.Path).
			WithField("request_id", observability.GetRequestID(r.Context())).
			Error("rbac request failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

// actor returns the authenticated user, or SystemActor for unauthenticated
// deployments
func actor(r *http.Request) uuid.UUID {
	if authCtx := middleware.GetAuthContext(r); authCtx != nil {
		return authCtx.UserID
	}
	return SystemActor
}

// organizationParam reads ?organization_id, defaulting to the caller's organization
func organizationParam(w http.ResponseWriter, r *http.Request) (*uuid.UUID, bool) {
	org, err := httputil.ParseQueryUUID(r, "organization_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return nil, false
	}
	if org == nil {
		if authCtx := middleware.GetAuthContext(r); authCtx != nil {
			org = authCtx.OrganizationID
		}
	}
	return org, true
}

// Roles

type roleRequest struct {
	Name           string     `json:"name" validate:"required,max=255"`
	Description    string     `json:"description"`
	ParentRoleID   *uuid.UUID `json:"parent_role_id,omitempty"`
	Priority       int        `json:"priority" validate:"gte=0"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	IsActive       *bool      `json:"is_active,omitempty"`
	IsDefault      bool       `json:"is_default"`
}

// ListRoles lists roles visible in an organization. ?effective=true limits
// the list to active roles.
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	org, ok := organizationParam(w, r)
	if !ok {
		return
	}
	effective, err := httputil.ParseQueryBool(r, "effective", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var roles []Role
	if effective {
		roles, err = h.service.ListEffectiveRoles(r.Context(), org)
	} else {
		roles, err = h.service.ListRoles(r.Context(), org)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// CreateRole creates a custom role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	role := &Role{
		Name:           req.Name,
		Description:    req.Description,
		Type:           RoleTypeCustom,
		ParentRoleID:   req.ParentRoleID,
		Priority:       req.Priority,
		OrganizationID: req.OrganizationID,
		IsActive:       req.IsActive == nil || *req.IsActive,
		IsDefault:      req.IsDefault,
	}
	if err := h.service.CreateRole(r.Context(), role); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// GetRole returns a role
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// UpdateRole replaces the mutable fields of a role. Type and organization
// cannot change.
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	var req roleRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	role.Name = req.Name
	role.Description = req.Description
	role.ParentRoleID = req.ParentRoleID
	role.Priority = req.Priority
	role.IsDefault = req.IsDefault
	if req.IsActive != nil {
		role.IsActive = *req.IsActive
	}

	if err := h.service.UpdateRole(r.Context(), role); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// DeleteRole deletes an unreferenced custom role
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetAncestors returns a role's ancestors, nearest first
func (h *Handlers) GetAncestors(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	ancestors, err := NewHierarchy(h.service.Repository()).GetAncestors(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ancestors)
}

// Resource grants

type roleResourceRequest struct {
	ResourceType   string   `json:"resource_type" validate:"required"`
	ResourceID     string   `json:"resource_id" validate:"required"`
	AllowedActions []string `json:"allowed_actions" validate:"required,min=1,dive,required"`
}

// ListRoleResources lists a role's resource grants
func (h *Handlers) ListRoleResources(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	grants, err := h.service.ListRoleResources(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, grants)
}

// AddRoleResource grants a role actions on one resource instance
func (h *Handlers) AddRoleResource(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	var req roleResourceRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	rr := &RoleResource{
		RoleID:         id,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		AllowedActions: req.AllowedActions,
	}
	if err := h.service.AddRoleResource(r.Context(), rr); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, rr)
}

// RemoveRoleResource deletes a resource grant
func (h *Handlers) RemoveRoleResource(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.RemoveRoleResource(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Policy bindings

// AttachPolicy binds a policy to a role
func (h *Handlers) AttachPolicy(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		PolicyID uuid.UUID `json:"policy_id" validate:"required"`
	}
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	rp := &RolePolicy{RoleID: roleID, PolicyID: req.PolicyID, AttachedBy: actor(r)}
	if err := h.service.AttachPolicy(r.Context(), rp); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, rp)
}

// DetachPolicy unbinds a policy from a role
func (h *Handlers) DetachPolicy(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	policyID, ok := httputil.ParsePathUUIDOrError(w, r, "policy_id")
	if !ok {
		return
	}
	if err := h.service.DetachPolicy(r.Context(), roleID, policyID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Users and user grants

// CreateUser registers a user
func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       uuid.UUID `json:"id"`
		Username string    `json:"username" validate:"required,max=255"`
	}
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	u := &User{ID: req.ID, Username: req.Username, IsActive: true}
	if err := h.service.CreateUser(r.Context(), u); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, u)
}

// ListUserRoles lists every grant of a user, whatever its status
func (h *Handlers) ListUserRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	grants, err := h.service.ListUserRoles(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, grants)
}

type userRoleRequest struct {
	RoleID      uuid.UUID  `json:"role_id" validate:"required"`
	IsTemporary bool       `json:"is_temporary"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" validate:"required_if=IsTemporary true"`
	// AutoApprove creates the grant already approved
	AutoApprove bool `json:"auto_approve"`
}

// GrantUserRole grants a role to a user. Grants start pending unless
// auto_approve is set by a caller who may also approve grants.
func (h *Handlers) GrantUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	var req userRoleRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	ur := &UserRole{
		UserID:         userID,
		RoleID:         req.RoleID,
		IsTemporary:    req.IsTemporary,
		ExpiresAt:      req.ExpiresAt,
		GrantedBy:      actor(r),
		ApprovalStatus: ApprovalPending,
	}
	if req.AutoApprove {
		if h.perms != nil && !h.perms.Allowed(r, ResourceRBAC, ActionApprove, "") {
			httputil.WriteForbidden(w, "auto_approve requires the rbac approve permission")
			return
		}
		ur.ApprovalStatus = ApprovalApproved
	}
	if err := h.service.GrantUserRole(r.Context(), ur); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, ur)
}

type approvalRequest struct {
	Reason string `json:"reason" validate:"max=1024"`
}

// ApproveUserRole approves a pending grant
func (h *Handlers) ApproveUserRole(w http.ResponseWriter, r *http.Request) {
	h.decideUserRole(w, r, h.service.ApproveUserRole)
}

// RejectUserRole rejects a pending grant
func (h *Handlers) RejectUserRole(w http.ResponseWriter, r *http.Request) {
	h.decideUserRole(w, r, h.service.RejectUserRole)
}

func (h *Handlers) decideUserRole(w http.ResponseWriter, r *http.Request, decide func(context.Context, uuid.UUID, uuid.UUID, string) (*UserRole, error)) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	var req approvalRequest
	if r.ContentLength != 0 && !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	ur, err := decide(r.Context(), id, actor(r), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ur)
}

// RevokeUserRole deletes a user grant
func (h *Handlers) RevokeUserRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.RevokeUserRole(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Groups and group grants

// CreateGroup registers a group
func (h *Handlers) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID             uuid.UUID  `json:"id"`
		Name           string     `json:"name" validate:"required,max=255"`
		OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	}
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	g := &Group{ID: req.ID, Name: req.Name, OrganizationID: req.OrganizationID}
	if err := h.service.CreateGroup(r.Context(), g); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, g)
}

// AddGroupMember adds a user to a group
func (h *Handlers) AddGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		UserID uuid.UUID `json:"user_id" validate:"required"`
	}
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.service.AddGroupMember(r.Context(), groupID, req.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RemoveGroupMember removes a user from a group
func (h *Handlers) RemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathUUIDOrError(w, r, "user_id")
	if !ok {
		return
	}
	if err := h.service.RemoveGroupMember(r.Context(), groupID, userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListGroupRoles lists a group's grants
func (h *Handlers) ListGroupRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	grants, err := h.service.ListGroupRoles(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, grants)
}

// GrantGroupRole grants a role to a group
func (h *Handlers) GrantGroupRole(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		RoleID uuid.UUID `json:"role_id" validate:"required"`
	}
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	gr := &GroupRole{GroupID: groupID, RoleID: req.RoleID, GrantedBy: actor(r)}
	if err := h.service.GrantGroupRole(r.Context(), gr); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, gr)
}

// RevokeGroupRole deletes a group grant
func (h *Handlers) RevokeGroupRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.RevokeGroupRole(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Policies

type policyRequest struct {
	Name           string                `json:"name" validate:"required,max=255"`
	Description    string                `json:"description"`
	IsTemplate     bool                  `json:"is_template"`
	Permissions    []PolicyPermissionDef `json:"permissions" validate:"dive"`
	Conditions     Conditions            `json:"conditions"`
	OrganizationID *uuid.UUID            `json:"organization_id,omitempty"`
	IsActive       *bool                 `json:"is_active,omitempty"`
}

func (req policyRequest) apply(p *RbacPolicy) {
	p.Name = req.Name
	p.Description = req.Description
	p.IsTemplate = req.IsTemplate
	p.Permissions = req.Permissions
	p.Conditions = req.Conditions
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
	}
}

// ListPolicies lists binding policies, or templates with ?templates=true
func (h *Handlers) ListPolicies(w http.ResponseWriter, r *http.Request) {
	org, ok := organizationParam(w, r)
	if !ok {
		return
	}
	templates, err := httputil.ParseQueryBool(r, "templates", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	policies, err := h.service.ListPolicies(r.Context(), org, templates)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, policies)
}

// CreatePolicy creates a policy or template
func (h *Handlers) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	p := &RbacPolicy{OrganizationID: req.OrganizationID, CreatedBy: actor(r), IsActive: true}
	req.apply(p)
	if err := h.service.CreatePolicy(r.Context(), p); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, p)
}

// GetPolicy returns a policy
func (h *Handlers) GetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	p, err := h.service.GetPolicy(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

// UpdatePolicy replaces a policy's rules and conditions
func (h *Handlers) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	var req policyRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	p, err := h.service.GetPolicy(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req.apply(p)
	if err := h.service.UpdatePolicy(r.Context(), p); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

// DeletePolicy deletes a policy and its bindings
func (h *Handlers) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeletePolicy(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// InstantiateTemplate clones a template into a binding policy
func (h *Handlers) InstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Name           string     `json:"name" validate:"max=255"`
		OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	}
	if r.ContentLength != 0 && !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	p, err := h.service.InstantiateTemplate(r.Context(), id, req.Name, req.OrganizationID, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, p)
}

// Decisions

// Decide answers a single authorization request. A failed evaluation still
// returns the fail-closed Deny decision with 200; the error is logged.
func (h *Handlers) Decide(w http.ResponseWriter, r *http.Request) {
	var req Request
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	d, err := h.engine.Decide(r.Context(), req)
	if err != nil && d == nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, d)
}

type batchRequest struct {
	Requests []Request `json:"requests" validate:"required,min=1,dive"`
}

// BatchDecide answers up to MaxBatchSize requests; results keep request order
func (h *Handlers) BatchDecide(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	if len(req.Requests) > MaxBatchSize {
		httputil.WriteValidationError(w, "too many requests in batch")
		return
	}

	decisions, err := h.engine.BatchDecide(r.Context(), req.Requests)
	if err != nil {
		h.logger.WithError(err).WithField("batch_size", len(req.Requests)).Warn("batch decision failed closed")
	}
	for i, d := range decisions {
		if d == nil {
			decisions[i] = deny(ReasonError, "not evaluated")
		}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"decisions": decisions})
}

// GetPrincipalRoles returns the effective roles of a user or group now
func (h *Handlers) GetPrincipalRoles(w http.ResponseWriter, r *http.Request) {
	kind, ok := httputil.ParsePathStringOrError(w, r, "kind")
	if !ok {
		return
	}
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	p := Principal{Kind: PrincipalKind(kind), ID: id}
	if err := httputil.Validate(p); err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	eff, err := h.service.EffectiveRoles(r.Context(), p, time.Time{})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"principal":   p,
		"roles":       eff.List(),
		"valid_until": eff.ValidUntil,
	})
}
