package rbac

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/observability"
)

// Service is the administrative write path. Every mutation is validated,
// audited and invalidates the effective-role cache where roles can change.
type Service struct {
	repo    Repository
	cache   *CachedResolver
	audit   audit.Logger
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithCache makes the service invalidate c on writes
func WithCache(c *CachedResolver) ServiceOption {
	return func(s *Service) { s.cache = c }
}

// WithServiceAudit records every mutation to l
func WithServiceAudit(l audit.Logger) ServiceOption {
	return func(s *Service) { s.audit = l }
}

// WithServiceMetrics counts mutations
func WithServiceMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithServiceLogger sets the service logger
func WithServiceLogger(l *observability.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithServiceClock overrides time.Now
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a service over repo
func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{
		repo:   repo,
		audit:  audit.NoOpLogger{},
		logger: observability.NewLogger(observability.InfoLevel, io.Discard),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Repository returns the backing store
func (s *Service) Repository() Repository {
	return s.repo
}

// record audits a mutation and counts it when it succeeded
func (s *Service) record(ctx context.Context, eventType audit.EventType, resourceType, resourceID string, err error, metadata map[string]interface{}) {
	s.recordChange(ctx, eventType, resourceType, resourceID, err, metadata, nil)
}

func (s *Service) recordChange(ctx context.Context, eventType audit.EventType, resourceType, resourceID string, err error, metadata map[string]interface{}, changes *audit.ChangeDetails) {
	status := audit.EventStatusSuccess
	if err != nil {
		status = audit.EventStatusFailure
	}
	event := audit.NewEvent(ctx, eventType, status)
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	event.Changes = changes
	for k, v := range metadata {
		event.Metadata[k] = v
	}
	if err != nil {
		event.ErrorMessage = err.Error()
	} else {
		s.metrics.RecordGrantMutation(string(eventType))
	}
	if logErr := s.audit.Log(ctx, event); logErr != nil {
		s.logger.WithError(logErr).WithField("event_type", string(eventType)).Warn("failed to write audit event")
	}
}

func (s *Service) invalidate(ctx context.Context, p Principal) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, p); err != nil {
		s.logger.WithError(err).WithField("principal", p.String()).Warn("failed to invalidate role cache")
	}
}

func (s *Service) purge(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Purge(ctx); err != nil {
		s.logger.WithError(err).Warn("failed to purge role cache")
	}
}

// Roles

// GetRole returns a role by ID
func (s *Service) GetRole(ctx context.Context, id uuid.UUID) (*Role, error) {
	return s.repo.GetRole(ctx, id)
}

// ListRoles returns the roles visible in the organization
func (s *Service) ListRoles(ctx context.Context, organizationID *uuid.UUID) ([]Role, error) {
	return s.repo.ListRoles(ctx, organizationID)
}

// ListEffectiveRoles returns the active roles visible in the organization
func (s *Service) ListEffectiveRoles(ctx context.Context, organizationID *uuid.UUID) ([]Role, error) {
	return NewHierarchy(s.repo).ListEffectiveRoles(ctx, organizationID)
}

// CreateRole validates and stores a role
func (s *Service) CreateRole(ctx context.Context, role *Role) error {
	err := s.createRole(ctx, role)
	s.record(ctx, audit.EventTypeRoleCreate, "role", role.ID.String(), err, map[string]interface{}{"name": role.Name})
	return err
}

func (s *Service) createRole(ctx context.Context, role *Role) error {
	if err := s.validateRole(ctx, role); err != nil {
		return err
	}
	if err := s.repo.CreateRole(ctx, role); err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}
	return nil
}

// UpdateRole validates and replaces a role. Activation, priority and parent
// changes alter effective roles, so the whole cache is purged.
func (s *Service) UpdateRole(ctx context.Context, role *Role) error {
	existing, err := s.updateRole(ctx, role)
	var changes *audit.ChangeDetails
	if err == nil {
		changes = audit.Diff(roleFields(existing), roleFields(role))
	}
	s.recordChange(ctx, audit.EventTypeRoleUpdate, "role", role.ID.String(), err, map[string]interface{}{"name": role.Name}, changes)
	if err == nil {
		s.purge(ctx)
	}
	return err
}

func (s *Service) updateRole(ctx context.Context, role *Role) (*Role, error) {
	existing, err := s.repo.GetRole(ctx, role.ID)
	if err != nil {
		return nil, err
	}
	if existing.Type == RoleTypeSystem && role.Type != RoleTypeSystem {
		return nil, fmt.Errorf("role %s: %w", existing.Name, ErrSystemRole)
	}
	if err := s.validateRole(ctx, role); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateRole(ctx, role); err != nil {
		return nil, fmt.Errorf("failed to update role: %w", err)
	}
	return existing, nil
}

// roleFields is the audited view of a role
func roleFields(r *Role) map[string]interface{} {
	parent := ""
	if r.ParentRoleID != nil {
		parent = r.ParentRoleID.String()
	}
	return map[string]interface{}{
		"name":           r.Name,
		"description":    r.Description,
		"type":           string(r.Type),
		"parent_role_id": parent,
		"priority":       r.Priority,
		"is_active":      r.IsActive,
		"is_default":     r.IsDefault,
	}
}

// validateRole checks fields and that the parent link neither dangles,
// crosses organizations nor closes a cycle
func (s *Service) validateRole(ctx context.Context, role *Role) error {
	if role.Name == "" {
		return fmt.Errorf("role name is required: %w", ErrInvalidArgument)
	}
	if role.Type == "" {
		role.Type = RoleTypeCustom
	}
	if !role.Type.Valid() {
		return fmt.Errorf("unknown role type %q: %w", role.Type, ErrInvalidArgument)
	}
	if role.ParentRoleID == nil {
		return nil
	}
	if role.ID != uuid.Nil && *role.ParentRoleID == role.ID {
		return fmt.Errorf("role %s is its own parent: %w", role.Name, ErrCycleDetected)
	}

	h := NewHierarchy(s.repo)
	parent, err := h.GetRole(ctx, *role.ParentRoleID)
	if err != nil {
		return fmt.Errorf("parent role: %w", err)
	}
	if !parent.VisibleIn(role.OrganizationID) {
		return fmt.Errorf("parent role %s belongs to another organization: %w", parent.Name, ErrInvalidArgument)
	}
	if role.ID == uuid.Nil {
		return nil
	}
	ancestors, err := h.GetAncestors(ctx, parent.ID)
	if err != nil {
		return err
	}
	for _, a := range ancestors {
		if a.ID == role.ID {
			return fmt.Errorf("role %s would become its own ancestor: %w", role.Name, ErrCycleDetected)
		}
	}
	return nil
}

// DeleteRole removes a custom role that nothing references
func (s *Service) DeleteRole(ctx context.Context, id uuid.UUID) error {
	err := s.deleteRole(ctx, id)
	s.record(ctx, audit.EventTypeRoleDelete, "role", id.String(), err, nil)
	return err
}

func (s *Service) deleteRole(ctx context.Context, id uuid.UUID) error {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.Type == RoleTypeSystem {
		return fmt.Errorf("role %s: %w", role.Name, ErrSystemRole)
	}
	refs, err := s.repo.RoleReferences(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to count role references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("role %s has %d references: %w", role.Name, refs, ErrRoleInUse)
	}
	return s.repo.DeleteRole(ctx, id)
}

// User grants

// ListUserRoles returns every grant of the user
func (s *Service) ListUserRoles(ctx context.Context, userID uuid.UUID) ([]UserRole, error) {
	return s.repo.ListUserRoles(ctx, userID)
}

// GrantUserRole stores a user grant. New grants start pending unless the
// caller sets another status.
func (s *Service) GrantUserRole(ctx context.Context, ur *UserRole) error {
	err := s.grantUserRole(ctx, ur)
	s.record(ctx, audit.EventTypeGrantUserCreate, "user_role", ur.ID.String(), err, map[string]interface{}{
		"user_id": ur.UserID.String(),
		"role_id": ur.RoleID.String(),
		"status":  string(ur.ApprovalStatus),
	})
	if err == nil {
		s.invalidate(ctx, UserPrincipal(ur.UserID))
	}
	return err
}

func (s *Service) grantUserRole(ctx context.Context, ur *UserRole) error {
	if err := ValidateUserRole(ur, s.now()); err != nil {
		return err
	}
	exists, err := s.repo.UserExists(ctx, ur.UserID)
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if !exists {
		return fmt.Errorf("user %s: %w", ur.UserID, ErrNotFound)
	}
	if err := s.repo.CreateUserRole(ctx, ur); err != nil {
		return fmt.Errorf("failed to create user role: %w", err)
	}
	return nil
}

// ApproveUserRole moves a pending grant to approved. The approver may not be
// the user who requested the grant.
func (s *Service) ApproveUserRole(ctx context.Context, id, approver uuid.UUID, reason string) (*UserRole, error) {
	return s.decideUserRole(ctx, id, approver, ApprovalApproved, reason, audit.EventTypeGrantUserApprove)
}

// RejectUserRole moves a pending grant to rejected
func (s *Service) RejectUserRole(ctx context.Context, id, approver uuid.UUID, reason string) (*UserRole, error) {
	return s.decideUserRole(ctx, id, approver, ApprovalRejected, reason, audit.EventTypeGrantUserReject)
}

func (s *Service) decideUserRole(ctx context.Context, id, approver uuid.UUID, to ApprovalStatus, reason string, eventType audit.EventType) (*UserRole, error) {
	ur, err := s.repo.GetUserRole(ctx, id)
	if err == nil {
		err = ValidateTransition(ur.ApprovalStatus, to)
	}
	if err == nil && to == ApprovalApproved && approver != SystemActor && approver == ur.GrantedBy {
		err = fmt.Errorf("grant %s: %w", id, ErrSelfApproval)
	}
	if err == nil {
		err = s.repo.UpdateUserRoleApproval(ctx, id, to, reason)
	}
	s.record(ctx, eventType, "user_role", id.String(), err, map[string]interface{}{
		"reason":      reason,
		"approved_by": approver.String(),
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, UserPrincipal(ur.UserID))
	ur.ApprovalStatus = to
	ur.ApprovalReason = reason
	return ur, nil
}

// RevokeUserRole deletes a user grant
func (s *Service) RevokeUserRole(ctx context.Context, id uuid.UUID) error {
	ur, err := s.repo.GetUserRole(ctx, id)
	if err == nil {
		err = s.repo.DeleteUserRole(ctx, id)
	}
	s.record(ctx, audit.EventTypeGrantUserRevoke, "user_role", id.String(), err, nil)
	if err != nil {
		return err
	}
	s.invalidate(ctx, UserPrincipal(ur.UserID))
	return nil
}

// Group grants

// ListGroupRoles returns the grants held by the group
func (s *Service) ListGroupRoles(ctx context.Context, groupID uuid.UUID) ([]GroupRole, error) {
	return s.repo.ListGroupRoles(ctx, []uuid.UUID{groupID})
}

// GrantGroupRole stores a group grant. Every member is affected, so the cache is purged.
func (s *Service) GrantGroupRole(ctx context.Context, gr *GroupRole) error {
	err := s.repo.CreateGroupRole(ctx, gr)
	s.record(ctx, audit.EventTypeGrantGroupCreate, "group_role", gr.ID.String(), err, map[string]interface{}{
		"group_id": gr.GroupID.String(),
		"role_id":  gr.RoleID.String(),
	})
	if err == nil {
		s.purge(ctx)
	}
	return err
}

// RevokeGroupRole deletes a group grant
func (s *Service) RevokeGroupRole(ctx context.Context, id uuid.UUID) error {
	err := s.repo.DeleteGroupRole(ctx, id)
	s.record(ctx, audit.EventTypeGrantGroupRevoke, "group_role", id.String(), err, nil)
	if err == nil {
		s.purge(ctx)
	}
	return err
}

// Resource grants. These are read on every decision and never cached.

// ListRoleResources returns the resource grants of a role
func (s *Service) ListRoleResources(ctx context.Context, roleID uuid.UUID) ([]RoleResource, error) {
	return s.repo.ListRoleResourcesByRole(ctx, roleID)
}

// AddRoleResource stores a resource grant
func (s *Service) AddRoleResource(ctx context.Context, rr *RoleResource) error {
	err := ValidateRoleResource(rr)
	if err == nil {
		err = s.repo.CreateRoleResource(ctx, rr)
	}
	s.record(ctx, audit.EventTypeGrantResourceAdd, rr.ResourceType, rr.ResourceID, err, map[string]interface{}{
		"role_id": rr.RoleID.String(),
		"actions": rr.AllowedActions,
	})
	return err
}

// RemoveRoleResource deletes a resource grant
func (s *Service) RemoveRoleResource(ctx context.Context, id uuid.UUID) error {
	err := s.repo.DeleteRoleResource(ctx, id)
	s.record(ctx, audit.EventTypeGrantResourceRemove, "role_resource", id.String(), err, nil)
	return err
}

// Policies. These are read on every decision and never cached.

// GetPolicy returns a policy by ID
func (s *Service) GetPolicy(ctx context.Context, id uuid.UUID) (*RbacPolicy, error) {
	return s.repo.GetPolicy(ctx, id)
}

// ListPolicies returns binding policies or templates visible in the organization
func (s *Service) ListPolicies(ctx context.Context, organizationID *uuid.UUID, templates bool) ([]RbacPolicy, error) {
	return s.repo.ListPolicies(ctx, organizationID, templates)
}

func validatePolicy(p *RbacPolicy) error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required: %w", ErrInvalidArgument)
	}
	for i, perm := range p.Permissions {
		if perm.Resource == "" || perm.Action == "" {
			return fmt.Errorf("permission %d needs a resource and an action: %w", i, ErrInvalidArgument)
		}
	}
	return p.Conditions.Validate()
}

// CreatePolicy validates and stores a policy
func (s *Service) CreatePolicy(ctx context.Context, p *RbacPolicy) error {
	err := validatePolicy(p)
	if err == nil {
		err = s.repo.CreatePolicy(ctx, p)
	}
	s.record(ctx, audit.EventTypePolicyCreate, "policy", p.ID.String(), err, map[string]interface{}{
		"name":        p.Name,
		"is_template": p.IsTemplate,
	})
	return err
}

// UpdatePolicy validates and replaces a policy
func (s *Service) UpdatePolicy(ctx context.Context, p *RbacPolicy) error {
	err := validatePolicy(p)
	if err == nil {
		err = s.repo.UpdatePolicy(ctx, p)
	}
	s.record(ctx, audit.EventTypePolicyUpdate, "policy", p.ID.String(), err, map[string]interface{}{"name": p.Name})
	return err
}

// DeletePolicy removes a policy and its role bindings
func (s *Service) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	err := s.repo.DeletePolicy(ctx, id)
	s.record(ctx, audit.EventTypePolicyDelete, "policy", id.String(), err, nil)
	return err
}

// AttachPolicy binds a policy to a role
func (s *Service) AttachPolicy(ctx context.Context, rp *RolePolicy) error {
	if rp.AttachedAt.IsZero() {
		rp.AttachedAt = s.now()
	}
	err := s.repo.AttachPolicy(ctx, rp)
	s.record(ctx, audit.EventTypePolicyAttach, "policy", rp.PolicyID.String(), err, map[string]interface{}{"role_id": rp.RoleID.String()})
	return err
}

// DetachPolicy unbinds a policy from a role
func (s *Service) DetachPolicy(ctx context.Context, roleID, policyID uuid.UUID) error {
	err := s.repo.DetachPolicy(ctx, roleID, policyID)
	s.record(ctx, audit.EventTypePolicyDetach, "policy", policyID.String(), err, map[string]interface{}{"role_id": roleID.String()})
	return err
}

// InstantiateTemplate clones a template into a new binding policy
func (s *Service) InstantiateTemplate(ctx context.Context, templateID uuid.UUID, name string, organizationID *uuid.UUID, createdBy uuid.UUID) (*RbacPolicy, error) {
	p, err := s.instantiate(ctx, templateID, name, organizationID, createdBy)
	resourceID := ""
	if p != nil {
		resourceID = p.ID.String()
	}
	s.record(ctx, audit.EventTypePolicyInstantiate, "policy", resourceID, err, map[string]interface{}{
		"template_id": templateID.String(),
		"name":        name,
	})
	return p, err
}

func (s *Service) instantiate(ctx context.Context, templateID uuid.UUID, name string, organizationID *uuid.UUID, createdBy uuid.UUID) (*RbacPolicy, error) {
	tmpl, err := s.repo.GetPolicy(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.IsTemplate {
		return nil, fmt.Errorf("policy %s is not a template: %w", tmpl.Name, ErrInvalidArgument)
	}
	if name == "" {
		name = tmpl.Name
	}

	p := clonePolicy(*tmpl)
	p.ID = uuid.Nil
	p.Name = name
	p.IsTemplate = false
	p.IsActive = true
	p.OrganizationID = organizationID
	p.CreatedBy = createdBy
	if err := validatePolicy(&p); err != nil {
		return nil, err
	}
	if err := s.repo.CreatePolicy(ctx, &p); err != nil {
		return nil, fmt.Errorf("failed to create policy from template: %w", err)
	}
	return &p, nil
}

// Directory

// CreateUser registers a user
func (s *Service) CreateUser(ctx context.Context, u *User) error {
	err := s.repo.CreateUser(ctx, u)
	s.record(ctx, audit.EventTypeDirectoryUserCreate, "user", u.ID.String(), err, map[string]interface{}{"username": u.Username})
	return err
}

// CreateGroup registers a group
func (s *Service) CreateGroup(ctx context.Context, g *Group) error {
	err := s.repo.CreateGroup(ctx, g)
	s.record(ctx, audit.EventTypeDirectoryGroupCreate, "group", g.ID.String(), err, map[string]interface{}{"name": g.Name})
	return err
}

// AddGroupMember adds a user to a group
func (s *Service) AddGroupMember(ctx context.Context, groupID, userID uuid.UUID) error {
	err := s.repo.AddGroupMember(ctx, groupID, userID)
	s.record(ctx, audit.EventTypeDirectoryMemberAdd, "group", groupID.String(), err, map[string]interface{}{"user_id": userID.String()})
	if err == nil {
		s.invalidate(ctx, UserPrincipal(userID))
	}
	return err
}

// RemoveGroupMember removes a user from a group
func (s *Service) RemoveGroupMember(ctx context.Context, groupID, userID uuid.UUID) error {
	err := s.repo.RemoveGroupMember(ctx, groupID, userID)
	s.record(ctx, audit.EventTypeDirectoryMemberRemove, "group", groupID.String(), err, map[string]interface{}{"user_id": userID.String()})
	if err == nil {
		s.invalidate(ctx, UserPrincipal(userID))
	}
	return err
}

// EffectiveRoles resolves a principal's roles at now without the cache
func (s *Service) EffectiveRoles(ctx context.Context, p Principal, now time.Time) (*EffectiveRoles, error) {
	if now.IsZero() {
		now = s.now()
	}
	return NewResolver(s.repo).EffectiveRolesFor(ctx, p, now)
}

// PruneStaleGrants deletes grants that can never become effective again
func (s *Service) PruneStaleGrants(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.now().Add(-retention)
	n, err := s.repo.DeleteStaleUserRoles(ctx, cutoff)
	s.record(ctx, audit.EventTypeGrantSweep, "user_role", "", err, map[string]interface{}{
		"cutoff":  cutoff,
		"removed": n,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale grants: %w", err)
	}
	s.metrics.RecordGrantsSwept(n)
	if n > 0 {
		s.purge(ctx)
	}
	return n, nil
}

// IsNotFound reports whether err means a referenced entity is missing
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPrincipalNotFound)
}
