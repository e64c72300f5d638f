package rbac

import (
	"time"

	"github.com/google/uuid"
)

// RoleType distinguishes built-in roles from administrator-defined ones
type RoleType string

const (
	RoleTypeSystem RoleType = "system"
	RoleTypeCustom RoleType = "custom"
)

// Valid reports whether t is a known role type
func (t RoleType) Valid() bool {
	return t == RoleTypeSystem || t == RoleTypeCustom
}

// Role represents a named bundle of authority. Roles form a hierarchy through
// ParentRoleID; holding a role implies holding every ancestor of it.
type Role struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Type           RoleType   `json:"type"`
	ParentRoleID   *uuid.UUID `json:"parent_role_id,omitempty"`
	Priority       int        `json:"priority"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"` // nil for system-wide roles
	IsActive       bool       `json:"is_active"`
	IsDefault      bool       `json:"is_default"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// VisibleIn reports whether the role applies inside the given organization.
// A nil organization only sees system-wide roles.
func (r Role) VisibleIn(organizationID *uuid.UUID) bool {
	return orgMatches(r.OrganizationID, organizationID)
}

// ApprovalStatus is the approval state of a user role grant
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Valid reports whether s is a known approval status
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected:
		return true
	}
	return false
}

// UserRole represents a role granted to an individual user
type UserRole struct {
	ID             uuid.UUID      `json:"id"`
	UserID         uuid.UUID      `json:"user_id"`
	RoleID         uuid.UUID      `json:"role_id"`
	IsTemporary    bool           `json:"is_temporary"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	GrantedBy      uuid.UUID      `json:"granted_by"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	ApprovalReason string         `json:"approval_reason,omitempty"`
	GrantedAt      time.Time      `json:"granted_at"`
}

// EffectiveAt reports whether the grant confers its role at the given instant.
// Only approved grants count, and temporary grants only until they expire.
func (ur UserRole) EffectiveAt(now time.Time) bool {
	if ur.ApprovalStatus != ApprovalApproved {
		return false
	}
	if !ur.IsTemporary {
		return true
	}
	return ur.ExpiresAt != nil && ur.ExpiresAt.After(now)
}

// GroupRole represents a role granted to a group. Group grants have no
// expiry or approval gate: they are effective as soon as they exist.
type GroupRole struct {
	ID        uuid.UUID `json:"id"`
	GroupID   uuid.UUID `json:"group_id"`
	RoleID    uuid.UUID `json:"role_id"`
	GrantedBy uuid.UUID `json:"granted_by"`
	GrantedAt time.Time `json:"granted_at"`
}

// RoleResource narrows a role to concrete resource instances
type RoleResource struct {
	ID             uuid.UUID `json:"id"`
	RoleID         uuid.UUID `json:"role_id"`
	ResourceType   string    `json:"resource_type"`
	ResourceID     string    `json:"resource_id"`
	AllowedActions []string  `json:"allowed_actions"`
	CreatedAt      time.Time `json:"created_at"`
}

// Allows reports whether the grant covers the action
func (rr RoleResource) Allows(action string) bool {
	for _, a := range rr.AllowedActions {
		if a == Wildcard || a == action {
			return true
		}
	}
	return false
}

// Wildcard matches any scope, resource type or action
const Wildcard = "*"

// PolicyPermissionDef is a single allow or deny rule inside a policy
type PolicyPermissionDef struct {
	Scope    string `json:"scope"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	IsAllow  bool   `json:"isAllow"`
}

// Matches reports whether the rule applies to the action on the resource instance.
// An empty or wildcard scope covers every instance of the resource type.
func (p PolicyPermissionDef) Matches(resourceType, resourceID, action string) bool {
	if p.Resource != Wildcard && p.Resource != resourceType {
		return false
	}
	if p.Action != Wildcard && p.Action != action {
		return false
	}
	return p.Scope == "" || p.Scope == Wildcard || p.Scope == resourceID
}

// String returns resource:action[@scope]
func (p PolicyPermissionDef) String() string {
	s := p.Resource + ":" + p.Action
	if p.Scope != "" && p.Scope != Wildcard {
		s += "@" + p.Scope
	}
	return s
}

// RbacPolicy is a named, reusable bundle of allow/deny rules plus conditions
type RbacPolicy struct {
	ID             uuid.UUID             `json:"id"`
	Name           string                `json:"name"`
	Description    string                `json:"description,omitempty"`
	IsTemplate     bool                  `json:"is_template"`
	Permissions    []PolicyPermissionDef `json:"permissions"`
	Conditions     Conditions            `json:"conditions"`
	OrganizationID *uuid.UUID            `json:"organization_id,omitempty"`
	CreatedBy      uuid.UUID             `json:"created_by"`
	IsActive       bool                  `json:"is_active"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// Binding reports whether the policy takes part in decisions
func (p RbacPolicy) Binding() bool {
	return p.IsActive && !p.IsTemplate
}

// RolePolicy attaches a policy to a role
type RolePolicy struct {
	RoleID     uuid.UUID `json:"role_id"`
	PolicyID   uuid.UUID `json:"policy_id"`
	AttachedBy uuid.UUID `json:"attached_by"`
	AttachedAt time.Time `json:"attached_at"`
}

// BoundPolicy is a policy reached through one of its roles
type BoundPolicy struct {
	RoleID uuid.UUID
	Policy RbacPolicy
}

// User is an individual principal
type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Group is a collection of users that can hold roles
type Group struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// PrincipalKind identifies who is being authorized
type PrincipalKind string

const (
	PrincipalUser  PrincipalKind = "user"
	PrincipalGroup PrincipalKind = "group"
)

// Principal is a user or group being evaluated for authorization
type Principal struct {
	Kind PrincipalKind `json:"kind" validate:"required,oneof=user group"`
	ID   uuid.UUID     `json:"id" validate:"required"`
}

// UserPrincipal returns a principal for the user
func UserPrincipal(id uuid.UUID) Principal {
	return Principal{Kind: PrincipalUser, ID: id}
}

// GroupPrincipal returns a principal for the group
func GroupPrincipal(id uuid.UUID) Principal {
	return Principal{Kind: PrincipalGroup, ID: id}
}

// String returns kind:id
func (p Principal) String() string {
	return string(p.Kind) + ":" + p.ID.String()
}

// orgMatches implements organization visibility: an owner of nil is system-wide
func orgMatches(owner, requested *uuid.UUID) bool {
	if owner == nil {
		return true
	}
	return requested != nil && *owner == *requested
}
