package rbac

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RoleReader reads roles
type RoleReader interface {
	// GetRole returns the role or an error wrapping ErrNotFound
	GetRole(ctx context.Context, id uuid.UUID) (*Role, error)

	// ListRoles returns every role, active or not, visible in the organization
	ListRoles(ctx context.Context, organizationID *uuid.UUID) ([]Role, error)
}

// GrantReader reads user and group role grants
type GrantReader interface {
	// ListUserRoles returns every grant of the user regardless of status or expiry
	ListUserRoles(ctx context.Context, userID uuid.UUID) ([]UserRole, error)

	// ListGroupRoles returns every grant held by any of the groups
	ListGroupRoles(ctx context.Context, groupIDs []uuid.UUID) ([]GroupRole, error)
}

// ResourceGrantReader reads resource-scoped role grants
type ResourceGrantReader interface {
	// ListRoleResources returns the grants of the roles on one resource instance
	ListRoleResources(ctx context.Context, roleIDs []uuid.UUID, resourceType, resourceID string) ([]RoleResource, error)
}

// PolicyReader reads policies
type PolicyReader interface {
	// GetPolicy returns the policy or an error wrapping ErrNotFound
	GetPolicy(ctx context.Context, id uuid.UUID) (*RbacPolicy, error)

	// ListBoundPolicies returns every policy attached to any of the roles,
	// once per attaching role
	ListBoundPolicies(ctx context.Context, roleIDs []uuid.UUID) ([]BoundPolicy, error)
}

// DirectoryReader resolves principals
type DirectoryReader interface {
	UserExists(ctx context.Context, userID uuid.UUID) (bool, error)
	GroupExists(ctx context.Context, groupID uuid.UUID) (bool, error)
	GroupsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// Reader is everything a decision reads
type Reader interface {
	RoleReader
	GrantReader
	ResourceGrantReader
	PolicyReader
	DirectoryReader
}

// Snapshotter is implemented by stores that can serve a decision from a single
// consistent point in time. release must be called once the snapshot is done.
type Snapshotter interface {
	Snapshot(ctx context.Context) (r Reader, release func(), err error)
}

// Writer is the administrative write path
type Writer interface {
	CreateRole(ctx context.Context, role *Role) error
	GetRoleByName(ctx context.Context, name string, organizationID *uuid.UUID) (*Role, error)
	UpdateRole(ctx context.Context, role *Role) error
	DeleteRole(ctx context.Context, id uuid.UUID) error
	// RoleReferences counts grants, bindings and child roles pointing at the role
	RoleReferences(ctx context.Context, id uuid.UUID) (int, error)

	CreateUserRole(ctx context.Context, ur *UserRole) error
	GetUserRole(ctx context.Context, id uuid.UUID) (*UserRole, error)
	// UpdateUserRoleApproval atomically moves a pending grant; other
	// transitions fail with ErrInvalidGrant
	UpdateUserRoleApproval(ctx context.Context, id uuid.UUID, status ApprovalStatus, reason string) error
	DeleteUserRole(ctx context.Context, id uuid.UUID) error
	// DeleteStaleUserRoles removes temporary grants expired before cutoff and
	// rejected grants issued before cutoff
	DeleteStaleUserRoles(ctx context.Context, cutoff time.Time) (int, error)

	CreateGroupRole(ctx context.Context, gr *GroupRole) error
	DeleteGroupRole(ctx context.Context, id uuid.UUID) error

	CreateRoleResource(ctx context.Context, rr *RoleResource) error
	ListRoleResourcesByRole(ctx context.Context, roleID uuid.UUID) ([]RoleResource, error)
	DeleteRoleResource(ctx context.Context, id uuid.UUID) error

	CreatePolicy(ctx context.Context, p *RbacPolicy) error
	UpdatePolicy(ctx context.Context, p *RbacPolicy) error
	GetPolicyByName(ctx context.Context, name string, organizationID *uuid.UUID) (*RbacPolicy, error)
	DeletePolicy(ctx context.Context, id uuid.UUID) error
	ListPolicies(ctx context.Context, organizationID *uuid.UUID, templates bool) ([]RbacPolicy, error)
	AttachPolicy(ctx context.Context, rp *RolePolicy) error
	DetachPolicy(ctx context.Context, roleID, policyID uuid.UUID) error

	CreateUser(ctx context.Context, u *User) error
	CreateGroup(ctx context.Context, g *Group) error
	AddGroupMember(ctx context.Context, groupID, userID uuid.UUID) error
	RemoveGroupMember(ctx context.Context, groupID, userID uuid.UUID) error
}

// Repository is a complete backing store
type Repository interface {
	Reader
	Writer
}
