package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MaxHierarchyDepth bounds how many parents GetAncestors will follow
const MaxHierarchyDepth = 64

// Hierarchy walks parent links of roles
type Hierarchy struct {
	roles    RoleReader
	maxDepth int
}

// NewHierarchy creates a hierarchy walker over the role store
func NewHierarchy(roles RoleReader) *Hierarchy {
	return &Hierarchy{roles: roles, maxDepth: MaxHierarchyDepth}
}

// GetRole returns a role by ID
func (h *Hierarchy) GetRole(ctx context.Context, id uuid.UUID) (*Role, error) {
	return h.roles.GetRole(ctx, id)
}

// GetAncestors returns the ancestors of a role, nearest parent first.
// It fails with ErrCycleDetected if a role repeats or the chain is deeper
// than MaxHierarchyDepth, and with ErrNotFound if a link is dangling.
func (h *Hierarchy) GetAncestors(ctx context.Context, roleID uuid.UUID) ([]Role, error) {
	role, err := h.roles.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}

	visited := map[uuid.UUID]bool{role.ID: true}
	var ancestors []Role
	next := role.ParentRoleID
	for next != nil {
		if visited[*next] {
			return nil, fmt.Errorf("role %s revisits %s: %w", roleID, *next, ErrCycleDetected)
		}
		if len(ancestors) >= h.maxDepth {
			return nil, fmt.Errorf("role %s deeper than %d: %w", roleID, h.maxDepth, ErrCycleDetected)
		}
		parent, err := h.roles.GetRole(ctx, *next)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("parent of role %s: %w", roleID, err)
			}
			return nil, err
		}
		visited[parent.ID] = true
		ancestors = append(ancestors, *parent)
		next = parent.ParentRoleID
	}
	return ancestors, nil
}

// ListEffectiveRoles returns the active roles visible in the organization
func (h *Hierarchy) ListEffectiveRoles(ctx context.Context, organizationID *uuid.UUID) ([]Role, error) {
	roles, err := h.roles.ListRoles(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	out := roles[:0:0]
	for _, r := range roles {
		if r.IsActive && r.VisibleIn(organizationID) {
			out = append(out, r)
		}
	}
	return out, nil
}
