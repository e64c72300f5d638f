package rbac

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// EffectiveRoles is the set of roles a principal holds at an instant,
// including every active ancestor of a granted role
type EffectiveRoles struct {
	Principal Principal          `json:"principal"`
	Roles     map[uuid.UUID]Role `json:"roles"`

	// ValidUntil is the earliest expiry among the temporary grants that
	// contributed; nil when nothing in the set expires
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// Has reports whether the role is in the set
func (e *EffectiveRoles) Has(roleID uuid.UUID) bool {
	_, ok := e.Roles[roleID]
	return ok
}

// IDs returns the role IDs in a stable order
func (e *EffectiveRoles) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(e.Roles))
	for id := range e.Roles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// List returns the roles ordered by priority, highest first
func (e *EffectiveRoles) List() []Role {
	roles := make([]Role, 0, len(e.Roles))
	for _, r := range e.Roles {
		roles = append(roles, r)
	}
	sortRoles(roles)
	return roles
}

// ExpiredAt reports whether the set can no longer be trusted at now
func (e *EffectiveRoles) ExpiredAt(now time.Time) bool {
	return e.ValidUntil != nil && !now.Before(*e.ValidUntil)
}

// Resolver expands a principal's grants into effective roles
type Resolver struct {
	reader    Reader
	hierarchy *Hierarchy
}

// NewResolver creates a resolver reading from r
func NewResolver(r Reader) *Resolver {
	return &Resolver{reader: r, hierarchy: NewHierarchy(r)}
}

// EffectiveRolesFor computes the roles the principal holds at now.
// Users hold their effective user grants plus the grants of every group they
// belong to. Groups hold only their own grants.
func (r *Resolver) EffectiveRolesFor(ctx context.Context, p Principal, now time.Time) (*EffectiveRoles, error) {
	result := &EffectiveRoles{Principal: p, Roles: make(map[uuid.UUID]Role)}

	var granted []uuid.UUID
	switch p.Kind {
	case PrincipalUser:
		exists, err := r.reader.UserExists(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up user: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("%s: %w", p, ErrPrincipalNotFound)
		}

		userRoles, err := r.reader.ListUserRoles(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list user roles: %w", err)
		}
		for _, ur := range userRoles {
			if !ur.EffectiveAt(now) {
				continue
			}
			granted = append(granted, ur.RoleID)
			if ur.IsTemporary && (result.ValidUntil == nil || ur.ExpiresAt.Before(*result.ValidUntil)) {
				exp := *ur.ExpiresAt
				result.ValidUntil = &exp
			}
		}

		groupIDs, err := r.reader.GroupsForUser(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list groups: %w", err)
		}
		if len(groupIDs) > 0 {
			groupRoles, err := r.reader.ListGroupRoles(ctx, groupIDs)
			if err != nil {
				return nil, fmt.Errorf("failed to list group roles: %w", err)
			}
			for _, gr := range groupRoles {
				granted = append(granted, gr.RoleID)
			}
		}

	case PrincipalGroup:
		exists, err := r.reader.GroupExists(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up group: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("%s: %w", p, ErrPrincipalNotFound)
		}
		groupRoles, err := r.reader.ListGroupRoles(ctx, []uuid.UUID{p.ID})
		if err != nil {
			return nil, fmt.Errorf("failed to list group roles: %w", err)
		}
		for _, gr := range groupRoles {
			granted = append(granted, gr.RoleID)
		}

	default:
		return nil, fmt.Errorf("unknown principal kind %q: %w", p.Kind, ErrPrincipalNotFound)
	}

	for _, roleID := range granted {
		if result.Has(roleID) {
			continue
		}
		if err := r.expand(ctx, roleID, result.Roles); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// expand adds an active granted role and its active ancestors. An inactive
// granted role contributes nothing; an inactive ancestor is skipped but its
// own ancestors still apply.
func (r *Resolver) expand(ctx context.Context, roleID uuid.UUID, into map[uuid.UUID]Role) error {
	role, err := r.hierarchy.GetRole(ctx, roleID)
	if err != nil {
		return fmt.Errorf("granted role %s: %w", roleID, err)
	}
	if !role.IsActive {
		return nil
	}
	into[role.ID] = *role

	ancestors, err := r.hierarchy.GetAncestors(ctx, roleID)
	if err != nil {
		return err
	}
	for _, a := range ancestors {
		if a.IsActive {
			into[a.ID] = a
		}
	}
	return nil
}
