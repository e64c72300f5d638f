package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type rolePolicyKey struct {
	roleID   uuid.UUID
	policyID uuid.UUID
}

// memoryData holds the tables of a MemoryStore. Its methods do no locking.
type memoryData struct {
	roles         map[uuid.UUID]Role
	userRoles     map[uuid.UUID]UserRole
	groupRoles    map[uuid.UUID]GroupRole
	roleResources map[uuid.UUID]RoleResource
	policies      map[uuid.UUID]RbacPolicy
	rolePolicies  map[rolePolicyKey]RolePolicy
	users         map[uuid.UUID]User
	groups        map[uuid.UUID]Group
	members       map[uuid.UUID]map[uuid.UUID]struct{}
}

// MemoryStore is an in-process Repository. It is safe for concurrent use and
// implements Snapshotter by holding its read lock for the life of a snapshot.
type MemoryStore struct {
	mu   sync.RWMutex
	data *memoryData
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: &memoryData{
			roles:         make(map[uuid.UUID]Role),
			userRoles:     make(map[uuid.UUID]UserRole),
			groupRoles:    make(map[uuid.UUID]GroupRole),
			roleResources: make(map[uuid.UUID]RoleResource),
			policies:      make(map[uuid.UUID]RbacPolicy),
			rolePolicies:  make(map[rolePolicyKey]RolePolicy),
			users:         make(map[uuid.UUID]User),
			groups:        make(map[uuid.UUID]Group),
			members:       make(map[uuid.UUID]map[uuid.UUID]struct{}),
		},
		now: time.Now,
	}
}

// Snapshot returns a read-only view that sees no writes until release is called
func (s *MemoryStore) Snapshot(ctx context.Context) (Reader, func(), error) {
	s.mu.RLock()
	var once sync.Once
	return memoryView{s.data}, func() { once.Do(s.mu.RUnlock) }, nil
}

// memoryView serves reads from a locked snapshot
type memoryView struct {
	d *memoryData
}

func (v memoryView) GetRole(ctx context.Context, id uuid.UUID) (*Role, error) {
	return v.d.getRole(id)
}

func (v memoryView) ListRoles(ctx context.Context, organizationID *uuid.UUID) ([]Role, error) {
	return v.d.listRoles(organizationID), nil
}

func (v memoryView) ListUserRoles(ctx context.Context, userID uuid.UUID) ([]UserRole, error) {
	return v.d.listUserRoles(userID), nil
}

func (v memoryView) ListGroupRoles(ctx context.Context, groupIDs []uuid.UUID) ([]GroupRole, error) {
	return v.d.listGroupRoles(groupIDs), nil
}

func (v memoryView) ListRoleResources(ctx context.Context, roleIDs []uuid.UUID, resourceType, resourceID string) ([]RoleResource, error) {
	return v.d.listRoleResources(roleIDs, resourceType, resourceID), nil
}

func (v memoryView) GetPolicy(ctx context.Context, id uuid.UUID) (*RbacPolicy, error) {
	return v.d.getPolicy(id)
}

func (v memoryView) ListBoundPolicies(ctx context.Context, roleIDs []uuid.UUID) ([]BoundPolicy, error) {
	return v.d.listBoundPolicies(roleIDs), nil
}

func (v memoryView) UserExists(ctx context.Context, userID uuid.UUID) (bool, error) {
	_, ok := v.d.users[userID]
	return ok, nil
}

func (v memoryView) GroupExists(ctx context.Context, groupID uuid.UUID) (bool, error) {
	_, ok := v.d.groups[groupID]
	return ok, nil
}

func (v memoryView) GroupsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return v.d.groupsForUser(userID), nil
}

// Reads

// GetRole returns a role by ID
func (s *MemoryStore) GetRole(ctx context.Context, id uuid.UUID) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getRole(id)
}

// ListRoles lists roles visible in the organization
func (s *MemoryStore) ListRoles(ctx context.Context, organizationID *uuid.UUID) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listRoles(organizationID), nil
}

// ListUserRoles lists every grant of a user
func (s *MemoryStore) ListUserRoles(ctx context.Context, userID uuid.UUID) ([]UserRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listUserRoles(userID), nil
}

// ListGroupRoles lists the grants held by the groups
func (s *MemoryStore) ListGroupRoles(ctx context.Context, groupIDs []uuid.UUID) ([]GroupRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listGroupRoles(groupIDs), nil
}

// ListRoleResources lists resource grants of the roles on one resource
func (s *MemoryStore) ListRoleResources(ctx context.Context, roleIDs []uuid.UUID, resourceType, resourceID string) ([]RoleResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listRoleResources(roleIDs, resourceType, resourceID), nil
}

// GetPolicy returns a policy by ID
func (s *MemoryStore) GetPolicy(ctx context.Context, id uuid.UUID) (*RbacPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getPolicy(id)
}

// ListBoundPolicies lists the policies attached to the roles
func (s *MemoryStore) ListBoundPolicies(ctx context.Context, roleIDs []uuid.UUID) ([]BoundPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listBoundPolicies(roleIDs), nil
}

// UserExists reports whether the user is known
func (s *MemoryStore) UserExists(ctx context.Context, userID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data.users[userID]
	return ok, nil
}

// GroupExists reports whether the group is known
func (s *MemoryStore) GroupExists(ctx context.Context, groupID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data.groups[groupID]
	return ok, nil
}

// GroupsForUser lists the groups the user belongs to
func (s *MemoryStore) GroupsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.groupsForUser(userID), nil
}

// Writes

// CreateRole stores a new role, assigning an ID if none is set
func (s *MemoryStore) CreateRole(ctx context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.roles {
		if existing.Name == role.Name && sameID(existing.OrganizationID, role.OrganizationID) {
			return fmt.Errorf("role %q: %w", role.Name, ErrConflict)
		}
	}
	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	now := s.now()
	role.CreatedAt = now
	role.UpdatedAt = now
	s.data.roles[role.ID] = *role
	return nil
}

// GetRoleByName prefers an organization-specific role over a system-wide one
func (s *MemoryStore) GetRoleByName(ctx context.Context, name string, organizationID *uuid.UUID) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *Role
	for _, r := range s.data.roles {
		if r.Name != name || !r.VisibleIn(organizationID) {
			continue
		}
		r := r
		if found == nil || (found.OrganizationID == nil && r.OrganizationID != nil) {
			found = &r
		}
	}
	if found == nil {
		return nil, fmt.Errorf("role %q: %w", name, ErrNotFound)
	}
	return found, nil
}

// UpdateRole replaces a role's mutable fields
func (s *MemoryStore) UpdateRole(ctx context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data.roles[role.ID]
	if !ok {
		return fmt.Errorf("role %s: %w", role.ID, ErrNotFound)
	}
	role.CreatedAt = existing.CreatedAt
	role.UpdatedAt = s.now()
	s.data.roles[role.ID] = *role
	return nil
}

// DeleteRole removes a role
func (s *MemoryStore) DeleteRole(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.roles[id]; !ok {
		return fmt.Errorf("role %s: %w", id, ErrNotFound)
	}
	delete(s.data.roles, id)
	return nil
}

// RoleReferences counts everything that points at the role
func (s *MemoryStore) RoleReferences(ctx context.Context, id uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, ur := range s.data.userRoles {
		if ur.RoleID == id {
			n++
		}
	}
	for _, gr := range s.data.groupRoles {
		if gr.RoleID == id {
			n++
		}
	}
	for _, rr := range s.data.roleResources {
		if rr.RoleID == id {
			n++
		}
	}
	for key := range s.data.rolePolicies {
		if key.roleID == id {
			n++
		}
	}
	for _, r := range s.data.roles {
		if r.ParentRoleID != nil && *r.ParentRoleID == id {
			n++
		}
	}
	return n, nil
}

// CreateUserRole stores a user grant
func (s *MemoryStore) CreateUserRole(ctx context.Context, ur *UserRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.roles[ur.RoleID]; !ok {
		return fmt.Errorf("role %s: %w", ur.RoleID, ErrNotFound)
	}
	if ur.ID == uuid.Nil {
		ur.ID = uuid.New()
	}
	if ur.GrantedAt.IsZero() {
		ur.GrantedAt = s.now()
	}
	s.data.userRoles[ur.ID] = *ur
	return nil
}

// GetUserRole returns a user grant by ID
func (s *MemoryStore) GetUserRole(ctx context.Context, id uuid.UUID) (*UserRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ur, ok := s.data.userRoles[id]
	if !ok {
		return nil, fmt.Errorf("user role %s: %w", id, ErrNotFound)
	}
	return &ur, nil
}

// UpdateUserRoleApproval moves a pending grant to approved or rejected
func (s *MemoryStore) UpdateUserRoleApproval(ctx context.Context, id uuid.UUID, status ApprovalStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ur, ok := s.data.userRoles[id]
	if !ok {
		return fmt.Errorf("user role %s: %w", id, ErrNotFound)
	}
	if err := ValidateTransition(ur.ApprovalStatus, status); err != nil {
		return err
	}
	ur.ApprovalStatus = status
	ur.ApprovalReason = reason
	s.data.userRoles[id] = ur
	return nil
}

// DeleteUserRole removes a user grant
func (s *MemoryStore) DeleteUserRole(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.userRoles[id]; !ok {
		return fmt.Errorf("user role %s: %w", id, ErrNotFound)
	}
	delete(s.data.userRoles, id)
	return nil
}

// DeleteStaleUserRoles prunes long-expired and long-rejected grants
func (s *MemoryStore) DeleteStaleUserRoles(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, ur := range s.data.userRoles {
		if isStale(ur, cutoff) {
			delete(s.data.userRoles, id)
			n++
		}
	}
	return n, nil
}

func isStale(ur UserRole, cutoff time.Time) bool {
	if ur.IsTemporary && ur.ExpiresAt != nil && ur.ExpiresAt.Before(cutoff) {
		return true
	}
	return ur.ApprovalStatus == ApprovalRejected && ur.GrantedAt.Before(cutoff)
}

// CreateGroupRole stores a group grant
func (s *MemoryStore) CreateGroupRole(ctx context.Context, gr *GroupRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.roles[gr.RoleID]; !ok {
		return fmt.Errorf("role %s: %w", gr.RoleID, ErrNotFound)
	}
	if _, ok := s.data.groups[gr.GroupID]; !ok {
		return fmt.Errorf("group %s: %w", gr.GroupID, ErrNotFound)
	}
	for _, existing := range s.data.groupRoles {
		if existing.GroupID == gr.GroupID && existing.RoleID == gr.RoleID {
			return fmt.Errorf("group role: %w", ErrConflict)
		}
	}
	if gr.ID == uuid.Nil {
		gr.ID = uuid.New()
	}
	if gr.GrantedAt.IsZero() {
		gr.GrantedAt = s.now()
	}
	s.data.groupRoles[gr.ID] = *gr
	return nil
}

// DeleteGroupRole removes a group grant
func (s *MemoryStore) DeleteGroupRole(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.groupRoles[id]; !ok {
		return fmt.Errorf("group role %s: %w", id, ErrNotFound)
	}
	delete(s.data.groupRoles, id)
	return nil
}

// CreateRoleResource stores a resource grant
func (s *MemoryStore) CreateRoleResource(ctx context.Context, rr *RoleResource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.roles[rr.RoleID]; !ok {
		return fmt.Errorf("role %s: %w", rr.RoleID, ErrNotFound)
	}
	for _, existing := range s.data.roleResources {
		if existing.RoleID == rr.RoleID && existing.ResourceType == rr.ResourceType && existing.ResourceID == rr.ResourceID {
			return fmt.Errorf("role resource: %w", ErrConflict)
		}
	}
	if rr.ID == uuid.Nil {
		rr.ID = uuid.New()
	}
	rr.CreatedAt = s.now()
	s.data.roleResources[rr.ID] = cloneRoleResource(*rr)
	return nil
}

// ListRoleResourcesByRole lists every resource grant of one role
func (s *MemoryStore) ListRoleResourcesByRole(ctx context.Context, roleID uuid.UUID) ([]RoleResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RoleResource
	for _, rr := range s.data.roleResources {
		if rr.RoleID == roleID {
			out = append(out, cloneRoleResource(rr))
		}
	}
	sortRoleResources(out)
	return out, nil
}

// DeleteRoleResource removes a resource grant
func (s *MemoryStore) DeleteRoleResource(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.roleResources[id]; !ok {
		return fmt.Errorf("role resource %s: %w", id, ErrNotFound)
	}
	delete(s.data.roleResources, id)
	return nil
}

// CreatePolicy stores a policy
func (s *MemoryStore) CreatePolicy(ctx context.Context, p *RbacPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.policies {
		if existing.Name == p.Name && sameID(existing.OrganizationID, p.OrganizationID) {
			return fmt.Errorf("policy %q: %w", p.Name, ErrConflict)
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.data.policies[p.ID] = clonePolicy(*p)
	return nil
}

// UpdatePolicy replaces a policy's mutable fields
func (s *MemoryStore) UpdatePolicy(ctx context.Context, p *RbacPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data.policies[p.ID]
	if !ok {
		return fmt.Errorf("policy %s: %w", p.ID, ErrNotFound)
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now()
	s.data.policies[p.ID] = clonePolicy(*p)
	return nil
}

// GetPolicyByName prefers an organization-specific policy over a system-wide one
func (s *MemoryStore) GetPolicyByName(ctx context.Context, name string, organizationID *uuid.UUID) (*RbacPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *RbacPolicy
	for _, p := range s.data.policies {
		if p.Name != name || !orgMatches(p.OrganizationID, organizationID) {
			continue
		}
		p := clonePolicy(p)
		if found == nil || (found.OrganizationID == nil && p.OrganizationID != nil) {
			found = &p
		}
	}
	if found == nil {
		return nil, fmt.Errorf("policy %q: %w", name, ErrNotFound)
	}
	return found, nil
}

// DeletePolicy removes a policy and its role bindings
func (s *MemoryStore) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.policies[id]; !ok {
		return fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	delete(s.data.policies, id)
	for key := range s.data.rolePolicies {
		if key.policyID == id {
			delete(s.data.rolePolicies, key)
		}
	}
	return nil
}

// ListPolicies lists policies or templates visible in the organization
func (s *MemoryStore) ListPolicies(ctx context.Context, organizationID *uuid.UUID, templates bool) ([]RbacPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RbacPolicy
	for _, p := range s.data.policies {
		if p.IsTemplate == templates && orgMatches(p.OrganizationID, organizationID) {
			out = append(out, clonePolicy(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AttachPolicy binds a policy to a role
func (s *MemoryStore) AttachPolicy(ctx context.Context, rp *RolePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.roles[rp.RoleID]; !ok {
		return fmt.Errorf("role %s: %w", rp.RoleID, ErrNotFound)
	}
	if _, ok := s.data.policies[rp.PolicyID]; !ok {
		return fmt.Errorf("policy %s: %w", rp.PolicyID, ErrNotFound)
	}
	key := rolePolicyKey{rp.RoleID, rp.PolicyID}
	if _, ok := s.data.rolePolicies[key]; ok {
		return fmt.Errorf("role policy: %w", ErrConflict)
	}
	if rp.AttachedAt.IsZero() {
		rp.AttachedAt = s.now()
	}
	s.data.rolePolicies[key] = *rp
	return nil
}

// DetachPolicy removes a policy binding
func (s *MemoryStore) DetachPolicy(ctx context.Context, roleID, policyID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rolePolicyKey{roleID, policyID}
	if _, ok := s.data.rolePolicies[key]; !ok {
		return fmt.Errorf("role policy: %w", ErrNotFound)
	}
	delete(s.data.rolePolicies, key)
	return nil
}

// CreateUser registers a user
func (s *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if _, ok := s.data.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	u.CreatedAt = s.now()
	s.data.users[u.ID] = *u
	return nil
}

// CreateGroup registers a group
func (s *MemoryStore) CreateGroup(ctx context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if _, ok := s.data.groups[g.ID]; ok {
		return fmt.Errorf("group %s: %w", g.ID, ErrConflict)
	}
	g.CreatedAt = s.now()
	s.data.groups[g.ID] = *g
	return nil
}

// AddGroupMember adds a user to a group
func (s *MemoryStore) AddGroupMember(ctx context.Context, groupID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.groups[groupID]; !ok {
		return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	if _, ok := s.data.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	m, ok := s.data.members[groupID]
	if !ok {
		m = make(map[uuid.UUID]struct{})
		s.data.members[groupID] = m
	}
	m[userID] = struct{}{}
	return nil
}

// RemoveGroupMember removes a user from a group
func (s *MemoryStore) RemoveGroupMember(ctx context.Context, groupID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.data.members[groupID]
	if !ok {
		return fmt.Errorf("group member: %w", ErrNotFound)
	}
	if _, ok := m[userID]; !ok {
		return fmt.Errorf("group member: %w", ErrNotFound)
	}
	delete(m, userID)
	return nil
}

// unlocked table reads

func (d *memoryData) getRole(id uuid.UUID) (*Role, error) {
	r, ok := d.roles[id]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (d *memoryData) listRoles(organizationID *uuid.UUID) []Role {
	var out []Role
	for _, r := range d.roles {
		if r.VisibleIn(organizationID) {
			out = append(out, r)
		}
	}
	sortRoles(out)
	return out
}

func (d *memoryData) listUserRoles(userID uuid.UUID) []UserRole {
	var out []UserRole
	for _, ur := range d.userRoles {
		if ur.UserID == userID {
			out = append(out, ur)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.After(out[j].GrantedAt) })
	return out
}

func (d *memoryData) listGroupRoles(groupIDs []uuid.UUID) []GroupRole {
	want := idSet(groupIDs)
	var out []GroupRole
	for _, gr := range d.groupRoles {
		if _, ok := want[gr.GroupID]; ok {
			out = append(out, gr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out
}

func (d *memoryData) listRoleResources(roleIDs []uuid.UUID, resourceType, resourceID string) []RoleResource {
	want := idSet(roleIDs)
	var out []RoleResource
	for _, rr := range d.roleResources {
		if _, ok := want[rr.RoleID]; !ok {
			continue
		}
		if rr.ResourceType == resourceType && rr.ResourceID == resourceID {
			out = append(out, cloneRoleResource(rr))
		}
	}
	sortRoleResources(out)
	return out
}

func (d *memoryData) getPolicy(id uuid.UUID) (*RbacPolicy, error) {
	p, ok := d.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	c := clonePolicy(p)
	return &c, nil
}

func (d *memoryData) listBoundPolicies(roleIDs []uuid.UUID) []BoundPolicy {
	want := idSet(roleIDs)
	var out []BoundPolicy
	for key := range d.rolePolicies {
		if _, ok := want[key.roleID]; !ok {
			continue
		}
		p, ok := d.policies[key.policyID]
		if !ok {
			continue
		}
		out = append(out, BoundPolicy{RoleID: key.roleID, Policy: clonePolicy(p)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Policy.Name != out[j].Policy.Name {
			return out[i].Policy.Name < out[j].Policy.Name
		}
		return out[i].RoleID.String() < out[j].RoleID.String()
	})
	return out
}

func (d *memoryData) groupsForUser(userID uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	for groupID, m := range d.members {
		if _, ok := m[userID]; ok {
			out = append(out, groupID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// helpers

func idSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sameID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sortRoles(roles []Role) {
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Priority != roles[j].Priority {
			return roles[i].Priority > roles[j].Priority
		}
		return roles[i].Name < roles[j].Name
	})
}

func sortRoleResources(rrs []RoleResource) {
	sort.Slice(rrs, func(i, j int) bool {
		if rrs[i].ResourceType != rrs[j].ResourceType {
			return rrs[i].ResourceType < rrs[j].ResourceType
		}
		return rrs[i].ResourceID < rrs[j].ResourceID
	})
}

func cloneRoleResource(rr RoleResource) RoleResource {
	rr.AllowedActions = append([]string(nil), rr.AllowedActions...)
	return rr
}

func clonePolicy(p RbacPolicy) RbacPolicy {
	p.Permissions = append([]PolicyPermissionDef(nil), p.Permissions...)
	p.Conditions = append(Conditions(nil), p.Conditions...)
	return p
}
