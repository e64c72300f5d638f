package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/audit"
)

// fixedNow is a Wednesday morning
var fixedNow = time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)

// approverID decides pending grants in tests
var approverID = uuid.MustParse("6f1c2a8e-0b7d-4f3e-9a51-2c4d8e7f9b10")

// mockAuditLogger collects audit events
type mockAuditLogger struct {
	mu   sync.Mutex
	logs []*audit.AuditEvent
}

func (m *mockAuditLogger) Log(ctx context.Context, event *audit.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, event)
	return nil
}

func (m *mockAuditLogger) Close() error {
	return nil
}

func (m *mockAuditLogger) byType(eventType audit.EventType) []*audit.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*audit.AuditEvent
	for _, e := range m.logs {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// mockRecorder counts engine measurements
type mockRecorder struct {
	mu              sync.Mutex
	decisions       map[string]int
	hits, misses    map[string]int
	conditionErrors map[string]int
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{
		decisions:       make(map[string]int),
		hits:            make(map[string]int),
		misses:          make(map[string]int),
		conditionErrors: make(map[string]int),
	}
}

func (m *mockRecorder) RecordDecision(ctx context.Context, effect, reason string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[effect+"/"+reason]++
}

func (m *mockRecorder) RecordCacheLookup(ctx context.Context, tier string, hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits[tier]++
	} else {
		m.misses[tier]++
	}
}

func (m *mockRecorder) RecordConditionError(ctx context.Context, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conditionErrors[kind]++
}

// fixture is a memory store, service and engine sharing one clock
type fixture struct {
	t       *testing.T
	ctx     context.Context
	now     time.Time
	store   *MemoryStore
	service *Service
	engine  *Engine
	audit   *mockAuditLogger
}

func newFixture(t *testing.T, opts ...EngineOption) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		now:   fixedNow,
		store: NewMemoryStore(),
		audit: &mockAuditLogger{},
	}
	clock := func() time.Time { return f.now }
	f.store.now = clock
	f.service = NewService(f.store, WithServiceClock(clock), WithServiceAudit(f.audit))
	f.engine = NewEngine(f.store, append([]EngineOption{WithClock(clock)}, opts...)...)
	return f
}

func (f *fixture) role(name string, priority int, parent *Role) *Role {
	f.t.Helper()
	r := &Role{Name: name, Priority: priority, IsActive: true}
	if parent != nil {
		id := parent.ID
		r.ParentRoleID = &id
	}
	require.NoError(f.t, f.service.CreateRole(f.ctx, r))
	return r
}

func (f *fixture) user(name string) uuid.UUID {
	f.t.Helper()
	u := &User{Username: name, IsActive: true}
	require.NoError(f.t, f.service.CreateUser(f.ctx, u))
	return u.ID
}

func (f *fixture) group(name string, members ...uuid.UUID) uuid.UUID {
	f.t.Helper()
	g := &Group{Name: name}
	require.NoError(f.t, f.service.CreateGroup(f.ctx, g))
	for _, m := range members {
		require.NoError(f.t, f.service.AddGroupMember(f.ctx, g.ID, m))
	}
	return g.ID
}

func (f *fixture) grant(userID uuid.UUID, role *Role, status ApprovalStatus) *UserRole {
	f.t.Helper()
	ur := &UserRole{UserID: userID, RoleID: role.ID, ApprovalStatus: status}
	require.NoError(f.t, f.service.GrantUserRole(f.ctx, ur))
	return ur
}

func (f *fixture) grantFor(userID uuid.UUID, role *Role, ttl time.Duration) *UserRole {
	f.t.Helper()
	exp := f.now.Add(ttl)
	ur := &UserRole{
		UserID:         userID,
		RoleID:         role.ID,
		ApprovalStatus: ApprovalApproved,
		IsTemporary:    true,
		ExpiresAt:      &exp,
	}
	require.NoError(f.t, f.service.GrantUserRole(f.ctx, ur))
	return ur
}

func (f *fixture) groupGrant(groupID uuid.UUID, role *Role) *GroupRole {
	f.t.Helper()
	gr := &GroupRole{GroupID: groupID, RoleID: role.ID}
	require.NoError(f.t, f.service.GrantGroupRole(f.ctx, gr))
	return gr
}

// policy creates an active policy and attaches it to role
func (f *fixture) policy(name string, role *Role, conditions Conditions, perms ...PolicyPermissionDef) *RbacPolicy {
	f.t.Helper()
	p := &RbacPolicy{Name: name, Permissions: perms, Conditions: conditions, IsActive: true}
	require.NoError(f.t, f.service.CreatePolicy(f.ctx, p))
	if role != nil {
		require.NoError(f.t, f.service.AttachPolicy(f.ctx, &RolePolicy{RoleID: role.ID, PolicyID: p.ID}))
	}
	return p
}

// storedPolicy writes a policy straight to the store, skipping validation, the
// way a row written by an older release or by hand would look
func (f *fixture) storedPolicy(name string, role *Role, conditions Conditions, perms ...PolicyPermissionDef) *RbacPolicy {
	f.t.Helper()
	p := &RbacPolicy{Name: name, Permissions: perms, Conditions: conditions, IsActive: true}
	require.NoError(f.t, f.store.CreatePolicy(f.ctx, p))
	require.NoError(f.t, f.store.AttachPolicy(f.ctx, &RolePolicy{RoleID: role.ID, PolicyID: p.ID, AttachedAt: f.now}))
	return p
}

func (f *fixture) decide(p Principal, action, resourceType, resourceID string) *Decision {
	f.t.Helper()
	d, err := f.engine.Decide(f.ctx, Request{
		Principal:    p,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	})
	require.NoError(f.t, err)
	require.NotNil(f.t, d)
	return d
}

func allowRule(resource, action string) PolicyPermissionDef {
	return PolicyPermissionDef{Resource: resource, Action: action, IsAllow: true}
}

func denyRule(resource, action string) PolicyPermissionDef {
	return PolicyPermissionDef{Resource: resource, Action: action}
}
