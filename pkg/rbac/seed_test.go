package rbac

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/audit"
)

const testSeed = `
roles:
  - name: Reader
    description: read things
    priority: 1
  - name: Writer
    parent: Reader
    priority: 5
policies:
  - name: read-orders
    permissions:
      - resource: orders
        action: read
  - name: office-only
    template: true
    permissions:
      - resource: orders
        action: "*"
    conditions:
      - kind: ip_range
        cidrs: [10.0.0.0/8]
  - name: no-pii
    permissions:
      - resource: orders
        action: "*"
        scope: pii
        deny: true
bindings:
  - role: Reader
    policy: read-orders
  - role: Writer
    policy: no-pii
`

func TestParseSeed(t *testing.T) {
	f, err := ParseSeed([]byte(testSeed))
	require.NoError(t, err)

	require.Len(t, f.Roles, 2)
	assert.Equal(t, "Reader", f.Roles[1].Parent)
	require.Len(t, f.Policies, 3)
	assert.True(t, f.Policies[1].Template)
	assert.True(t, f.Policies[2].Permissions[0].Deny)
	assert.Equal(t, "pii", f.Policies[2].Permissions[0].Scope)

	p, err := f.Policies[1].toPolicy()
	require.NoError(t, err)
	require.Len(t, p.Conditions, 1)
	assert.Equal(t, []string{"10.0.0.0/8"}, p.Conditions[0].IPRange.CIDRs)
	assert.True(t, p.Permissions[0].IsAllow)

	_, err = ParseSeed([]byte("roles: [unterminated"))
	assert.Error(t, err)
}

func TestSeedFile_Validate(t *testing.T) {
	tests := []struct {
		name string
		file SeedFile
		want error
	}{
		{"unnamed role", SeedFile{Roles: []SeedRole{{}}}, ErrInvalidArgument},
		{"duplicate role", SeedFile{Roles: []SeedRole{{Name: "a"}, {Name: "a"}}}, ErrInvalidArgument},
		{"self parent", SeedFile{Roles: []SeedRole{{Name: "a", Parent: "a"}}}, ErrCycleDetected},
		{"unnamed policy", SeedFile{Policies: []SeedPolicy{{}}}, ErrInvalidArgument},
		{"duplicate policy", SeedFile{Policies: []SeedPolicy{{Name: "p"}, {Name: "p"}}}, ErrInvalidArgument},
		{"half binding", SeedFile{Bindings: []SeedBinding{{Role: "a"}}}, ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.file.Validate(), tt.want)
		})
	}
	assert.NoError(t, DefaultSeed().Validate())
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSeed), 0o600))

	f, err := LoadSeedFile(path)
	require.NoError(t, err)
	assert.Len(t, f.Bindings, 2)

	_, err = LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSeeder_ApplyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	seeder := NewSeeder(f.service, nil)

	first, err := seeder.Apply(f.ctx, DefaultSeed())
	require.NoError(t, err)
	assert.Equal(t, len(BuiltInRoles()), first.RolesCreated)
	assert.Equal(t, len(BuiltInPolicyTemplates()), first.PoliciesCreated)
	assert.Equal(t, 6, first.BindingsCreated)

	second, err := seeder.Apply(f.ctx, DefaultSeed())
	require.NoError(t, err)
	assert.Equal(t, SeedResult{}, *second)

	assert.Len(t, f.audit.byType(audit.EventTypeConfigSeedApply), 2)

	admin, err := f.store.GetRoleByName(f.ctx, "Admin", nil)
	require.NoError(t, err)
	assert.Equal(t, RoleTypeSystem, admin.Type)
	ancestors, err := NewHierarchy(f.store).GetAncestors(f.ctx, admin.ID)
	require.NoError(t, err)
	require.Len(t, ancestors, 3)
	assert.Equal(t, "Developer", ancestors[0].Name)
	assert.Equal(t, "Viewer", ancestors[2].Name)

	templates, err := f.service.ListPolicies(f.ctx, nil, true)
	require.NoError(t, err)
	assert.Len(t, templates, 3)
}

func TestSeeder_ApplyUpdatesChangedEntries(t *testing.T) {
	f := newFixture(t)
	seeder := NewSeeder(f.service, nil)
	seed, err := ParseSeed([]byte(testSeed))
	require.NoError(t, err)
	_, err = seeder.Apply(f.ctx, seed)
	require.NoError(t, err)

	seed.Roles[1].Priority = 7
	seed.Policies[0].Permissions = append(seed.Policies[0].Permissions, SeedPermission{Resource: "orders", Action: "export"})
	seed.Bindings = append(seed.Bindings, SeedBinding{Role: "Writer", Policy: "read-orders"})

	result, err := seeder.Apply(f.ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{RolesUpdated: 1, PoliciesUpdated: 1, BindingsCreated: 1}, *result)

	writer, err := f.store.GetRoleByName(f.ctx, "Writer", nil)
	require.NoError(t, err)
	assert.Equal(t, 7, writer.Priority)
}

func TestSeeder_ApplyUnknownBinding(t *testing.T) {
	f := newFixture(t)
	seed := &SeedFile{Bindings: []SeedBinding{{Role: "Ghost", Policy: "nothing"}}}
	_, err := NewSeeder(f.service, nil).Apply(f.ctx, seed)
	assert.ErrorIs(t, err, ErrNotFound)

	events := f.audit.byType(audit.EventTypeConfigSeedApply)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventStatusFailure, events[0].Status)
}

func TestSeeder_BuiltInHierarchy(t *testing.T) {
	f := newFixture(t)
	_, err := NewSeeder(f.service, nil).Apply(f.ctx, DefaultSeed())
	require.NoError(t, err)

	byName := func(name string) *Role {
		r, err := f.store.GetRoleByName(f.ctx, name, nil)
		require.NoError(t, err)
		return r
	}

	analyst := f.user("analyst")
	f.grant(analyst, byName("Analyst"), ApprovalApproved)
	assert.True(t, f.decide(UserPrincipal(analyst), ActionExecute, ResourceQuery, "").Allowed)
	assert.True(t, f.decide(UserPrincipal(analyst), ActionRead, ResourceConnection, "").Allowed, "inherited from Viewer")
	assert.False(t, f.decide(UserPrincipal(analyst), ActionCreate, ResourceConnection, "").Allowed)

	// Auditor outranks Analyst and denies query execution
	f.grant(analyst, byName("Auditor"), ApprovalApproved)
	d := f.decide(UserPrincipal(analyst), ActionExecute, ResourceQuery, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonExplicitDeny, d.Reason)
	assert.True(t, f.decide(UserPrincipal(analyst), ActionRead, ResourceAuditLog, "").Allowed)

	admin := f.user("admin")
	f.grant(admin, byName("Admin"), ApprovalApproved)
	assert.True(t, f.decide(UserPrincipal(admin), ActionDelete, ResourceSettings, "").Allowed)
}

func TestSeeder_Watch(t *testing.T) {
	f := newFixture(t)
	seeder := NewSeeder(f.service, nil)

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles: []\n"), 0o600))

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- seeder.Watch(ctx, path, 10*time.Millisecond) }()

	// the watcher may not be registered yet, so keep rewriting
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(testSeed), 0o600)
		_, err := f.store.GetRoleByName(f.ctx, "Writer", nil)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
