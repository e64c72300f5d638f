package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/observability"
)

// Resource types of the database-access platform
const (
	ResourceConnection = "connection"
	ResourceQuery      = "query"
	ResourceNL2SQL     = "nl2sql"
	ResourceAIProvider = "ai_provider"
	ResourceAIModel    = "ai_model"
	ResourceAPIKey     = "api_key"
	ResourceAuditLog   = "audit_log"
	ResourceSettings   = "settings"
	ResourceRBAC       = "rbac"
)

// Actions
const (
	ActionRead    = "read"
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionExecute = "execute"
	ActionManage  = "manage"
	ActionApprove = "approve"
)

// SystemActor is recorded as the creator of seeded policies and bindings
var SystemActor = uuid.Nil

// SeedFile declares system roles, policies and their bindings
type SeedFile struct {
	Roles    []SeedRole    `yaml:"roles"`
	Policies []SeedPolicy  `yaml:"policies"`
	Bindings []SeedBinding `yaml:"bindings"`
}

// SeedRole is a system-wide role. Parent names a role declared earlier in the
// file or already present in the store.
type SeedRole struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Parent      string `yaml:"parent,omitempty"`
	Priority    int    `yaml:"priority"`
	Default     bool   `yaml:"default,omitempty"`
}

// SeedPermission is one allow or deny rule
type SeedPermission struct {
	Resource string `yaml:"resource"`
	Action   string `yaml:"action"`
	Scope    string `yaml:"scope,omitempty"`
	Deny     bool   `yaml:"deny,omitempty"`
}

// SeedPolicy is a system-wide policy or template. Conditions use the same
// shape as the JSON column, e.g. {kind: ip_range, cidrs: [10.0.0.0/8]}.
type SeedPolicy struct {
	Name        string                   `yaml:"name"`
	Description string                   `yaml:"description"`
	Template    bool                     `yaml:"template,omitempty"`
	Permissions []SeedPermission         `yaml:"permissions"`
	Conditions  []map[string]interface{} `yaml:"conditions,omitempty"`
}

// SeedBinding attaches a policy to a role by name
type SeedBinding struct {
	Role   string `yaml:"role"`
	Policy string `yaml:"policy"`
}

// SeedResult counts what an Apply changed
type SeedResult struct {
	RolesCreated    int `json:"roles_created"`
	RolesUpdated    int `json:"roles_updated"`
	PoliciesCreated int `json:"policies_created"`
	PoliciesUpdated int `json:"policies_updated"`
	BindingsCreated int `json:"bindings_created"`
}

// BuiltInRoles returns the default role hierarchy. Each role inherits the
// authority of its parent.
func BuiltInRoles() []SeedRole {
	return []SeedRole{
		{Name: "Viewer", Description: "Read-only access to connections and saved queries", Priority: 1, Default: true},
		{Name: "Analyst", Description: "Run queries and natural language queries", Parent: "Viewer", Priority: 1},
		{Name: "Developer", Description: "Manage connections and AI model usage", Parent: "Analyst", Priority: 5},
		{Name: "Auditor", Description: "Read the audit log; never runs queries", Parent: "Viewer", Priority: 10},
		{Name: "Admin", Description: "Full administrative access", Parent: "Developer", Priority: 100},
	}
}

// BuiltInPolicyTemplates returns the default policies and reusable templates
func BuiltInPolicyTemplates() []SeedPolicy {
	allow := func(resource, action string) SeedPermission {
		return SeedPermission{Resource: resource, Action: action}
	}
	return []SeedPolicy{
		{
			Name:        "viewer-read",
			Description: "Read connections, queries and models",
			Permissions: []SeedPermission{
				allow(ResourceConnection, ActionRead),
				allow(ResourceQuery, ActionRead),
				allow(ResourceAIModel, ActionRead),
			},
		},
		{
			Name:        "analyst-query",
			Description: "Execute SQL and NL2SQL queries",
			Permissions: []SeedPermission{
				allow(ResourceQuery, ActionExecute),
				allow(ResourceQuery, ActionCreate),
				allow(ResourceNL2SQL, ActionExecute),
			},
		},
		{
			Name:        "developer-manage",
			Description: "Manage connections, providers and personal API keys",
			Permissions: []SeedPermission{
				allow(ResourceConnection, Wildcard),
				allow(ResourceAIProvider, ActionRead),
				allow(ResourceAIModel, ActionExecute),
				allow(ResourceAPIKey, ActionCreate),
				allow(ResourceAPIKey, ActionRead),
				allow(ResourceAPIKey, ActionDelete),
			},
		},
		{
			Name:        "auditor-review",
			Description: "Read the audit log; query execution is denied",
			Permissions: []SeedPermission{
				allow(ResourceAuditLog, ActionRead),
				{Resource: ResourceQuery, Action: ActionExecute, Deny: true},
				{Resource: ResourceNL2SQL, Action: ActionExecute, Deny: true},
			},
		},
		{
			Name:        "admin-all",
			Description: "Every action on every resource",
			Permissions: []SeedPermission{allow(Wildcard, Wildcard)},
		},
		{
			Name:        "business-hours",
			Description: "Template: allow query execution on weekdays 08:00-18:00 UTC",
			Template:    true,
			Permissions: []SeedPermission{allow(ResourceQuery, ActionExecute)},
			Conditions: []map[string]interface{}{{
				"kind":     string(ConditionTimeWindow),
				"start":    "08:00",
				"end":      "18:00",
				"timezone": "UTC",
				"weekdays": []interface{}{"mon", "tue", "wed", "thu", "fri"},
			}},
		},
		{
			Name:        "office-network",
			Description: "Template: allow connections only from private networks",
			Template:    true,
			Permissions: []SeedPermission{allow(ResourceConnection, Wildcard)},
			Conditions: []map[string]interface{}{{
				"kind":  string(ConditionIPRange),
				"cidrs": []interface{}{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
			}},
		},
		{
			Name:        "deny-pii-connections",
			Description: "Template: deny every action on the connection named pii",
			Template:    true,
			Permissions: []SeedPermission{{Resource: ResourceConnection, Action: Wildcard, Scope: "pii", Deny: true}},
		},
		{
			Name:        "settings-admin",
			Description: "Manage platform settings and RBAC",
			Permissions: []SeedPermission{
				allow(ResourceSettings, Wildcard),
				allow(ResourceRBAC, Wildcard),
				allow(ResourceAIProvider, Wildcard),
			},
		},
	}
}

// DefaultSeed returns the built-in roles, policies and bindings
func DefaultSeed() *SeedFile {
	return &SeedFile{
		Roles:    BuiltInRoles(),
		Policies: BuiltInPolicyTemplates(),
		Bindings: []SeedBinding{
			{Role: "Viewer", Policy: "viewer-read"},
			{Role: "Analyst", Policy: "analyst-query"},
			{Role: "Developer", Policy: "developer-manage"},
			{Role: "Auditor", Policy: "auditor-review"},
			{Role: "Admin", Policy: "admin-all"},
			{Role: "Admin", Policy: "settings-admin"},
		},
	}
}

// ParseSeed decodes a YAML seed document
func ParseSeed(data []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadSeedFile reads and decodes a YAML seed file
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// Validate checks names are present and unique and that bindings refer to
// declared or pre-existing entries by name only
func (f *SeedFile) Validate() error {
	roles := make(map[string]bool)
	for i, r := range f.Roles {
		if r.Name == "" {
			return fmt.Errorf("seed role %d has no name: %w", i, ErrInvalidArgument)
		}
		if roles[r.Name] {
			return fmt.Errorf("seed role %q declared twice: %w", r.Name, ErrInvalidArgument)
		}
		if r.Parent == r.Name {
			return fmt.Errorf("seed role %q is its own parent: %w", r.Name, ErrCycleDetected)
		}
		roles[r.Name] = true
	}
	policies := make(map[string]bool)
	for i, p := range f.Policies {
		if p.Name == "" {
			return fmt.Errorf("seed policy %d has no name: %w", i, ErrInvalidArgument)
		}
		if policies[p.Name] {
			return fmt.Errorf("seed policy %q declared twice: %w", p.Name, ErrInvalidArgument)
		}
		policies[p.Name] = true
	}
	for i, b := range f.Bindings {
		if b.Role == "" || b.Policy == "" {
			return fmt.Errorf("seed binding %d needs role and policy: %w", i, ErrInvalidArgument)
		}
	}
	return nil
}

func (sp SeedPolicy) toPolicy() (*RbacPolicy, error) {
	p := &RbacPolicy{
		Name:        sp.Name,
		Description: sp.Description,
		IsTemplate:  sp.Template,
		CreatedBy:   SystemActor,
		IsActive:    true,
		Conditions:  Conditions{},
	}
	for _, perm := range sp.Permissions {
		p.Permissions = append(p.Permissions, PolicyPermissionDef{
			Scope:    perm.Scope,
			Resource: perm.Resource,
			Action:   perm.Action,
			IsAllow:  !perm.Deny,
		})
	}
	if len(sp.Conditions) > 0 {
		data, err := json.Marshal(sp.Conditions)
		if err != nil {
			return nil, fmt.Errorf("policy %q: failed to encode conditions: %w", sp.Name, err)
		}
		if err := json.Unmarshal(data, &p.Conditions); err != nil {
			return nil, fmt.Errorf("policy %q: invalid conditions: %w", sp.Name, err)
		}
	}
	return p, nil
}

// Seeder applies seed files through the Service
type Seeder struct {
	service *Service
	logger  *observability.Logger
}

// NewSeeder creates a seeder
func NewSeeder(service *Service, logger *observability.Logger) *Seeder {
	if logger == nil {
		logger = service.logger
	}
	return &Seeder{service: service, logger: logger}
}

// Apply creates or updates every entry by name. Running it twice with the same
// file changes nothing the second time.
func (s *Seeder) Apply(ctx context.Context, f *SeedFile) (*SeedResult, error) {
	result, err := s.apply(ctx, f)
	status := "success"
	if err != nil {
		status = "failure"
	}
	s.service.metrics.RecordSeedApply(status)
	s.service.record(ctx, audit.EventTypeConfigSeedApply, "seed", "", err, map[string]interface{}{
		"roles_created":    result.RolesCreated,
		"roles_updated":    result.RolesUpdated,
		"policies_created": result.PoliciesCreated,
		"policies_updated": result.PoliciesUpdated,
		"bindings_created": result.BindingsCreated,
	})
	return result, err
}

func (s *Seeder) apply(ctx context.Context, f *SeedFile) (*SeedResult, error) {
	result := &SeedResult{}
	if err := f.Validate(); err != nil {
		return result, err
	}
	repo := s.service.repo

	roleIDs := make(map[string]uuid.UUID, len(f.Roles))
	for _, sr := range f.Roles {
		var parentID *uuid.UUID
		if sr.Parent != "" {
			id, ok := roleIDs[sr.Parent]
			if !ok {
				parent, err := repo.GetRoleByName(ctx, sr.Parent, nil)
				if err != nil {
					return result, fmt.Errorf("role %q: parent %q: %w", sr.Name, sr.Parent, err)
				}
				id = parent.ID
			}
			parentID = &id
		}

		existing, err := repo.GetRoleByName(ctx, sr.Name, nil)
		switch {
		case errors.Is(err, ErrNotFound):
			role := &Role{
				Name:         sr.Name,
				Description:  sr.Description,
				Type:         RoleTypeSystem,
				ParentRoleID: parentID,
				Priority:     sr.Priority,
				IsActive:     true,
				IsDefault:    sr.Default,
			}
			if err := s.service.CreateRole(ctx, role); err != nil {
				return result, fmt.Errorf("role %q: %w", sr.Name, err)
			}
			roleIDs[sr.Name] = role.ID
			result.RolesCreated++
		case err != nil:
			return result, fmt.Errorf("role %q: %w", sr.Name, err)
		default:
			roleIDs[sr.Name] = existing.ID
			if existing.OrganizationID != nil {
				return result, fmt.Errorf("role %q belongs to an organization: %w", sr.Name, ErrConflict)
			}
			if existing.Description == sr.Description && existing.Priority == sr.Priority &&
				existing.IsDefault == sr.Default && existing.Type == RoleTypeSystem && existing.IsActive &&
				sameID(existing.ParentRoleID, parentID) {
				continue
			}
			existing.Description = sr.Description
			existing.Priority = sr.Priority
			existing.IsDefault = sr.Default
			existing.Type = RoleTypeSystem
			existing.IsActive = true
			existing.ParentRoleID = parentID
			if err := s.service.UpdateRole(ctx, existing); err != nil {
				return result, fmt.Errorf("role %q: %w", sr.Name, err)
			}
			result.RolesUpdated++
		}
	}

	policyIDs := make(map[string]uuid.UUID, len(f.Policies))
	for _, sp := range f.Policies {
		p, err := sp.toPolicy()
		if err != nil {
			return result, err
		}
		existing, err := repo.GetPolicyByName(ctx, sp.Name, nil)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := s.service.CreatePolicy(ctx, p); err != nil {
				return result, fmt.Errorf("policy %q: %w", sp.Name, err)
			}
			policyIDs[sp.Name] = p.ID
			result.PoliciesCreated++
		case err != nil:
			return result, fmt.Errorf("policy %q: %w", sp.Name, err)
		default:
			policyIDs[sp.Name] = existing.ID
			if samePolicy(existing, p) {
				continue
			}
			p.ID = existing.ID
			p.CreatedBy = existing.CreatedBy
			p.CreatedAt = existing.CreatedAt
			if err := s.service.UpdatePolicy(ctx, p); err != nil {
				return result, fmt.Errorf("policy %q: %w", sp.Name, err)
			}
			result.PoliciesUpdated++
		}
	}

	for _, b := range f.Bindings {
		roleID, ok := roleIDs[b.Role]
		if !ok {
			role, err := repo.GetRoleByName(ctx, b.Role, nil)
			if err != nil {
				return result, fmt.Errorf("binding %s/%s: %w", b.Role, b.Policy, err)
			}
			roleID = role.ID
		}
		policyID, ok := policyIDs[b.Policy]
		if !ok {
			policy, err := repo.GetPolicyByName(ctx, b.Policy, nil)
			if err != nil {
				return result, fmt.Errorf("binding %s/%s: %w", b.Role, b.Policy, err)
			}
			policyID = policy.ID
		}
		err := s.service.AttachPolicy(ctx, &RolePolicy{RoleID: roleID, PolicyID: policyID, AttachedBy: SystemActor})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return result, fmt.Errorf("binding %s/%s: %w", b.Role, b.Policy, err)
		}
		result.BindingsCreated++
	}

	return result, nil
}

func samePolicy(a, b *RbacPolicy) bool {
	if a.Description != b.Description || a.IsTemplate != b.IsTemplate || a.IsActive != b.IsActive {
		return false
	}
	if len(a.Permissions) != len(b.Permissions) {
		return false
	}
	for i := range a.Permissions {
		if a.Permissions[i] != b.Permissions[i] {
			return false
		}
	}
	ac, err1 := json.Marshal(a.Conditions)
	bc, err2 := json.Marshal(b.Conditions)
	return err1 == nil && err2 == nil && string(ac) == string(bc)
}

// Watch re-applies the seed file whenever it is written, until ctx is done.
// Editors that replace the file are handled by watching its directory.
func (s *Seeder) Watch(ctx context.Context, path string, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			s.reload(ctx, abs)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("seed watcher error")
		}
	}
}

func (s *Seeder) reload(ctx context.Context, path string) {
	logger := s.logger.WithField("path", path)
	f, err := LoadSeedFile(path)
	if err != nil {
		s.service.metrics.RecordSeedApply("failure")
		logger.WithError(err).Error("failed to load seed file")
		return
	}
	result, err := s.Apply(ctx, f)
	if err != nil {
		logger.WithError(err).Error("failed to apply seed file")
		return
	}
	logger.WithFields(map[string]interface{}{
		"roles_created":    result.RolesCreated,
		"roles_updated":    result.RolesUpdated,
		"policies_created": result.PoliciesCreated,
		"policies_updated": result.PoliciesUpdated,
		"bindings_created": result.BindingsCreated,
	}).Info("seed file applied")
}
