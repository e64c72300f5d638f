package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect selects driver-specific behaviour of SQLStore
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// SQLStore persists RBAC data in PostgreSQL or SQLite
type SQLStore struct {
	sqlReader
	db *sql.DB
}

var (
	_ Repository  = (*SQLStore)(nil)
	_ Snapshotter = (*SQLStore)(nil)
)

// NewSQLStore creates a store over db. Run RunMigrations first.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{sqlReader: sqlReader{q: db, dialect: dialect}, db: db}
}

// DB returns the underlying connection pool
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Snapshot opens a read-only transaction; every read through the returned
// Reader sees the same committed state. SQLite transactions are already
// serializable and take no options.
func (s *SQLStore) Snapshot(ctx context.Context) (Reader, func(), error) {
	var opts *sql.TxOptions
	if s.dialect == DialectPostgres {
		opts = &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	var once sync.Once
	release := func() {
		once.Do(func() { _ = tx.Rollback() })
	}
	return &sqlReader{q: tx, dialect: s.dialect}, release, nil
}

// mapError turns unique violations of either driver into ErrConflict
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%s: %w", pqErr.Constraint, ErrConflict)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) &&
		(liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%s: %w", liteErr.Error(), ErrConflict)
	}
	return err
}

// isForeignKeyViolation reports a write rejected because a row still
// references, or would reference, a missing row
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	var liteErr sqlite3.Error
	return errors.As(err, &liteErr) && liteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// inClause renders ($start, $start+1, ...) for ids
func inClause(start int, ids []uuid.UUID) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", start+i)
		args[i] = id
	}
	return "(" + strings.Join(placeholders, ", ") + ")", args
}

func nullUUID(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func expectOne(res sql.Result, what string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// sqlReader implements Reader over a connection pool or a transaction
type sqlReader struct {
	q       querier
	dialect Dialect
}

const roleColumns = `id, name, description, type, parent_role_id, priority, organization_id, is_active, is_default, created_at, updated_at`

func scanRole(row rowScanner) (*Role, error) {
	var r Role
	var parentID, orgID uuid.NullUUID
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Type, &parentID, &r.Priority, &orgID,
		&r.IsActive, &r.IsDefault, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.ParentRoleID = nullUUID(parentID)
	r.OrganizationID = nullUUID(orgID)
	return &r, nil
}

func collectRoles(rows *sql.Rows) ([]Role, error) {
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *r)
	}
	return roles, rows.Err()
}

// GetRole retrieves a role by ID
func (s *sqlReader) GetRole(ctx context.Context, id uuid.UUID) (*Role, error) {
	role, err := scanRole(s.q.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM role WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("role %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles returns system-wide roles plus those of the organization
func (s *sqlReader) ListRoles(ctx context.Context, organizationID *uuid.UUID) ([]Role, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+roleColumns+` FROM role
		WHERE organization_id IS NULL OR organization_id = $1
		ORDER BY priority DESC, name
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return collectRoles(rows)
}

const userRoleColumns = `id, user_id, role_id, is_temporary, expires_at, granted_by, approval_status, approval_reason, granted_at`

func scanUserRole(row rowScanner) (*UserRole, error) {
	var ur UserRole
	var expiresAt sql.NullTime
	if err := row.Scan(&ur.ID, &ur.UserID, &ur.RoleID, &ur.IsTemporary, &expiresAt, &ur.GrantedBy,
		&ur.ApprovalStatus, &ur.ApprovalReason, &ur.GrantedAt); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		ur.ExpiresAt = &t
	}
	return &ur, nil
}

// ListUserRoles returns every grant of the user
func (s *sqlReader) ListUserRoles(ctx context.Context, userID uuid.UUID) ([]UserRole, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+userRoleColumns+` FROM user_role WHERE user_id = $1 ORDER BY granted_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user roles: %w", err)
	}
	defer rows.Close()

	var out []UserRole
	for rows.Next() {
		ur, err := scanUserRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user role: %w", err)
		}
		out = append(out, *ur)
	}
	return out, rows.Err()
}

// ListGroupRoles returns every grant held by any of the groups
func (s *sqlReader) ListGroupRoles(ctx context.Context, groupIDs []uuid.UUID) ([]GroupRole, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(1, groupIDs)
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, group_id, role_id, granted_by, granted_at FROM group_role
		WHERE group_id IN `+in+` ORDER BY granted_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list group roles: %w", err)
	}
	defer rows.Close()

	var out []GroupRole
	for rows.Next() {
		var gr GroupRole
		if err := rows.Scan(&gr.ID, &gr.GroupID, &gr.RoleID, &gr.GrantedBy, &gr.GrantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan group role: %w", err)
		}
		out = append(out, gr)
	}
	return out, rows.Err()
}

const roleResourceColumns = `id, role_id, resource_type, resource_id, allowed_actions, created_at`

func scanRoleResource(row rowScanner) (*RoleResource, error) {
	var rr RoleResource
	var actions string
	if err := row.Scan(&rr.ID, &rr.RoleID, &rr.ResourceType, &rr.ResourceID, &actions, &rr.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(actions), &rr.AllowedActions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed actions: %w", err)
	}
	return &rr, nil
}

func collectRoleResources(rows *sql.Rows) ([]RoleResource, error) {
	defer rows.Close()
	var out []RoleResource
	for rows.Next() {
		rr, err := scanRoleResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role resource: %w", err)
		}
		out = append(out, *rr)
	}
	return out, rows.Err()
}

// ListRoleResources returns the grants of the roles on one resource instance
func (s *sqlReader) ListRoleResources(ctx context.Context, roleIDs []uuid.UUID, resourceType, resourceID string) ([]RoleResource, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(3, roleIDs)
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+roleResourceColumns+` FROM role_resource
		WHERE resource_type = $1 AND resource_id = $2 AND role_id IN `+in+`
		ORDER BY created_at`,
		append([]interface{}{resourceType, resourceID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list role resources: %w", err)
	}
	return collectRoleResources(rows)
}

const policyColumns = `p.id, p.name, p.description, p.is_template, p.permissions, p.conditions, p.organization_id, p.created_by, p.is_active, p.created_at, p.updated_at`

func scanPolicy(row rowScanner, extra ...interface{}) (*RbacPolicy, error) {
	var p RbacPolicy
	var permissions, conditions string
	var orgID uuid.NullUUID
	dest := append(extra, &p.ID, &p.Name, &p.Description, &p.IsTemplate, &permissions, &conditions,
		&orgID, &p.CreatedBy, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(permissions), &p.Permissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	if err := json.Unmarshal([]byte(conditions), &p.Conditions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conditions: %w", err)
	}
	p.OrganizationID = nullUUID(orgID)
	return &p, nil
}

// GetPolicy retrieves a policy by ID
func (s *sqlReader) GetPolicy(ctx context.Context, id uuid.UUID) (*RbacPolicy, error) {
	p, err := scanPolicy(s.q.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM rbac_policy p WHERE p.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return p, nil
}

// ListBoundPolicies returns the policies attached to any of the roles
func (s *sqlReader) ListBoundPolicies(ctx context.Context, roleIDs []uuid.UUID) ([]BoundPolicy, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(1, roleIDs)
	rows, err := s.q.QueryContext(ctx, `
		SELECT rp.role_id, `+policyColumns+`
		FROM role_policy rp
		JOIN rbac_policy p ON p.id = rp.policy_id
		WHERE rp.role_id IN `+in+`
		ORDER BY p.name`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bound policies: %w", err)
	}
	defer rows.Close()

	var out []BoundPolicy
	for rows.Next() {
		var roleID uuid.UUID
		p, err := scanPolicy(rows, &roleID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		out = append(out, BoundPolicy{RoleID: roleID, Policy: *p})
	}
	return out, rows.Err()
}

// UserExists reports whether the user is registered
func (s *sqlReader) UserExists(ctx context.Context, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM app_user WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up user: %w", err)
	}
	return exists, nil
}

// GroupExists reports whether the group is registered
func (s *sqlReader) GroupExists(ctx context.Context, groupID uuid.UUID) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM user_group WHERE id = $1)`, groupID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up group: %w", err)
	}
	return exists, nil
}

// GroupsForUser returns the groups the user belongs to
func (s *sqlReader) GroupsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT group_id FROM user_group_member WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan group id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Roles

// CreateRole creates a new role
func (s *SQLStore) CreateRole(ctx context.Context, role *Role) error {
	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role (`+roleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, role.ID, role.Name, role.Description, role.Type, role.ParentRoleID, role.Priority, role.OrganizationID,
		role.IsActive, role.IsDefault, now, now)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", mapError(err))
	}
	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// GetRoleByName prefers an organization-specific role over a system-wide one
func (s *SQLStore) GetRoleByName(ctx context.Context, name string, organizationID *uuid.UUID) (*Role, error) {
	role, err := scanRole(s.db.QueryRowContext(ctx, `
		SELECT `+roleColumns+` FROM role
		WHERE name = $1 AND (organization_id IS NULL OR organization_id = $2)
		ORDER BY CASE WHEN organization_id IS NULL THEN 1 ELSE 0 END
		LIMIT 1
	`, name, organizationID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("role %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// UpdateRole replaces a role's mutable fields
func (s *SQLStore) UpdateRole(ctx context.Context, role *Role) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE role SET name = $1, description = $2, type = $3, parent_role_id = $4, priority = $5,
			organization_id = $6, is_active = $7, is_default = $8, updated_at = $9
		WHERE id = $10
	`, role.Name, role.Description, role.Type, role.ParentRoleID, role.Priority,
		role.OrganizationID, role.IsActive, role.IsDefault, now, role.ID)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", mapError(err))
	}
	if err := expectOne(res, "role", role.ID); err != nil {
		return err
	}
	role.UpdatedAt = now
	return nil
}

// DeleteRole removes a role
func (s *SQLStore) DeleteRole(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM role WHERE id = $1`, id)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("role %s gained a reference: %w", id, ErrRoleInUse)
	}
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return expectOne(res, "role", id)
}

// RoleReferences counts grants, bindings and child roles pointing at the role
func (s *SQLStore) RoleReferences(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM user_role WHERE role_id = $1) +
			(SELECT COUNT(*) FROM group_role WHERE role_id = $1) +
			(SELECT COUNT(*) FROM role_resource WHERE role_id = $1) +
			(SELECT COUNT(*) FROM role_policy WHERE role_id = $1) +
			(SELECT COUNT(*) FROM role WHERE parent_role_id = $1)
	`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count role references: %w", err)
	}
	return n, nil
}

// User grants

// CreateUserRole stores a user grant
func (s *SQLStore) CreateUserRole(ctx context.Context, ur *UserRole) error {
	if _, err := s.GetRole(ctx, ur.RoleID); err != nil {
		return err
	}
	if ur.ID == uuid.Nil {
		ur.ID = uuid.New()
	}
	if ur.GrantedAt.IsZero() {
		ur.GrantedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_role (`+userRoleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ur.ID, ur.UserID, ur.RoleID, ur.IsTemporary, utcPtr(ur.ExpiresAt), ur.GrantedBy,
		ur.ApprovalStatus, ur.ApprovalReason, utc(ur.GrantedAt))
	if err != nil {
		return fmt.Errorf("failed to create user role: %w", mapError(err))
	}
	return nil
}

// GetUserRole returns a user grant by ID
func (s *SQLStore) GetUserRole(ctx context.Context, id uuid.UUID) (*UserRole, error) {
	ur, err := scanUserRole(s.db.QueryRowContext(ctx, `SELECT `+userRoleColumns+` FROM user_role WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user role %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user role: %w", err)
	}
	return ur, nil
}

// UpdateUserRoleApproval moves a pending grant. The status guard in the
// WHERE clause makes concurrent approve and reject race safely.
func (s *SQLStore) UpdateUserRoleApproval(ctx context.Context, id uuid.UUID, status ApprovalStatus, reason string) error {
	if err := ValidateTransition(ApprovalPending, status); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_role SET approval_status = $1, approval_reason = $2
		WHERE id = $3 AND approval_status = $4
	`, status, reason, id, ApprovalPending)
	if err != nil {
		return fmt.Errorf("failed to update approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	current, err := s.GetUserRole(ctx, id)
	if err != nil {
		return err
	}
	return ValidateTransition(current.ApprovalStatus, status)
}

// DeleteUserRole removes a user grant
func (s *SQLStore) DeleteUserRole(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_role WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user role: %w", err)
	}
	return expectOne(res, "user role", id)
}

// DeleteStaleUserRoles prunes long-expired and long-rejected grants
func (s *SQLStore) DeleteStaleUserRoles(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_role
		WHERE (is_temporary = $1 AND expires_at < $2)
			OR (approval_status = $3 AND granted_at < $2)
	`, true, cutoff.UTC(), ApprovalRejected)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale user roles: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Group grants

// CreateGroupRole stores a group grant
func (s *SQLStore) CreateGroupRole(ctx context.Context, gr *GroupRole) error {
	if _, err := s.GetRole(ctx, gr.RoleID); err != nil {
		return err
	}
	exists, err := s.GroupExists(ctx, gr.GroupID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("group %s: %w", gr.GroupID, ErrNotFound)
	}
	if gr.ID == uuid.Nil {
		gr.ID = uuid.New()
	}
	if gr.GrantedAt.IsZero() {
		gr.GrantedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO group_role (id, group_id, role_id, granted_by, granted_at)
		VALUES ($1, $2, $3, $4, $5)
	`, gr.ID, gr.GroupID, gr.RoleID, gr.GrantedBy, utc(gr.GrantedAt))
	if err != nil {
		return fmt.Errorf("failed to create group role: %w", mapError(err))
	}
	return nil
}

// DeleteGroupRole removes a group grant
func (s *SQLStore) DeleteGroupRole(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM group_role WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete group role: %w", err)
	}
	return expectOne(res, "group role", id)
}

// Resource grants

// CreateRoleResource stores a resource grant
func (s *SQLStore) CreateRoleResource(ctx context.Context, rr *RoleResource) error {
	if _, err := s.GetRole(ctx, rr.RoleID); err != nil {
		return err
	}
	actions, err := json.Marshal(rr.AllowedActions)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed actions: %w", err)
	}
	if rr.ID == uuid.Nil {
		rr.ID = uuid.New()
	}
	rr.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO role_resource (`+roleResourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rr.ID, rr.RoleID, rr.ResourceType, rr.ResourceID, string(actions), rr.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create role resource: %w", mapError(err))
	}
	return nil
}

// ListRoleResourcesByRole returns every resource grant of a role
func (s *SQLStore) ListRoleResourcesByRole(ctx context.Context, roleID uuid.UUID) ([]RoleResource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roleResourceColumns+` FROM role_resource
		WHERE role_id = $1 ORDER BY resource_type, resource_id`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role resources: %w", err)
	}
	return collectRoleResources(rows)
}

// DeleteRoleResource removes a resource grant
func (s *SQLStore) DeleteRoleResource(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM role_resource WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete role resource: %w", err)
	}
	return expectOne(res, "role resource", id)
}

// Policies

func marshalPolicy(p *RbacPolicy) (string, string, error) {
	permissions := p.Permissions
	if permissions == nil {
		permissions = []PolicyPermissionDef{}
	}
	perms, err := json.Marshal(permissions)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal permissions: %w", err)
	}
	conds, err := json.Marshal(p.Conditions)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal conditions: %w", err)
	}
	return string(perms), string(conds), nil
}

// CreatePolicy stores a policy
func (s *SQLStore) CreatePolicy(ctx context.Context, p *RbacPolicy) error {
	perms, conds, err := marshalPolicy(p)
	if err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rbac_policy (id, name, description, is_template, permissions, conditions,
			organization_id, created_by, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.Name, p.Description, p.IsTemplate, perms, conds,
		p.OrganizationID, p.CreatedBy, p.IsActive, now, now)
	if err != nil {
		return fmt.Errorf("failed to create policy: %w", mapError(err))
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// UpdatePolicy replaces a policy's mutable fields
func (s *SQLStore) UpdatePolicy(ctx context.Context, p *RbacPolicy) error {
	perms, conds, err := marshalPolicy(p)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE rbac_policy SET name = $1, description = $2, is_template = $3, permissions = $4,
			conditions = $5, organization_id = $6, is_active = $7, updated_at = $8
		WHERE id = $9
	`, p.Name, p.Description, p.IsTemplate, perms, conds, p.OrganizationID, p.IsActive, now, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", mapError(err))
	}
	if err := expectOne(res, "policy", p.ID); err != nil {
		return err
	}
	p.UpdatedAt = now
	return nil
}

// GetPolicyByName prefers an organization-specific policy over a system-wide one
func (s *SQLStore) GetPolicyByName(ctx context.Context, name string, organizationID *uuid.UUID) (*RbacPolicy, error) {
	p, err := scanPolicy(s.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+` FROM rbac_policy p
		WHERE p.name = $1 AND (p.organization_id IS NULL OR p.organization_id = $2)
		ORDER BY CASE WHEN p.organization_id IS NULL THEN 1 ELSE 0 END
		LIMIT 1
	`, name, organizationID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("policy %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return p, nil
}

// DeletePolicy removes a policy and its role bindings
func (s *SQLStore) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM role_policy WHERE policy_id = $1`, id); err != nil {
		return fmt.Errorf("failed to detach policy: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM rbac_policy WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if err := expectOne(res, "policy", id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListPolicies returns binding policies or templates visible in the organization
func (s *SQLStore) ListPolicies(ctx context.Context, organizationID *uuid.UUID, templates bool) ([]RbacPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+` FROM rbac_policy p
		WHERE p.is_template = $1 AND (p.organization_id IS NULL OR p.organization_id = $2)
		ORDER BY p.name
	`, templates, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var out []RbacPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// AttachPolicy binds a policy to a role
func (s *SQLStore) AttachPolicy(ctx context.Context, rp *RolePolicy) error {
	if _, err := s.GetRole(ctx, rp.RoleID); err != nil {
		return err
	}
	if _, err := s.GetPolicy(ctx, rp.PolicyID); err != nil {
		return err
	}
	if rp.AttachedAt.IsZero() {
		rp.AttachedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_policy (role_id, policy_id, attached_by, attached_at)
		VALUES ($1, $2, $3, $4)
	`, rp.RoleID, rp.PolicyID, rp.AttachedBy, utc(rp.AttachedAt))
	if err != nil {
		return fmt.Errorf("failed to attach policy: %w", mapError(err))
	}
	return nil
}

// DetachPolicy unbinds a policy from a role
func (s *SQLStore) DetachPolicy(ctx context.Context, roleID, policyID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM role_policy WHERE role_id = $1 AND policy_id = $2`, roleID, policyID)
	if err != nil {
		return fmt.Errorf("failed to detach policy: %w", err)
	}
	return expectOne(res, "policy binding", policyID)
}

// Directory

// CreateUser registers a user
func (s *SQLStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_user (id, username, is_active, created_at) VALUES ($1, $2, $3, $4)
	`, u.ID, u.Username, u.IsActive, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", mapError(err))
	}
	return nil
}

// CreateGroup registers a group
func (s *SQLStore) CreateGroup(ctx context.Context, g *Group) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	g.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_group (id, name, organization_id, created_at) VALUES ($1, $2, $3, $4)
	`, g.ID, g.Name, g.OrganizationID, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create group: %w", mapError(err))
	}
	return nil
}

// AddGroupMember adds a user to a group
func (s *SQLStore) AddGroupMember(ctx context.Context, groupID, userID uuid.UUID) error {
	exists, err := s.GroupExists(ctx, groupID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	if exists, err = s.UserExists(ctx, userID); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO user_group_member (group_id, user_id) VALUES ($1, $2)`, groupID, userID)
	if err != nil {
		return fmt.Errorf("failed to add group member: %w", mapError(err))
	}
	return nil
}

// RemoveGroupMember removes a user from a group
func (s *SQLStore) RemoveGroupMember(ctx context.Context, groupID, userID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_group_member WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove group member: %w", err)
	}
	return expectOne(res, "group member", userID)
}
