package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/bastion/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all RBAC migrations. The statements are portable
// between PostgreSQL and SQLite: UUIDs are bound as text, permissions and
// conditions are stored as JSON text.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create role table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role (
					id UUID PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					type VARCHAR(20) NOT NULL,
					parent_role_id UUID REFERENCES role(id),
					priority INTEGER NOT NULL DEFAULT 0,
					organization_id UUID,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_default BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS ux_role_name_org
					ON role(name, COALESCE(organization_id, '00000000-0000-0000-0000-000000000000'));
				CREATE INDEX IF NOT EXISTS idx_role_parent_role_id ON role(parent_role_id);
				CREATE INDEX IF NOT EXISTS idx_role_organization_id ON role(organization_id);
			`,
		},
		{
			Version:     2,
			Description: "Create directory tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS app_user (
					id UUID PRIMARY KEY,
					username VARCHAR(255) NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS user_group (
					id UUID PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					organization_id UUID,
					created_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS user_group_member (
					group_id UUID NOT NULL REFERENCES user_group(id) ON DELETE CASCADE,
					user_id UUID NOT NULL REFERENCES app_user(id) ON DELETE CASCADE,
					PRIMARY KEY (group_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_group_member_user_id ON user_group_member(user_id);
			`,
		},
		{
			Version:     3,
			Description: "Create user_role and group_role tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_role (
					id UUID PRIMARY KEY,
					user_id UUID NOT NULL REFERENCES app_user(id) ON DELETE CASCADE,
					role_id UUID NOT NULL REFERENCES role(id),
					is_temporary BOOLEAN NOT NULL DEFAULT FALSE,
					expires_at TIMESTAMP,
					granted_by UUID NOT NULL,
					approval_status VARCHAR(20) NOT NULL,
					approval_reason TEXT NOT NULL DEFAULT '',
					granted_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_user_role_user_id ON user_role(user_id);
				CREATE INDEX IF NOT EXISTS idx_user_role_role_id ON user_role(role_id);
				CREATE INDEX IF NOT EXISTS idx_user_role_expires_at ON user_role(expires_at);

				CREATE TABLE IF NOT EXISTS group_role (
					id UUID PRIMARY KEY,
					group_id UUID NOT NULL REFERENCES user_group(id) ON DELETE CASCADE,
					role_id UUID NOT NULL REFERENCES role(id),
					granted_by UUID NOT NULL,
					granted_at TIMESTAMP NOT NULL,
					UNIQUE (group_id, role_id)
				);

				CREATE INDEX IF NOT EXISTS idx_group_role_role_id ON group_role(role_id);
			`,
		},
		{
			Version:     4,
			Description: "Create role_resource table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_resource (
					id UUID PRIMARY KEY,
					role_id UUID NOT NULL REFERENCES role(id),
					resource_type VARCHAR(100) NOT NULL,
					resource_id VARCHAR(255) NOT NULL,
					allowed_actions TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					UNIQUE (role_id, resource_type, resource_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_resource_lookup ON role_resource(resource_type, resource_id);
			`,
		},
		{
			Version:     5,
			Description: "Create rbac_policy and role_policy tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_policy (
					id UUID PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					is_template BOOLEAN NOT NULL DEFAULT FALSE,
					permissions TEXT NOT NULL,
					conditions TEXT NOT NULL,
					organization_id UUID,
					created_by UUID NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS ux_rbac_policy_name_org
					ON rbac_policy(name, COALESCE(organization_id, '00000000-0000-0000-0000-000000000000'));

				CREATE TABLE IF NOT EXISTS role_policy (
					role_id UUID NOT NULL REFERENCES role(id),
					policy_id UUID NOT NULL REFERENCES rbac_policy(id) ON DELETE CASCADE,
					attached_by UUID NOT NULL,
					attached_at TIMESTAMP NOT NULL,
					PRIMARY KEY (role_id, policy_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_policy_policy_id ON role_policy(policy_id);
			`,
		},
	}
}

// RunMigrations executes all pending migrations, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	// Create migration tracking table
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get applied migrations
	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		logger.WithField("version", migration.Version).Infof("running migration: %s", migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description, applied_at) VALUES ($1, $2, $3)",
			migration.Version, migration.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
