package cli

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

func newBootstrapCommand(app *App) *Command {
	cmd := &Command{
		Name:        "bootstrap",
		Description: "Create a user holding a system role and issue its first API key",
		Flags:       flag.NewFlagSet("bootstrap", flag.ContinueOnError),
	}
	username := cmd.Flags.String("username", "", "Username of the new user")
	roleName := cmd.Flags.String("role", "Admin", "System role to grant")
	org := cmd.Flags.String("org", "", "Organization ID the key acts in")
	ttl := cmd.Flags.Duration("ttl", 0, "Key lifetime; zero never expires")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *username == "" {
			return fmt.Errorf("--username is required")
		}
		orgID, err := optionalUUID("org", *org)
		if err != nil {
			return err
		}

		s, km, err := app.keyManager(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		role, err := s.manager.Store().GetRoleByName(ctx, *roleName, nil)
		if err != nil {
			return fmt.Errorf("system role %q: %w (run seed apply first)", *roleName, err)
		}

		user := &rbac.User{Username: *username, IsActive: true}
		if err := s.manager.Service().CreateUser(ctx, user); err != nil {
			return err
		}
		if err := s.manager.Service().GrantUserRole(ctx, &rbac.UserRole{
			UserID:         user.ID,
			RoleID:         role.ID,
			GrantedBy:      user.ID,
			ApprovalStatus: rbac.ApprovalApproved,
			ApprovalReason: "bootstrap",
		}); err != nil {
			return err
		}

		var expiresAt *time.Time
		if *ttl > 0 {
			t := nowFunc().Add(*ttl)
			expiresAt = &t
		}
		key, raw, err := km.CreateKey(ctx, user.ID, orgID, "bootstrap", expiresAt)
		if err != nil {
			return err
		}
		_ = audit.LogSuccess(ctx, s.auditLogger(), audit.EventTypeAuthKeyCreate, "bootstrap api key issued by bastionctl", map[string]interface{}{
			"key_id":  key.ID.String(),
			"user_id": user.ID.String(),
			"role":    role.Name,
		})

		app.Log.WithFields(map[string]interface{}{
			"user_id": user.ID,
			"role":    role.Name,
		}).Info("bootstrap user created")
		return writeJSON(app, map[string]interface{}{
			"user_id": user.ID,
			"role_id": role.ID,
			"key_id":  key.ID,
			"key":     raw,
		})
	}
	return cmd
}
