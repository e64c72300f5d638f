package cli

import (
	"context"
	"flag"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/auth"
)

func newKeysCommand(app *App) *Command {
	return group("keys", "Issue, list and revoke API keys",
		newKeysCreateCommand(app),
		newKeysListCommand(app),
		newKeysRevokeCommand(app),
	)
}

// keyManager opens a session backed by the SQL key store
func (a *App) keyManager(ctx context.Context) (*session, *auth.KeyManager, error) {
	s, err := a.open(ctx)
	if err != nil {
		return nil, nil, err
	}
	if s.db == nil {
		s.Close()
		return nil, nil, fmt.Errorf("api keys need a SQL database, got driver %q", s.cfg.Database.Driver)
	}
	store, err := auth.NewSQLKeyStore(ctx, s.db)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, auth.NewKeyManager(store), nil
}

func (s *session) auditLogger() audit.Logger {
	if s.auditStore == nil {
		return audit.NoOpLogger{}
	}
	return s.auditStore
}

func newKeysCreateCommand(app *App) *Command {
	cmd := &Command{
		Name:        "create",
		Description: "Issue an API key; the key is printed once",
		Flags:       flag.NewFlagSet("keys create", flag.ContinueOnError),
	}
	user := cmd.Flags.String("user", "", "Owning user ID")
	name := cmd.Flags.String("name", "", "Key name")
	org := cmd.Flags.String("org", "", "Organization ID the key acts in")
	ttl := cmd.Flags.Duration("ttl", 0, "Lifetime, e.g. 720h; zero never expires")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		userID, err := uuid.Parse(*user)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
		if *name == "" {
			return fmt.Errorf("--name is required")
		}
		orgID, err := optionalUUID("org", *org)
		if err != nil {
			return err
		}
		var expiresAt *time.Time
		if *ttl > 0 {
			t := nowFunc().Add(*ttl)
			expiresAt = &t
		}

		s, km, err := app.keyManager(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		key, raw, err := km.CreateKey(ctx, userID, orgID, *name, expiresAt)
		if err != nil {
			return err
		}
		_ = audit.LogSuccess(ctx, s.auditLogger(), audit.EventTypeAuthKeyCreate, "api key issued by bastionctl", map[string]interface{}{
			"key_id":     key.ID.String(),
			"user_id":    userID.String(),
			"key_prefix": key.KeyPrefix,
		})

		app.Log.WithFields(map[string]interface{}{
			"key_id": key.ID,
			"user":   userID,
		}).Info("api key created")
		fmt.Fprintln(app.Out, raw)
		return nil
	}
	return cmd
}

func newKeysListCommand(app *App) *Command {
	cmd := &Command{
		Name:        "list",
		Description: "List a user's API keys",
		Flags:       flag.NewFlagSet("keys list", flag.ContinueOnError),
	}
	user := cmd.Flags.String("user", "", "User ID")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		userID, err := uuid.Parse(*user)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
		s, km, err := app.keyManager(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		keys, err := km.ListUserKeys(ctx, userID)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(app.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tSTATUS\tEXPIRES")
		now := nowFunc()
		for _, k := range keys {
			status := "active"
			if err := k.UsableAt(now); err != nil {
				status = "unusable"
				if k.RevokedAt != nil {
					status = "revoked"
				} else if k.ExpiresAt != nil {
					status = "expired"
				}
			}
			expires := "never"
			if k.ExpiresAt != nil {
				expires = k.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.KeyPrefix, status, expires)
		}
		return tw.Flush()
	}
	return cmd
}

func newKeysRevokeCommand(app *App) *Command {
	cmd := &Command{
		Name:        "revoke",
		Description: "Revoke an API key",
		Flags:       flag.NewFlagSet("keys revoke", flag.ContinueOnError),
	}
	id := cmd.Flags.String("id", "", "Key ID")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		keyID, err := uuid.Parse(*id)
		if err != nil {
			return fmt.Errorf("invalid --id: %w", err)
		}
		s, km, err := app.keyManager(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := km.RevokeKey(ctx, keyID); err != nil {
			return err
		}
		_ = audit.LogSuccess(ctx, s.auditLogger(), audit.EventTypeAuthKeyRevoke, "api key revoked by bastionctl", map[string]interface{}{
			"key_id": keyID.String(),
		})
		app.Log.WithField("key_id", keyID).Info("api key revoked")
		return nil
	}
	return cmd
}
