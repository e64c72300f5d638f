package cli

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/platinummonkey/bastion/pkg/auth"
)

// nowFunc is swapped in tests
var nowFunc = time.Now

func newSweepCommand(app *App) *Command {
	cmd := &Command{
		Name:        "sweep",
		Description: "Prune stale grants and old audit events once",
		Flags:       flag.NewFlagSet("sweep", flag.ContinueOnError),
	}
	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		s, err := app.open(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		result, err := s.manager.Sweeper().RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		app.Log.WithFields(map[string]interface{}{
			"grants_removed": result.GrantsRemoved,
			"audit_purged":   result.AuditPurged,
		}).Info("sweep completed")
		return writeJSON(app, result)
	}
	return cmd
}

func newMigrateCommand(app *App) *Command {
	cmd := &Command{
		Name:        "migrate",
		Description: "Create or upgrade the role, api key and audit tables",
		Flags:       flag.NewFlagSet("migrate", flag.ContinueOnError),
	}
	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		// open runs the role store migrations and creates the audit table
		s, err := app.open(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		if s.db == nil {
			return fmt.Errorf("migrate needs a SQL database, got driver %q", s.cfg.Database.Driver)
		}
		if _, err := auth.NewSQLKeyStore(ctx, s.db); err != nil {
			return err
		}
		app.Log.WithFields(map[string]interface{}{
			"driver":      s.cfg.Database.Driver,
			"audit_table": s.auditStore != nil,
		}).Info("migrations complete")
		return nil
	}
	return cmd
}
