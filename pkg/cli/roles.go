package cli

import (
	"context"
	"flag"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/platinummonkey/bastion/pkg/rbac"
)

func newRolesCommand(app *App) *Command {
	return group("roles", "Inspect roles and their hierarchy",
		newRolesListCommand(app),
		newRolesAncestorsCommand(app),
		newRolesEffectiveCommand(app),
	)
}

func newRolesListCommand(app *App) *Command {
	cmd := &Command{
		Name:        "list",
		Description: "List roles visible in an organization",
		Flags:       flag.NewFlagSet("roles list", flag.ContinueOnError),
	}
	org := cmd.Flags.String("org", "", "Organization ID (system roles only when empty)")
	effective := cmd.Flags.Bool("effective", false, "Only roles whose ancestor chain is active")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		orgID, err := optionalUUID("org", *org)
		if err != nil {
			return err
		}
		s, err := app.open(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		var roles []rbac.Role
		if *effective {
			roles, err = s.manager.Service().ListEffectiveRoles(ctx, orgID)
		} else {
			roles, err = s.manager.Service().ListRoles(ctx, orgID)
		}
		if err != nil {
			return err
		}
		return printRoles(app, roles)
	}
	return cmd
}

func newRolesAncestorsCommand(app *App) *Command {
	cmd := &Command{
		Name:        "ancestors",
		Description: "Show a role's parent chain, nearest first",
		Flags:       flag.NewFlagSet("roles ancestors", flag.ContinueOnError),
	}
	role := cmd.Flags.String("role", "", "Role ID")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		id, err := uuid.Parse(*role)
		if err != nil {
			return fmt.Errorf("invalid --role: %w", err)
		}
		s, err := app.open(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		ancestors, err := rbac.NewHierarchy(s.manager.Store()).GetAncestors(ctx, id)
		if err != nil {
			return err
		}
		return printRoles(app, ancestors)
	}
	return cmd
}

func newRolesEffectiveCommand(app *App) *Command {
	cmd := &Command{
		Name:        "effective",
		Description: "Resolve the roles a user or group holds right now",
		Flags:       flag.NewFlagSet("roles effective", flag.ContinueOnError),
	}
	user := cmd.Flags.String("user", "", "User ID")
	groupID := cmd.Flags.String("group", "", "Group ID")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		principal, err := parsePrincipal(*user, *groupID)
		if err != nil {
			return err
		}
		s, err := app.open(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		effective, err := rbac.NewResolver(s.manager.Store()).EffectiveRolesFor(ctx, principal, nowFunc())
		if err != nil {
			return err
		}
		return printRoles(app, effective.List())
	}
	return cmd
}

func printRoles(app *App, roles []rbac.Role) error {
	tw := tabwriter.NewWriter(app.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tPRIORITY\tACTIVE\tPARENT")
	for _, r := range roles {
		parent := "-"
		if r.ParentRoleID != nil {
			parent = r.ParentRoleID.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\n", r.ID, r.Name, r.Type, r.Priority, r.IsActive, parent)
	}
	return tw.Flush()
}
