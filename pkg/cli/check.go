package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/uuid"

	"github.com/platinummonkey/bastion/pkg/rbac"
)

func newCheckCommand(app *App) *Command {
	cmd := &Command{
		Name:        "check",
		Description: "Evaluate one authorization request against the store",
		Flags:       flag.NewFlagSet("check", flag.ContinueOnError),
	}
	user := cmd.Flags.String("user", "", "User ID")
	groupID := cmd.Flags.String("group", "", "Group ID")
	action := cmd.Flags.String("action", "", "Action, e.g. read")
	resourceType := cmd.Flags.String("type", "", "Resource type, e.g. connection")
	resourceID := cmd.Flags.String("id", "", "Resource instance ID")
	org := cmd.Flags.String("org", "", "Organization ID")
	ip := cmd.Flags.String("ip", "", "Client IP for ip_range conditions")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		principal, err := parsePrincipal(*user, *groupID)
		if err != nil {
			return err
		}
		if *action == "" || *resourceType == "" {
			return fmt.Errorf("--action and --type are required")
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

		d, decideErr := s.manager.Engine().Decide(ctx, rbac.Request{
			Principal:    principal,
			Action:       *action,
			ResourceType: *resourceType,
			ResourceID:   *resourceID,
			Context:      rbac.RequestContext{OrganizationID: orgID, ClientIP: *ip},
		})
		if decideErr != nil {
			app.Log.WithError(decideErr).Error("decision failed closed")
		}
		if err := writeJSON(app, d); err != nil {
			return err
		}
		if !d.Allowed {
			return ErrDenied
		}
		return nil
	}
	return cmd
}

func parsePrincipal(user, group string) (rbac.Principal, error) {
	switch {
	case user != "" && group != "":
		return rbac.Principal{}, fmt.Errorf("--user and --group are mutually exclusive")
	case user != "":
		id, err := uuid.Parse(user)
		if err != nil {
			return rbac.Principal{}, fmt.Errorf("invalid --user: %w", err)
		}
		return rbac.UserPrincipal(id), nil
	case group != "":
		id, err := uuid.Parse(group)
		if err != nil {
			return rbac.Principal{}, fmt.Errorf("invalid --group: %w", err)
		}
		return rbac.GroupPrincipal(id), nil
	}
	return rbac.Principal{}, fmt.Errorf("one of --user or --group is required")
}

func optionalUUID(name, value string) (*uuid.UUID, error) {
	if value == "" {
		return nil, nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return &id, nil
}
