package cli

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/config"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

// ErrDenied is returned by check when the decision is Deny
var ErrDenied = errors.New("access denied")

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// App carries what every command needs
type App struct {
	Out io.Writer
	Log *logrus.Logger

	// LoadConfig reads the environment; tests replace it
	LoadConfig func() (*config.Config, error)
}

// NewApp creates an App writing to stdout and logging to stderr
func NewApp(logLevel string) *App {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return &App{Out: os.Stdout, Log: logger, LoadConfig: config.LoadConfig}
}

// NewRootCommand creates the root command
func NewRootCommand(app *App) *Command {
	root := &Command{
		Name:        "bastionctl",
		Description: "Bastion - authorization decision engine operator CLI",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("bastionctl", flag.ContinueOnError),
	}

	root.Subcommands["seed"] = newSeedCommand(app)
	root.Subcommands["check"] = newCheckCommand(app)
	root.Subcommands["roles"] = newRolesCommand(app)
	root.Subcommands["sweep"] = newSweepCommand(app)
	root.Subcommands["migrate"] = newMigrateCommand(app)
	root.Subcommands["keys"] = newKeysCommand(app)
	root.Subcommands["bootstrap"] = newBootstrapCommand(app)

	return root
}

// group builds a command that only dispatches to subcommands
func group(name, description string, subs ...*Command) *Command {
	cmd := &Command{
		Name:        name,
		Description: description,
		Subcommands: make(map[string]*Command, len(subs)),
		Flags:       flag.NewFlagSet(name, flag.ContinueOnError),
	}
	for _, s := range subs {
		cmd.Subcommands[s.Name] = s
	}
	return cmd
}

// Execute dispatches args to the matching subcommand
func (c *Command) Execute(ctx context.Context, args []string) error {
	if c.Run != nil && len(c.Subcommands) == 0 {
		return c.Run(ctx, args)
	}
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		return c.usage(os.Stdout)
	}
	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Execute(ctx, args[1:])
	}
	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage(w io.Writer) error {
	fmt.Fprintf(w, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(w, "Commands:\n")
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// session is an opened configuration: database, audit sink and manager
type session struct {
	cfg        *config.Config
	db         *sql.DB
	auditStore *audit.DBLogger
	manager    *rbac.Manager
}

// open loads the configuration and builds a manager without seeding or
// starting background work. Library logs go to stderr as text.
func (a *App) open(ctx context.Context) (*session, error) {
	cfg, err := a.LoadConfig()
	if err != nil {
		return nil, err
	}
	db, err := cfg.Database.Open(ctx)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, db: db}
	deps := rbac.Dependencies{
		Logger: observability.NewLoggerWithFormat(observability.WarnLevel, observability.TextFormat, os.Stderr),
	}
	if db != nil && cfg.Audit.Database && cfg.Database.Driver == config.DriverPostgres {
		s.auditStore, err = audit.NewDBLogger(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		deps.AuditLogger = s.auditStore
		deps.AuditStore = s.auditStore
	}

	rc := cfg.RBACManagerConfig()
	rc.SkipSeed = true
	rc.CacheEnabled = false
	s.manager = rbac.NewManager(db, rc, deps)
	if err := s.manager.Initialize(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
