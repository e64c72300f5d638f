package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/bastion/pkg/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := cli.NewApp(os.Getenv("BASTIONCTL_LOG_LEVEL"))
	err := cli.NewRootCommand(app).Execute(ctx, os.Args[1:])
	switch {
	case err == nil:
	case errors.Is(err, cli.ErrDenied):
		stop()
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
