// Command hypershell is the unified CLI surface of spec §6: cluster,
// server, client, submit, initdb, task, and config subcommands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/hypershell/hypershell/internal/apperr"
	"github.com/hypershell/hypershell/internal/config"
	hslog "github.com/hypershell/hypershell/internal/log"
)

func main() {
	app := &cli.App{
		Name:  "hypershell",
		Usage: "distributed many-task execution engine",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a local hypershell.yml"},
		},
		Commands: []*cli.Command{
			clusterCommand,
			serverCommand,
			clientCommand,
			submitCommand,
			initdbCommand,
			taskCommand,
			configCommand,
		},
	}

	err := app.Run(os.Args)
	code := apperr.ExitCode(err)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hypershell:", err)
	}
	os.Exit(code)
}

// loadApp loads Settings and constructs the process logger, the two
// things every subcommand needs before doing anything else. CLI flags
// are not bridged into the koanf chain here (the posflag provider wants
// a pflag.FlagSet, and urfave/cli/v2 exposes its own); operators use the
// environment/file layers instead, which cover the same option surface.
func loadApp(c *cli.Context) (*config.Settings, *slog.Logger, error) {
	settings, err := config.Load(c.String("config"), nil)
	if err != nil {
		return nil, nil, apperr.Config(err)
	}

	level := slog.LevelInfo
	switch settings.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := hslog.New(level, settings.Logging.Style)
	return settings, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func randomSuffix() string {
	return uuid.NewString()[:8]
}
