package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hypershell/hypershell/internal/apperr"
	hsclient "github.com/hypershell/hypershell/internal/client"
	"github.com/hypershell/hypershell/internal/exec"
)

var clientCommand = &cli.Command{
	Name:  "client",
	Usage: "connect to a server and execute claimed tasks",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "server", Required: true, Usage: "server host:port"},
		&cli.StringFlag{Name: "template", Value: "{}", Usage: "command template expanded against each task's args"},
	},
	Action: runClient,
}

func runClient(c *cli.Context) error {
	settings, logger, err := loadApp(c)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	cl := hsclient.New(hsclient.Config{
		Addr:         c.String("server"),
		Token:        settings.Server.Auth,
		ClientID:     "client-" + randomSuffix(),
		ClientHost:   hostname(),
		NumExecutors: max(1, settings.Client.BundleSize),
		BundleSize:   settings.Client.BundleSize,
		BundleWait:   mustDuration(settings.Client.BundleWait, 5*time.Second),
		HeartRate:    mustDuration(settings.Client.HeartRate, 10*time.Second),
		Timeout:      mustDuration(settings.Client.Timeout, 60*time.Second),
		DialTimeout:  10 * time.Second,
		Pattern:      c.String("template"),
		Exec: exec.Config{
			WorkDir:    settings.Task.CWD,
			Timeout:    mustDuration(settings.Task.Timeout, 0),
			SignalWait: mustDuration(settings.Task.SignalWait, 5*time.Second),
			Mode:       exec.OutputFused,
		},
	}, logger)

	logger.Info("client starting", "server", c.String("server"))
	if err := cl.Run(ctx); err != nil {
		return apperr.Transport(fmt.Errorf("client: %w", err))
	}
	return nil
}
