package main

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"github.com/hypershell/hypershell/internal/apperr"
	"github.com/hypershell/hypershell/internal/submit"
)

var submitCommand = &cli.Command{
	Name:      "submit",
	Usage:     "read task args, one per line, and insert them into the store",
	ArgsUsage: "[file]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "template", Usage: "submit-time args template, e.g. {/-}.out"},
		&cli.StringFlag{Name: "every", Usage: "cron expression; resubmit the same arg-file on this cadence instead of submitting once"},
	},
	Action: runSubmit,
}

func runSubmit(c *cli.Context) error {
	settings, logger, err := loadApp(c)
	if err != nil {
		return err
	}

	ctx := c.Context

	st, closeStore, err := openStore(ctx, settings.Database, logger)
	if err != nil {
		return apperr.Database(err)
	}
	defer closeStore()

	submitter := submit.New(submit.Config{
		BundleSize:   settings.Submit.BundleSize,
		BundleWait:   mustDuration(settings.Submit.BundleWait, 5*time.Second),
		SubmitHost:   hostname(),
		ArgsTemplate: c.String("template"),
	}, st, nil, logger)

	path := c.Args().First()
	submitOnce := func() error {
		in := os.Stdin
		if path != "" {
			f, err := os.Open(path)
			if err != nil {
				return apperr.Config(fmt.Errorf("open input: %w", err))
			}
			defer f.Close()
			in = f
		}
		n, err := submitter.Submit(ctx, in)
		if err != nil {
			return apperr.Transport(fmt.Errorf("submit: %w", err))
		}
		logger.Info("submitted tasks", "count", n)
		return nil
	}

	expr := c.String("every")
	if expr == "" {
		return submitOnce()
	}
	if path == "" {
		return apperr.Config(fmt.Errorf("submit --every requires a file argument, not stdin"))
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return apperr.Config(fmt.Errorf("parse --every: %w", err))
	}

	logger.Info("resubmitting on a cron cadence", "every", expr, "file", path)
	next := sched.Next(time.Now())
	for {
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return apperr.Interrupted(ctx.Err())
		case <-timer.C:
		}
		if err := submitOnce(); err != nil {
			return err
		}
		next = sched.Next(time.Now())
	}
}
