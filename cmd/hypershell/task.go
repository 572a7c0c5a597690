package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hypershell/hypershell/internal/apperr"
	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/store"
)

var taskCommand = &cli.Command{
	Name:  "task",
	Usage: "operate on individual tasks",
	Subcommands: []*cli.Command{
		taskSubmitCommand,
		taskInfoCommand,
		taskWaitCommand,
		taskRunCommand,
		taskSearchCommand,
		taskUpdateCommand,
	},
}

var taskSubmitCommand = &cli.Command{
	Name:      "submit",
	Usage:     "insert a single task",
	ArgsUsage: "<args>",
	Action: func(c *cli.Context) error {
		settings, logger, err := loadApp(c)
		if err != nil {
			return err
		}
		args := c.Args().First()
		if args == "" {
			return apperr.Config(fmt.Errorf("task submit: missing args"))
		}
		st, closeStore, err := openStore(c.Context, settings.Database, logger)
		if err != nil {
			return apperr.Database(err)
		}
		defer closeStore()

		t := &domain.Task{Args: args, SubmitHost: hostname(), SubmitTime: time.Now(), Attempt: 1}
		if err := st.Insert(c.Context, []*domain.Task{t}); err != nil {
			return apperr.Database(fmt.Errorf("insert: %w", err))
		}
		fmt.Println(t.ID)
		return nil
	},
}

var taskInfoCommand = &cli.Command{
	Name:      "info",
	Usage:     "print a task's current record",
	ArgsUsage: "<id>",
	Action: func(c *cli.Context) error {
		settings, logger, err := loadApp(c)
		if err != nil {
			return err
		}
		id := c.Args().First()
		st, closeStore, err := openStore(c.Context, settings.Database, logger)
		if err != nil {
			return apperr.Database(err)
		}
		defer closeStore()

		tasks, err := st.Query(c.Context, store.QueryFilter{IDs: []string{id}, Limit: 1})
		if err != nil {
			return apperr.Database(err)
		}
		if len(tasks) == 0 {
			return apperr.Config(fmt.Errorf("task not found: %s", id))
		}
		return printJSON(tasks[0])
	},
}

var taskWaitCommand = &cli.Command{
	Name:      "wait",
	Usage:     "poll until a task completes, printing its exit status",
	ArgsUsage: "<id>",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "timeout", Value: 0, Usage: "give up after this long (0 = forever)"},
		&cli.DurationFlag{Name: "poll", Value: time.Second, Usage: "poll interval"},
	},
	Action: func(c *cli.Context) error {
		settings, logger, err := loadApp(c)
		if err != nil {
			return err
		}
		id := c.Args().First()
		st, closeStore, err := openStore(c.Context, settings.Database, logger)
		if err != nil {
			return apperr.Database(err)
		}
		defer closeStore()

		task, err := waitForCompletion(c.Context, st, id, c.Duration("timeout"), c.Duration("poll"))
		if err != nil {
			return err
		}
		fmt.Println(*task.ExitStatus)
		if task.Failed() {
			return apperr.Timeout(fmt.Errorf("task %s failed with exit status %d", id, *task.ExitStatus))
		}
		return nil
	},
}

var taskRunCommand = &cli.Command{
	Name:      "run",
	Usage:     "submit a single task and wait for it to complete",
	ArgsUsage: "<args>",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "timeout", Value: 0},
		&cli.DurationFlag{Name: "poll", Value: time.Second},
	},
	Action: func(c *cli.Context) error {
		settings, logger, err := loadApp(c)
		if err != nil {
			return err
		}
		args := c.Args().First()
		st, closeStore, err := openStore(c.Context, settings.Database, logger)
		if err != nil {
			return apperr.Database(err)
		}
		defer closeStore()

		t := &domain.Task{Args: args, SubmitHost: hostname(), SubmitTime: time.Now(), Attempt: 1}
		if err := st.Insert(c.Context, []*domain.Task{t}); err != nil {
			return apperr.Database(fmt.Errorf("insert: %w", err))
		}

		completed, err := waitForCompletion(c.Context, st, t.ID, c.Duration("timeout"), c.Duration("poll"))
		if err != nil {
			return err
		}
		return printJSON(completed)
	},
}

var taskSearchCommand = &cli.Command{
	Name:  "search",
	Usage: "list tasks matching a filter",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "submit-id"},
		&cli.StringFlag{Name: "tag-key"},
		&cli.StringFlag{Name: "tag-value"},
		&cli.BoolFlag{Name: "only-failed"},
		&cli.IntFlag{Name: "limit", Value: 100},
	},
	Action: func(c *cli.Context) error {
		settings, logger, err := loadApp(c)
		if err != nil {
			return err
		}
		st, closeStore, err := openStore(c.Context, settings.Database, logger)
		if err != nil {
			return apperr.Database(err)
		}
		defer closeStore()

		tasks, err := st.Query(c.Context, store.QueryFilter{
			SubmitID:   c.String("submit-id"),
			TagKey:     c.String("tag-key"),
			TagValue:   c.String("tag-value"),
			OnlyFailed: c.Bool("only-failed"),
			Limit:      c.Int("limit"),
		})
		if err != nil {
			return apperr.Database(err)
		}
		return printJSON(tasks)
	},
}

var taskUpdateCommand = &cli.Command{
	Name:      "update",
	Usage:     "cancel or tag tasks by id",
	ArgsUsage: "<id> [id...]",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "cancel"},
		&cli.StringSliceFlag{Name: "tag", Usage: "key=value, repeatable"},
	},
	Action: func(c *cli.Context) error {
		settings, logger, err := loadApp(c)
		if err != nil {
			return err
		}
		ids := c.Args().Slice()
		if len(ids) == 0 {
			return apperr.Config(fmt.Errorf("task update: no ids given"))
		}
		st, closeStore, err := openStore(c.Context, settings.Database, logger)
		if err != nil {
			return apperr.Database(err)
		}
		defer closeStore()

		tags := map[string]string{}
		for _, kv := range c.StringSlice("tag") {
			for i := 0; i < len(kv); i++ {
				if kv[i] == '=' {
					tags[kv[:i]] = kv[i+1:]
					break
				}
			}
		}

		n, err := st.Update(c.Context, store.QueryFilter{IDs: ids}, store.UpdateFields{
			Cancel: c.Bool("cancel"),
			Tags:   tags,
		})
		if err != nil {
			return apperr.Database(err)
		}
		fmt.Println(n)
		return nil
	},
}

func waitForCompletion(ctx context.Context, st store.Store, id string, timeout, poll time.Duration) (*domain.Task, error) {
	if poll <= 0 {
		poll = time.Second
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		tasks, err := st.Query(ctx, store.QueryFilter{IDs: []string{id}, Limit: 1})
		if err != nil {
			return nil, apperr.Database(err)
		}
		if len(tasks) > 0 && tasks[0].Complete() {
			return tasks[0], nil
		}
		select {
		case <-ctx.Done():
			return nil, apperr.Interrupted(ctx.Err())
		case <-deadline:
			return nil, apperr.Timeout(fmt.Errorf("task %s: wait timed out", id))
		case <-ticker.C:
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
