package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hypershell/hypershell/internal/apperr"
	hsclient "github.com/hypershell/hypershell/internal/client"
	"github.com/hypershell/hypershell/internal/dispatch"
	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/exec"
	"github.com/hypershell/hypershell/internal/queue"
	"github.com/hypershell/hypershell/internal/schedule"
	"github.com/hypershell/hypershell/internal/store"
	"github.com/hypershell/hypershell/internal/submit"
)

// clusterCommand runs submitter, scheduler, dispatcher, and one or more
// clients inside a single process, for local runs and the scenarios of
// spec §8 that don't call for a standing server. It exits 0 once every
// submitted task has, somewhere along its retry chain, succeeded, and
// non-zero if any task exhausted its retries still failing.
var clusterCommand = &cli.Command{
	Name:      "cluster",
	Usage:     "submit, schedule, dispatch, and execute all in one local process",
	ArgsUsage: "[file]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "template", Value: "{}", Usage: "command template expanded against each task's args"},
		&cli.IntFlag{Name: "workers", Value: 1, Usage: "number of in-process clients/executors"},
	},
	Action: runCluster,
}

func runCluster(c *cli.Context) error {
	settings, logger, err := loadApp(c)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	st, closeStore, err := openStore(ctx, settings.Database, logger)
	if err != nil {
		return apperr.Database(err)
	}
	defer closeStore()

	outbox := queue.NewOutbound(settings.Server.QueueSize)
	returns := queue.NewReturn()

	live := int32(1)
	serverID, serverHost := "cluster-"+randomSuffix(), hostname()

	scheduler := schedule.New(st, outbox, schedule.Config{
		QueueSize:  settings.Server.QueueSize,
		BundleSize: settings.Server.BundleSize,
		Eager:      settings.Server.Eager,
		Wait:       mustDuration(settings.Server.Wait, 200*time.Millisecond),
		MaxRetries: settings.Server.Attempts,
		Forever:    false,
		ServerID:   serverID,
		ServerHost: serverHost,
	}, func() bool { return atomic.LoadInt32(&live) == 1 }, logger)

	sink, closeSink, err := openFailureSink(settings.Server.FailureSink)
	if err != nil {
		return apperr.Config(err)
	}
	defer closeSink()

	dispatcher := dispatch.New(st, outbox, returns, dispatch.Config{
		ServerID:      serverID,
		ServerHost:    serverHost,
		Token:         settings.Server.Auth,
		Evict:         mustDuration(settings.Server.Evict, 60*time.Second),
		SweepInterval: mustDuration(settings.Server.Wait, 200*time.Millisecond),
	}, sink, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return apperr.Transport(fmt.Errorf("listen: %w", err))
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// eg fans the scheduler/dispatcher/client goroutines out and joins
	// them on shutdown; each leg's error (other than context
	// cancellation) surfaces in the cluster run's logs instead of being
	// silently dropped, the way a bare sync.WaitGroup would.
	var eg errgroup.Group
	eg.Go(func() error { scheduler.Run(runCtx); return nil })
	eg.Go(func() error { dispatcher.SweepEvictions(runCtx); return nil })
	eg.Go(func() error { drainReturns(runCtx, returns); return nil })
	eg.Go(func() error { return dispatcher.Serve(runCtx, ln) })

	workers := c.Int("workers")
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		cl := hsclient.New(hsclient.Config{
			Addr:         ln.Addr().String(),
			Token:        settings.Server.Auth,
			ClientID:     fmt.Sprintf("cluster-client-%d-%s", i, randomSuffix()),
			ClientHost:   hostname(),
			NumExecutors: max(1, settings.Client.BundleSize),
			BundleSize:   settings.Client.BundleSize,
			BundleWait:   mustDuration(settings.Client.BundleWait, 200*time.Millisecond),
			HeartRate:    mustDuration(settings.Client.HeartRate, 5*time.Second),
			Timeout:      mustDuration(settings.Client.Timeout, 60*time.Second),
			DialTimeout:  5 * time.Second,
			Pattern:      c.String("template"),
			Exec: exec.Config{
				WorkDir:    settings.Task.CWD,
				Timeout:    mustDuration(settings.Task.Timeout, 0),
				SignalWait: mustDuration(settings.Task.SignalWait, 5*time.Second),
				Mode:       exec.OutputFused,
			},
		}, logger)
		eg.Go(func() error { return cl.Run(runCtx) })
	}

	in := os.Stdin
	if path := c.Args().First(); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return apperr.Config(fmt.Errorf("open input: %w", err))
		}
		defer f.Close()
		in = f
	}

	submitter := submit.New(submit.Config{
		BundleSize: settings.Submit.BundleSize,
		BundleWait: mustDuration(settings.Submit.BundleWait, 200*time.Millisecond),
		SubmitHost: serverHost,
	}, st, nil, logger)

	runStart := time.Now()
	atomic.StoreInt32(&live, 1)
	submitted, err := submitter.Submit(ctx, in)
	atomic.StoreInt32(&live, 0)
	if err != nil {
		cancelRun()
		if runErr := eg.Wait(); runErr != nil && runCtx.Err() == nil {
			logger.Warn("cluster goroutine exited with error", "error", runErr)
		}
		return apperr.Transport(fmt.Errorf("submit: %w", err))
	}
	logger.Info("cluster submitted tasks", "count", submitted)

	ok, err := waitForCluster(ctx, st, serverHost, runStart, submitted)
	cancelRun()
	if runErr := eg.Wait(); runErr != nil && runCtx.Err() == nil {
		logger.Warn("cluster goroutine exited with error", "error", runErr)
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cluster: %d submitted task(s) failed after exhausting retries", submitted)
	}
	return nil
}

// waitForCluster polls until every task the submitter emitted this run
// has, somewhere along its retry chain, reached a terminal state, then
// reports whether every chain eventually succeeded.
func waitForCluster(ctx context.Context, st store.Store, submitHost string, since time.Time, submitted int) (bool, error) {
	if submitted == 0 {
		return true, nil
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	lastLen := -1
	for {
		all, err := st.Query(ctx, store.QueryFilter{Limit: 1_000_000})
		if err != nil {
			return false, apperr.Database(err)
		}

		var relevant []*domain.Task
		for _, t := range all {
			if t.SubmitHost == submitHost && !t.SubmitTime.Before(since) {
				relevant = append(relevant, t)
			}
		}

		allComplete := len(relevant) > 0
		for _, t := range relevant {
			if !t.Complete() {
				allComplete = false
				break
			}
		}

		if allComplete && len(relevant) == lastLen {
			return allChainsSucceeded(relevant), nil
		}
		lastLen = len(relevant)

		select {
		case <-ctx.Done():
			return false, apperr.Interrupted(ctx.Err())
		case <-ticker.C:
		}
	}
}

// allChainsSucceeded groups tasks into retry chains by following
// PreviousID forward from each root (a task with no PreviousID) and
// reports whether every chain contains at least one zero exit status.
func allChainsSucceeded(tasks []*domain.Task) bool {
	byID := make(map[string]*domain.Task, len(tasks))
	childOf := make(map[string]*domain.Task, len(tasks))
	var roots []*domain.Task
	for _, t := range tasks {
		byID[t.ID] = t
		if t.PreviousID == nil {
			roots = append(roots, t)
		} else {
			childOf[*t.PreviousID] = t
		}
	}

	for _, root := range roots {
		succeeded := false
		cur := root
		for cur != nil {
			if cur.ExitStatus != nil && *cur.ExitStatus == 0 {
				succeeded = true
				break
			}
			cur = childOf[cur.ID]
		}
		if !succeeded {
			return false
		}
	}
	return true
}
