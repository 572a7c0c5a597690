package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/hypershell/hypershell/internal/adminapi"
	"github.com/hypershell/hypershell/internal/apperr"
	"github.com/hypershell/hypershell/internal/autoscale"
	"github.com/hypershell/hypershell/internal/config"
	"github.com/hypershell/hypershell/internal/dispatch"
	"github.com/hypershell/hypershell/internal/health"
	"github.com/hypershell/hypershell/internal/launcher"
	"github.com/hypershell/hypershell/internal/metrics"
	"github.com/hypershell/hypershell/internal/queue"
	"github.com/hypershell/hypershell/internal/schedule"
)

var serverCommand = &cli.Command{
	Name:  "server",
	Usage: "run the scheduler, dispatcher, and autoscaler",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "restart", Usage: "revert in-flight tasks from a previous run before scheduling"},
	},
	Action: runServer,
}

func runServer(c *cli.Context) error {
	settings, logger, err := loadApp(c)
	if err != nil {
		return err
	}
	metrics.Register()

	ctx, stop := signalContext()
	defer stop()

	st, closeStore, err := openStore(ctx, settings.Database, logger)
	if err != nil {
		return apperr.Database(err)
	}
	defer closeStore()

	outbox := queue.NewOutbound(settings.Server.QueueSize)
	returns := queue.NewReturn()

	scheduler := schedule.New(st, outbox, schedule.Config{
		QueueSize:  settings.Server.QueueSize,
		BundleSize: settings.Server.BundleSize,
		Eager:      settings.Server.Eager,
		Wait:       mustDuration(settings.Server.Wait, 5*time.Second),
		MaxRetries: settings.Server.Attempts,
		Forever:    true,
		Restart:    c.Bool("restart"),
		ServerID:   "server-" + randomSuffix(),
		ServerHost: hostname(),
	}, nil, logger)

	sink, closeSink, err := openFailureSink(settings.Server.FailureSink)
	if err != nil {
		return apperr.Config(err)
	}
	defer closeSink()

	var autoscaler *autoscale.Autoscaler
	dispatcher := dispatch.New(st, outbox, returns, dispatch.Config{
		ServerID:      "server-" + randomSuffix(),
		ServerHost:    hostname(),
		Token:         settings.Server.Auth,
		Evict:         mustDuration(settings.Server.Evict, 60*time.Second),
		SweepInterval: mustDuration(settings.Server.Wait, 5*time.Second),
	}, sink, logger)

	if settings.Autoscale.Size.Max > 0 {
		sshLauncher := launcher.NewSSH(launcher.SSHConfig{
			Args:     settings.SSH.Args,
			NodeList: settings.SSH.NodeList,
		}, logger)
		autoscaler = autoscale.New(autoscale.Config{
			Policy: autoscale.Policy(settings.Autoscale.Policy),
			Init:   settings.Autoscale.Size.Init,
			Min:    settings.Autoscale.Size.Min,
			Max:    settings.Autoscale.Size.Max,
			Factor: settings.Autoscale.Factor,
			Period: mustDuration(settings.Autoscale.Period, 30*time.Second),
		}, dispatcher, st, sshLauncher, 64, logger)
		dispatcher.SetCompletionObserver(autoscaler.RecordCompletion)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", settings.Server.Bind, settings.Server.Port))
	if err != nil {
		return apperr.Transport(fmt.Errorf("listen: %w", err))
	}

	if adminToken, err := adminapi.MintToken(settings.Server.Auth, 24*time.Hour); err != nil {
		logger.Warn("could not mint a startup admin token", "error", err)
	} else {
		logger.Info("admin api token minted", "expires_in", "24h", "token", adminToken)
	}

	checker := health.NewChecker(st, settings.Database.Provider, func() (int, int) {
		return outbox.Len(), outbox.Cap()
	}, logger, prometheus.DefaultRegisterer)
	adminSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", settings.Server.Bind, settings.Server.Port+1),
		Handler: adminapi.NewRouter(st, checker, settings.Server.Auth, logger),
	}

	go scheduler.Run(ctx)
	go dispatcher.SweepEvictions(ctx)
	go drainReturns(ctx, returns)
	if autoscaler != nil {
		go autoscaler.Run(ctx)
	}
	go func() {
		logger.Info("admin api listening", "addr", adminSrv.Addr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin api", "error", err)
		}
	}()

	logger.Info("server listening", "addr", ln.Addr())
	serveErr := make(chan error, 1)
	go func() { serveErr <- dispatcher.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && ctx.Err() == nil {
			return apperr.Transport(err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = dispatcher.Drain(shutdownCtx, 10*time.Second)
	_ = adminSrv.Shutdown(shutdownCtx)

	return apperr.Interrupted(ctx.Err())
}

// drainReturns keeps the return-path queue from backing up; the
// dispatcher has already persisted completions by the time a bundle
// reaches here, so this loop only needs to drain it (spec §4.1
// "return-path completions may overtake outbound").
func drainReturns(ctx context.Context, returns *queue.Return) {
	for {
		if _, err := returns.Next(ctx); err != nil {
			return
		}
	}
}
