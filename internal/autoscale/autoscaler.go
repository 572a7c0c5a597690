// Package autoscale implements the autoscaler control loop of spec
// §4.8: it periodically samples the active client count and, under the
// dynamic policy, a task-pressure estimate, and asks an external
// launcher to add clients within configured bounds.
package autoscale

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"

	"github.com/hypershell/hypershell/internal/launcher"
	"github.com/hypershell/hypershell/internal/metrics"
)

// Policy selects the autoscaler's launch decision rule (spec §4.8).
type Policy string

const (
	PolicyFixed   Policy = "fixed"
	PolicyDynamic Policy = "dynamic"
)

// ActiveCounter reports the current registered-client count (spec §4.8
// "Count active = registered clients"); the dispatcher implements it.
type ActiveCounter interface {
	ActiveCount() int
}

// IncompleteCounter reports the number of not-yet-complete tasks; the
// store implements it.
type IncompleteCounter interface {
	IncompleteCount(ctx context.Context) (int, error)
}

// Config holds the autoscale.* option group.
type Config struct {
	Policy           Policy
	Init, Min, Max   int
	Factor           float64
	Period           time.Duration
	ExecutorsPerNode int // executors per active client, used in throughput
}

// Autoscaler runs the control loop against one client population and
// launcher.
type Autoscaler struct {
	cfg     Config
	active  ActiveCounter
	remain  IncompleteCounter
	launch  launcher.Launcher
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker

	durations *lru.Cache[int, time.Duration] // rolling window of recent task durations, keyed by insertion sequence
	seq       int
}

// New builds an Autoscaler. windowSize bounds the rolling window used to
// compute avg_duration under the dynamic policy (spec §4.8).
func New(cfg Config, active ActiveCounter, remain IncompleteCounter, l launcher.Launcher, windowSize int, logger *slog.Logger) *Autoscaler {
	if windowSize <= 0 {
		windowSize = 64
	}
	cache, _ := lru.New[int, time.Duration](windowSize)

	breakerSettings := gobreaker.Settings{
		Name:        "launcher",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.Period * 4,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}

	return &Autoscaler{
		cfg:       cfg,
		active:    active,
		remain:    remain,
		launch:    l,
		logger:    logger.With("component", "autoscaler"),
		breaker:   gobreaker.NewCircuitBreaker(breakerSettings),
		durations: cache,
	}
}

// RecordCompletion feeds one task's execution duration into the rolling
// window the dynamic policy's avg_duration is computed from.
func (a *Autoscaler) RecordCompletion(d time.Duration) {
	a.seq++
	a.durations.Add(a.seq, d)
}

// Run executes the control loop every cfg.Period until ctx is cancelled.
func (a *Autoscaler) Run(ctx context.Context) error {
	period := a.cfg.Period
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Autoscaler) tick(ctx context.Context) {
	active := a.active.ActiveCount()

	switch a.cfg.Policy {
	case PolicyFixed:
		target := a.cfg.Init
		if a.cfg.Min > target {
			target = a.cfg.Min
		}
		for active < target && active < a.cfg.Max {
			if !a.requestLaunch(ctx) {
				return
			}
			active++
		}
		return
	default: // dynamic
		if active < a.cfg.Min {
			a.requestLaunch(ctx)
			return
		}
		if active >= a.cfg.Max {
			return
		}
		pressure, err := a.pressure(ctx, active)
		if err != nil {
			a.logger.Error("pressure computation failed", "error", err)
			return
		}
		metrics.AutoscalePressure.Set(pressure)
		if pressure > 1 {
			a.requestLaunch(ctx)
		}
	}
}

// pressure computes spec §4.8's task-pressure formula: throughput =
// (executors per client * active clients) / avg_duration; toc = remaining /
// throughput; pressure = toc / (factor * avg_duration).
func (a *Autoscaler) pressure(ctx context.Context, active int) (float64, error) {
	avg := a.avgDuration()
	if avg <= 0 {
		// No completions observed yet: nothing to estimate from, so
		// report zero pressure rather than dividing by zero.
		return 0, nil
	}
	remaining, err := a.remain.IncompleteCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("autoscale: incomplete count: %w", err)
	}
	executorsPerNode := a.cfg.ExecutorsPerNode
	if executorsPerNode <= 0 {
		executorsPerNode = 1
	}
	throughput := float64(executorsPerNode*active) / avg.Seconds()
	if throughput <= 0 {
		return 0, nil
	}
	toc := float64(remaining) / throughput
	factor := a.cfg.Factor
	if factor <= 0 {
		factor = 1
	}
	return toc / (factor * avg.Seconds()), nil
}

func (a *Autoscaler) avgDuration() time.Duration {
	keys := a.durations.Keys()
	if len(keys) == 0 {
		return 0
	}
	var total time.Duration
	for _, k := range keys {
		if d, ok := a.durations.Peek(k); ok {
			total += d
		}
	}
	return total / time.Duration(len(keys))
}

// requestLaunch invokes the launcher through the circuit breaker,
// logging and skipping the cycle on failure (spec §7 LauncherError).
func (a *Autoscaler) requestLaunch(ctx context.Context) bool {
	_, err := a.breaker.Execute(func() (any, error) {
		return nil, a.launch.Launch(ctx)
	})
	if err != nil {
		metrics.AutoscaleLaunchFailuresTotal.Inc()
		a.logger.Error("launch failed, skipping cycle", "error", err)
		return false
	}
	metrics.AutoscaleLaunchesTotal.Inc()
	return true
}
