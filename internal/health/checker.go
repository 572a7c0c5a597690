package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pinger is satisfied by the store's underlying connection (*pgxpool.Pool
// for Postgres, *sql.DB for SQLite).
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckResult represents the health of a single dependency.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResult is the top-level health response.
type HealthResult struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker verifies that the configured store is reachable, and that the
// outbound queue is not saturated (spec's readyz semantics: a dispatcher
// that cannot make forward progress should fail readiness).
type Checker struct {
	db           Pinger
	dbName       string
	queueBacklog func() (depth, capacity int)
	logger       *slog.Logger
	gauge        *prometheus.GaugeVec
}

// NewChecker creates a health checker and registers its Prometheus gauge.
// dbName labels the store dependency ("postgres" or "sqlite"). queueBacklog
// may be nil if no outbound queue is relevant (e.g. a standalone client).
func NewChecker(db Pinger, dbName string, queueBacklog func() (depth, capacity int), logger *slog.Logger, reg prometheus.Registerer) *Checker {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hypershell",
		Name:      "health_check_up",
		Help:      "Whether a dependency is reachable. 1 = up, 0 = down.",
	}, []string{"dependency"})
	reg.MustRegister(gauge)

	return &Checker{
		db:           db,
		dbName:       dbName,
		queueBacklog: queueBacklog,
		logger:       logger.With("component", "health"),
		gauge:        gauge,
	}
}

// Liveness returns a simple "up" response if the process is running.
func (c *Checker) Liveness(_ context.Context) HealthResult {
	return HealthResult{Status: "up"}
}

// Readiness pings the store and reports the outbound queue's backlog.
func (c *Checker) Readiness(ctx context.Context) HealthResult {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result := HealthResult{
		Status: "up",
		Checks: make(map[string]CheckResult),
	}

	if err := c.db.Ping(checkCtx); err != nil {
		c.logger.Warn("store health check failed", "dependency", c.dbName, "error", err)
		result.Status = "down"
		result.Checks[c.dbName] = CheckResult{Status: "down", Error: err.Error()}
		c.gauge.WithLabelValues(c.dbName).Set(0)
	} else {
		result.Checks[c.dbName] = CheckResult{Status: "up"}
		c.gauge.WithLabelValues(c.dbName).Set(1)
	}

	if c.queueBacklog != nil {
		depth, capacity := c.queueBacklog()
		if capacity > 0 && depth >= capacity {
			result.Status = "down"
			result.Checks["outbound_queue"] = CheckResult{Status: "down", Error: "queue saturated"}
			c.gauge.WithLabelValues("outbound_queue").Set(0)
		} else {
			result.Checks["outbound_queue"] = CheckResult{Status: "up"}
			c.gauge.WithLabelValues("outbound_queue").Set(1)
		}
	}

	return result
}
