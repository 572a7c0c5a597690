package health_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/hypershell/hypershell/internal/health"
	"github.com/prometheus/client_golang/prometheus"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

func newTestChecker(p health.Pinger, backlog func() (int, int)) (*health.Checker, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	logger := slog.Default()
	return health.NewChecker(p, "sqlite", backlog, logger, reg), reg
}

func TestLiveness_AlwaysUp(t *testing.T) {
	c, _ := newTestChecker(&mockPinger{err: errors.New("db down")}, nil)

	result := c.Liveness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	if result.Checks != nil {
		t.Fatalf("expected no checks, got %v", result.Checks)
	}
}

func TestReadiness_StoreUp(t *testing.T) {
	c, reg := newTestChecker(&mockPinger{}, nil)

	result := c.Readiness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	db, ok := result.Checks["sqlite"]
	if !ok {
		t.Fatal("missing sqlite check")
	}
	if db.Status != "up" {
		t.Fatalf("expected sqlite up, got %s", db.Status)
	}

	gauge := testGauge(t, reg, "hypershell_health_check_up", "sqlite")
	if gauge != 1 {
		t.Fatalf("expected gauge 1, got %f", gauge)
	}
}

func TestReadiness_StoreDown(t *testing.T) {
	c, reg := newTestChecker(&mockPinger{err: errors.New("connection refused")}, nil)

	result := c.Readiness(context.Background())
	if result.Status != "down" {
		t.Fatalf("expected status down, got %s", result.Status)
	}
	db := result.Checks["sqlite"]
	if db.Status != "down" {
		t.Fatalf("expected sqlite down, got %s", db.Status)
	}
	if db.Error == "" {
		t.Fatal("expected error message")
	}

	gauge := testGauge(t, reg, "hypershell_health_check_up", "sqlite")
	if gauge != 0 {
		t.Fatalf("expected gauge 0, got %f", gauge)
	}
}

func TestReadiness_QueueSaturatedFailsReadiness(t *testing.T) {
	backlog := func() (int, int) { return 10, 10 }
	c, _ := newTestChecker(&mockPinger{}, backlog)

	result := c.Readiness(context.Background())
	if result.Status != "down" {
		t.Fatalf("expected status down when queue saturated, got %s", result.Status)
	}
	q := result.Checks["outbound_queue"]
	if q.Status != "down" {
		t.Fatalf("expected outbound_queue down, got %s", q.Status)
	}
}

func TestReadiness_QueueWithRoomIsUp(t *testing.T) {
	backlog := func() (int, int) { return 3, 10 }
	c, _ := newTestChecker(&mockPinger{}, backlog)

	result := c.Readiness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
}

func testGauge(t *testing.T, reg *prometheus.Registry, name, depLabel string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "dependency" && lp.GetValue() == depLabel {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{dependency=%q} not found", name, depLabel)
	return 0
}
