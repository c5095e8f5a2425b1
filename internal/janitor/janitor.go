// Package janitor runs the background sweep that keeps the trust cache
// free of expired grants and optionally reaps old terminal requests.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/execbroker/broker/internal/config"
	"github.com/execbroker/broker/internal/store"
	"github.com/execbroker/broker/internal/trust"
)

// Janitor periodically sweeps expired trust records and, optionally,
// reaps terminal requests older than a configured retention horizon.
type Janitor struct {
	expr           string
	retentionHours int
	trust          *trust.Cache
	store          *store.Store

	now          func() time.Time
	pollInterval time.Duration
	nextRun      time.Time

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped chan struct{}
	running bool
}

// New builds a janitor from configuration.
func New(cfg config.JanitorConfig, t *trust.Cache, s *store.Store) *Janitor {
	expr := cfg.SweepExpr
	if expr == "" {
		expr = "0 * * * *"
	}
	return &Janitor{
		expr:           expr,
		retentionHours: cfg.RetentionHours,
		trust:          t,
		store:          s,
		now:            time.Now,
		pollInterval:   time.Second,
	}
}

// Start launches the sweep loop in the background. It is safe to call
// Start on an already-running janitor; the call is a no-op.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.stopCh = make(chan struct{})
	j.stopped = make(chan struct{})
	j.running = true

	go j.loop(j.stopCh, j.stopped)
	slog.Info("janitor started", "sweep_expr", j.expr)
}

// Stop halts the sweep loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh := j.stopCh
	stopped := j.stopped
	j.running = false
	j.mu.Unlock()

	close(stopCh)
	<-stopped
	slog.Info("janitor stopped")
}

func (j *Janitor) loop(stopCh <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(j.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			j.tick()
		}
	}
}

// tick checks whether the next scheduled sweep is due and, if so, runs
// it and computes the following one.
func (j *Janitor) tick() {
	now := j.now()

	if j.nextRun.IsZero() {
		next, err := gronx.NextTickAfter(j.expr, now, false)
		if err != nil {
			slog.Error("janitor: invalid sweep expression", "expr", j.expr, "error", err)
			return
		}
		j.nextRun = next
		return
	}

	if now.Before(j.nextRun) {
		return
	}

	if err := j.RunOnce(context.Background()); err != nil {
		slog.Warn("janitor: sweep failed", "error", err)
	}

	next, err := gronx.NextTickAfter(j.expr, now, false)
	if err != nil {
		slog.Error("janitor: invalid sweep expression", "expr", j.expr, "error", err)
		return
	}
	j.nextRun = next
}

// RunOnce runs a single sweep pass. Safe to call concurrently with
// itself and with every other broker operation (§5).
func (j *Janitor) RunOnce(ctx context.Context) error {
	now := j.now()

	removed, err := j.trust.Sweep(now)
	if err != nil {
		return err
	}
	if removed > 0 {
		slog.Info("janitor: swept expired trust records", "removed", removed)
	}

	if j.retentionHours <= 0 {
		return nil
	}
	cutoff := now.Add(-time.Duration(j.retentionHours) * time.Hour)
	reaped, err := j.store.ReapRequestsOlderThan(cutoff)
	if err != nil {
		return err
	}
	if reaped > 0 {
		slog.Info("janitor: reaped terminal requests", "removed", reaped, "cutoff", cutoff)
	}
	return nil
}
