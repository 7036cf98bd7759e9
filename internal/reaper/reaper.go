// Package reaper periodically reclaims seats from sessions whose clients
// vanished without disconnecting. Staleness is judged by the same policy the
// capacity ledger uses, so a seat the ledger already ignores is physically
// freed on the next sweep.
package reaper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"snowgate/internal/infrastructure"
	"snowgate/internal/session"
)

// Reaper sweeps the session registry on a fixed interval.
type Reaper struct {
	registry session.Store
	interval time.Duration
	logger   *slog.Logger
	metrics  *infrastructure.GateMetrics
	now      func() time.Time

	lastSweep atomic.Int64
}

// New creates a reaper over the registry. interval is how often sweeps run.
func New(registry session.Store, interval time.Duration, metrics *infrastructure.GateMetrics, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		interval: interval,
		logger:   logger.With(slog.String("component", "session_reaper")),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Run sweeps until the context is cancelled. Blocking; callers run it in a
// goroutine.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.InfoContext(ctx, "session reaper started",
		slog.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "session reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep reclaims every session that is stale right now and reports how many
// were reclaimed. A session touched between the snapshot and its conditional
// delete survives; the lost race costs nothing and the session is looked at
// again next sweep.
func (r *Reaper) Sweep(ctx context.Context) int {
	start := r.now()
	reclaimed := 0

	for _, s := range r.registry.Snapshot(ctx) {
		if !r.registry.Policy().Stale(s, start) && !s.Expired(start) {
			continue
		}
		deleted, err := r.registry.DeleteIfStale(ctx, s.ID, r.now())
		if err != nil {
			r.logger.ErrorContext(ctx, "sweep delete failed",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()))
			continue
		}
		if !deleted {
			continue
		}
		reclaimed++

		r.logger.InfoContext(ctx, "session reclaimed",
			slog.String("reason", "reaped"),
			slog.String("session_id", s.ID),
			slog.String("organization_id", s.OrganizationID),
			slog.String("role", string(s.Role)),
			slog.Time("last_activity_at", s.LastActivityAt),
			slog.Duration("idle", start.Sub(s.LastActivityAt)))

		if r.metrics != nil {
			attrs := metric.WithAttributes(
				attribute.String("organization_id", s.OrganizationID),
				attribute.String("role", string(s.Role.SeatRole())))
			r.metrics.SessionsReclaimed.Add(ctx, 1, attrs)
			r.metrics.SessionsActive.Add(ctx, -1, attrs)
		}
	}

	r.lastSweep.Store(start.UnixNano())
	if r.metrics != nil {
		r.metrics.SweepDuration.Record(ctx, r.now().Sub(start).Seconds())
	}
	if reclaimed > 0 {
		r.logger.InfoContext(ctx, "sweep finished",
			slog.Int("reclaimed", reclaimed),
			slog.Int("remaining", r.registry.Len()))
	}
	return reclaimed
}

// LastSweep returns when the most recent sweep started, zero if none ran yet.
// Used by the health service to report reaper liveness.
func (r *Reaper) LastSweep() time.Time {
	n := r.lastSweep.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
