package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"snowgate/internal/domain"
	licenseErrors "snowgate/internal/errors"
	"snowgate/internal/infrastructure"
	"snowgate/internal/license"
	"snowgate/internal/session"
)

// Result reports a granted reservation together with the usage counters
// observed at grant time. Used includes the newly created session.
type Result struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Unlimited bool   `json:"unlimited"`
}

// Usage is a read-only view of seat consumption for one role pool.
type Usage struct {
	Role      string `json:"role"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Unlimited bool   `json:"unlimited"`
}

// Ledger performs the check-and-reserve step between license validation and
// session creation. It owns no session state itself; the registry's active
// count is the usage counter, so a reclaimed or terminated session frees its
// seat with no bookkeeping here.
type Ledger struct {
	registry session.Store
	licenses license.ManagerInterface

	mu     sync.Mutex
	locks  map[poolKey]chan struct{}
	wait   time.Duration
	logger *slog.Logger

	metrics *infrastructure.GateMetrics
	now     func() time.Time
}

type poolKey struct {
	org  string
	role domain.Role
}

// New creates a ledger over the given registry and license manager. wait
// bounds how long a reservation may block on another in-flight reservation
// for the same pool before failing fast.
func New(registry session.Store, licenses license.ManagerInterface, wait time.Duration, metrics *infrastructure.GateMetrics, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		registry: registry,
		licenses: licenses,
		locks:    make(map[poolKey]chan struct{}),
		wait:     wait,
		logger:   logger.With(slog.String("component", "capacity_ledger")),
		metrics:  metrics,
		now:      time.Now,
	}
}

// CheckAndReserve atomically checks seat availability for the session's
// (organization, role) pool and, if a seat is free, registers the session.
// Exactly one of any number of concurrent claimants gets the last seat.
//
// The license grant is re-resolved on every call so an expired license denies
// new reservations immediately, fail closed. Existing sessions are not
// affected.
func (l *Ledger) CheckAndReserve(ctx context.Context, s *domain.Session) (*Result, error) {
	start := l.now()
	pool := poolKey{org: s.OrganizationID, role: s.Role.SeatRole()}

	release, err := l.acquire(ctx, pool)
	if err != nil {
		l.recordDenial(ctx, pool, "contended")
		l.logger.WarnContext(ctx, "seat reservation contended",
			slog.String("organization_id", pool.org),
			slog.String("role", string(pool.role)),
			slog.Duration("waited", l.now().Sub(start)))
		return nil, err
	}
	defer release()

	grant, err := l.licenses.GrantForOrg(ctx, s.OrganizationID)
	if err != nil {
		l.recordDenial(ctx, pool, "license")
		return nil, err
	}
	if err := grant.Valid(l.now()); err != nil {
		l.recordDenial(ctx, pool, "license")
		return nil, err
	}

	limit := grant.SeatLimit(pool.role)
	active := l.registry.ListActive(ctx, pool.org, pool.role, l.now())
	used := len(active)

	if limit != license.UnlimitedSeats && used >= limit {
		l.recordDenial(ctx, pool, "capacity")
		l.logger.WarnContext(ctx, "seat reservation denied",
			slog.String("organization_id", pool.org),
			slog.String("role", string(pool.role)),
			slog.Int("used", used),
			slog.Int("limit", limit))
		return nil, licenseErrors.NewCapacityError(pool.org, string(pool.role), used, limit)
	}

	id, err := l.registry.Create(ctx, s)
	if err != nil {
		l.recordDenial(ctx, pool, "registry")
		return nil, err
	}

	if l.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("organization_id", pool.org),
			attribute.String("role", string(pool.role)))
		l.metrics.SeatReservations.Add(ctx, 1, attrs)
		l.metrics.SessionsActive.Add(ctx, 1, attrs)
		l.metrics.ReserveDuration.Record(ctx, l.now().Sub(start).Seconds(), attrs)
	}

	l.logger.InfoContext(ctx, "seat reserved",
		slog.String("session_id", id),
		slog.String("organization_id", pool.org),
		slog.String("role", string(pool.role)),
		slog.Int("used", used+1),
		slog.Int("limit", limit))

	return &Result{
		SessionID: id,
		Role:      string(pool.role),
		Used:      used + 1,
		Limit:     limit,
		Unlimited: limit == license.UnlimitedSeats,
	}, nil
}

// Peek reports current usage for one role pool without reserving anything.
// The answer is advisory: a seat visible here can be taken before the caller
// connects.
func (l *Ledger) Peek(ctx context.Context, organizationID string, role domain.Role) (*Usage, error) {
	grant, err := l.licenses.GrantForOrg(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	pool := role.SeatRole()
	limit := grant.SeatLimit(pool)
	used := len(l.registry.ListActive(ctx, organizationID, pool, l.now()))
	return &Usage{
		Role:      string(pool),
		Used:      used,
		Limit:     limit,
		Unlimited: limit == license.UnlimitedSeats,
	}, nil
}

// PeekAll reports usage for every seat pool of the organization.
func (l *Ledger) PeekAll(ctx context.Context, organizationID string) ([]*Usage, error) {
	var out []*Usage
	for _, role := range []domain.Role{domain.RoleDeveloper, domain.RoleStakeholder} {
		u, err := l.Peek(ctx, organizationID, role)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// acquire takes the pool's reservation lock, waiting at most l.wait. A
// timeout means another reservation holds the pool; the caller retries
// rather than queueing behind it.
func (l *Ledger) acquire(ctx context.Context, pool poolKey) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[pool]
	if !ok {
		lock = make(chan struct{}, 1)
		l.locks[pool] = lock
	}
	l.mu.Unlock()

	var timeout <-chan time.Time
	if l.wait > 0 {
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-timeout:
		return nil, licenseErrors.ErrReservationContended
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Ledger) recordDenial(ctx context.Context, pool poolKey, reason string) {
	if l.metrics == nil {
		return
	}
	l.metrics.SeatDenials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("organization_id", pool.org),
		attribute.String("role", string(pool.role)),
		attribute.String("reason", reason)))
}
