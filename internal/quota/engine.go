// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/xg2g/internal/config"
	"github.com/ManuGH/xg2g/internal/log"
	"github.com/ManuGH/xg2g/internal/metrics"
)

const (
	CodeMonthlyVFExceeded       = "MONTHLY_VF_EXCEEDED"
	CodeDailyGenerationExceeded = "DAILY_GENERATION_EXCEEDED"
)

// ErrUnknownEngine is returned when a reservation names an engine missing
// from the configured rate table.
var ErrUnknownEngine = errors.New("quota: unknown engine")

// Engine implements the idempotent Reserve/Commit/Revert accounting
// protocol in front of per-user monthly/daily usage limits.
type Engine struct {
	store  Store
	cfg    *config.AppConfig
	clock  func() time.Time
	admins map[string]bool

	uidLocks sync.Map // map[string]*sync.Mutex
}

// New builds a quota engine over the given store and app configuration
// (engine rate table, admin UID allowlist).
func New(store Store, cfg *config.AppConfig) *Engine {
	admins := make(map[string]bool, len(cfg.AdminUIDs))
	for _, uid := range cfg.AdminUIDs {
		admins[uid] = true
	}
	return &Engine{store: store, cfg: cfg, clock: time.Now, admins: admins}
}

// lockUID returns the mutex serializing all Reserve calls for one uid. Two
// Reserve calls for the same uid but different requestIDs must never run
// reserveLocked concurrently: each reads the monthly/daily usage documents,
// decides admission against them, and writes back a new snapshot, which is
// a classic read-then-write race if two requests overlap.
func (e *Engine) lockUID(uid string) *sync.Mutex {
	v, _ := e.uidLocks.LoadOrStore(uid, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Reserve admits or rejects a prospective synthesis request of the given
// character length on the given engine, for (uid, requestID). It is
// idempotent: calling it twice for the same (uid, requestID) returns the
// first reservation's outcome without double-charging. The whole
// check-mutate-commit sequence runs inside the uid's critical section, so
// concurrent Reserve calls for the same uid with different requestIDs are
// serialized rather than racing on a stale usage snapshot.
func (e *Engine) Reserve(ctx context.Context, uid, requestID, engine string, chars int64) (Reservation, error) {
	mu := e.lockUID(uid)
	mu.Lock()
	defer mu.Unlock()

	if existing, ok, err := e.store.GetEvent(ctx, uid, requestID); err != nil {
		return Reservation{}, err
	} else if ok && (existing.Status == EventReserved || existing.Status == EventCommitted) {
		return Reservation{Event: existing, Allowed: true}, nil
	}

	return e.reserveLocked(ctx, uid, requestID, engine, chars)
}

// maxReserveConflictRetries bounds how many times reserveLocked re-reads and
// recomputes after a durable backend reports CommitReservation lost an
// optimistic-concurrency race (see quota.ErrConflict), mirroring the
// RedisStore's own maxOptimisticRetries for UpdateEvent/AdjustUsage.
const maxReserveConflictRetries = 5

func (e *Engine) reserveLocked(ctx context.Context, uid, requestID, engine string, chars int64) (Reservation, error) {
	for attempt := 0; attempt < maxReserveConflictRetries; attempt++ {
		res, err := e.attemptReserve(ctx, uid, requestID, engine, chars)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return res, err
	}
	return Reservation{}, fmt.Errorf("quota: reservation for %s exceeded %d conflict retries", uid, maxReserveConflictRetries)
}

// attemptReserve reads the entitlement and current monthly/daily usage,
// decides admission, and commits the updated documents in one pass. The
// read-decide-write sequence is not itself atomic against a concurrent
// writer on another gateway instance; it relies on the caller holding the
// uid's in-process lock (covering MemoryStore/SQLiteStore, which are
// already fully serialized) and on CommitReservation's own
// WATCH-guarded transaction to detect and reject a cross-instance race
// (RedisStore), surfacing quota.ErrConflict for reserveLocked to retry.
func (e *Engine) attemptReserve(ctx context.Context, uid, requestID, engine string, chars int64) (Reservation, error) {
	logger := log.WithComponent("quota.engine")

	rate, ok := e.cfg.EngineRates[engine]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %s", ErrUnknownEngine, engine)
	}
	cost := vfCost(chars, rate)

	now := e.clock()
	monthlyPeriod, dailyPeriod := monthPeriod(now), dayPeriod(now)

	bypass := e.admins[uid]

	monthly, err := e.store.GetMonthlyUsage(ctx, uid, monthlyPeriod)
	if err != nil {
		return Reservation{}, err
	}
	daily, err := e.store.GetDailyUsage(ctx, uid, dailyPeriod)
	if err != nil {
		return Reservation{}, err
	}

	if !bypass {
		ent, found, err := e.store.GetEntitlement(ctx, uid)
		if err != nil {
			return Reservation{}, err
		}
		if !found {
			ent = Entitlement{UID: uid}
		}

		if ent.MonthlyVFLimit-monthly.VFUsed < cost {
			metrics.RecordQuotaReservation("monthly_exceeded")
			return e.recordRejection(ctx, uid, requestID, engine, chars, cost, monthlyPeriod, dailyPeriod, CodeMonthlyVFExceeded, now)
		}
		if ent.DailyGenerationCap-daily.GenerationCount < 1 {
			metrics.RecordQuotaReservation("daily_exceeded")
			return e.recordRejection(ctx, uid, requestID, engine, chars, cost, monthlyPeriod, dailyPeriod, CodeDailyGenerationExceeded, now)
		}
	}

	event := UsageEvent{
		UID: uid, RequestID: requestID, Status: EventReserved,
		Engine: engine, Chars: chars, VFCost: cost,
		MonthlyPeriod: monthlyPeriod, DailyPeriod: dailyPeriod,
		CreatedAt: now, UpdatedAt: now,
	}
	if bypass {
		event.BypassReason = "admin_allowlist"
	}

	monthly.add(engine, cost, chars, 1)
	daily.add(engine, cost, chars, 1)

	if err := e.store.CommitReservation(ctx, event, monthly, daily); err != nil {
		return Reservation{}, err
	}

	logger.Info().Str("event", "quota.reserved").Str("uid", uid).Str("requestId", requestID).
		Str("engine", engine).Int64("vfCost", cost).Bool("bypass", bypass).Msg("reservation admitted")
	outcome := "admitted"
	if bypass {
		outcome = "admitted_bypass"
	}
	metrics.RecordQuotaReservation(outcome)

	return Reservation{Event: event, Allowed: true}, nil
}

func (e *Engine) recordRejection(ctx context.Context, uid, requestID, engine string, chars, cost int64, monthlyPeriod, dailyPeriod, code string, now time.Time) (Reservation, error) {
	event := UsageEvent{
		UID: uid, RequestID: requestID, Status: EventReverted,
		Engine: engine, Chars: chars, VFCost: cost,
		MonthlyPeriod: monthlyPeriod, DailyPeriod: dailyPeriod,
		CreatedAt: now, UpdatedAt: now,
	}
	return Reservation{Event: event, Allowed: false, Code: code}, nil
}

// Commit finalizes a reserved event as committed. Committing an
// already-committed event is a no-op; committing an unknown or reverted
// event is an error.
func (e *Engine) Commit(ctx context.Context, uid, requestID string) (UsageEvent, error) {
	return e.store.UpdateEvent(ctx, uid, requestID, func(ev *UsageEvent) error {
		switch ev.Status {
		case EventCommitted:
			return nil
		case EventReserved:
			ev.Status = EventCommitted
			ev.UpdatedAt = e.clock()
			return nil
		default:
			return fmt.Errorf("quota: cannot commit event in status %q", ev.Status)
		}
	})
}

// Revert undoes a reserved (but not yet committed) event: its charged
// vf/char/generation deltas are subtracted back out of the monthly and
// daily usage counters, clamped at zero, and the event is marked reverted.
// Reverting an already-reverted event is a no-op.
func (e *Engine) Revert(ctx context.Context, uid, requestID string) (UsageEvent, error) {
	ev, ok, err := e.store.GetEvent(ctx, uid, requestID)
	if err != nil {
		return UsageEvent{}, err
	}
	if !ok {
		return UsageEvent{}, fmt.Errorf("quota: no such event %s/%s", uid, requestID)
	}
	if ev.Status == EventReverted {
		return ev, nil
	}
	if ev.Status == EventCommitted {
		return UsageEvent{}, errors.New("quota: cannot revert a committed event")
	}

	if err := e.store.AdjustUsage(ctx, uid, ev.MonthlyPeriod, ev.DailyPeriod, ev.Engine, -ev.VFCost, -ev.Chars, -1); err != nil {
		return UsageEvent{}, err
	}

	return e.store.UpdateEvent(ctx, uid, requestID, func(e2 *UsageEvent) error {
		e2.Status = EventReverted
		e2.UpdatedAt = time.Now()
		return nil
	})
}

// usageRetention bounds how long a daily-usage document or a settled usage
// event is kept once its period/creation time has passed; SweepExpired uses
// it to compute the cutoffs passed to the store.
const usageRetention = 90 * 24 * time.Hour

// SweepExpired removes daily-usage documents and settled (committed or
// reverted) usage events older than usageRetention, returning how many
// documents the store deleted. Intended to run on a periodic schedule
// rather than per-request.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	cutoff := e.clock().Add(-usageRetention)
	return e.store.SweepExpired(ctx, dayPeriod(cutoff), cutoff)
}

func (u *MonthlyUsage) add(engine string, vf, chars, generations int64) {
	if u.PerEngine == nil {
		u.PerEngine = map[string]Cost{}
	}
	u.VFUsed += vf
	u.GenerationCount += generations
	c := u.PerEngine[engine]
	c.VF += vf
	c.Chars += chars
	u.PerEngine[engine] = c
}

func (u *DailyUsage) add(engine string, vf, chars, generations int64) {
	if u.PerEngine == nil {
		u.PerEngine = map[string]Cost{}
	}
	u.VFUsed += vf
	u.GenerationCount += generations
	c := u.PerEngine[engine]
	c.VF += vf
	c.Chars += chars
	u.PerEngine[engine] = c
}
