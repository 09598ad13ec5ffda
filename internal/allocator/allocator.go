// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package allocator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/xg2g/internal/config"
	"github.com/ManuGH/xg2g/internal/errorkind"
	"github.com/ManuGH/xg2g/internal/keyfp"
	"github.com/ManuGH/xg2g/internal/log"
	"github.com/ManuGH/xg2g/internal/metrics"
)

const (
	authDisableCooldown  = 10 * time.Minute
	rateLimitBlockWindow = 5 * time.Second
	pollInterval         = 25 * time.Millisecond
)

// Allocator is the rate-aware multi-key admission gate described by the
// allocator component: it tracks a rolling RPM/TPM window per (key, model)
// lane, round-robins across keys, and exposes a bounded speaker->key
// affinity hint. All mutable state is guarded by mu.
type Allocator struct {
	mu sync.Mutex

	keys  []*keyState
	lanes map[laneKey]*lane

	limits config.AllocatorLimits

	cursor   uint64
	affinity interface {
		Get(string) (int, bool)
		Add(string, int) bool
		Remove(string) bool
	}

	clock func() time.Time
}

// Option configures an Allocator at construction time.
type Option func(*Allocator)

// WithAffinityCapacity overrides the default speaker->key hint cache size.
func WithAffinityCapacity(n int) Option {
	return func(a *Allocator) { a.affinity = newAffinityCache(n) }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(fn func() time.Time) Option {
	return func(a *Allocator) { a.clock = fn }
}

// New builds an Allocator over the given pool of raw API keys and the
// current allocator limits document.
func New(keys []string, limits config.AllocatorLimits, opts ...Option) (*Allocator, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("allocator: key pool is empty")
	}
	a := &Allocator{
		keys:     make([]*keyState, len(keys)),
		lanes:    make(map[laneKey]*lane),
		limits:   limits,
		affinity: newAffinityCache(defaultAffinityCapacity),
		clock:    time.Now,
	}
	for i, k := range keys {
		a.keys[i] = &keyState{token: k, fingerprint: keyfp.Fingerprint(k)}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// PoolSize returns the number of keys in the pool.
func (a *Allocator) PoolSize() int {
	return len(a.keys)
}

// SetLimits swaps in a reloaded allocator limits document. Existing lane
// windows are preserved; only the budgets they are checked against change.
func (a *Allocator) SetLimits(limits config.AllocatorLimits) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limits = limits
}

// ReloadKeys swaps in a freshly loaded key pool (e.g. after the guardian's
// refresh-pool action observes the underlying file changed). Lanes for keys
// that remain in the new pool keep their rolling windows (moved to the key's
// new position); lanes for keys no longer present are dropped.
func (a *Allocator) ReloadKeys(keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("allocator: reload key pool is empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	old := a.keys
	a.keys = make([]*keyState, len(keys))
	remapped := make(map[laneKey]*lane, len(a.lanes))
	for i, k := range keys {
		a.keys[i] = &keyState{token: k, fingerprint: keyfp.Fingerprint(k)}
		for lk, l := range a.lanes {
			if lk.keyIndex < len(old) && old[lk.keyIndex].token == k {
				remapped[laneKey{keyIndex: i, model: lk.model}] = l
			}
		}
	}
	a.lanes = remapped
	return nil
}

// AcquireForTask resolves the task's routed model list from the current
// limits document and delegates to AcquireForModels.
func (a *Allocator) AcquireForTask(ctx context.Context, task config.Task, speakerHint string, estimatedTokens int) (*AcquireResult, error) {
	a.mu.Lock()
	models := append([]string(nil), a.limits.RouteFor(task)...)
	a.mu.Unlock()
	if len(models) == 0 {
		return nil, fmt.Errorf("allocator: no models routed for task %q", task)
	}
	return a.AcquireForModels(ctx, models, speakerHint, estimatedTokens)
}

// AcquireForModels attempts to admit a request against the given
// route-ordered candidate models, honoring per-(key,model) rolling-window
// RPM/TPM budgets, key health, and round-robin fairness. It blocks,
// polling at pollInterval, until a lane is ready or the document's
// DefaultWaitTimeoutMs (or ctx) is exhausted.
func (a *Allocator) AcquireForModels(ctx context.Context, models []string, speakerHint string, estimatedTokens int) (*AcquireResult, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("allocator: empty model candidate list")
	}
	logger := log.WithComponent("allocator")

	deadline := a.clock().Add(a.waitTimeout())
	start := a.clock()

	for {
		lease, waitMs, ready := a.tryAcquire(models, speakerHint, estimatedTokens)
		if ready {
			waited := a.clock().Sub(start)
			metrics.RecordAllocatorAcquire(lease.Model, "ok", waited.Seconds())
			return &AcquireResult{Lease: lease, WaitedMs: waited.Milliseconds()}, nil
		}

		now := a.clock()
		if !now.Before(deadline) {
			metrics.RecordAllocatorAcquire(models[0], "timed_out", now.Sub(start).Seconds())
			logger.Warn().Str("event", "allocator.acquire_timeout").
				Strs("models", models).Msg("no lane became ready before timeout")
			return &AcquireResult{
				WaitedMs:     now.Sub(start).Milliseconds(),
				RetryAfterMs: waitMs,
				TimedOut:     true,
			}, nil
		}

		sleep := pollInterval
		if waitMs > 0 && time.Duration(waitMs)*time.Millisecond < sleep {
			sleep = time.Duration(waitMs) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// tryAcquire makes one non-blocking pass over the candidate models and
// keys. It returns a granted Lease and ready=true on success, or the
// minimum observed wait in milliseconds across all examined lanes.
func (a *Allocator) tryAcquire(models []string, speakerHint string, estimatedTokens int) (*Lease, int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	var minWaitMs int64 = -1

	order := a.candidateKeyOrder(speakerHint)

	for _, model := range models {
		ml, ok := a.limits.ModelByID(model)
		if !ok {
			continue
		}
		for _, idx := range order {
			ks := a.keys[idx]
			if ks.authDisabled(now) {
				continue
			}
			l := a.laneFor(idx, model)
			l.rollover(now, time.Duration(a.limits.WindowSeconds)*time.Second)

			windowDur := time.Duration(a.limits.WindowSeconds) * time.Second
			waitMs := laneReadyWaitMs(l, ml, now, windowDur, estimatedTokens)
			if waitMs == 0 {
				l.countedRequests++
				l.countedTokens += estimatedTokens
				l.inFlightRequests++
				l.inFlightTokens += estimatedTokens
				ks.inFlight++
				ks.requests++
				if speakerHint != "" {
					a.affinity.Add(speakerHint, idx)
				}
				a.cursor = uint64(idx + 1)
				metrics.SetLaneInFlight(ks.fingerprint, model, float64(l.inFlightRequests))
				return &Lease{
					Key:            ks.token,
					Model:          model,
					KeyIndex:       idx,
					ReservedTokens: estimatedTokens,
					ReservedAt:     now,
				}, 0, true
			}
			if minWaitMs == -1 || waitMs < minWaitMs {
				minWaitMs = waitMs
			}
		}
	}
	a.cursor++
	if minWaitMs == -1 {
		minWaitMs = pollInterval.Milliseconds()
	}
	return nil, minWaitMs, false
}

// candidateKeyOrder returns key indices starting from the affinity hint (if
// any and not disabled), followed by the remaining keys in round-robin
// order from the shared cursor.
func (a *Allocator) candidateKeyOrder(speakerHint string) []int {
	n := len(a.keys)
	order := make([]int, 0, n)
	seen := make(map[int]bool, n)

	if speakerHint != "" {
		if idx, ok := a.affinity.Get(speakerHint); ok && idx < n {
			order = append(order, idx)
			seen[idx] = true
		}
	}
	start := int(a.cursor % uint64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if !seen[idx] {
			order = append(order, idx)
			seen[idx] = true
		}
	}
	return order
}

func (a *Allocator) laneFor(keyIndex int, model string) *lane {
	lk := laneKey{keyIndex: keyIndex, model: model}
	l, ok := a.lanes[lk]
	if !ok {
		l = &lane{windowStart: a.clock()}
		a.lanes[lk] = l
	}
	return l
}

// laneReadyWaitMs returns 0 if the lane currently has budget for one more
// request of estimatedTokens, or the number of milliseconds until the lane
// becomes ready again otherwise (either a temporary rate-limit block or the
// rolling window's reset). The TPM check is prospective: a request whose own
// estimated cost would push the window over budget is not admitted, even if
// the window isn't already at or over budget.
func laneReadyWaitMs(l *lane, ml config.ModelLimits, now time.Time, windowDur time.Duration, estimatedTokens int) int64 {
	if now.Before(l.tempBlockUntil) {
		return l.tempBlockUntil.Sub(now).Milliseconds()
	}
	if l.countedRequests >= ml.RPM || l.countedTokens+estimatedTokens > ml.TPM {
		resetAt := l.windowStart.Add(windowDur)
		if resetAt.Before(now) {
			return 1
		}
		return resetAt.Sub(now).Milliseconds()
	}
	return 0
}

func (a *Allocator) waitTimeout() time.Duration {
	return time.Duration(a.limits.DefaultWaitTimeoutMs) * time.Millisecond
}

// Release returns a Lease to the pool, recording success or the given error
// classification against the issuing key's health counters. usedTokens is
// the actual token cost the upstream call reported (0 if unknown); the
// lane's counted-token budget is reconciled up to max(reservedTokens,
// usedTokens) so a call that used more than its estimate still debits the
// TPM window correctly, while a call that used less never earns tokens back
// mid-window (the reservation already claimed that budget).
func (a *Allocator) Release(lease *Lease, kind errorkind.Kind, usedTokens int) {
	if lease == nil || lease.released {
		return
	}
	lease.released = true

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	ks := a.keys[lease.KeyIndex]
	ks.inFlight--
	if ks.inFlight < 0 {
		ks.inFlight = 0
	}

	l := a.laneFor(lease.KeyIndex, lease.Model)
	l.inFlightRequests--
	if l.inFlightRequests < 0 {
		l.inFlightRequests = 0
	}
	l.inFlightTokens -= lease.ReservedTokens
	if l.inFlightTokens < 0 {
		l.inFlightTokens = 0
	}
	if usedTokens > lease.ReservedTokens {
		l.countedTokens += usedTokens - lease.ReservedTokens
	}

	switch kind {
	case errorkind.None:
		ks.successes++
	case errorkind.Auth:
		ks.failures++
		ks.authFailures++
		ks.authDisabledUntil = now.Add(authDisableCooldown)
		a.evictAffinityFor(lease.KeyIndex)
		metrics.SetKeyStatus(ks.fingerprint, allKeyStatuses, string(KeyAuthIssue))
	case errorkind.RateLimit:
		ks.failures++
		ks.rateLimitStrikes++
		l.tempBlockUntil = now.Add(rateLimitBlockWindow)
		metrics.SetKeyStatus(ks.fingerprint, allKeyStatuses, string(KeyRateLimited))
	default:
		ks.failures++
	}
	metrics.SetLaneInFlight(ks.fingerprint, lease.Model, float64(l.inFlightRequests))
}

var allKeyStatuses = []string{string(KeyHealthy), string(KeyInFlight), string(KeyRateLimited), string(KeyAuthIssue)}

// evictAffinityFor removes any speaker hints pointing at the given key
// index. Must be called with mu held.
func (a *Allocator) evictAffinityFor(keyIndex int) {
	for _, speaker := range a.affinity.Keys() {
		if idx, ok := a.affinity.Peek(speaker); ok && idx == keyIndex {
			a.affinity.Remove(speaker)
		}
	}
}

// Snapshot returns a read-only view of all key and lane state for
// admin/guardian consumption.
func (a *Allocator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	snap := Snapshot{NextIndex: a.cursor}

	modelTotals := make(map[string]*ModelSnapshot)

	for _, ks := range a.keys {
		status := KeyHealthy
		switch {
		case ks.authDisabled(now):
			status = KeyAuthIssue
		case ks.inFlight > 0:
			status = KeyInFlight
		}
		if status == KeyHealthy {
			snap.HealthyKeys++
		} else {
			snap.AtLimitKeys++
		}
		snap.InFlightTotal += ks.inFlight
		snap.Keys = append(snap.Keys, KeySnapshot{
			Fingerprint:       ks.fingerprint,
			Status:            status,
			InFlight:          ks.inFlight,
			Requests:          ks.requests,
			Successes:         ks.successes,
			Failures:          ks.failures,
			AuthFailures:      ks.authFailures,
			RateLimitStrikes:  ks.rateLimitStrikes,
			AuthDisabledUntil: ks.authDisabledUntil,
		})
	}

	windowDur := time.Duration(a.limits.WindowSeconds) * time.Second
	for lk, l := range a.lanes {
		ks := a.keys[lk.keyIndex]
		resetIn := windowDur - now.Sub(l.windowStart)
		if resetIn < 0 {
			resetIn = 0
		}
		snap.Lanes = append(snap.Lanes, LaneSnapshot{
			KeyFingerprint:  ks.fingerprint,
			Model:           lk.model,
			WindowResetInMs: resetIn.Milliseconds(),
			CountedRequests: l.countedRequests,
			CountedTokens:   l.countedTokens,
			InFlightReqs:    l.inFlightRequests,
			InFlightTokens:  l.inFlightTokens,
		})

		ml, ok := a.limits.ModelByID(lk.model)
		if !ok {
			continue
		}
		mt, ok := modelTotals[lk.model]
		if !ok {
			mt = &ModelSnapshot{Model: lk.model, RPM: ml.RPM, TPM: ml.TPM}
			modelTotals[lk.model] = mt
		}
		mt.TotalCounted += l.countedRequests
		mt.TotalInFlight += l.inFlightRequests
	}
	for _, mt := range modelTotals {
		snap.Models = append(snap.Models, *mt)
	}
	return snap
}
