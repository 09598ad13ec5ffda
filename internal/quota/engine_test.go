// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/xg2g/internal/config"
)

func testConfig(adminUIDs ...string) *config.AppConfig {
	cfg := config.DefaultAppConfig()
	cfg.EngineRates = map[string]float64{"GEM": 1.0, "KOKORO": 0.0, "XTTS": 1.0}
	cfg.AdminUIDs = adminUIDs
	return &cfg
}

func TestReserve_AdmitsWithinLimits(t *testing.T) {
	store := NewMemoryStore()
	store.SeedEntitlement(Entitlement{UID: "u1", MonthlyVFLimit: 1000, DailyGenerationCap: 10})
	e := New(store, testConfig())

	res, err := e.Reserve(context.Background(), "u1", "req-1", "GEM", 100)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(100), res.Event.VFCost)
	assert.Equal(t, EventReserved, res.Event.Status)

	monthly, err := store.GetMonthlyUsage(context.Background(), "u1", res.Event.MonthlyPeriod)
	require.NoError(t, err)
	assert.Equal(t, int64(100), monthly.VFUsed)
	assert.Equal(t, int64(1), monthly.GenerationCount)
}

func TestReserve_IsIdempotentOnRepeatedRequestID(t *testing.T) {
	store := NewMemoryStore()
	store.SeedEntitlement(Entitlement{UID: "u1", MonthlyVFLimit: 1000, DailyGenerationCap: 10})
	e := New(store, testConfig())

	first, err := e.Reserve(context.Background(), "u1", "req-1", "GEM", 100)
	require.NoError(t, err)

	second, err := e.Reserve(context.Background(), "u1", "req-1", "GEM", 100)
	require.NoError(t, err)
	assert.Equal(t, first.Event, second.Event)

	monthly, err := store.GetMonthlyUsage(context.Background(), "u1", first.Event.MonthlyPeriod)
	require.NoError(t, err)
	assert.Equal(t, int64(100), monthly.VFUsed, "second reserve must not double-charge")
}

func TestReserve_RejectsWhenMonthlyVFExceeded(t *testing.T) {
	store := NewMemoryStore()
	store.SeedEntitlement(Entitlement{UID: "u1", MonthlyVFLimit: 50, DailyGenerationCap: 10})
	e := New(store, testConfig())

	res, err := e.Reserve(context.Background(), "u1", "req-1", "GEM", 100)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, CodeMonthlyVFExceeded, res.Code)

	monthly, err := store.GetMonthlyUsage(context.Background(), "u1", monthPeriod(e.clock()))
	require.NoError(t, err)
	assert.Equal(t, int64(0), monthly.VFUsed, "rejected reservation must not charge usage")
}

func TestReserve_RejectsWhenDailyGenerationExceeded(t *testing.T) {
	store := NewMemoryStore()
	store.SeedEntitlement(Entitlement{UID: "u1", MonthlyVFLimit: 100000, DailyGenerationCap: 1})
	e := New(store, testConfig())

	res1, err := e.Reserve(context.Background(), "u1", "req-1", "GEM", 10)
	require.NoError(t, err)
	require.True(t, res1.Allowed)

	res2, err := e.Reserve(context.Background(), "u1", "req-2", "GEM", 10)
	require.NoError(t, err)
	assert.False(t, res2.Allowed)
	assert.Equal(t, CodeDailyGenerationExceeded, res2.Code)
}

func TestReserve_AdminBypassSkipsLimitChecks(t *testing.T) {
	store := NewMemoryStore()
	store.SeedEntitlement(Entitlement{UID: "admin-1", MonthlyVFLimit: 1, DailyGenerationCap: 0})
	e := New(store, testConfig("admin-1"))

	res, err := e.Reserve(context.Background(), "admin-1", "req-1", "GEM", 1_000_000)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "admin_allowlist", res.Event.BypassReason)
}

func TestCommit_TransitionsReservedToCommitted(t *testing.T) {
	store := NewMemoryStore()
	store.SeedEntitlement(Entitlement{UID: "u1", MonthlyVFLimit: 1000, DailyGenerationCap: 10})
	e := New(store, testConfig())

	_, err := e.Reserve(context.Background(), "u1", "req-1", "GEM", 100)
	require.NoError(t, err)

	ev, err := e.Commit(context.Background(), "u1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, EventCommitted, ev.Status)

	// Committing again is a no-op, not an error.
	ev2, err := e.Commit(context.Background(), "u1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, EventCommitted, ev2.Status)
}

func TestRevert_RefundsUsageAndClampsAtZero(t *testing.T) {
	store := NewMemoryStore()
	store.SeedEntitlement(Entitlement{UID: "u1", MonthlyVFLimit: 1000, DailyGenerationCap: 10})
	e := New(store, testConfig())

	res, err := e.Reserve(context.Background(), "u1", "req-1", "GEM", 100)
	require.NoError(t, err)

	ev, err := e.Revert(context.Background(), "u1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, EventReverted, ev.Status)

	monthly, err := store.GetMonthlyUsage(context.Background(), "u1", res.Event.MonthlyPeriod)
	require.NoError(t, err)
	assert.Equal(t, int64(0), monthly.VFUsed)
	assert.Equal(t, int64(0), monthly.GenerationCount)

	// Reverting twice is a no-op, never goes negative.
	ev2, err := e.Revert(context.Background(), "u1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, EventReverted, ev2.Status)

	monthly2, err := store.GetMonthlyUsage(context.Background(), "u1", res.Event.MonthlyPeriod)
	require.NoError(t, err)
	assert.Equal(t, int64(0), monthly2.VFUsed)
}

func TestRevert_RejectsAlreadyCommittedEvent(t *testing.T) {
	store := NewMemoryStore()
	store.SeedEntitlement(Entitlement{UID: "u1", MonthlyVFLimit: 1000, DailyGenerationCap: 10})
	e := New(store, testConfig())

	_, err := e.Reserve(context.Background(), "u1", "req-1", "GEM", 100)
	require.NoError(t, err)
	_, err = e.Commit(context.Background(), "u1", "req-1")
	require.NoError(t, err)

	_, err = e.Revert(context.Background(), "u1", "req-1")
	assert.Error(t, err)
}

func TestReserve_UnknownEngineErrors(t *testing.T) {
	store := NewMemoryStore()
	e := New(store, testConfig())

	_, err := e.Reserve(context.Background(), "u1", "req-1", "NOPE", 10)
	assert.ErrorIs(t, err, ErrUnknownEngine)
}

func TestSweepExpired_DelegatesRetentionCutoffToStore(t *testing.T) {
	store := NewMemoryStore()
	e := New(store, testConfig())
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }

	require.NoError(t, store.CommitReservation(context.Background(),
		UsageEvent{UID: "u1", RequestID: "old", Status: EventCommitted, CreatedAt: now.Add(-200 * 24 * time.Hour)},
		MonthlyUsage{UID: "u1", Period: "202501"},
		DailyUsage{UID: "u1", Period: "20250101"},
	))
	require.NoError(t, store.CommitReservation(context.Background(),
		UsageEvent{UID: "u1", RequestID: "fresh", Status: EventCommitted, CreatedAt: now},
		MonthlyUsage{UID: "u1", Period: "202607"},
		DailyUsage{UID: "u1", Period: "20260730"},
	))

	n, err := e.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Positive(t, n)

	_, ok, err := store.GetEvent(context.Background(), "u1", "old")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.GetEvent(context.Background(), "u1", "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
}
