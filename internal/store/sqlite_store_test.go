// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/xg2g/internal/quota"
)

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quota.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_MigrationIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.db")
	s1, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	_, ok, err := s2.GetEntitlement(context.Background(), "nobody")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteStore_CommitReservationThenGet(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	event := quota.UsageEvent{UID: "u1", RequestID: "r1", Status: quota.EventReserved, Engine: "GEM", Chars: 50, VFCost: 50, MonthlyPeriod: "202601", DailyPeriod: "20260101"}
	monthly := quota.MonthlyUsage{UID: "u1", Period: "202601", VFUsed: 50, GenerationCount: 1, PerEngine: map[string]quota.Cost{"GEM": {Chars: 50, VF: 50}}}
	daily := quota.DailyUsage{UID: "u1", Period: "20260101", VFUsed: 50, GenerationCount: 1, PerEngine: map[string]quota.Cost{"GEM": {Chars: 50, VF: 50}}}

	require.NoError(t, s.CommitReservation(ctx, event, monthly, daily))

	got, ok, err := s.GetEvent(ctx, "u1", "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, event, got)

	gotDaily, err := s.GetDailyUsage(ctx, "u1", "20260101")
	require.NoError(t, err)
	require.Equal(t, int64(50), gotDaily.VFUsed)
}

func TestSQLiteStore_CommitReservationUpsertsOnRepeatedRequestID(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	event := quota.UsageEvent{UID: "u1", RequestID: "r1", Status: quota.EventReserved}
	require.NoError(t, s.CommitReservation(ctx, event, quota.MonthlyUsage{UID: "u1", Period: "p"}, quota.DailyUsage{UID: "u1", Period: "p"}))

	event.Status = quota.EventCommitted
	require.NoError(t, s.CommitReservation(ctx, event, quota.MonthlyUsage{UID: "u1", Period: "p"}, quota.DailyUsage{UID: "u1", Period: "p"}))

	got, ok, err := s.GetEvent(ctx, "u1", "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, quota.EventCommitted, got.Status)
}

func TestSQLiteStore_UpdateEventTransitions(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	event := quota.UsageEvent{UID: "u1", RequestID: "r1", Status: quota.EventReserved}
	require.NoError(t, s.CommitReservation(ctx, event, quota.MonthlyUsage{UID: "u1", Period: "p"}, quota.DailyUsage{UID: "u1", Period: "p"}))

	updated, err := s.UpdateEvent(ctx, "u1", "r1", func(ev *quota.UsageEvent) error {
		ev.Status = quota.EventReverted
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, quota.EventReverted, updated.Status)
}

func TestSQLiteStore_UpdateEventErrorsOnMissingEvent(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	_, err := s.UpdateEvent(ctx, "ghost", "none", func(ev *quota.UsageEvent) error { return nil })
	require.Error(t, err)
}

func TestSQLiteStore_AdjustUsageClampsAtZero(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.AdjustUsage(ctx, "u1", "202601", "20260101", "GEM", 30, 30, 1))
	require.NoError(t, s.AdjustUsage(ctx, "u1", "202601", "20260101", "GEM", -100, -100, -5))

	monthly, err := s.GetMonthlyUsage(ctx, "u1", "202601")
	require.NoError(t, err)
	require.Equal(t, int64(0), monthly.VFUsed)
	require.Equal(t, int64(0), monthly.GenerationCount)
	require.Equal(t, int64(0), monthly.PerEngine["GEM"].VF)

	daily, err := s.GetDailyUsage(ctx, "u1", "20260101")
	require.NoError(t, err)
	require.Equal(t, int64(0), daily.VFUsed)
}

func TestSQLiteStore_GetMonthlyUsageDefaultsToZeroValue(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	u, err := s.GetMonthlyUsage(ctx, "nobody", "202601")
	require.NoError(t, err)
	require.Equal(t, int64(0), u.VFUsed)
	require.NotNil(t, u.PerEngine)
}

func TestSQLiteStore_SweepExpiredRemovesOldDailyAndSettledEvents(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	old := quota.UsageEvent{UID: "u1", RequestID: "old", Status: quota.EventCommitted, CreatedAt: time.Now().Add(-200 * 24 * time.Hour)}
	fresh := quota.UsageEvent{UID: "u1", RequestID: "fresh", Status: quota.EventCommitted, CreatedAt: time.Now()}
	pending := quota.UsageEvent{UID: "u1", RequestID: "pending", Status: quota.EventReserved, CreatedAt: time.Now().Add(-200 * 24 * time.Hour)}

	require.NoError(t, s.CommitReservation(ctx, old, quota.MonthlyUsage{UID: "u1", Period: "202501"}, quota.DailyUsage{UID: "u1", Period: "20250101"}))
	require.NoError(t, s.CommitReservation(ctx, fresh, quota.MonthlyUsage{UID: "u1", Period: "202601"}, quota.DailyUsage{UID: "u1", Period: "20260101"}))
	require.NoError(t, s.CommitReservation(ctx, pending, quota.MonthlyUsage{UID: "u1", Period: "202501"}, quota.DailyUsage{UID: "u1", Period: "20250102"}))

	n, err := s.SweepExpired(ctx, "20260101", time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	require.Positive(t, n)

	_, ok, err := s.GetEvent(ctx, "u1", "old")
	require.NoError(t, err)
	require.False(t, ok, "settled event past retention should be swept")

	_, ok, err = s.GetEvent(ctx, "u1", "fresh")
	require.NoError(t, err)
	require.True(t, ok, "recent event must survive the sweep")

	_, ok, err = s.GetEvent(ctx, "u1", "pending")
	require.NoError(t, err)
	require.True(t, ok, "a still-reserved event must never be swept")

	dailyOld, err := s.GetDailyUsage(ctx, "u1", "20250101")
	require.NoError(t, err)
	require.Equal(t, int64(0), dailyOld.VFUsed, "swept daily doc resets to the zero-value default")
}
