// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/xg2g/internal/quota"
)

func setupRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, &RedisStore{client: client, logger: zerolog.Nop()}
}

func TestRedisStore_CommitReservationThenGet(t *testing.T) {
	_, s := setupRedisStore(t)
	ctx := context.Background()

	event := quota.UsageEvent{UID: "u1", RequestID: "r1", Status: quota.EventReserved, Engine: "GEM", Chars: 100, VFCost: 100, MonthlyPeriod: "202601", DailyPeriod: "20260101"}
	monthly := quota.MonthlyUsage{UID: "u1", Period: "202601", VFUsed: 100, GenerationCount: 1, PerEngine: map[string]quota.Cost{"GEM": {Chars: 100, VF: 100}}}
	daily := quota.DailyUsage{UID: "u1", Period: "20260101", VFUsed: 100, GenerationCount: 1, PerEngine: map[string]quota.Cost{"GEM": {Chars: 100, VF: 100}}}

	require.NoError(t, s.CommitReservation(ctx, event, monthly, daily))

	got, ok, err := s.GetEvent(ctx, "u1", "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, event, got)

	gotMonthly, err := s.GetMonthlyUsage(ctx, "u1", "202601")
	require.NoError(t, err)
	require.Equal(t, int64(100), gotMonthly.VFUsed)
}

func TestRedisStore_UpdateEventTransitions(t *testing.T) {
	_, s := setupRedisStore(t)
	ctx := context.Background()

	event := quota.UsageEvent{UID: "u1", RequestID: "r1", Status: quota.EventReserved}
	require.NoError(t, s.CommitReservation(ctx, event, quota.MonthlyUsage{UID: "u1", Period: "p"}, quota.DailyUsage{UID: "u1", Period: "p"}))

	updated, err := s.UpdateEvent(ctx, "u1", "r1", func(ev *quota.UsageEvent) error {
		ev.Status = quota.EventCommitted
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, quota.EventCommitted, updated.Status)

	got, ok, err := s.GetEvent(ctx, "u1", "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, quota.EventCommitted, got.Status)
}

func TestRedisStore_AdjustUsageClampsAtZero(t *testing.T) {
	_, s := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.AdjustUsage(ctx, "u1", "202601", "20260101", "GEM", 50, 50, 1))
	require.NoError(t, s.AdjustUsage(ctx, "u1", "202601", "20260101", "GEM", -100, -100, -5))

	monthly, err := s.GetMonthlyUsage(ctx, "u1", "202601")
	require.NoError(t, err)
	require.Equal(t, int64(0), monthly.VFUsed)
	require.Equal(t, int64(0), monthly.GenerationCount)
}

func TestRedisStore_SweepExpiredRemovesOldDailyAndSettledEvents(t *testing.T) {
	_, s := setupRedisStore(t)
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
}
