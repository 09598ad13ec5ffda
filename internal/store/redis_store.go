// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package store provides durable backends for the quota reservation
// engine's four document kinds (entitlements, monthly/daily usage, usage
// events), following the persistence layout's key prefixes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/xg2g/internal/quota"
)

const maxOptimisticRetries = 5

// RedisConfig configures the connection used by RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore is a Redis-backed implementation of quota.Store, using
// WATCH/MULTI optimistic transactions to keep the monthly/daily usage
// counters and usage-event record consistent under concurrent reservers.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisStore dials Redis and verifies connectivity before returning.
func NewRedisStore(cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("quota store connected to Redis")
	return &RedisStore{client: client, logger: logger}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func entitlementKey(uid string) string      { return "entitlements/" + uid }
func usageMonthlyKey(uid, period string) string { return "usage_monthly/" + uid + "_" + period }
func usageDailyKey(uid, period string) string   { return "usage_daily/" + uid + "_" + period }
func usageEventKey(uid, requestID string) string { return "usage_events/" + uid + "_" + requestID }

func getJSON[T any](ctx context.Context, client *redis.Client, key string) (T, bool, error) {
	var out T
	raw, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

func setJSON(ctx context.Context, pipe redis.Pipeliner, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return pipe.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) GetEntitlement(ctx context.Context, uid string) (quota.Entitlement, bool, error) {
	return getJSON[quota.Entitlement](ctx, s.client, entitlementKey(uid))
}

func (s *RedisStore) GetMonthlyUsage(ctx context.Context, uid, period string) (quota.MonthlyUsage, error) {
	u, ok, err := getJSON[quota.MonthlyUsage](ctx, s.client, usageMonthlyKey(uid, period))
	if err != nil {
		return quota.MonthlyUsage{}, err
	}
	if !ok {
		return quota.MonthlyUsage{UID: uid, Period: period, PerEngine: map[string]quota.Cost{}}, nil
	}
	return u, nil
}

func (s *RedisStore) GetDailyUsage(ctx context.Context, uid, period string) (quota.DailyUsage, error) {
	u, ok, err := getJSON[quota.DailyUsage](ctx, s.client, usageDailyKey(uid, period))
	if err != nil {
		return quota.DailyUsage{}, err
	}
	if !ok {
		return quota.DailyUsage{UID: uid, Period: period, PerEngine: map[string]quota.Cost{}}, nil
	}
	return u, nil
}

func (s *RedisStore) GetEvent(ctx context.Context, uid, requestID string) (quota.UsageEvent, bool, error) {
	return getJSON[quota.UsageEvent](ctx, s.client, usageEventKey(uid, requestID))
}

// CommitReservation writes the event plus both usage documents inside a
// WATCH/MULTI transaction over the monthly and daily keys: if either
// document changed since the engine last read it (a concurrent reservation
// on another gateway instance committed in between), Redis aborts the
// transaction and this returns quota.ErrConflict so the caller can
// re-read, recheck, and retry rather than silently clobbering the other
// writer's update.
func (s *RedisStore) CommitReservation(ctx context.Context, event quota.UsageEvent, monthly quota.MonthlyUsage, daily quota.DailyUsage) error {
	mk, dk := usageMonthlyKey(monthly.UID, monthly.Period), usageDailyKey(daily.UID, daily.Period)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := setJSON(ctx, pipe, usageEventKey(event.UID, event.RequestID), event); err != nil {
				return err
			}
			if err := setJSON(ctx, pipe, mk, monthly); err != nil {
				return err
			}
			return setJSON(ctx, pipe, dk, daily)
		})
		return err
	}, mk, dk)

	if errors.Is(err, redis.TxFailedErr) {
		return quota.ErrConflict
	}
	return err
}

// UpdateEvent applies fn under an optimistic WATCH/MULTI transaction,
// retrying a bounded number of times on a concurrent writer conflict.
func (s *RedisStore) UpdateEvent(ctx context.Context, uid, requestID string, fn func(*quota.UsageEvent) error) (quota.UsageEvent, error) {
	key := usageEventKey(uid, requestID)
	var result quota.UsageEvent

	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			ev, ok, err := getJSON[quota.UsageEvent](ctx, s.client, key)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("store: no such event %s", key)
			}
			if err := fn(&ev); err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return setJSON(ctx, pipe, key, ev)
			})
			result = ev
			return err
		}, key)

		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return quota.UsageEvent{}, err
	}
	return quota.UsageEvent{}, fmt.Errorf("store: UpdateEvent exceeded %d optimistic retries for %s", maxOptimisticRetries, key)
}

// AdjustUsage applies signed deltas to both usage documents under an
// optimistic WATCH/MULTI transaction, clamping every counter at zero.
func (s *RedisStore) AdjustUsage(ctx context.Context, uid, monthlyPeriod, dailyPeriod, engine string, vfDelta, charsDelta, generationDelta int64) error {
	mk, dk := usageMonthlyKey(uid, monthlyPeriod), usageDailyKey(uid, dailyPeriod)

	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			monthly, err := s.GetMonthlyUsage(ctx, uid, monthlyPeriod)
			if err != nil {
				return err
			}
			daily, err := s.GetDailyUsage(ctx, uid, dailyPeriod)
			if err != nil {
				return err
			}
			adjust(&monthly.VFUsed, vfDelta)
			adjust(&monthly.GenerationCount, generationDelta)
			adjustCost(monthly.PerEngine, engine, vfDelta, charsDelta)
			adjust(&daily.VFUsed, vfDelta)
			adjust(&daily.GenerationCount, generationDelta)
			adjustCost(daily.PerEngine, engine, vfDelta, charsDelta)

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if err := setJSON(ctx, pipe, mk, monthly); err != nil {
					return err
				}
				return setJSON(ctx, pipe, dk, daily)
			})
			return err
		}, mk, dk)

		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("store: AdjustUsage exceeded %d optimistic retries for %s/%s", maxOptimisticRetries, mk, dk)
}

// SweepExpired scans the daily-usage and usage-event key spaces with SCAN
// (never KEYS, to avoid blocking the server on a large keyspace) and deletes
// daily documents whose period sorts before dailyCutoff and non-reserved
// events created before eventCutoff. Monthly usage is never swept.
func (s *RedisStore) SweepExpired(ctx context.Context, dailyCutoff string, eventCutoff time.Time) (int, error) {
	n := 0

	dailyKeys, err := s.scanKeys(ctx, "usage_daily/*")
	if err != nil {
		return n, err
	}
	for _, k := range dailyKeys {
		u, ok, err := getJSON[quota.DailyUsage](ctx, s.client, k)
		if err != nil || !ok {
			continue
		}
		if u.Period < dailyCutoff {
			if err := s.client.Del(ctx, k).Err(); err != nil {
				return n, err
			}
			n++
		}
	}

	eventKeys, err := s.scanKeys(ctx, "usage_events/*")
	if err != nil {
		return n, err
	}
	for _, k := range eventKeys {
		ev, ok, err := getJSON[quota.UsageEvent](ctx, s.client, k)
		if err != nil || !ok {
			continue
		}
		if ev.Status != quota.EventReserved && ev.CreatedAt.Before(eventCutoff) {
			if err := s.client.Del(ctx, k).Err(); err != nil {
				return n, err
			}
			n++
		}
	}

	return n, nil
}

func (s *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func adjust(counter *int64, delta int64) {
	*counter += delta
	if *counter < 0 {
		*counter = 0
	}
}

func adjustCost(perEngine map[string]quota.Cost, engine string, vfDelta, charsDelta int64) {
	if perEngine == nil {
		return
	}
	c := perEngine[engine]
	adjust(&c.VF, vfDelta)
	adjust(&c.Chars, charsDelta)
	perEngine[engine] = c
}
