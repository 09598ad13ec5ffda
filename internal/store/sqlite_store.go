// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ManuGH/xg2g/internal/quota"
)

// SQLiteStore is a single-file, single-process quota.Store implementation
// for deployments that run the gateway without a separate Redis instance.
// Every document kind lives in its own table keyed the same way the
// persistence layout's document paths are keyed, with the transaction
// boundary provided by an ordinary SQLite transaction on a pool limited to
// one connection rather than Redis-style WATCH/MULTI.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the quota database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite quota store: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers; avoid lock-contention retries across the pool

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite quota store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entitlements (uid TEXT PRIMARY KEY, doc TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS usage_monthly (uid TEXT NOT NULL, period TEXT NOT NULL, doc TEXT NOT NULL, PRIMARY KEY (uid, period));
CREATE TABLE IF NOT EXISTS usage_daily (uid TEXT NOT NULL, period TEXT NOT NULL, doc TEXT NOT NULL, PRIMARY KEY (uid, period));
CREATE TABLE IF NOT EXISTS usage_events (uid TEXT NOT NULL, request_id TEXT NOT NULL, doc TEXT NOT NULL, PRIMARY KEY (uid, request_id));
`

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetEntitlement(ctx context.Context, uid string) (quota.Entitlement, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM entitlements WHERE uid = ?`, uid).Scan(&raw)
	if err == sql.ErrNoRows {
		return quota.Entitlement{}, false, nil
	}
	if err != nil {
		return quota.Entitlement{}, false, err
	}
	var ent quota.Entitlement
	if err := json.Unmarshal([]byte(raw), &ent); err != nil {
		return quota.Entitlement{}, false, err
	}
	return ent, true, nil
}

func (s *SQLiteStore) GetMonthlyUsage(ctx context.Context, uid, period string) (quota.MonthlyUsage, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM usage_monthly WHERE uid = ? AND period = ?`, uid, period).Scan(&raw)
	if err == sql.ErrNoRows {
		return quota.MonthlyUsage{UID: uid, Period: period, PerEngine: map[string]quota.Cost{}}, nil
	}
	if err != nil {
		return quota.MonthlyUsage{}, err
	}
	var u quota.MonthlyUsage
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return quota.MonthlyUsage{}, err
	}
	return u, nil
}

func (s *SQLiteStore) GetDailyUsage(ctx context.Context, uid, period string) (quota.DailyUsage, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM usage_daily WHERE uid = ? AND period = ?`, uid, period).Scan(&raw)
	if err == sql.ErrNoRows {
		return quota.DailyUsage{UID: uid, Period: period, PerEngine: map[string]quota.Cost{}}, nil
	}
	if err != nil {
		return quota.DailyUsage{}, err
	}
	var u quota.DailyUsage
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return quota.DailyUsage{}, err
	}
	return u, nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, uid, requestID string) (quota.UsageEvent, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM usage_events WHERE uid = ? AND request_id = ?`, uid, requestID).Scan(&raw)
	if err == sql.ErrNoRows {
		return quota.UsageEvent{}, false, nil
	}
	if err != nil {
		return quota.UsageEvent{}, false, err
	}
	var ev quota.UsageEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return quota.UsageEvent{}, false, err
	}
	return ev, true, nil
}

func (s *SQLiteStore) CommitReservation(ctx context.Context, event quota.UsageEvent, monthly quota.MonthlyUsage, daily quota.DailyUsage) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		eventDoc, err := json.Marshal(event)
		if err != nil {
			return err
		}
		monthlyDoc, err := json.Marshal(monthly)
		if err != nil {
			return err
		}
		dailyDoc, err := json.Marshal(daily)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO usage_events (uid, request_id, doc) VALUES (?, ?, ?)
			ON CONFLICT(uid, request_id) DO UPDATE SET doc = excluded.doc`, event.UID, event.RequestID, string(eventDoc)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO usage_monthly (uid, period, doc) VALUES (?, ?, ?)
			ON CONFLICT(uid, period) DO UPDATE SET doc = excluded.doc`, monthly.UID, monthly.Period, string(monthlyDoc)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO usage_daily (uid, period, doc) VALUES (?, ?, ?)
			ON CONFLICT(uid, period) DO UPDATE SET doc = excluded.doc`, daily.UID, daily.Period, string(dailyDoc))
		return err
	})
}

func (s *SQLiteStore) UpdateEvent(ctx context.Context, uid, requestID string, fn func(*quota.UsageEvent) error) (quota.UsageEvent, error) {
	var result quota.UsageEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT doc FROM usage_events WHERE uid = ? AND request_id = ?`, uid, requestID).Scan(&raw); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("store: no such event %s/%s", uid, requestID)
			}
			return err
		}
		var ev quota.UsageEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return err
		}
		if err := fn(&ev); err != nil {
			return err
		}
		doc, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE usage_events SET doc = ? WHERE uid = ? AND request_id = ?`, string(doc), uid, requestID); err != nil {
			return err
		}
		result = ev
		return nil
	})
	return result, err
}

func (s *SQLiteStore) AdjustUsage(ctx context.Context, uid, monthlyPeriod, dailyPeriod, engine string, vfDelta, charsDelta, generationDelta int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		monthly, err := s.scanMonthly(ctx, tx, uid, monthlyPeriod)
		if err != nil {
			return err
		}
		daily, err := s.scanDaily(ctx, tx, uid, dailyPeriod)
		if err != nil {
			return err
		}
		adjust(&monthly.VFUsed, vfDelta)
		adjust(&monthly.GenerationCount, generationDelta)
		adjustCost(monthly.PerEngine, engine, vfDelta, charsDelta)
		adjust(&daily.VFUsed, vfDelta)
		adjust(&daily.GenerationCount, generationDelta)
		adjustCost(daily.PerEngine, engine, vfDelta, charsDelta)

		monthlyDoc, err := json.Marshal(monthly)
		if err != nil {
			return err
		}
		dailyDoc, err := json.Marshal(daily)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO usage_monthly (uid, period, doc) VALUES (?, ?, ?)
			ON CONFLICT(uid, period) DO UPDATE SET doc = excluded.doc`, uid, monthlyPeriod, string(monthlyDoc)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO usage_daily (uid, period, doc) VALUES (?, ?, ?)
			ON CONFLICT(uid, period) DO UPDATE SET doc = excluded.doc`, uid, dailyPeriod, string(dailyDoc))
		return err
	})
}

// SweepExpired deletes daily usage rows whose period sorts before
// dailyCutoff and non-reserved usage events created before eventCutoff.
// Monthly usage is never swept.
func (s *SQLiteStore) SweepExpired(ctx context.Context, dailyCutoff string, eventCutoff time.Time) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM usage_daily WHERE period < ?`, dailyCutoff)
		if err != nil {
			return err
		}
		if affected, err := res.RowsAffected(); err == nil {
			n += int(affected)
		}

		rows, err := tx.QueryContext(ctx, `SELECT uid, request_id, doc FROM usage_events`)
		if err != nil {
			return err
		}
		type key struct{ uid, requestID string }
		var stale []key
		for rows.Next() {
			var uid, requestID, doc string
			if err := rows.Scan(&uid, &requestID, &doc); err != nil {
				rows.Close()
				return err
			}
			var ev quota.UsageEvent
			if err := json.Unmarshal([]byte(doc), &ev); err != nil {
				continue
			}
			if ev.Status != quota.EventReserved && ev.CreatedAt.Before(eventCutoff) {
				stale = append(stale, key{uid, requestID})
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, k := range stale {
			if _, err := tx.ExecContext(ctx, `DELETE FROM usage_events WHERE uid = ? AND request_id = ?`, k.uid, k.requestID); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (s *SQLiteStore) scanMonthly(ctx context.Context, tx *sql.Tx, uid, period string) (quota.MonthlyUsage, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT doc FROM usage_monthly WHERE uid = ? AND period = ?`, uid, period).Scan(&raw)
	if err == sql.ErrNoRows {
		return quota.MonthlyUsage{UID: uid, Period: period, PerEngine: map[string]quota.Cost{}}, nil
	}
	if err != nil {
		return quota.MonthlyUsage{}, err
	}
	var u quota.MonthlyUsage
	err = json.Unmarshal([]byte(raw), &u)
	return u, err
}

func (s *SQLiteStore) scanDaily(ctx context.Context, tx *sql.Tx, uid, period string) (quota.DailyUsage, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT doc FROM usage_daily WHERE uid = ? AND period = ?`, uid, period).Scan(&raw)
	if err == sql.ErrNoRows {
		return quota.DailyUsage{UID: uid, Period: period, PerEngine: map[string]quota.Cost{}}, nil
	}
	if err != nil {
		return quota.DailyUsage{}, err
	}
	var u quota.DailyUsage
	err = json.Unmarshal([]byte(raw), &u)
	return u, err
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
