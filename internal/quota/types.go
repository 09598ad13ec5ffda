// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package quota implements the idempotent Reserve/Commit/Revert accounting
// layer in front of the TTS gateway: per-user monthly/daily usage limits,
// a per-engine character-weighted cost model, and admin bypass.
package quota

import "time"

// EventStatus is the lifecycle of one usage event keyed by (uid, requestId).
type EventStatus string

const (
	EventReserved  EventStatus = "reserved"
	EventCommitted EventStatus = "committed"
	EventReverted  EventStatus = "reverted"
)

// Entitlement is a user's plan and limits document.
type Entitlement struct {
	UID                string `json:"uid"`
	Plan               string `json:"plan"`
	MonthlyVFLimit     int64  `json:"monthlyVfLimit"`
	DailyGenerationCap int64  `json:"dailyGenerationLimit"`
}

// MonthlyUsage is the `usage_monthly/{uid}_{YYYYMM}` document.
type MonthlyUsage struct {
	UID             string           `json:"uid"`
	Period          string           `json:"period"` // YYYYMM
	VFUsed          int64            `json:"vfUsed"`
	GenerationCount int64            `json:"generationCount"`
	PerEngine       map[string]Cost  `json:"perEngine,omitempty"`
}

// DailyUsage is the `usage_daily/{uid}_{YYYYMMDD}` document.
type DailyUsage struct {
	UID             string          `json:"uid"`
	Period          string          `json:"period"` // YYYYMMDD
	VFUsed          int64           `json:"vfUsed"`
	GenerationCount int64           `json:"generationCount"`
	PerEngine       map[string]Cost `json:"perEngine,omitempty"`
}

// Cost is the accumulated character/VF cost attributed to one engine.
type Cost struct {
	Chars int64 `json:"chars"`
	VF    int64 `json:"vf"`
}

// UsageEvent is the `usage_events/{uid}_{requestId}` idempotency + rollback
// record. Its presence and Status are what make Reserve idempotent.
type UsageEvent struct {
	UID           string      `json:"uid"`
	RequestID     string      `json:"requestId"`
	Status        EventStatus `json:"status"`
	Engine        string      `json:"engine"`
	Chars         int64       `json:"chars"`
	VFCost        int64       `json:"vfCost"`
	MonthlyPeriod string      `json:"monthlyPeriod"`
	DailyPeriod   string      `json:"dailyPeriod"`
	BypassReason  string      `json:"bypassReason,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Reservation is what Reserve/Commit/Revert return to the caller.
type Reservation struct {
	Event   UsageEvent `json:"event"`
	Allowed bool       `json:"allowed"`
	Code    string     `json:"code,omitempty"` // MONTHLY_VF_EXCEEDED | DAILY_GENERATION_EXCEEDED
}

// vfCost computes chars * engineRate[engine], per §4.5's cost model.
func vfCost(chars int64, rate float64) int64 {
	return int64(float64(chars) * rate)
}

func monthPeriod(t time.Time) string { return t.UTC().Format("200601") }
func dayPeriod(t time.Time) string   { return t.UTC().Format("20060102") }
