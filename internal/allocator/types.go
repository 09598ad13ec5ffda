// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package allocator implements the rate-aware multi-key allocator: admission
// control over (key, model) lanes with rolling-window RPM/TPM budgets, key
// health tracking, and speaker->key affinity hinting.
package allocator

import (
	"time"

	"github.com/ManuGH/xg2g/internal/config"
	"github.com/ManuGH/xg2g/internal/errorkind"
)

// KeyStatus summarizes a key's admission eligibility for Snapshot output.
type KeyStatus string

const (
	KeyHealthy    KeyStatus = "healthy"
	KeyInFlight   KeyStatus = "in_flight"
	KeyRateLimited KeyStatus = "rate_limited"
	KeyAuthIssue  KeyStatus = "auth_issue"
)

// Lease is the opaque admission ticket returned by a successful Acquire.
// Each issued Lease must be released exactly once via Release.
type Lease struct {
	Key            string
	Model          string
	KeyIndex       int
	ReservedTokens int
	ReservedAt     time.Time

	// released guards against double-release; zero value means "not yet released".
	released bool
}

// AcquireResult is the outcome of an acquisition attempt.
type AcquireResult struct {
	Lease        *Lease
	WaitedMs     int64
	RetryAfterMs int64
	TimedOut     bool
}

// KeySnapshot is the read-only per-key view returned by Snapshot.
type KeySnapshot struct {
	Fingerprint       string
	Status            KeyStatus
	InFlight          int64
	Requests          int64
	Successes         int64
	Failures          int64
	AuthFailures      int64
	RateLimitStrikes  int64
	AuthDisabledUntil time.Time
}

// LaneSnapshot is the read-only per-lane view returned by Snapshot.
type LaneSnapshot struct {
	KeyFingerprint string
	Model          string
	ReadyInMs       int64
	WindowResetInMs int64
	CountedRequests int
	CountedTokens   int
	InFlightReqs    int
	InFlightTokens  int
}

// ModelSnapshot aggregates usage for a single model across all keys.
type ModelSnapshot struct {
	Model           string
	RPM             int
	TPM             int
	TotalCounted    int
	TotalInFlight   int
}

// Snapshot is the full read-only state dump for admin/guardian use.
type Snapshot struct {
	Keys          []KeySnapshot
	Lanes         []LaneSnapshot
	Models        []ModelSnapshot
	HealthyKeys   int
	AtLimitKeys   int
	InFlightTotal int64
	NextIndex     uint64
}

// ErrorKind re-exports the shared classification used by Release's errorKind
// parameter, so callers only need to import this package.
type ErrorKind = errorkind.Kind

const (
	ErrAuth      = errorkind.Auth
	ErrRateLimit = errorkind.RateLimit
	ErrTimeout   = errorkind.Timeout
	ErrOther     = errorkind.Other
	ErrNone      = errorkind.None
)

// Task re-exports config.Task for caller convenience.
type Task = config.Task

const (
	TaskTTS  = config.TaskTTS
	TaskText = config.TaskText
	TaskOCR  = config.TaskOCR
)
