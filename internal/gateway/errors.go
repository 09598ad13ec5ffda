// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/ManuGH/xg2g/internal/log"
)

// Taxonomy of error codes distinct from HTTP status codes. A code is the
// first thing clients branch on; the HTTP status is secondary.
const (
	ErrAPIKeyMissing          = "API_KEY_MISSING"
	ErrRuntimeSDKUnavailable  = "RUNTIME_SDK_UNAVAILABLE"
	ErrAllKeysAuthFailed      = "ALL_KEYS_AUTH_FAILED"
	ErrAllKeysRateLimited     = "ALL_KEYS_RATE_LIMITED"
	ErrKeyPoolTimeout         = "KEY_POOL_TIMEOUT"
	ErrUpstreamModelFailed    = "UPSTREAM_MODEL_FAILED"
	ErrWordLimitExceeded      = "word_limit_exceeded"
	ErrMonthlyVFExceeded      = "MONTHLY_VF_EXCEEDED"
	ErrDailyGenerationExceed  = "DAILY_GENERATION_EXCEEDED"
	ErrMaintenanceMode        = "maintenance_mode"
	ErrHardConcurrencyLimit   = "hard_concurrency_limit"
	ErrSoftShedding           = "soft_shedding"
	ErrValidation             = "VALIDATION_ERROR"
	ErrNotFound               = "NOT_FOUND"
	ErrUnauthorized           = "UNAUTHORIZED"
	ErrInternal               = "INTERNAL_ERROR"
)

// detail is the structured form of the error envelope's `detail` field.
type detail struct {
	ErrorCode    string `json:"errorCode"`
	Summary      string `json:"summary"`
	TraceID      string `json:"trace_id,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// envelope is the gateway's only non-2xx response shape.
type envelope struct {
	Detail detail `json:"detail"`
}

// writeError writes the structured error envelope with the trace id pulled
// from the request's context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, summary string, retryAfterMs int64) {
	if len(summary) > 220 {
		summary = summary[:220]
	}
	resp := envelope{Detail: detail{
		ErrorCode:    code,
		Summary:      summary,
		TraceID:      log.RequestIDFromContext(r.Context()),
		RetryAfterMs: retryAfterMs,
	}}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, summary, status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
