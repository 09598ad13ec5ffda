// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID       = "request_id"
	FieldCorrelationID   = "correlation_id"
	FieldClientRequestID = "client_request_id"
	FieldJobID           = "job_id"
	FieldUID             = "uid"
	FieldApprovalID      = "approval_id"
	FieldKeyFingerprint  = "key_fingerprint"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Allocator / upstream fields
	FieldModel    = "model"
	FieldTask     = "task"
	FieldEngine   = "engine"
	FieldErrorKind = "error_kind"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldStage    = "stage"

	// Path / URL fields
	FieldPath    = "path"
	FieldBaseURL = "base_url"
)
