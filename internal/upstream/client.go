// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upstream

import (
	"context"
	"time"

	"github.com/ManuGH/xg2g/internal/errorkind"
)

// Client is the typed surface every engine (cloud or local) implements.
// Every method takes an explicit key (empty for engines that need none)
// and a per-call timeout derived from the caller's remaining acquisition
// budget.
type Client interface {
	// Synthesize returns joined raw audio for the request.
	Synthesize(ctx context.Context, key string, req SynthesizeRequest, timeout time.Duration) (*SynthesizeResult, error)
	// SynthesizeStructured additionally returns per-line audio chunks when
	// the engine supports it.
	SynthesizeStructured(ctx context.Context, key string, req SynthesizeRequest, timeout time.Duration) (*SynthesizeResult, error)
	// GenerateText performs a raw text-generation call.
	GenerateText(ctx context.Context, key string, req TextRequest, timeout time.Duration) (*TextResult, error)
	// ExtractMultimodal performs an OCR-fallback multimodal call.
	ExtractMultimodal(ctx context.Context, key string, req MultimodalRequest, timeout time.Duration) (*MultimodalResult, error)
	// Health reports whether the engine is currently reachable.
	Health(ctx context.Context) (bool, error)
	// Name identifies the engine for logging/metrics.
	Name() Engine
}

// ClassifyError maps a provider failure (status code, error text, or both)
// into the shared error-kind taxonomy used by the allocator release path,
// blocked-sets, and terminal error-code selection.
func ClassifyError(statusCode int, errText string) errorkind.Kind {
	return errorkind.Classify(statusCode, errText)
}

// summaryCap bounds how much of an upstream error string is ever surfaced
// to a caller (§7: summaries trimmed to <=220 chars).
const summaryCap = 220

// TrimSummary truncates an error summary to the propagation policy's cap.
func TrimSummary(s string) string {
	if len(s) <= summaryCap {
		return s
	}
	return s[:summaryCap]
}
