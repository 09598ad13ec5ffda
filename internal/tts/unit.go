// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tts

import (
	"context"
	"time"

	"github.com/ManuGH/xg2g/internal/allocator"
	"github.com/ManuGH/xg2g/internal/config"
	"github.com/ManuGH/xg2g/internal/errorkind"
	"github.com/ManuGH/xg2g/internal/upstream"
)

// unitCall is one logical synthesis unit: a single upstream call (or a
// bounded retry/fallback sequence of them) producing one contiguous
// stretch of audio.
type unitCall struct {
	text         string
	multiSpeaker bool
	speakers     []upstream.SpeakerVoice
	lineMap      []upstream.LineMapEntry
	affinityKey  string
	models       []string
	structured   bool
}

const (
	maxUnitAttempts   = 6
	geminiCallTimeout = 30 * time.Second
	kokoroCallTimeout = 20 * time.Second
)

// synthesizeUnit runs the retry/fallback loop described in §4.3 for one
// synthesis unit: try the selected speech mode; downgrade to single-speaker
// on the first "other" failure and block the model on a second one against
// the same model; block auth-failing
// keys; retry through rate-limit strikes; stop outright on timeout.
func (o *Orchestrator) synthesizeUnit(ctx context.Context, call unitCall) (*upstream.SynthesizeResult, Diagnostics, *Error) {
	diag := Diagnostics{AffinityKey: call.affinityKey}

	blockedModels := make(map[string]bool)
	blockedKeys := make(map[string]bool)
	otherFailuresByModel := make(map[string]int)
	downgraded := false

	allAuth, allRateLimit := true, true
	anyAttempt := false

	for _, engine := range o.engineOrder {
		client, err := o.registry.Get(engine)
		if err != nil {
			continue
		}

		for attempt := 0; attempt < maxUnitAttempts; attempt++ {
			select {
			case <-ctx.Done():
				return nil, diag, &Error{Code: "KEY_POOL_TIMEOUT", Summary: ctx.Err().Error(), Classified: errorkind.Timeout}
			default:
			}

			useMulti := call.multiSpeaker && !downgraded

			req := upstream.SynthesizeRequest{
				Text:         call.text,
				MultiSpeaker: useMulti,
				Speakers:     call.speakers,
				LineMap:      call.lineMap,
			}

			var (
				result  *upstream.SynthesizeResult
				lease   *allocator.Lease
				callErr error
				model   string
			)

			if engine == upstream.EngineGemini {
				acq, aerr := o.acquireForCall(ctx, call, blockedModels)
				if aerr != nil {
					return nil, diag, aerr
				}
				if acq == nil {
					break // no candidate models left for this engine; fall through
				}
				lease = acq.Lease
				model = lease.Model
				if blockedKeys[lease.Key] {
					o.alloc.Release(lease, errorkind.None, 0)
					continue
				}

				anyAttempt = true
				if call.structured {
					result, callErr = client.SynthesizeStructured(ctx, lease.Key, req, geminiCallTimeout)
				} else {
					result, callErr = client.Synthesize(ctx, lease.Key, req, geminiCallTimeout)
				}
			} else {
				anyAttempt = true
				if call.structured {
					result, callErr = client.SynthesizeStructured(ctx, "", req, kokoroCallTimeout)
				} else {
					result, callErr = client.Synthesize(ctx, "", req, kokoroCallTimeout)
				}
			}

			if callErr == nil {
				if lease != nil {
					usedTokens := 0
					if result != nil {
						usedTokens = result.UsedTokens
					}
					o.alloc.Release(lease, errorkind.None, usedTokens)
				}
				diag.Engine = engine
				return result, diag, nil
			}

			kind := upstream.ClassifyError(0, callErr.Error())
			switch kind {
			case errorkind.Auth:
				allRateLimit = false
				if lease != nil {
					blockedKeys[lease.Key] = true
					o.alloc.Release(lease, errorkind.Auth, 0)
				}
			case errorkind.RateLimit:
				allAuth = false
				if lease != nil {
					o.alloc.Release(lease, errorkind.RateLimit, 0)
				}
			case errorkind.Timeout:
				if lease != nil {
					o.alloc.Release(lease, errorkind.Timeout, 0)
				}
				return nil, diag, &Error{Code: "KEY_POOL_TIMEOUT", Summary: upstream.TrimSummary(callErr.Error()), Classified: errorkind.Timeout}
			default:
				allAuth, allRateLimit = false, false
				if lease != nil {
					o.alloc.Release(lease, errorkind.Other, 0)
				}
				if engine == upstream.EngineGemini && model != "" {
					otherFailuresByModel[model]++
					if otherFailuresByModel[model] == 1 {
						downgraded = true
					} else {
						blockedModels[model] = true
					}
				}
			}
		}
	}

	if !anyAttempt {
		return nil, diag, &Error{Code: "RUNTIME_SDK_UNAVAILABLE", Summary: "no usable engine/model candidates remained"}
	}
	code := errorkind.TerminalCode(allAuth, allRateLimit, false)
	return nil, diag, &Error{Code: code, Classified: errorkind.Other}
}

// acquireForCall resolves the candidate model list (explicit or
// task-routed) minus any already-blocked models, and attempts one
// allocator acquisition. A nil, nil result means no candidate models
// remain for this engine.
func (o *Orchestrator) acquireForCall(ctx context.Context, call unitCall, blockedModels map[string]bool) (*allocator.AcquireResult, *Error) {
	var acq *allocator.AcquireResult
	var err error

	if len(call.models) > 0 {
		models := filterBlocked(call.models, blockedModels)
		if len(models) == 0 {
			return nil, nil
		}
		acq, err = o.alloc.AcquireForModels(ctx, models, call.affinityKey, estimateTokens(call.text))
	} else {
		acq, err = o.alloc.AcquireForTask(ctx, config.TaskTTS, call.affinityKey, estimateTokens(call.text))
	}
	if err != nil {
		return nil, &Error{Code: "KEY_POOL_TIMEOUT", Summary: err.Error(), Classified: errorkind.Timeout}
	}
	if acq.TimedOut {
		return nil, &Error{Code: "KEY_POOL_TIMEOUT", Summary: "allocator budget exhausted", RetryAfterMs: acq.RetryAfterMs, Classified: errorkind.Timeout}
	}
	return acq, nil
}

func filterBlocked(models []string, blocked map[string]bool) []string {
	out := make([]string, 0, len(models))
	for _, m := range models {
		if !blocked[m] {
			out = append(out, m)
		}
	}
	return out
}
