// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tts

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/xg2g/internal/allocator"
	"github.com/ManuGH/xg2g/internal/log"
	"github.com/ManuGH/xg2g/internal/metrics"
	"github.com/ManuGH/xg2g/internal/upstream"
)

// Orchestrator builds speaker-grouped upstream requests, reassembles
// per-line audio, and falls back across modes and engines.
type Orchestrator struct {
	alloc    *allocator.Allocator
	registry *upstream.Registry

	// engineOrder is tried in sequence: the cloud provider (rate-limited via
	// the allocator) first, then the local runtime (no lease required).
	engineOrder []upstream.Engine
}

// New builds an Orchestrator over the given allocator and engine registry.
func New(alloc *allocator.Allocator, registry *upstream.Registry) *Orchestrator {
	return &Orchestrator{
		alloc:       alloc,
		registry:    registry,
		engineOrder: []upstream.Engine{upstream.EngineGemini, upstream.EngineKokoro},
	}
}

// Synthesize runs the full strategy-selection, retry, and reassembly
// pipeline for one request.
func (o *Orchestrator) Synthesize(ctx context.Context, req Request) (*Result, *Error) {
	start := time.Now()
	logger := log.WithComponent("tts.orchestrator")

	strategy := selectStrategy(req)
	totalWords := lineMapWordCount(req.LineMap)
	if totalWords == 0 {
		totalWords = wordCount(req.Text)
	}
	if totalWords > MaxWordsPerRequest && strategy != strategyStudioPairGroups && strategy != strategyWordWindows {
		metrics.RecordSynthesis(string(strategy), "word_limit_exceeded")
		return nil, wordLimitExceeded(totalWords)
	}

	var result *Result
	var err *Error

	switch strategy {
	case strategyStudioPairGroups:
		result, err = o.runStudioPairGroups(ctx, req, req.LineMap)
	case strategyWordWindows:
		result, err = o.runWordWindows(ctx, req)
	case strategyTextOrderWindows:
		result, err = o.runTextOrderWindows(ctx, req)
	default:
		result, err = o.runLegacySingle(ctx, req)
	}

	if err != nil {
		metrics.RecordSynthesis(string(strategy), "failed")
		logger.Warn().Str("event", "tts.synthesis_failed").Str("strategy", string(strategy)).
			Str("code", err.Code).Msg("synthesis failed")
		return nil, err
	}

	processingSec := time.Since(start).Seconds()
	audioSec := durationSeconds(pcmFromWAV(result.WAV))
	rtf := 0.0
	if processingSec > 0 {
		rtf = audioSec / processingSec
	}
	result.Diagnostics.Strategy = string(strategy)
	result.Diagnostics.RealtimeFactorX = rtf
	result.Diagnostics.TargetMet = rtf >= RealtimeFactorTarget
	metrics.ObserveRealtimeFactor(rtf)
	metrics.RecordSynthesis(string(strategy), "ok")
	return result, nil
}

// affinityKeyFor derives a stable speaker-set hint for the allocator's
// preferred-key bypass: the sorted, joined set of speakers a call involves.
func affinityKeyFor(speakers []string) string {
	if len(speakers) == 0 {
		return ""
	}
	sorted := append([]string(nil), speakers...)
	sort.Strings(sorted)
	return strings.Join(sorted, "+")
}

// runLegacySingle issues a single synthesis call for everything-else inputs.
func (o *Orchestrator) runLegacySingle(ctx context.Context, req Request) (*Result, *Error) {
	speakers := distinctSpeakers(req.LineMap)
	multi := len(speakers) == 2 || (len(speakers) == 0 && len(req.SpeakerVoices) == 2)

	call := unitCall{
		text:         req.Text,
		multiSpeaker: multi,
		speakers:     speakerVoicesFor(req, speakers),
		lineMap:      req.LineMap,
		affinityKey:  affinityKeyFor(speakers),
		models:       req.Models,
		structured:   len(req.LineMap) > 0,
	}
	up, diag, err := o.synthesizeUnit(ctx, call)
	if err != nil {
		return nil, err
	}

	result := &Result{Diagnostics: diag}
	if len(up.LineChunks) > 0 {
		order := make([]int, 0, len(req.LineMap))
		for _, l := range req.LineMap {
			order = append(order, l.LineIndex)
		}
		result.WAV = wrapPCM16Mono(concatPCM(up.LineChunks, order))
		result.LineChunks = up.LineChunks
	} else {
		result.WAV = wrapPCM16Mono(pcmFromWAV(up.Audio))
	}
	return result, nil
}

// runStudioPairGroups partitions the line map into speaker pairs and
// synthesizes each group's lines in parallel, bounded concurrency.
func (o *Orchestrator) runStudioPairGroups(ctx context.Context, req Request, lm []upstream.LineMapEntry) (*Result, *Error) {
	groups := buildPairGroups(lm)
	if len(groups) == 0 {
		return o.runLegacySingle(ctx, req)
	}

	concurrency := req.RequestedConcurrency
	if concurrency <= 0 || concurrency > MaxGroupConcurrency {
		concurrency = MaxGroupConcurrency
	}
	if concurrency > len(groups) {
		concurrency = len(groups)
	}
	if poolSize := o.alloc.PoolSize(); concurrency > poolSize && poolSize > 0 {
		concurrency = poolSize
	}

	chunks := make(map[int][]byte)
	var mu sync.Mutex
	var firstErr *Error
	splitModes := make([]string, len(groups))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)
	for gi, g := range groups {
		gi, g := gi, g
		eg.Go(func() error {
			call := unitCall{
				text:         joinLineText(g.lines),
				multiSpeaker: len(g.speakers) == 2,
				speakers:     speakerVoicesFor(req, g.speakers),
				lineMap:      g.lines,
				affinityKey:  affinityKeyFor(g.speakers),
				models:       req.Models,
				structured:   true,
			}
			up, _, err := o.synthesizeUnit(egCtx, call)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return err
			}
			weights := make([]lineWeight, len(g.lines))
			for i, l := range g.lines {
				weights[i] = lineWeight{lineIndex: l.LineIndex, words: wordCount(l.Text)}
			}
			groupPCM := pcmFromWAV(up.Audio)
			if len(up.LineChunks) > 0 {
				for idx, c := range up.LineChunks {
					chunks[idx] = c
				}
				splitModes[gi] = "pause"
			} else {
				perLine, mode := splitByLineWeights(groupPCM, weights)
				for idx, c := range perLine {
					chunks[idx] = c
				}
				splitModes[gi] = mode
			}
			return nil
		})
	}
	_ = eg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	order := make([]int, 0, len(lm))
	for _, l := range lm {
		order = append(order, l.LineIndex)
	}
	mode := "pause"
	for _, m := range splitModes {
		if m != "pause" {
			mode = "duration"
			break
		}
	}

	return &Result{
		WAV:        wrapPCM16Mono(concatPCM(chunks, order)),
		LineChunks: chunks,
		Diagnostics: Diagnostics{
			ConcurrencyUsed: concurrency,
			SplitMode:       mode,
		},
	}, nil
}

// runWordWindows windows an over-long line map into whole-line chunks of
// at most MaxWordsPerRequest words, running the pair-group strategy on
// each window serially and concatenating the results.
func (o *Orchestrator) runWordWindows(ctx context.Context, req Request) (*Result, *Error) {
	windows := splitWordWindows(req.LineMap)
	allChunks := make(map[int][]byte)
	var joined []byte

	for _, win := range windows {
		r, err := o.runStudioPairGroups(ctx, req, win)
		if err != nil {
			return nil, err
		}
		for idx, c := range r.LineChunks {
			allChunks[idx] = c
		}
		joined = append(joined, pcmFromWAV(r.WAV)...)
	}

	return &Result{
		WAV:        wrapPCM16Mono(joined),
		LineChunks: allChunks,
		Diagnostics: Diagnostics{ConcurrencyUsed: 1},
	}, nil
}

// runTextOrderWindows scans the line-ordered script for runs of at most two
// active speakers, synthesizing each run as one multi-speaker call and
// splicing a silence bridge between windows.
func (o *Orchestrator) runTextOrderWindows(ctx context.Context, req Request) (*Result, *Error) {
	windows := splitTextOrderWindows(req.LineMap)
	if len(windows) == 0 {
		return o.runLegacySingle(ctx, req)
	}

	bridgeMs := req.SilenceBridgeMs
	if bridgeMs <= 0 {
		bridgeMs = DefaultSilenceBridgeMs
	}
	bridge := make([]byte, SampleRateHz*bridgeMs/1000*BytesPerSample)

	allChunks := make(map[int][]byte)
	var joined []byte

	for wi, win := range windows {
		call := unitCall{
			text:         joinLineText(win.lines),
			multiSpeaker: len(win.speakers) == 2,
			speakers:     speakerVoicesFor(req, win.speakers),
			lineMap:      win.lines,
			affinityKey:  affinityKeyFor(win.speakers),
			models:       req.Models,
			structured:   true,
		}
		up, _, err := o.synthesizeUnit(ctx, call)
		if err != nil {
			return nil, err
		}

		windowPCM := pcmFromWAV(up.Audio)
		if len(up.LineChunks) > 0 {
			for idx, c := range up.LineChunks {
				allChunks[idx] = c
			}
		} else {
			weights := make([]lineWeight, len(win.lines))
			for i, l := range win.lines {
				weights[i] = lineWeight{lineIndex: l.LineIndex, words: wordCount(l.Text)}
			}
			perLine, _ := splitByLineWeights(windowPCM, weights)
			for idx, c := range perLine {
				allChunks[idx] = c
			}
		}

		if wi > 0 {
			joined = append(joined, bridge...)
		}
		joined = append(joined, windowPCM...)
	}

	return &Result{
		WAV:        wrapPCM16Mono(joined),
		LineChunks: allChunks,
		Diagnostics: Diagnostics{ConcurrencyUsed: 1},
	}, nil
}

func joinLineText(lm []upstream.LineMapEntry) string {
	parts := make([]string, 0, len(lm))
	for _, l := range lm {
		parts = append(parts, l.Text)
	}
	return strings.Join(parts, "\n")
}

// speakerVoicesFor resolves the voice configuration for a set of speakers
// from the request's speaker->voice map.
func speakerVoicesFor(req Request, speakers []string) []upstream.SpeakerVoice {
	out := make([]upstream.SpeakerVoice, 0, len(speakers))
	for _, s := range speakers {
		if v, ok := req.SpeakerVoices[s]; ok {
			out = append(out, v)
		} else {
			out = append(out, upstream.SpeakerVoice{Speaker: s})
		}
	}
	return out
}

// estimateTokens is a rough proxy for the allocator's TPM accounting: one
// token per ~4 characters of transcript text, matching common provider
// tokenization ratios closely enough for admission purposes.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
