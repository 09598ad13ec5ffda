// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package tts implements the synthesis orchestrator: it builds
// speaker-grouped upstream requests, reassembles per-line audio, and falls
// back across modes and engines until a synthesis call succeeds or the
// acquisition budget is exhausted.
package tts

import (
	"github.com/ManuGH/xg2g/internal/errorkind"
	"github.com/ManuGH/xg2g/internal/upstream"
)

const (
	// SampleRateHz is the fixed output sample rate for assembled WAV audio.
	SampleRateHz = 24000
	// BytesPerSample is the PCM sample width (16-bit signed mono).
	BytesPerSample = 2
	// MaxWordsPerRequest bounds a single upstream call's transcript size.
	MaxWordsPerRequest = 350
	// MaxGroupConcurrency caps parallel studio-pair-group synthesis within one request.
	MaxGroupConcurrency = 7
	// DefaultSilenceBridgeMs is the pause spliced between text-order windows.
	DefaultSilenceBridgeMs = 120
	// RealtimeFactorTarget is the threshold for diagnostics.targetMet.
	RealtimeFactorTarget = 150.0
)

// Request is one synthesis call as seen by the orchestrator.
type Request struct {
	Text                  string
	SpeakerVoices         map[string]upstream.SpeakerVoice
	MultiSpeaker          bool
	LineMap               []upstream.LineMapEntry
	StudioPairGroupsMode  bool
	RequestedConcurrency  int
	SilenceBridgeMs       int
	PreferredKeyHint      string // speaker-affinity hint, set by caller from a previous result
	Models                []string
}

// Diagnostics describes how a Result was produced.
type Diagnostics struct {
	Strategy        string
	ConcurrencyUsed int
	Engine          upstream.Engine
	SplitMode       string
	SilenceFallback bool
	RealtimeFactorX float64
	TargetMet       bool
	BlockedModels   []string
	BlockedKeys     []string
	AffinityKey     string
}

// Result is a completed synthesis: joined WAV audio plus, when available,
// the ordered per-line chunks.
type Result struct {
	WAV         []byte
	LineChunks  map[int][]byte
	Diagnostics Diagnostics
}

// Error is the orchestrator's terminal failure value (§9: tagged result,
// not an exception).
type Error struct {
	Code         string
	Summary      string
	RetryAfterMs int64
	Classified   errorkind.Kind
}

func (e *Error) Error() string {
	if e.Summary == "" {
		return e.Code
	}
	return e.Code + ": " + e.Summary
}

// wordLimitExceeded builds the pre-flight rejection error (§4.3).
func wordLimitExceeded(wordCount int) *Error {
	return &Error{Code: "word_limit_exceeded", Summary: "script exceeds per-request word cap"}
}
