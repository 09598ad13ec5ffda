// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/xg2g/internal/allocator"
	"github.com/ManuGH/xg2g/internal/config"
	"github.com/ManuGH/xg2g/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tone(samples int, amplitude int16) []byte {
	buf := make([]byte, samples*BytesPerSample)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*BytesPerSample:], uint16(amplitude))
	}
	return buf
}

func testLimits(model string) config.AllocatorLimits {
	return config.AllocatorLimits{
		Version:              "v1",
		WindowSeconds:        60,
		DefaultWaitTimeoutMs: 200,
		Models: []config.ModelLimits{
			{ID: model, RPM: 1000, TPM: 1000000, EnabledFor: []config.Task{config.TaskTTS}},
		},
		Routes: config.Routes{TTS: []string{model}},
	}
}

// fakeGeminiClient is a minimal, configurable stand-in for the cloud client
// used to exercise the orchestrator without any network dependency.
type fakeGeminiClient struct {
	mu    sync.Mutex
	calls int

	// synth, when set, computes the structured result for a given call.
	synth func(call int, req upstream.SynthesizeRequest) (*upstream.SynthesizeResult, error)
}

func (f *fakeGeminiClient) Synthesize(_ context.Context, _ string, req upstream.SynthesizeRequest, _ time.Duration) (*upstream.SynthesizeResult, error) {
	return f.call(req)
}

func (f *fakeGeminiClient) SynthesizeStructured(_ context.Context, _ string, req upstream.SynthesizeRequest, _ time.Duration) (*upstream.SynthesizeResult, error) {
	return f.call(req)
}

func (f *fakeGeminiClient) call(req upstream.SynthesizeRequest) (*upstream.SynthesizeResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.synth(n, req)
}

func (f *fakeGeminiClient) GenerateText(context.Context, string, upstream.TextRequest, time.Duration) (*upstream.TextResult, error) {
	return nil, errors.New("unsupported")
}

func (f *fakeGeminiClient) ExtractMultimodal(context.Context, string, upstream.MultimodalRequest, time.Duration) (*upstream.MultimodalResult, error) {
	return nil, errors.New("unsupported")
}

func (f *fakeGeminiClient) Health(context.Context) (bool, error) { return true, nil }
func (f *fakeGeminiClient) Name() upstream.Engine                { return upstream.EngineGemini }

func lineMapFor(speakerPerLine ...string) []upstream.LineMapEntry {
	out := make([]upstream.LineMapEntry, len(speakerPerLine))
	for i, s := range speakerPerLine {
		out[i] = upstream.LineMapEntry{LineIndex: i, Speaker: s, Text: "hello"}
	}
	return out
}

func TestSynthesize_StudioPairGroups_ConcurrencyBoundByKeyPoolSize(t *testing.T) {
	client := &fakeGeminiClient{
		synth: func(_ int, req upstream.SynthesizeRequest) (*upstream.SynthesizeResult, error) {
			chunks := make(map[int][]byte, len(req.LineMap))
			for _, l := range req.LineMap {
				chunks[l.LineIndex] = tone(100, int16(1000+100*l.LineIndex))
			}
			return &upstream.SynthesizeResult{Audio: tone(100*len(req.LineMap), 0), LineChunks: chunks}, nil
		},
	}
	registry := upstream.NewRegistry(client)
	alloc, err := allocator.New([]string{"k1", "k2", "k3"}, testLimits("gemini-tts-1"))
	require.NoError(t, err)

	o := New(alloc, registry)
	req := Request{
		StudioPairGroupsMode: true,
		LineMap:              lineMapFor("a", "b", "c", "d"),
		RequestedConcurrency: 7,
		Models:               []string{"gemini-tts-1"},
	}

	result, tErr := o.Synthesize(context.Background(), req)
	require.Nil(t, tErr)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.Diagnostics.ConcurrencyUsed)

	for i, want := range []int16{1000, 1100, 1200, 1300} {
		chunk := result.LineChunks[i]
		require.NotEmpty(t, chunk)
		got := int16(binary.LittleEndian.Uint16(chunk[:2]))
		assert.Equal(t, want, got)
	}
}

func TestSynthesize_RetriesTransientFailureBeforeSucceeding(t *testing.T) {
	client := &fakeGeminiClient{
		synth: func(n int, req upstream.SynthesizeRequest) (*upstream.SynthesizeResult, error) {
			if n == 1 {
				return nil, errors.New("service unavailable")
			}
			return &upstream.SynthesizeResult{Audio: tone(100, 500)}, nil
		},
	}
	registry := upstream.NewRegistry(client)
	alloc, err := allocator.New([]string{"k1"}, testLimits("gemini-tts-1"))
	require.NoError(t, err)

	o := New(alloc, registry)
	req := Request{
		Text:   "a short line",
		Models: []string{"gemini-tts-1"},
	}

	result, tErr := o.Synthesize(context.Background(), req)
	require.Nil(t, tErr)
	require.NotNil(t, result)
	assert.Equal(t, upstream.EngineGemini, result.Diagnostics.Engine)
	assert.GreaterOrEqual(t, client.calls, 2)
}

func TestSynthesize_AllKeysAuthFailed_ReturnsTerminalCode(t *testing.T) {
	client := &fakeGeminiClient{
		synth: func(_ int, _ upstream.SynthesizeRequest) (*upstream.SynthesizeResult, error) {
			return nil, errors.New("401 unauthorized: invalid api key")
		},
	}
	registry := upstream.NewRegistry(client)
	// One key per attempt in the retry loop (maxUnitAttempts=6): every key
	// gets auth-disabled after its single use, so the loop exhausts attempts
	// on a fresh key each time rather than ever blocking on allocator wait.
	alloc, err := allocator.New([]string{"k1", "k2", "k3", "k4", "k5", "k6"}, testLimits("gemini-tts-1"))
	require.NoError(t, err)

	o := New(alloc, registry)
	req := Request{Text: "hello there", Models: []string{"gemini-tts-1"}}

	result, tErr := o.Synthesize(context.Background(), req)
	assert.Nil(t, result)
	require.NotNil(t, tErr)
	assert.Equal(t, "ALL_KEYS_AUTH_FAILED", tErr.Code)
}
