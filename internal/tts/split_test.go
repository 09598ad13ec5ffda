// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tts

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPCM builds n samples of constant amplitude, with a quiet run of
// quietLen zero samples starting at quietStart.
func buildPCM(totalSamples, quietStart, quietLen int, amplitude int16) []byte {
	buf := make([]byte, totalSamples*BytesPerSample)
	for i := 0; i < totalSamples; i++ {
		v := amplitude
		if i >= quietStart && i < quietStart+quietLen {
			v = 0
		}
		binary.LittleEndian.PutUint16(buf[i*BytesPerSample:], uint16(v))
	}
	return buf
}

func TestSplitByLineWeights_FindsQuietRunForBoundary(t *testing.T) {
	total := SampleRateHz * 2 // 2 seconds
	quietStart := total/2 - minQuietRunSamples/2
	pcm := buildPCM(total, quietStart, minQuietRunSamples*2, 5000)

	weights := []lineWeight{
		{lineIndex: 0, words: 5},
		{lineIndex: 1, words: 5},
	}
	chunks, mode := splitByLineWeights(pcm, weights)
	assert.Equal(t, "pause", mode)
	require.Len(t, chunks, 2)
	assert.NotEmpty(t, chunks[0])
	assert.NotEmpty(t, chunks[1])
}

func TestSplitByLineWeights_FallsBackToDurationWithoutQuietRun(t *testing.T) {
	total := SampleRateHz * 2
	pcm := buildPCM(total, 0, 0, 5000) // no quiet run anywhere

	weights := []lineWeight{
		{lineIndex: 0, words: 3},
		{lineIndex: 1, words: 7},
	}
	_, mode := splitByLineWeights(pcm, weights)
	assert.Equal(t, "duration", mode)
}

func TestSplitByLineWeights_EmptyLineGetsSilenceChunk(t *testing.T) {
	total := SampleRateHz
	pcm := buildPCM(total, total/2, minQuietRunSamples*2, 3000)

	weights := []lineWeight{
		{lineIndex: 0, words: 10},
		{lineIndex: 1, words: 0},
	}
	chunks, _ := splitByLineWeights(pcm, weights)
	assert.Equal(t, silenceChunk(), chunks[1])
}

func TestSplitByLineWeights_AllLinesEmptyIsAllSilence(t *testing.T) {
	pcm := buildPCM(SampleRateHz, 0, 0, 1000)
	weights := []lineWeight{{lineIndex: 0, words: 0}, {lineIndex: 1, words: 0}}
	chunks, mode := splitByLineWeights(pcm, weights)
	assert.Equal(t, "silence", mode)
	assert.Equal(t, silenceChunk(), chunks[0])
	assert.Equal(t, silenceChunk(), chunks[1])
}

func TestWrapAndUnwrapPCM_RoundTrip(t *testing.T) {
	pcm := buildPCM(1000, 0, 0, 1234)
	wav := wrapPCM16Mono(pcm)
	assert.Equal(t, pcm, pcmFromWAV(wav))
}

func TestConcatPCM_OrdersByLineIndexRegardlessOfMapOrder(t *testing.T) {
	chunks := map[int][]byte{
		2: {0x03, 0x03},
		0: {0x01, 0x01},
		1: {0x02, 0x02},
	}
	got := concatPCM(chunks, []int{0, 1, 2})
	assert.Equal(t, []byte{0x01, 0x01, 0x02, 0x02, 0x03, 0x03}, got)
}
