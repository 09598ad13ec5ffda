// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tts

import "encoding/binary"

const (
	// quietAmplitudeThreshold is the max absolute sample value considered "quiet".
	quietAmplitudeThreshold = 400
	// minQuietRunSamples is how long a quiet run must be to count as a pause.
	minQuietRunSamples = SampleRateHz / 20 // 50ms
	// boundaryToleranceSamples is how far a boundary may be nudged to land on a pause.
	boundaryToleranceSamples = SampleRateHz / 2 // 500ms
	// silenceChunkMs is the fallback chunk duration for missing/empty lines.
	silenceChunkMs = 10
)

// lineWeight pairs a lineIndex with its word-count weight for proportional splitting.
type lineWeight struct {
	lineIndex int
	words     int
}

// splitByLineWeights splits a grouped call's PCM-16 mono bytes into
// per-line chunks proportional to each line's word count, refining sample
// boundaries to land on a quiet run when possible (§4.3).
//
// Returns the chunks keyed by lineIndex and the split mode actually used:
// "silence" if every line has zero words (each line gets a silence chunk),
// "pause" if every boundary found a qualifying quiet run, "duration"
// otherwise (proportional boundaries, unrefined).
func splitByLineWeights(pcm []byte, weights []lineWeight) (map[int][]byte, string) {
	chunks := make(map[int][]byte, len(weights))
	if len(weights) == 0 {
		return chunks, "duration"
	}

	totalWords := 0
	for _, w := range weights {
		totalWords += w.words
	}
	if totalWords == 0 {
		// Every line is empty or missing: all silence fallback.
		for _, w := range weights {
			chunks[w.lineIndex] = silenceChunk()
		}
		return chunks, "silence"
	}

	totalSamples := len(pcm) / BytesPerSample
	boundaries := make([]int, len(weights)+1)
	cum := 0
	for i, w := range weights {
		boundaries[i] = proportionalSample(cum, totalWords, totalSamples)
		cum += w.words
	}
	boundaries[len(weights)] = totalSamples

	refined := make([]int, len(boundaries))
	copy(refined, boundaries)
	allPaused := true
	for i := 1; i < len(boundaries)-1; i++ {
		refinedIdx, found := findQuietRun(pcm, boundaries[i], boundaryToleranceSamples)
		if !found {
			allPaused = false
			continue
		}
		refined[i] = refinedIdx
	}

	use := boundaries
	mode := "duration"
	if allPaused {
		use = refined
		mode = "pause"
	}

	for i, w := range weights {
		start := use[i] * BytesPerSample
		end := use[i+1] * BytesPerSample
		if start < 0 {
			start = 0
		}
		if end > len(pcm) {
			end = len(pcm)
		}
		if w.words == 0 || start >= end {
			chunks[w.lineIndex] = silenceChunk()
			continue
		}
		chunk := make([]byte, end-start)
		copy(chunk, pcm[start:end])
		chunks[w.lineIndex] = chunk
	}
	return chunks, mode
}

func proportionalSample(cumWords, totalWords, totalSamples int) int {
	if totalWords == 0 {
		return 0
	}
	return int(float64(cumWords) / float64(totalWords) * float64(totalSamples))
}

// findQuietRun searches +/- tolerance samples around center for a run of at
// least minQuietRunSamples consecutive low-amplitude samples, returning the
// run's midpoint sample index.
func findQuietRun(pcm []byte, center, tolerance int) (int, bool) {
	totalSamples := len(pcm) / BytesPerSample
	lo := center - tolerance
	if lo < 0 {
		lo = 0
	}
	hi := center + tolerance
	if hi > totalSamples {
		hi = totalSamples
	}

	runStart := -1
	bestDist := tolerance + 1
	bestIdx := -1

	for i := lo; i < hi; i++ {
		if abs16(sampleAt(pcm, i)) <= quietAmplitudeThreshold {
			if runStart == -1 {
				runStart = i
			}
			if i-runStart+1 >= minQuietRunSamples {
				mid := runStart + (i-runStart)/2
				dist := mid - center
				if dist < 0 {
					dist = -dist
				}
				if dist < bestDist {
					bestDist = dist
					bestIdx = mid
				}
			}
		} else {
			runStart = -1
		}
	}
	if bestIdx == -1 {
		return center, false
	}
	return bestIdx, true
}

func sampleAt(pcm []byte, sampleIdx int) int16 {
	off := sampleIdx * BytesPerSample
	if off+1 >= len(pcm) {
		return 0
	}
	return int16(binary.LittleEndian.Uint16(pcm[off : off+2]))
}

func abs16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}

// silenceChunk returns silenceChunkMs of zero-amplitude PCM-16 mono samples.
func silenceChunk() []byte {
	samples := SampleRateHz * silenceChunkMs / 1000
	return make([]byte, samples*BytesPerSample)
}
