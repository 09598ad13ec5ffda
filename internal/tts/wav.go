// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tts

import (
	"bytes"
	"encoding/binary"
)

// wrapPCM16Mono wraps raw little-endian PCM-16 mono samples in a standard
// 44-byte RIFF/WAVE header at the fixed SampleRateHz output rate. No
// third-party audio library in the retrieved dependency pack models this
// narrow a concern, so it is hand-rolled against the well-known RIFF layout.
func wrapPCM16Mono(pcm []byte) []byte {
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	byteRate := SampleRateHz * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	buf := new(bytes.Buffer)
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(numChannels))
	binary.Write(buf, binary.LittleEndian, uint32(SampleRateHz))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// pcmFromWAV strips a RIFF/WAVE header and returns the raw PCM payload. If
// b does not look like a WAV container, it is returned unchanged (some
// upstream raw-audio responses are already headerless PCM in tests/stubs).
func pcmFromWAV(b []byte) []byte {
	if len(b) < 44 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return b
	}
	offset := 12
	for offset+8 <= len(b) {
		chunkID := string(b[offset : offset+4])
		chunkSize := binary.LittleEndian.Uint32(b[offset+4 : offset+8])
		dataStart := offset + 8
		if chunkID == "data" {
			end := dataStart + int(chunkSize)
			if end > len(b) {
				end = len(b)
			}
			return b[dataStart:end]
		}
		offset = dataStart + int(chunkSize)
		if chunkSize%2 == 1 {
			offset++
		}
	}
	return b
}

// concatPCM concatenates per-line PCM chunks in lineIndex order regardless
// of the map's iteration/completion order.
func concatPCM(chunks map[int][]byte, order []int) []byte {
	buf := new(bytes.Buffer)
	for _, idx := range order {
		buf.Write(chunks[idx])
	}
	return buf.Bytes()
}

// durationSeconds returns the playback duration of PCM-16 mono samples.
func durationSeconds(pcm []byte) float64 {
	samples := len(pcm) / BytesPerSample
	return float64(samples) / float64(SampleRateHz)
}
