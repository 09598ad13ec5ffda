// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDoc() AllocatorLimits {
	return AllocatorLimits{
		Version:              "v1",
		WindowSeconds:        60,
		DefaultWaitTimeoutMs: 5000,
		Models: []ModelLimits{
			{ID: "gemini-tts-1", RPM: 10, TPM: 10000, EnabledFor: []Task{TaskTTS}},
			{ID: "gemini-text-1", RPM: 20, TPM: 20000, EnabledFor: []Task{TaskText, TaskOCR}},
		},
		Routes: Routes{
			TTS:  []string{"gemini-tts-1"},
			Text: []string{"gemini-text-1"},
			OCR:  []string{"gemini-text-1"},
		},
	}
}

func TestAllocatorLimitsValidate_OK(t *testing.T) {
	require.NoError(t, validDoc().Validate())
}

func TestAllocatorLimitsValidate_EmptyVersion(t *testing.T) {
	d := validDoc()
	d.Version = ""
	assert.Error(t, d.Validate())
}

func TestAllocatorLimitsValidate_RouteUndefinedModel(t *testing.T) {
	d := validDoc()
	d.Routes.TTS = []string{"does-not-exist"}
	assert.Error(t, d.Validate())
}

func TestAllocatorLimitsValidate_RouteWrongTask(t *testing.T) {
	d := validDoc()
	d.Routes.OCR = []string{"gemini-tts-1"} // not enabled for ocr
	assert.Error(t, d.Validate())
}

func TestAllocatorLimitsValidate_NonPositiveBudget(t *testing.T) {
	d := validDoc()
	d.Models[0].RPM = 0
	assert.Error(t, d.Validate())
}

func TestLoadAllocatorLimits_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allocator.json")
	const doc = `{
		"version": "v1",
		"windowSeconds": 60,
		"defaultWaitTimeoutMs": 5000,
		"models": [{"id":"m1","rpm":5,"tpm":5000,"enabledFor":["tts"]}],
		"routes": {"tts": ["m1"], "text": [], "ocr": []}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	limits, err := LoadAllocatorLimits(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", limits.Version)
	assert.Equal(t, []string{"m1"}, limits.RouteFor(TaskTTS))
}

func TestLoadAllocatorLimits_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allocator.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadAllocatorLimits(path)
	assert.Error(t, err)
}

func TestAllocatorConfigHolder_ReloadKeepsPreviousOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allocator.json")
	good := `{"version":"v1","windowSeconds":60,"defaultWaitTimeoutMs":1000,
		"models":[{"id":"m1","rpm":5,"tpm":5000,"enabledFor":["tts"]}],
		"routes":{"tts":["m1"],"text":[],"ocr":[]}}`
	require.NoError(t, os.WriteFile(path, []byte(good), 0o600))

	h, err := NewAllocatorConfigHolder(path)
	require.NoError(t, err)
	require.Equal(t, "v1", h.Get().Version)

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
	err = h.Reload()
	assert.Error(t, err)
	assert.Equal(t, "v1", h.Get().Version, "holder must keep the last-good document on a failed reload")
}
