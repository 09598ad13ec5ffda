// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Task is one of the three workloads models can be enabled for.
type Task string

const (
	TaskTTS  Task = "tts"
	TaskText Task = "text"
	TaskOCR  Task = "ocr"
)

// ModelLimits is the per-model RPM/TPM budget and its enabled tasks.
type ModelLimits struct {
	ID         string `json:"id"`
	RPM        int    `json:"rpm"`
	TPM        int    `json:"tpm"`
	EnabledFor []Task `json:"enabledFor"`
}

func (m ModelLimits) enabledForTask(t Task) bool {
	for _, et := range m.EnabledFor {
		if et == t {
			return true
		}
	}
	return false
}

// Routes is the ordered model preference list per task.
type Routes struct {
	TTS  []string `json:"tts"`
	Text []string `json:"text"`
	OCR  []string `json:"ocr"`
}

func (r Routes) forTask(t Task) []string {
	switch t {
	case TaskTTS:
		return r.TTS
	case TaskText:
		return r.Text
	case TaskOCR:
		return r.OCR
	default:
		return nil
	}
}

// AllocatorLimits is the allocator's configuration document (spec §6).
type AllocatorLimits struct {
	Version              string        `json:"version"`
	WindowSeconds        int           `json:"windowSeconds"`
	DefaultWaitTimeoutMs int           `json:"defaultWaitTimeoutMs"`
	Models               []ModelLimits `json:"models"`
	Routes               Routes        `json:"routes"`
}

// ModelByID returns the model limits for id, if defined.
func (a AllocatorLimits) ModelByID(id string) (ModelLimits, bool) {
	for _, m := range a.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelLimits{}, false
}

// RouteFor returns the ordered model candidate list for a task.
func (a AllocatorLimits) RouteFor(t Task) []string {
	return a.Routes.forTask(t)
}

// Validate enforces spec §6: version non-empty, positive window/timeout,
// positive per-model budgets, and every route entry referencing a defined
// model that is enabled for that task.
func (a AllocatorLimits) Validate() error {
	if a.Version == "" {
		return fmt.Errorf("allocator config: version must not be empty")
	}
	if a.WindowSeconds <= 0 {
		return fmt.Errorf("allocator config: windowSeconds must be > 0")
	}
	if a.DefaultWaitTimeoutMs <= 0 {
		return fmt.Errorf("allocator config: defaultWaitTimeoutMs must be > 0")
	}
	seen := make(map[string]ModelLimits, len(a.Models))
	for _, m := range a.Models {
		if m.ID == "" {
			return fmt.Errorf("allocator config: model id must not be empty")
		}
		if m.RPM <= 0 || m.TPM <= 0 {
			return fmt.Errorf("allocator config: model %q must have rpm>0 and tpm>0", m.ID)
		}
		seen[m.ID] = m
	}
	for _, task := range []Task{TaskTTS, TaskText, TaskOCR} {
		for _, id := range a.Routes.forTask(task) {
			m, ok := seen[id]
			if !ok {
				return fmt.Errorf("allocator config: route %s references undefined model %q", task, id)
			}
			if !m.enabledForTask(task) {
				return fmt.Errorf("allocator config: route %s references model %q not enabled for that task", task, id)
			}
		}
	}
	return nil
}

// LoadAllocatorLimits reads and strictly validates the allocator limits
// document from path. It never returns a partially-valid document: on any
// error the caller should keep using whatever configuration it already has.
func LoadAllocatorLimits(path string) (AllocatorLimits, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return AllocatorLimits{}, fmt.Errorf("read allocator config %q: %w", path, err)
	}
	var limits AllocatorLimits
	if err := json.Unmarshal(raw, &limits); err != nil {
		return AllocatorLimits{}, fmt.Errorf("parse allocator config %q: %w", path, err)
	}
	if err := limits.Validate(); err != nil {
		return AllocatorLimits{}, err
	}
	return limits, nil
}
