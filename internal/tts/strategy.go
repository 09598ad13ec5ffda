// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tts

import (
	"strings"

	"github.com/ManuGH/xg2g/internal/upstream"
)

// strategyKind names one of the four preference-ordered strategies (§4.3).
type strategyKind string

const (
	strategyStudioPairGroups strategyKind = "studio_pair_groups"
	strategyWordWindows      strategyKind = "line_map_word_windows"
	strategyTextOrderWindows strategyKind = "text_order_two_speaker_windows"
	strategyLegacySingle     strategyKind = "legacy_single_window"
)

// pairGroup is a contiguous run of line-map entries restricted to (at most)
// two speakers, synthesized as one multi-speaker upstream call.
type pairGroup struct {
	speakers []string
	lines    []upstream.LineMapEntry
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func lineMapWordCount(lm []upstream.LineMapEntry) int {
	total := 0
	for _, l := range lm {
		total += wordCount(l.Text)
	}
	return total
}

// distinctSpeakers returns speakers in first-seen order.
func distinctSpeakers(lm []upstream.LineMapEntry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lm {
		if !seen[l.Speaker] {
			seen[l.Speaker] = true
			out = append(out, l.Speaker)
		}
	}
	return out
}

// selectStrategy picks one of the four strategies per §4.3's preference order.
func selectStrategy(req Request) strategyKind {
	speakers := distinctSpeakers(req.LineMap)
	if req.StudioPairGroupsMode && len(speakers) >= 2 && len(req.LineMap) >= 2 {
		if lineMapWordCount(req.LineMap) > MaxWordsPerRequest {
			return strategyWordWindows
		}
		return strategyStudioPairGroups
	}
	if len(speakers) > 2 && len(req.LineMap) == 0 {
		return strategyTextOrderWindows
	}
	return strategyLegacySingle
}

// buildPairGroups partitions a line map's distinct speakers into sequential
// pairs and assigns each line map entry to the group owning its speaker.
// Lines whose speaker isn't in the group in partition order are skipped;
// callers always pass a line map whose speakers were produced by
// distinctSpeakers on the same slice, so this cannot happen in practice.
func buildPairGroups(lm []upstream.LineMapEntry) []pairGroup {
	speakers := distinctSpeakers(lm)
	groupOf := make(map[string]int, len(speakers))
	var groups []pairGroup
	for i := 0; i < len(speakers); i += 2 {
		pair := []string{speakers[i]}
		if i+1 < len(speakers) {
			pair = append(pair, speakers[i+1])
		}
		idx := len(groups)
		for _, s := range pair {
			groupOf[s] = idx
		}
		groups = append(groups, pairGroup{speakers: pair})
	}
	for _, l := range lm {
		idx, ok := groupOf[l.Speaker]
		if !ok {
			continue
		}
		groups[idx].lines = append(groups[idx].lines, l)
	}
	return groups
}

// splitWordWindows splits a line map into whole-line windows of at most
// MaxWordsPerRequest words each, preserving line order.
func splitWordWindows(lm []upstream.LineMapEntry) [][]upstream.LineMapEntry {
	var windows [][]upstream.LineMapEntry
	var current []upstream.LineMapEntry
	currentWords := 0

	for _, l := range lm {
		w := wordCount(l.Text)
		if currentWords > 0 && currentWords+w > MaxWordsPerRequest {
			windows = append(windows, current)
			current = nil
			currentWords = 0
		}
		current = append(current, l)
		currentWords += w
	}
	if len(current) > 0 {
		windows = append(windows, current)
	}
	return windows
}

// textOrderWindow is one window of the text-order two-speaker strategy.
type textOrderWindow struct {
	speakers []string
	lines    []upstream.LineMapEntry
}

// splitTextOrderWindows scans the line-ordered script; whenever a third
// distinct speaker would appear in the current window, it flushes the
// window and starts a new one containing only that speaker's line so far.
func splitTextOrderWindows(lm []upstream.LineMapEntry) []textOrderWindow {
	var windows []textOrderWindow
	var current textOrderWindow
	activeSet := make(map[string]bool)

	flush := func() {
		if len(current.lines) > 0 {
			windows = append(windows, current)
		}
		current = textOrderWindow{}
		activeSet = make(map[string]bool)
	}

	for _, l := range lm {
		if !activeSet[l.Speaker] && len(activeSet) >= 2 {
			flush()
		}
		if !activeSet[l.Speaker] {
			activeSet[l.Speaker] = true
			current.speakers = append(current.speakers, l.Speaker)
		}
		current.lines = append(current.lines, l)
	}
	flush()
	return windows
}
