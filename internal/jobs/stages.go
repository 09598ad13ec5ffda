// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ManuGH/xg2g/internal/tts"
	"github.com/ManuGH/xg2g/internal/upstream"
)

// NewDubbingStages builds the fixed pipeline a dubbing job runs through:
// transcript validation, a single orchestrator synthesis call covering the
// whole job, then result/report assembly to disk under outputDir. Each
// stage's Produces keys are exactly what finishWithQualityGate and the
// result/report handlers read back out of the job context.
func NewDubbingStages(orch *tts.Orchestrator, outputDir string) []Stage {
	return []Stage{
		validateStage(),
		synthesizeStage(orch),
		assembleStage(outputDir),
	}
}

func validateStage() Stage {
	return Stage{
		Name:     "validate",
		Requires: []string{"job.text"},
		Produces: []string{"job.validated"},
		Run: func(_ context.Context, jobCtx map[string]any) error {
			text, _ := jobCtx["job.text"].(string)
			if text == "" {
				return fmt.Errorf("job.text is empty")
			}
			jobCtx["job.validated"] = true
			return nil
		},
	}
}

// synthesizeStage never returns a stage error on a failed synthesis; a
// failed call is recorded as a segment failure and left for the quality
// gate, consistent with the strict any-failure-fails-the-job policy.
func synthesizeStage(orch *tts.Orchestrator) Stage {
	return Stage{
		Name:     "synthesize",
		Requires: []string{"job.validated", "job.text"},
		Produces: []string{"tts.result", "tts.segmentFailures"},
		Run: func(ctx context.Context, jobCtx map[string]any) error {
			text, _ := jobCtx["job.text"].(string)
			speakerVoices := resolveSpeakerVoices(jobCtx["job.speakerVoices"])
			lineMap := resolveLineMap(jobCtx["job.lineMap"])

			result, ttsErr := orch.Synthesize(ctx, tts.Request{
				Text:          text,
				SpeakerVoices: speakerVoices,
				MultiSpeaker:  len(speakerVoices) > 0,
				LineMap:       lineMap,
			})
			if ttsErr != nil {
				jobCtx["tts.result"] = (*tts.Result)(nil)
				jobCtx["tts.segmentFailures"] = []string{ttsErr.Error()}
				return nil
			}
			jobCtx["tts.result"] = result
			jobCtx["tts.segmentFailures"] = []string(nil)
			return nil
		},
	}
}

func assembleStage(outputDir string) Stage {
	return Stage{
		Name:     "assemble_output",
		Requires: []string{"tts.result"},
		Produces: []string{"job.resultPath", "job.reportPath"},
		Run: func(_ context.Context, jobCtx map[string]any) error {
			result, _ := jobCtx["tts.result"].(*tts.Result)
			if result == nil {
				jobCtx["job.resultPath"] = ""
				jobCtx["job.reportPath"] = ""
				return nil
			}

			id, _ := jobCtx["job.id"].(string)
			if id == "" {
				id = fmt.Sprintf("job-%d", time.Now().UnixNano())
			}

			resultPath := filepath.Join(outputDir, id+".wav")
			if err := os.WriteFile(resultPath, result.WAV, 0600); err != nil {
				return fmt.Errorf("write result wav: %w", err)
			}

			report := map[string]any{
				"id":          id,
				"diagnostics": result.Diagnostics,
				"generatedAt": time.Now().UTC(),
			}
			reportBytes, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal report: %w", err)
			}
			reportPath := filepath.Join(outputDir, id+".report.json")
			if err := os.WriteFile(reportPath, reportBytes, 0600); err != nil {
				return fmt.Errorf("write report: %w", err)
			}

			jobCtx["job.resultPath"] = resultPath
			jobCtx["job.reportPath"] = reportPath
			return nil
		},
	}
}

func resolveSpeakerVoices(v any) map[string]upstream.SpeakerVoice {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]upstream.SpeakerVoice, len(raw))
	for speaker, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		sv := upstream.SpeakerVoice{Speaker: speaker}
		if id, ok := m["voiceId"].(string); ok {
			sv.VoiceID = id
		}
		if name, ok := m["voiceName"].(string); ok {
			sv.VoiceName = name
		}
		out[speaker] = sv
	}
	return out
}

func resolveLineMap(v any) []upstream.LineMapEntry {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]upstream.LineMapEntry, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		le := upstream.LineMapEntry{LineIndex: i}
		if s, ok := m["speaker"].(string); ok {
			le.Speaker = s
		}
		if t, ok := m["text"].(string); ok {
			le.Text = t
		}
		if idx, ok := m["lineIndex"].(float64); ok {
			le.LineIndex = int(idx)
		}
		out = append(out, le)
	}
	return out
}
