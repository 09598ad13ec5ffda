// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/ManuGH/xg2g/internal/log"
	"github.com/ManuGH/xg2g/internal/quota"
	"github.com/ManuGH/xg2g/internal/tts"
	"github.com/ManuGH/xg2g/internal/upstream"
)

type synthesizeRequest struct {
	RequestID            string                         `json:"requestId"`
	Text                 string                          `json:"text"`
	Engine               string                          `json:"engine"`
	MultiSpeaker         bool                            `json:"multiSpeaker"`
	SpeakerVoices        map[string]upstream.SpeakerVoice `json:"speakerVoices"`
	LineMap              []upstream.LineMapEntry          `json:"lineMap"`
	StudioPairGroupsMode bool                             `json:"studioPairGroupsMode"`
	RequestedConcurrency int                              `json:"requestedConcurrency"`
}

// handleSynthesize implements POST /tts/synthesize: quota reservation,
// orchestrator call, quota commit/revert, then the audio response with its
// diagnostics headers.
func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, ErrValidation, "invalid request body", 0)
		return
	}
	if req.RequestID == "" || req.Text == "" {
		writeError(w, r, http.StatusBadRequest, ErrValidation, "requestId and text are required", 0)
		return
	}
	if req.Engine == "" {
		req.Engine = string(upstream.EngineGemini)
	}

	uid := uidFromContext(r.Context())
	logger := log.WithComponent("gateway.tts")

	reservation, err := s.deps.Quota.Reserve(r.Context(), uid, req.RequestID, req.Engine, int64(len(req.Text)))
	if err != nil {
		logger.Error().Err(err).Str("event", "gateway.quota_reserve_error").Msg("quota reserve failed")
		writeError(w, r, http.StatusInternalServerError, ErrInternal, "quota reservation failed", 0)
		return
	}
	if !reservation.Allowed {
		writeError(w, r, http.StatusTooManyRequests, reservation.Code, reservationDenialSummary(reservation.Code), 0)
		return
	}

	result, ttsErr := s.deps.Orchestrator.Synthesize(r.Context(), tts.Request{
		Text:                 req.Text,
		SpeakerVoices:        req.SpeakerVoices,
		MultiSpeaker:         req.MultiSpeaker,
		LineMap:              req.LineMap,
		StudioPairGroupsMode: req.StudioPairGroupsMode,
		RequestedConcurrency: req.RequestedConcurrency,
	})
	if ttsErr != nil {
		if _, revertErr := s.deps.Quota.Revert(r.Context(), uid, req.RequestID); revertErr != nil {
			logger.Error().Err(revertErr).Str("event", "gateway.quota_revert_error").Msg("quota revert after synthesis failure also failed")
		}
		writeError(w, r, synthesisStatus(ttsErr.Code), ttsErr.Code, ttsErr.Summary, ttsErr.RetryAfterMs)
		return
	}

	if _, err := s.deps.Quota.Commit(r.Context(), uid, req.RequestID); err != nil {
		logger.Error().Err(err).Str("event", "gateway.quota_commit_error").Msg("quota commit failed")
	}

	diag, _ := json.Marshal(result.Diagnostics)
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("x-vf-request-id", req.RequestID)
	w.Header().Set("x-voiceflow-trace-id", log.RequestIDFromContext(r.Context()))
	w.Header().Set("x-voiceflow-diagnostics", url.QueryEscape(string(diag)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.WAV)
}

func reservationDenialSummary(code string) string {
	switch code {
	case quota.CodeMonthlyVFExceeded:
		return "Monthly voice-fidelity quota reached"
	case quota.CodeDailyGenerationExceeded:
		return "Daily generation limit reached"
	default:
		return "quota denied"
	}
}

// synthesisStatus maps a terminal orchestrator error code to its HTTP status
// per the error-handling taxonomy.
func synthesisStatus(code string) int {
	switch code {
	case ErrAPIKeyMissing, ErrWordLimitExceeded:
		return http.StatusBadRequest
	case ErrRuntimeSDKUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
