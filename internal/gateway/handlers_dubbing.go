// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/xg2g/internal/jobs"
)

type engineState string

const (
	engineOnline   engineState = "online"
	engineStarting engineState = "starting"
	engineFailed   engineState = "failed"
)

// handleDubbingPrepare polls every registered engine's health: "online"
// when the probe succeeds, "starting" whenever it answers unhealthy, and
// "failed" when the registry cannot resolve the engine. It does not start
// or restart any engine itself.
func (s *Server) handleDubbingPrepare(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2500*time.Millisecond)
	defer cancel()

	states := map[string]engineState{}
	for _, e := range s.deps.Registry.Engines() {
		client, err := s.deps.Registry.Get(e)
		if err != nil {
			states[string(e)] = engineFailed
			continue
		}
		if ok, _ := client.Health(ctx); ok {
			states[string(e)] = engineOnline
		} else {
			states[string(e)] = engineStarting
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"engines": states})
}

type createJobRequest struct {
	Text          string         `json:"text"`
	SpeakerVoices map[string]any `json:"speakerVoices"`
	LineMap       []any          `json:"lineMap"`
	Options       map[string]any `json:"options"`
}

// handleCreateJob implements POST /dubbing/jobs/v2: it validates the
// minimal required fields and hands the rest to the job engine as seed
// context for the stage pipeline wired at startup.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, ErrValidation, "invalid request body", 0)
		return
	}
	if req.Text == "" {
		writeError(w, r, http.StatusBadRequest, ErrValidation, "text is required", 0)
		return
	}

	id := newJobID()
	seed := map[string]any{
		"job.id":            id,
		"job.text":          req.Text,
		"job.speakerVoices": req.SpeakerVoices,
		"job.lineMap":       req.LineMap,
		"job.options":       req.Options,
		"job.uid":           uidFromContext(r.Context()),
	}

	if _, err := s.deps.Jobs.Submit(context.Background(), id, seed); err != nil {
		writeError(w, r, http.StatusInternalServerError, ErrInternal, "failed to submit job", 0)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.deps.Jobs.Get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, ErrNotFound, "job not found", 0)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Jobs.Cancel(id) {
		writeError(w, r, http.StatusNotFound, ErrNotFound, "job not found", 0)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.deps.Jobs.Get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, ErrNotFound, "job not found", 0)
		return
	}
	if job.Status != jobs.JobCompleted || job.ResultPath == "" {
		writeError(w, r, http.StatusNotFound, ErrNotFound, "job result not available", 0)
		return
	}
	http.ServeFile(w, r, job.ResultPath)
}

func (s *Server) handleJobReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.deps.Jobs.Get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, ErrNotFound, "job not found", 0)
		return
	}
	if job.ReportPath == "" {
		writeError(w, r, http.StatusNotFound, ErrNotFound, "job report not available", 0)
		return
	}
	data, err := os.ReadFile(job.ReportPath)
	if err != nil {
		writeError(w, r, http.StatusNotFound, ErrNotFound, "job report not available", 0)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

var jobSeq int64

// newJobID generates a process-unique job id.
func newJobID() string {
	n := atomic.AddInt64(&jobSeq, 1)
	return "job-" + time.Now().UTC().Format("20060102T150405") + "-" + strconv.FormatInt(n, 10)
}
