// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package gateway

import (
	"context"
	"net/http"
	"time"
)

type healthResponse struct {
	OK      bool            `json:"ok"`
	Engines map[string]bool `json:"engines"`
}

// handleHealth reports liveness plus a capability snapshot: which engines
// currently answer their own /health within the runtime-health contract's
// budget.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2500*time.Millisecond)
	defer cancel()

	engines := map[string]bool{}
	for _, e := range s.deps.Registry.Engines() {
		client, err := s.deps.Registry.Get(e)
		if err != nil {
			engines[string(e)] = false
			continue
		}
		ok, _ := client.Health(ctx)
		engines[string(e)] = ok
	}
	writeJSON(w, http.StatusOK, healthResponse{OK: true, Engines: engines})
}

type versionResponse struct {
	Version  string   `json:"version"`
	Features []string `json:"features"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, versionResponse{
		Version:  s.deps.Version,
		Features: []string{"tts", "dubbing", "guardian", "quota"},
	})
}
