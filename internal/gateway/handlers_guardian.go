// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleGuardianStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Guardian.Snapshot())
}

func (s *Server) handleGuardianScan(w http.ResponseWriter, r *http.Request) {
	issues := s.deps.Guardian.RunAutoScan(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

type guardianActionRequest struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args"`
}

// handleGuardianAction implements POST /ops/guardian/actions. Every action
// goes through RequestMajorAction: it executes immediately when the caller
// is an authorized admin and is queued pending approval otherwise. Actions
// are not classified by severity here, so a minor action from a non-admin
// caller is queued like a major one.
func (s *Server) handleGuardianAction(w http.ResponseWriter, r *http.Request) {
	var req guardianActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		writeError(w, r, http.StatusBadRequest, ErrValidation, "action is required", 0)
		return
	}

	uid := uidFromContext(r.Context())
	isAdmin := s.deps.Guardian.IsAuthorizedAdmin(bearerToken(r), uid)

	approval, err := s.deps.Guardian.RequestMajorAction(r.Context(), req.Action, req.Args, isAdmin, uid)
	if err != nil {
		writeError(w, r, http.StatusTooManyRequests, ErrValidation, err.Error(), 0)
		return
	}

	status := http.StatusAccepted
	if approval.Status != "pending" {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"approval": approval})
}

func (s *Server) handleGuardianApprovals(w http.ResponseWriter, r *http.Request) {
	all := s.deps.Guardian.ListApprovals()
	statusFilter := r.URL.Query().Get("status")
	if statusFilter == "" {
		writeJSON(w, http.StatusOK, map[string]any{"approvals": all})
		return
	}
	filtered := make([]any, 0, len(all))
	for _, a := range all {
		if string(a.Status) == statusFilter {
			filtered = append(filtered, a)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": filtered})
}

type approvalDecisionRequest struct {
	Approve bool `json:"approve"`
}

// handleGuardianApprovalDecision implements POST
// /ops/guardian/approvals/{id}/decision, admin-only per the admin-token +
// admin-uid-allowlist gate guardian.IsAuthorizedAdmin already enforces for
// major actions.
func (s *Server) handleGuardianApprovalDecision(w http.ResponseWriter, r *http.Request) {
	uid := uidFromContext(r.Context())
	if !s.deps.Guardian.IsAuthorizedAdmin(bearerToken(r), uid) {
		writeError(w, r, http.StatusUnauthorized, ErrUnauthorized, "admin token and uid allowlist required", 0)
		return
	}

	id := chi.URLParam(r, "id")
	var req approvalDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, ErrValidation, "invalid request body", 0)
		return
	}

	approval, err := s.deps.Guardian.DecideApproval(r.Context(), id, uid, req.Approve)
	if err != nil {
		writeError(w, r, http.StatusNotFound, ErrNotFound, err.Error(), 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval": approval})
}
