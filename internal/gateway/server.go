// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package gateway is the HTTP facade: it gates every request through
// auth, the quota engine, and the guardian admission check before handing
// off to the TTS orchestrator, the dubbing job engine, or an operator
// action, per the external-interfaces contract.
package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	apimw "github.com/ManuGH/xg2g/internal/api/middleware"
	"github.com/ManuGH/xg2g/internal/allocator"
	"github.com/ManuGH/xg2g/internal/guardian"
	"github.com/ManuGH/xg2g/internal/jobs"
	"github.com/ManuGH/xg2g/internal/log"
	"github.com/ManuGH/xg2g/internal/quota"
	"github.com/ManuGH/xg2g/internal/tts"
	"github.com/ManuGH/xg2g/internal/upstream"
)

// Deps bundles every core component the gateway fronts. All fields are
// required; Server.Router does not check them, so a missing one surfaces
// as a nil dereference when a request first reaches a handler that uses it.
type Deps struct {
	Version        string
	AllowedOrigins []string
	RateLimitRPS   int
	RateLimitBurst int

	Allocator    *allocator.Allocator
	Registry     *upstream.Registry
	Orchestrator *tts.Orchestrator
	Jobs         *jobs.Engine
	Quota        *quota.Engine
	Guardian     *guardian.Guardian
}

// Server holds the wired dependencies and exposes the chi router.
type Server struct {
	deps Deps
}

// New builds a Server over the given dependencies.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Router builds the full chi router: the canonical ingress middleware
// stack, then public routes, then guardian-gated routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(apimw.CORS(s.deps.AllowedOrigins))
	r.Use(apimw.SecurityHeaders(apimw.DefaultCSP))
	r.Use(apimw.Metrics())
	r.Use(apimw.Tracing("vfgw-gateway"))
	r.Use(log.Middleware())
	r.Use(apimw.APIRateLimit(true, s.deps.RateLimitRPS, s.deps.RateLimitBurst, nil))
	r.Use(s.guardianAdmission)

	r.Get("/health", s.handleHealth)
	r.Get("/system/version", s.handleVersion)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/tts/synthesize", s.handleSynthesize)

		r.Post("/services/dubbing/prepare", s.handleDubbingPrepare)
		r.Post("/dubbing/jobs/v2", s.handleCreateJob)
		r.Get("/dubbing/jobs/{id}", s.handleGetJob)
		r.Post("/dubbing/jobs/{id}/cancel", s.handleCancelJob)
		r.Get("/dubbing/jobs/{id}/result", s.handleJobResult)
		r.Get("/dubbing/jobs/{id}/report", s.handleJobReport)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/ops/guardian/status", s.handleGuardianStatus)
		r.Post("/ops/guardian/scan", s.handleGuardianScan)
		r.Post("/ops/guardian/actions", s.handleGuardianAction)
		r.Get("/ops/guardian/approvals", s.handleGuardianApprovals)
		r.Post("/ops/guardian/approvals/{id}/decision", s.handleGuardianApprovalDecision)
	})

	return r
}

// guardianAdmission applies the shedder ahead of every route; Complete is
// recorded after the handler returns so route error-rate stats stay
// current for the next detection scan.
func (s *Server) guardianAdmission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routePattern(r)
		decision := s.deps.Guardian.Admit(route)
		if !decision.Allowed {
			code, status := guardianRejectCode(decision.Reason)
			writeError(w, r, status, code, string(decision.Reason), decision.RetryAfterMs)
			return
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.deps.Guardian.Complete(route, sw.status, "")
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return r.URL.Path
}

func guardianRejectCode(reason guardian.RejectReason) (code string, status int) {
	switch reason {
	case guardian.ReasonMaintenanceMode:
		return ErrMaintenanceMode, http.StatusServiceUnavailable
	case guardian.ReasonHardConcurrency:
		return ErrHardConcurrencyLimit, http.StatusServiceUnavailable
	default:
		return ErrSoftShedding, http.StatusServiceUnavailable
	}
}

// statusWriter captures the status code a handler wrote so guardianAdmission
// can feed it back into the route's error-rate window.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
