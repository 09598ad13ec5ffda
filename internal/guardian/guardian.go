// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package guardian

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ManuGH/xg2g/internal/allocator"
	"github.com/ManuGH/xg2g/internal/log"
	"github.com/ManuGH/xg2g/internal/metrics"
	"github.com/ManuGH/xg2g/internal/upstream"
)

const (
	defaultApprovalQueueCap = 80
	actionHistoryCap        = 200
	recentErrorsCap         = 50
	defaultCooldown         = 3 * time.Minute
	softSheddingDuration    = 30 * time.Second
)

// admissionExemptRoutes never pass through the shedding decision, only
// through in-flight bookkeeping for observability.
var admissionExemptRoutes = map[string]bool{
	"/health":               true,
	"/system/version":       true,
	"/ops/guardian/status":  true,
	"/ops/guardian/scan":    true,
	"/ops/guardian/actions": true,
	"/ops/guardian/approvals": true,
}

// Executor performs the side-effecting half of a recognized action.
type Executor interface {
	RestartRuntime(ctx context.Context, engine string) error
	RestartAllRuntimes(ctx context.Context) error
	RefreshGeminiPool(ctx context.Context) error
}

// Guardian is the admission shedder, route-health detector, and
// action executor/approval queue, all behind a single mutex.
type Guardian struct {
	mu sync.Mutex

	mode                    Mode
	maintenanceMode         bool
	temporarySheddingUntil  time.Time
	inFlightTotal           int64
	softLimit               int64
	hardLimit               int64

	autoFixMinor bool
	cooldown     time.Duration
	cooldowns    map[string]time.Time

	adminUIDs  map[string]bool
	adminToken string

	routeStats   map[string]*RouteStats
	recentErrors []string

	approvalOrder []string
	approvals     map[string]*Approval
	approvalCap   int

	actionHistory []ActionHistoryEntry

	allocator *allocator.Allocator
	registry  *upstream.Registry
	exec      Executor

	clock  func() time.Time
	nextID func() string
}

// Config seeds a Guardian's limits, mode, and auth allowlist.
type Config struct {
	Mode         Mode
	SoftLimit    int64
	HardLimit    int64
	AutoFixMinor bool
	Cooldown     time.Duration
	AdminUIDs    []string
	AdminToken   string
	ApprovalCap  int
}

// New builds a Guardian wired to the allocator (for key-pool pressure
// detection) and the upstream registry (for runtime-health detection).
func New(cfg Config, alloc *allocator.Allocator, registry *upstream.Registry, exec Executor) *Guardian {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.ApprovalCap <= 0 {
		cfg.ApprovalCap = defaultApprovalQueueCap
	}
	admins := make(map[string]bool, len(cfg.AdminUIDs))
	for _, u := range cfg.AdminUIDs {
		admins[u] = true
	}
	seq := 0
	return &Guardian{
		mode:         cfg.Mode,
		softLimit:    cfg.SoftLimit,
		hardLimit:    cfg.HardLimit,
		autoFixMinor: cfg.AutoFixMinor,
		cooldown:     cfg.Cooldown,
		cooldowns:    make(map[string]time.Time),
		adminUIDs:    admins,
		adminToken:   cfg.AdminToken,
		routeStats:   make(map[string]*RouteStats),
		approvals:    make(map[string]*Approval),
		approvalCap:  cfg.ApprovalCap,
		allocator:    alloc,
		registry:     registry,
		exec:         exec,
		clock:        time.Now,
		nextID:       func() string { seq++; return fmt.Sprintf("appr-%d", seq) },
	}
}

// Admit decides whether to let a request through on path/route.
func (g *Guardian) Admit(route string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if admissionExemptRoutes[route] {
		return g.admitLocked(route)
	}

	if g.maintenanceMode {
		g.recordRejectionLocked(route)
		return Decision{Allowed: false, Reason: ReasonMaintenanceMode, RetryAfterMs: 15000}
	}

	if g.mode != ModeEnforce {
		return g.admitLocked(route)
	}

	if g.inFlightTotal >= g.hardLimit {
		g.recordRejectionLocked(route)
		return Decision{Allowed: false, Reason: ReasonHardConcurrency, RetryAfterMs: 2000}
	}

	now := g.clock()
	if now.Before(g.temporarySheddingUntil) && g.inFlightTotal >= g.softLimit {
		remaining := g.temporarySheddingUntil.Sub(now).Milliseconds()
		g.recordRejectionLocked(route)
		return Decision{Allowed: false, Reason: ReasonSoftShedding, RetryAfterMs: remaining}
	}

	return g.admitLocked(route)
}

// admitLocked counts an allowed request as in flight so that Complete's
// decrement stays balanced. Must be called with mu held.
func (g *Guardian) admitLocked(route string) Decision {
	g.inFlightTotal++
	metrics.SetGuardianInFlight(float64(g.inFlightTotal))
	g.statsLocked(route).Total++
	return Decision{Allowed: true}
}

// Complete records the outcome of a previously-admitted request.
func (g *Guardian) Complete(route string, status int, errDetail string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlightTotal > 0 {
		g.inFlightTotal--
		metrics.SetGuardianInFlight(float64(g.inFlightTotal))
	}

	st := g.statsLocked(route)
	st.recordStatus(status)
	if status >= 500 || errDetail != "" {
		if errDetail != "" {
			st.LastErrorDetail = errDetail
			g.recentErrors = append(g.recentErrors, fmt.Sprintf("%s: %s", route, errDetail))
			if len(g.recentErrors) > recentErrorsCap {
				g.recentErrors = g.recentErrors[len(g.recentErrors)-recentErrorsCap:]
			}
		}
	}
}

func (g *Guardian) recordRejectionLocked(route string) {
	st := g.statsLocked(route)
	st.Rejected++
	st.recordStatus(503)
	metrics.RecordGuardianAdmission("rejected")
}

func (g *Guardian) statsLocked(route string) *RouteStats {
	st, ok := g.routeStats[route]
	if !ok {
		st = &RouteStats{Route: route}
		g.routeStats[route] = st
	}
	return st
}

// Scan runs detection and returns the issues found, without executing
// anything. Auto-fix and approvals happen in RunAutoScan.
func (g *Guardian) Scan(ctx context.Context) []Issue {
	var issues []Issue

	healthSnapshot := g.runtimeHealth(ctx)
	offline := 0
	for _, healthy := range healthSnapshot {
		if !healthy {
			offline++
		}
	}
	switch {
	case offline > 1:
		issues = append(issues, Issue{Code: "runtimes_offline", Severity: SeverityMajor, Action: "restart_all_runtimes", Detail: fmt.Sprintf("%d runtimes offline", offline)})
	case offline == 1:
		for engine, healthy := range healthSnapshot {
			if !healthy {
				issues = append(issues, Issue{Code: "runtime_offline", Severity: SeverityMinor, Action: "restart_runtime", ActionArgs: map[string]any{"engine": string(engine)}, Detail: fmt.Sprintf("%s offline", engine)})
			}
		}
	}
	if len(healthSnapshot) > 0 && offline == len(healthSnapshot) {
		issues = append(issues, Issue{Code: "all_keys_unhealthy", Severity: SeverityMajor, Detail: "every upstream engine is unhealthy"})
	}

	g.mu.Lock()
	inFlight, hard, soft := g.inFlightTotal, g.hardLimit, g.softLimit
	routes := make([]*RouteStats, 0, len(g.routeStats))
	for _, st := range g.routeStats {
		routes = append(routes, st)
	}
	g.mu.Unlock()

	if inFlight >= hard {
		issues = append(issues, Issue{Code: "hard_limit_reached", Severity: SeverityMajor, Action: "set_maintenance_mode", ActionArgs: map[string]any{"enabled": true}, Detail: fmt.Sprintf("inFlight=%d hardLimit=%d", inFlight, hard)})
	} else if inFlight >= soft {
		issues = append(issues, Issue{Code: "soft_limit_reached", Severity: SeverityMinor, Action: "enable_soft_shedding", ActionArgs: map[string]any{"durationMs": int64(softSheddingDuration / time.Millisecond)}, Detail: fmt.Sprintf("inFlight=%d softLimit=%d", inFlight, soft)})
	}

	sort.Slice(routes, func(i, j int) bool { return routes[i].Route < routes[j].Route })
	for _, st := range routes {
		rate, eligible := st.errorRate()
		if eligible && rate >= 0.40 {
			issues = append(issues, Issue{Code: "route_error_rate", Severity: SeverityMinor, Action: "enable_soft_shedding", ActionArgs: map[string]any{"durationMs": int64(softSheddingDuration / time.Millisecond)}, Detail: fmt.Sprintf("route=%s errorRate=%.2f", st.Route, rate)})
		}
	}

	if g.allocator != nil {
		snap := g.allocator.Snapshot()
		if snap.AtLimitKeys > 0 && snap.AtLimitKeys == len(snap.Keys) {
			issues = append(issues, Issue{Code: "key_pool_saturated", Severity: SeverityMinor, Action: "refresh_gemini_pool", Detail: "all keys at rate limit"})
		}
	}

	return issues
}

func (g *Guardian) runtimeHealth(ctx context.Context) map[upstream.Engine]bool {
	if g.registry == nil {
		return nil
	}
	out := make(map[upstream.Engine]bool)
	for _, eng := range g.registry.Engines() {
		client, err := g.registry.Get(eng)
		if err != nil {
			out[eng] = false
			continue
		}
		healthy, _ := client.Health(ctx)
		out[eng] = healthy
	}
	return out
}

// RunAutoScan scans and, for every issue carrying an action, either
// auto-fixes (minor, enabled, not cooling down) or queues an approval
// (major). It returns the issues found alongside what happened to each.
func (g *Guardian) RunAutoScan(ctx context.Context) []Issue {
	issues := g.Scan(ctx)
	for i := range issues {
		issue := &issues[i]
		if issue.Action == "" {
			continue
		}
		switch issue.Severity {
		case SeverityMinor:
			if g.canAutoFixLocked(issue.Action, issue.ActionArgs) {
				_ = g.executeAction(ctx, issue.Action, issue.ActionArgs, "auto_fix", issue.Severity)
			}
		case SeverityMajor:
			_, _ = g.RequestMajorAction(ctx, issue.Action, issue.ActionArgs, false, "")
		}
	}
	return issues
}

// SweepExpiredCooldowns removes cooldown entries that have already elapsed,
// keeping the map from growing unboundedly across an action's many distinct
// argument combinations over a long-running process's lifetime.
func (g *Guardian) SweepExpiredCooldowns() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock()
	n := 0
	for key, until := range g.cooldowns {
		if now.After(until) {
			delete(g.cooldowns, key)
			n++
		}
	}
	return n
}

func (g *Guardian) canAutoFixLocked(action string, args map[string]any) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.autoFixMinor {
		return false
	}
	key := actionHash(action, args)
	if until, ok := g.cooldowns[key]; ok && g.clock().Before(until) {
		return false
	}
	g.cooldowns[key] = g.clock().Add(g.cooldown)
	return true
}

func actionHash(action string, args map[string]any) string {
	h := sha256.New()
	h.Write([]byte(action))
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(fmt.Sprintf("%v", args[k])))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RequestMajorAction queues (or, for an authorized admin, immediately
// executes) a major action. isAdmin callers bypass the approval queue.
func (g *Guardian) RequestMajorAction(ctx context.Context, action string, args map[string]any, isAdmin bool, uid string) (*Approval, error) {
	if isAdmin && g.isAdminUID(uid) {
		err := g.executeAction(ctx, action, args, "manual", SeverityMajor)
		return &Approval{Action: action, ActionArgs: args, Status: ApprovalExecuted}, err
	}

	g.mu.Lock()
	if len(g.approvalOrder) >= g.approvalCap {
		g.mu.Unlock()
		return nil, fmt.Errorf("guardian: approval queue is full (cap=%d)", g.approvalCap)
	}
	appr := &Approval{ID: g.nextID(), Action: action, ActionArgs: args, Status: ApprovalPending, CreatedAt: g.clock()}
	g.approvals[appr.ID] = appr
	g.approvalOrder = append(g.approvalOrder, appr.ID)
	metrics.SetGuardianApprovalsPending(float64(len(g.approvalOrder)))
	g.mu.Unlock()

	return appr, nil
}

// IsAuthorizedAdmin reports whether the given token/uid pair may decide
// approvals and bypass the queue.
func (g *Guardian) IsAuthorizedAdmin(token, uid string) bool {
	return token != "" && token == g.adminToken && g.isAdminUID(uid)
}

func (g *Guardian) isAdminUID(uid string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.adminUIDs[uid]
}

// DecideApproval records an admin's decision on a pending approval and,
// if approved, executes the action through the same code path auto-fix
// uses.
func (g *Guardian) DecideApproval(ctx context.Context, id, decidedBy string, approve bool) (*Approval, error) {
	g.mu.Lock()
	appr, ok := g.approvals[id]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("guardian: no such approval %q", id)
	}
	if appr.Status != ApprovalPending {
		g.mu.Unlock()
		return appr, nil
	}
	now := g.clock()
	g.mu.Unlock()

	if !approve {
		g.mu.Lock()
		appr.Status = ApprovalDenied
		appr.DecidedAt = &now
		appr.DecidedBy = decidedBy
		g.mu.Unlock()
		g.appendHistory(ActionHistoryEntry{Action: appr.Action, Severity: SeverityMajor, Source: "approval", Outcome: "denied", At: now})
		return appr, nil
	}

	err := g.executeAction(ctx, appr.Action, appr.ActionArgs, "approval", SeverityMajor)

	g.mu.Lock()
	appr.Status = ApprovalExecuted
	appr.DecidedAt = &now
	appr.DecidedBy = decidedBy
	if err != nil {
		appr.Result = err.Error()
	}
	g.mu.Unlock()

	return appr, err
}

// executeAction dispatches a recognized action to its concrete effect and
// records the outcome in the bounded action-history ring.
func (g *Guardian) executeAction(ctx context.Context, action string, args map[string]any, source string, severity Severity) error {
	logger := log.WithComponent("guardian")
	var err error

	switch action {
	case "restart_runtime":
		engine, _ := args["engine"].(string)
		if g.exec != nil {
			err = g.exec.RestartRuntime(ctx, engine)
		}
	case "restart_all_runtimes":
		if g.exec != nil {
			err = g.exec.RestartAllRuntimes(ctx)
		}
	case "refresh_gemini_pool":
		if g.exec != nil {
			err = g.exec.RefreshGeminiPool(ctx)
		}
	case "enable_soft_shedding":
		durMs, _ := args["durationMs"].(int64)
		if durMs <= 0 {
			durMs = int64(softSheddingDuration / time.Millisecond)
		}
		g.mu.Lock()
		g.temporarySheddingUntil = g.clock().Add(time.Duration(durMs) * time.Millisecond)
		g.mu.Unlock()
	case "set_maintenance_mode":
		enabled, _ := args["enabled"].(bool)
		g.mu.Lock()
		g.maintenanceMode = enabled
		g.mu.Unlock()
	default:
		err = fmt.Errorf("guardian: unrecognized action %q", action)
	}

	outcome := "ok"
	if err != nil {
		outcome = err.Error()
		logger.Warn().Str("event", "guardian.action_failed").Str("action", action).Err(err).Msg("action execution failed")
	}
	g.appendHistory(ActionHistoryEntry{Action: action, Severity: severity, Source: source, Outcome: outcome, At: g.clock()})
	metrics.RecordGuardianAdmission("action_" + action)
	return err
}

func (g *Guardian) appendHistory(entry ActionHistoryEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.actionHistory = append(g.actionHistory, entry)
	if len(g.actionHistory) > actionHistoryCap {
		g.actionHistory = g.actionHistory[len(g.actionHistory)-actionHistoryCap:]
	}
}

// Status is a read-only snapshot of Guardian state for the ops endpoint.
type Status struct {
	Mode                   Mode             `json:"mode"`
	MaintenanceMode        bool             `json:"maintenanceMode"`
	InFlightTotal          int64            `json:"inFlightTotal"`
	SoftLimit              int64            `json:"softLimit"`
	HardLimit              int64            `json:"hardLimit"`
	TemporarySheddingUntil time.Time        `json:"temporarySheddingUntilMs,omitempty"`
	RouteStats             []RouteStats     `json:"routeStats"`
	RecentErrors           []string         `json:"recentErrors,omitempty"`
	PendingApprovals       int              `json:"pendingApprovals"`
	ActionHistory          []ActionHistoryEntry `json:"actionHistory,omitempty"`
}

// Snapshot returns the current admission/route/approval state.
func (g *Guardian) Snapshot() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	routes := make([]RouteStats, 0, len(g.routeStats))
	for _, st := range g.routeStats {
		routes = append(routes, *st)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Route < routes[j].Route })

	pending := 0
	for _, id := range g.approvalOrder {
		if g.approvals[id].Status == ApprovalPending {
			pending++
		}
	}

	return Status{
		Mode:                   g.mode,
		MaintenanceMode:        g.maintenanceMode,
		InFlightTotal:          g.inFlightTotal,
		SoftLimit:              g.softLimit,
		HardLimit:              g.hardLimit,
		TemporarySheddingUntil: g.temporarySheddingUntil,
		RouteStats:             routes,
		RecentErrors:           append([]string(nil), g.recentErrors...),
		PendingApprovals:       pending,
		ActionHistory:          append([]ActionHistoryEntry(nil), g.actionHistory...),
	}
}

// ListApprovals returns every approval in submission order.
func (g *Guardian) ListApprovals() []Approval {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Approval, 0, len(g.approvalOrder))
	for _, id := range g.approvalOrder {
		out = append(out, *g.approvals[id])
	}
	return out
}
