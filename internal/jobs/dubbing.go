// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package jobs (dubbing job engine) runs background dubbing jobs through a
// fixed stage pipeline, tracking per-stage contracts, a stage timeline, and
// cooperative cancellation. See engine.go, which drives each job through
// the internal/pipeline/fsm state machine.
package jobs

import (
	"fmt"
	"sync"
	"time"
)

// JobStatus is a job's top-level lifecycle state.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobRunning    JobStatus = "running"
	JobCancelling JobStatus = "cancelling"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// StageStatus is the status of one stage-timeline entry.
type StageStatus string

const (
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// StageTimelineEntry records one stage's execution window.
type StageTimelineEntry struct {
	Stage      string      `json:"stage"`
	Status     StageStatus `json:"status"`
	StartMs    int64       `json:"startMs"`
	EndMs      *int64      `json:"endMs,omitempty"`
	DurationMs *int64      `json:"durationMs,omitempty"`
}

// QualityGate is the job's final pass/fail synthesis verdict.
type QualityGate struct {
	Passed           bool     `json:"passed"`
	SegmentFailures  []string `json:"segmentFailures,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

// Preflight captures any precondition diagnostics gathered before the first
// stage runs (e.g. transcript validation, voice-map resolution).
type Preflight struct {
	Checked bool              `json:"checked"`
	Notes   map[string]string `json:"notes,omitempty"`
}

// Job is the state-store record for one background dubbing job.
type Job struct {
	ID              string                 `json:"id"`
	Status          JobStatus              `json:"status"`
	Stage           string                 `json:"stage,omitempty"`
	Progress        float64                `json:"progress"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
	CancelRequested bool                   `json:"cancelRequested"`
	Logs            []string               `json:"logs,omitempty"`
	ResultPath      string                 `json:"resultPath,omitempty"`
	ReportPath      string                 `json:"reportPath,omitempty"`
	StageTimeline   []StageTimelineEntry   `json:"stageTimeline,omitempty"`
	Preflight       Preflight              `json:"preflight"`
	OutputFiles     []string               `json:"outputFiles,omitempty"`
	QualityGate     QualityGate            `json:"qualityGate"`
	FailureReason   string                 `json:"failureReason,omitempty"`

	context map[string]any
	sm      *jobStateMachine
	mu      sync.Mutex
}

// snapshot returns a shallow copy of job fields safe for an external reader
// (e.g. a status-polling HTTP handler) while the worker goroutine continues
// to own and mutate the live record.
func (j *Job) snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Job{
		ID:              j.ID,
		Status:          j.Status,
		Stage:           j.Stage,
		Progress:        j.Progress,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		CancelRequested: j.CancelRequested,
		Logs:            append([]string(nil), j.Logs...),
		ResultPath:      j.ResultPath,
		ReportPath:      j.ReportPath,
		StageTimeline:   append([]StageTimelineEntry(nil), j.StageTimeline...),
		Preflight:       j.Preflight,
		OutputFiles:     append([]string(nil), j.OutputFiles...),
		QualityGate:     j.QualityGate,
		FailureReason:   j.FailureReason,
	}
}

func (j *Job) appendLog(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Logs = append(j.Logs, msg)
}

func (j *Job) setStatus(s JobStatus, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = s
	j.UpdatedAt = now
}

// IsCancelRequested reports the cooperative-cancellation flag under lock.
func (j *Job) IsCancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.CancelRequested
}

// RequestCancel flags a job for cancellation; the worker observes it between
// stages. It is the only field on a live job any goroutine but the worker
// may write.
func (j *Job) RequestCancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.CancelRequested = true
}

// contractViolation formats the terminal failure reason for a stage that
// entered or exited without satisfying its declared key contract.
func contractViolation(stage, when string, missing []string) string {
	return fmt.Sprintf("stage_contract_violation:%s:%s:missing=%v", stage, when, missing)
}
