// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/xg2g/internal/log"
	"github.com/ManuGH/xg2g/internal/metrics"
	"github.com/ManuGH/xg2g/internal/pipeline/fsm"
)

// jobEvent drives the per-job state machine.
type jobEvent string

// jobStateMachine is the concrete FSM instantiation for one job.
type jobStateMachine = fsm.Machine[JobStatus, jobEvent]

const (
	evStart        jobEvent = "start"
	evCancelReq    jobEvent = "cancel_request"
	evCancelFinish jobEvent = "cancel_finish"
	evComplete     jobEvent = "complete"
	evFail         jobEvent = "fail"
)

func transitions() []fsm.Transition[JobStatus, jobEvent] {
	return []fsm.Transition[JobStatus, jobEvent]{
		{From: JobQueued, Event: evStart, To: JobRunning},
		{From: JobRunning, Event: evComplete, To: JobCompleted},
		{From: JobRunning, Event: evFail, To: JobFailed},
		{From: JobRunning, Event: evCancelReq, To: JobCancelling},
		{From: JobCancelling, Event: evCancelFinish, To: JobCancelled},
		{From: JobCancelling, Event: evFail, To: JobFailed},
	}
}

// Stage is one step of the dubbing pipeline. Requires/Produces declare the
// shared job-context keys the engine validates around each call; Run does
// the actual work (typically one TTS-orchestrator call per transcript
// segment or grouped line map).
type Stage struct {
	Name     string
	Requires []string
	Produces []string
	Run      func(ctx context.Context, jobCtx map[string]any) error
}

// Engine runs jobs through a fixed stage pipeline: one worker goroutine per
// job, a single mutex guarding the job map, and per-job fields mutated only
// by that job's own worker (per-job record locking is handled by Job itself).
type Engine struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	stages []Stage
	clock  func() time.Time
}

// New builds a job engine over a fixed, ordered stage pipeline.
func New(stages []Stage) *Engine {
	return &Engine{
		jobs:   make(map[string]*Job),
		stages: stages,
		clock:  time.Now,
	}
}

// Submit creates a new queued job and starts its worker goroutine
// immediately; the returned Job reflects the queued state before any stage
// has run.
func (e *Engine) Submit(ctx context.Context, id string, seed map[string]any) (*Job, error) {
	sm, err := fsm.New(JobQueued, transitions())
	if err != nil {
		return nil, err
	}
	now := e.clock()
	j := &Job{
		ID:        id,
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
		context:   seed,
		sm:        sm,
	}
	if j.context == nil {
		j.context = make(map[string]any)
	}

	e.mu.Lock()
	e.jobs[id] = j
	e.mu.Unlock()

	go e.run(ctx, j)
	return j, nil
}

// Get returns a point-in-time snapshot of a job's state, or false if unknown.
func (e *Engine) Get(id string) (Job, bool) {
	e.mu.Lock()
	j, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// Cancel flags a running job for cooperative cancellation.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	j, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	j.RequestCancel()
	return true
}

// run drives one job through every stage, enforcing per-stage contracts,
// the stage timeline, cooperative cancellation, and the final quality gate.
func (e *Engine) run(ctx context.Context, j *Job) {
	logger := log.WithComponent("jobs.engine")
	if _, err := j.sm.Fire(ctx, evStart); err != nil {
		e.fail(j, fmt.Sprintf("invalid_transition:%v", err))
		return
	}
	j.setStatus(JobRunning, e.clock())

	for _, stage := range e.stages {
		if j.IsCancelRequested() {
			e.closeCancelledStage(j, stage.Name)
			return
		}

		if missing := missingKeys(j.context, stage.Requires); len(missing) > 0 {
			e.fail(j, contractViolation(stage.Name, "entry", missing))
			return
		}

		start := e.clock()
		j.mu.Lock()
		j.Stage = stage.Name
		j.StageTimeline = append(j.StageTimeline, StageTimelineEntry{
			Stage:   stage.Name,
			Status:  StageRunning,
			StartMs: start.UnixMilli(),
		})
		entryIdx := len(j.StageTimeline) - 1
		j.mu.Unlock()

		err := stage.Run(ctx, j.context)
		elapsed := e.clock().Sub(start)

		if err != nil {
			e.closeStage(j, entryIdx, StageFailed, elapsed)
			metrics.ObserveJobStage(stage.Name, "failed", elapsed.Seconds())
			e.fail(j, fmt.Sprintf("stage_error:%s:%v", stage.Name, err))
			logger.Warn().Str("event", "jobs.stage_failed").Str("stage", stage.Name).Err(err).Msg("stage failed")
			return
		}

		if missing := missingKeys(j.context, stage.Produces); len(missing) > 0 {
			e.closeStage(j, entryIdx, StageFailed, elapsed)
			metrics.ObserveJobStage(stage.Name, "failed", elapsed.Seconds())
			e.fail(j, contractViolation(stage.Name, "exit", missing))
			return
		}

		e.closeStage(j, entryIdx, StageCompleted, elapsed)
		metrics.ObserveJobStage(stage.Name, "completed", elapsed.Seconds())
	}

	e.finishWithQualityGate(j)
}

// closeStage closes the open timeline entry at idx with the given outcome.
func (e *Engine) closeStage(j *Job, idx int, status StageStatus, elapsed time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	endMs := e.clock().UnixMilli()
	durMs := elapsed.Milliseconds()
	j.StageTimeline[idx].Status = status
	j.StageTimeline[idx].EndMs = &endMs
	j.StageTimeline[idx].DurationMs = &durMs
}

// closeCancelledStage appends the stage that was about to run as a failed,
// zero-length timeline entry, then transitions the job to cancelled. Upstream calls the
// stage may have in flight are not preempted; their results are discarded
// when they eventually return.
func (e *Engine) closeCancelledStage(j *Job, pendingStage string) {
	now := e.clock()
	if pendingStage != "" {
		j.mu.Lock()
		nowMs := now.UnixMilli()
		var zero int64
		j.StageTimeline = append(j.StageTimeline, StageTimelineEntry{
			Stage: pendingStage, Status: StageFailed,
			StartMs: nowMs, EndMs: &nowMs, DurationMs: &zero,
		})
		j.mu.Unlock()
	}
	if _, err := j.sm.Fire(context.Background(), evCancelReq); err == nil {
		_, _ = j.sm.Fire(context.Background(), evCancelFinish)
	}
	j.setStatus(JobCancelling, now)
	j.setStatus(JobCancelled, now)
}

func (e *Engine) fail(j *Job, reason string) {
	j.mu.Lock()
	j.FailureReason = reason
	j.mu.Unlock()
	if j.sm != nil {
		_, _ = j.sm.Fire(context.Background(), evFail)
	}
	j.setStatus(JobFailed, e.clock())
}

// finishWithQualityGate evaluates the synthesis-failures list left in the
// job context by the TTS stage (key "tts.segmentFailures", []string) under
// the strict failure policy: any failures at all fail the job.
func (e *Engine) finishWithQualityGate(j *Job) {
	j.mu.Lock()
	failures, _ := j.context["tts.segmentFailures"].([]string)
	j.mu.Unlock()

	if len(failures) > 0 {
		j.mu.Lock()
		j.QualityGate = QualityGate{Passed: false, SegmentFailures: failures, Reason: fmt.Sprintf("tts_segment_failures:%d", len(failures))}
		j.mu.Unlock()
		e.fail(j, fmt.Sprintf("tts_segment_failures:%d", len(failures)))
		return
	}

	j.mu.Lock()
	j.QualityGate = QualityGate{Passed: true}
	if path, _ := j.context["job.resultPath"].(string); path != "" {
		j.ResultPath = path
	}
	if path, _ := j.context["job.reportPath"].(string); path != "" {
		j.ReportPath = path
	}
	j.mu.Unlock()
	_, _ = j.sm.Fire(context.Background(), evComplete)
	j.setStatus(JobCompleted, e.clock())
}

func missingKeys(ctx map[string]any, required []string) []string {
	var missing []string
	for _, k := range required {
		if _, ok := ctx[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}
