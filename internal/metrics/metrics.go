// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics exposes the Prometheus collectors shared across the
// allocator, TTS orchestrator, job engine, quota and guardian components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Allocator
	laneAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vfgw",
		Name:      "allocator_acquire_total",
		Help:      "Lane acquisitions by task and outcome (ok, timed_out).",
	}, []string{"task", "outcome"})

	laneWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vfgw",
		Name:      "allocator_wait_seconds",
		Help:      "Time spent waiting for a lane to become ready.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task"})

	laneInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vfgw",
		Name:      "allocator_lane_in_flight",
		Help:      "In-flight requests per (key fingerprint, model) lane.",
	}, []string{"key_fp", "model"})

	keyStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vfgw",
		Name:      "allocator_key_status",
		Help:      "1 if the key fingerprint currently has the given status.",
	}, []string{"key_fp", "status"})

	// TTS orchestrator
	synthesisTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vfgw",
		Name:      "tts_synthesis_total",
		Help:      "Synthesis calls by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	realtimeFactor = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vfgw",
		Name:      "tts_realtime_factor",
		Help:      "audioDurationSec / processingSec for completed synthesis requests.",
		Buckets:   []float64{1, 10, 50, 100, 150, 200, 400},
	})

	// Job engine
	jobStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vfgw",
		Name:      "job_stage_duration_seconds",
		Help:      "Duration of a dubbing job stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage", "status"})

	jobsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vfgw",
		Name:      "jobs_by_status",
		Help:      "Number of jobs currently in each status.",
	}, []string{"status"})

	// Quota
	quotaReservationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vfgw",
		Name:      "quota_reservation_total",
		Help:      "Quota reservation attempts by outcome.",
	}, []string{"outcome"})

	// Guardian
	guardianAdmissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vfgw",
		Name:      "guardian_admission_total",
		Help:      "Admission decisions by outcome.",
	}, []string{"outcome"})

	guardianInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vfgw",
		Name:      "guardian_in_flight",
		Help:      "Current total in-flight request count observed by the guardian.",
	})

	guardianApprovalsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vfgw",
		Name:      "guardian_approvals_pending",
		Help:      "Number of approvals currently pending.",
	})
)

func RecordAllocatorAcquire(task, outcome string, waitSeconds float64) {
	laneAcquireTotal.WithLabelValues(task, outcome).Inc()
	laneWaitSeconds.WithLabelValues(task).Observe(waitSeconds)
}

func SetLaneInFlight(keyFP, model string, value float64) {
	laneInFlight.WithLabelValues(keyFP, model).Set(value)
}

func SetKeyStatus(keyFP string, statuses []string, active string) {
	for _, s := range statuses {
		v := 0.0
		if s == active {
			v = 1.0
		}
		keyStatus.WithLabelValues(keyFP, s).Set(v)
	}
}

func RecordSynthesis(strategy, outcome string) {
	synthesisTotal.WithLabelValues(strategy, outcome).Inc()
}

func ObserveRealtimeFactor(x float64) {
	realtimeFactor.Observe(x)
}

func ObserveJobStage(stage, status string, seconds float64) {
	jobStageDuration.WithLabelValues(stage, status).Observe(seconds)
}

func SetJobsByStatus(status string, count float64) {
	jobsByStatus.WithLabelValues(status).Set(count)
}

func RecordQuotaReservation(outcome string) {
	quotaReservationTotal.WithLabelValues(outcome).Inc()
}

func RecordGuardianAdmission(outcome string) {
	guardianAdmissionTotal.WithLabelValues(outcome).Inc()
}

func SetGuardianInFlight(v float64) {
	guardianInFlight.Set(v)
}

func SetGuardianApprovalsPending(v float64) {
	guardianApprovalsPending.Set(v)
}
