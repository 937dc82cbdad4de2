// Package metrics 汇总 agent 的 Prometheus 指标
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 分析结果标签
const (
	OutcomeDucky            = "ducky"
	OutcomeHuman            = "human"
	OutcomeInsufficient     = "insufficient_signal"
	OutcomeModelUnavailable = "model_unavailable"
	OutcomeCaptureFailed    = "capture_failed"
	OutcomeRateLimited      = "rate_limited"
	OutcomeSuperseded       = "superseded" // 采集期间管理员已改变状态
)

var (
	ObservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckguard_observations_total",
			Help: "Device observations recorded in the registry",
		},
		[]string{"new"},
	)

	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckguard_analyses_total",
			Help: "Keystroke analyses by outcome",
		},
		[]string{"outcome"},
	)

	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duckguard_analysis_duration_seconds",
			Help:    "Wall time of one analysis pass, capture included",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 7.5, 10, 20},
		},
	)

	EnforcementTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckguard_enforcement_total",
			Help: "Enforcement calls by backend, action and result",
		},
		[]string{"backend", "action", "result"},
	)

	AttachedDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "duckguard_attached_devices",
			Help: "USB devices currently attached",
		},
	)

	AdminActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckguard_admin_actions_total",
			Help: "Administrative actions applied to the registry",
		},
		[]string{"action"},
	)
)

func RecordObservation(isNew bool) {
	if isNew {
		ObservationsTotal.WithLabelValues("true").Inc()
		return
	}
	ObservationsTotal.WithLabelValues("false").Inc()
}

func RecordAnalysis(outcome string, elapsed time.Duration) {
	AnalysesTotal.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		AnalysisDuration.Observe(elapsed.Seconds())
	}
}

func RecordEnforcement(backend, action string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	EnforcementTotal.WithLabelValues(backend, action, result).Inc()
}
