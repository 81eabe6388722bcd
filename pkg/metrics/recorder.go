// Package metrics records Prometheus metrics for agent turns and review
// cycles.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder aggregates turn and review counters. A nil Recorder is valid and
// records nothing, so callers never need to branch on whether metrics are
// enabled.
type Recorder struct {
	turnsTotal   *prometheus.CounterVec
	tokensTotal  *prometheus.CounterVec
	spendTotal   prometheus.Counter
	turnDuration prometheus.Histogram
	reviewRounds *prometheus.CounterVec
}

// NewRecorder registers the metric set with reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry to
// avoid duplicate registration.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_turns_total",
				Help: "Total number of agent turns by terminal status",
			},
			[]string{"status"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tokens_total",
				Help: "Total number of tokens consumed by agent turns",
			},
			[]string{"type"},
		),
		spendTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_spend_usd_total",
				Help: "Total agent spend in USD",
			},
		),
		turnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_turn_duration_seconds",
				Help:    "Wall-clock duration of agent turns in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		reviewRounds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_rounds_total",
				Help: "Total review rounds by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveTurn records one completed agent turn.
func (r *Recorder) ObserveTurn(success bool, inputTokens, outputTokens int64, cost float64, duration time.Duration) {
	if r == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	r.turnsTotal.WithLabelValues(status).Inc()
	r.tokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	r.tokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	r.spendTotal.Add(cost)
	r.turnDuration.Observe(duration.Seconds())
}

// ObserveReviewRound records one reviewer pass. Outcome is one of "approved",
// "feedback", or "exhausted".
func (r *Recorder) ObserveReviewRound(outcome string) {
	if r == nil {
		return
	}
	r.reviewRounds.WithLabelValues(outcome).Inc()
}
