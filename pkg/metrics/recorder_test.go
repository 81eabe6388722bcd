package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveTurn(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveTurn(true, 1000, 200, 0.05, 3*time.Second)
	r.ObserveTurn(false, 0, 0, 0, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.turnsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.turnsTotal.WithLabelValues("error")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(r.tokensTotal.WithLabelValues("input")))
	assert.Equal(t, 200.0, testutil.ToFloat64(r.tokensTotal.WithLabelValues("output")))
	assert.InDelta(t, 0.05, testutil.ToFloat64(r.spendTotal), 1e-9)
}

func TestObserveReviewRound(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveReviewRound("feedback")
	r.ObserveReviewRound("feedback")
	r.ObserveReviewRound("approved")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.reviewRounds.WithLabelValues("feedback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reviewRounds.WithLabelValues("approved")))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	require.NotPanics(t, func() {
		r.ObserveTurn(true, 1, 1, 0.01, time.Second)
		r.ObserveReviewRound("approved")
	})
}
