package inference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	opPredict   = "predict"
	opAttention = "attention"
)

var (
	inferenceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attnd",
		Name:      "inference_total",
		Help:      "Inference operations by outcome (ok or error kind)",
	}, []string{"op", "outcome"})

	inferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "attnd",
		Name:      "inference_duration_seconds",
		Help:      "Duration of inference operations, including admission wait",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"op"})

	inputTokens = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "attnd",
		Name:      "input_tokens",
		Help:      "Input sequence length in tokens",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
	}, []string{"op"})

	backpressureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attnd",
		Name:      "backpressure_total",
		Help:      "Total backpressure rejections (429)",
	}, []string{"reason"})
)

func observeOutcome(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	inferenceTotal.WithLabelValues(op, outcome).Inc()
}
