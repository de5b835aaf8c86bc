package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeAcked        = "acked"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
)

var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmpipe_messages_total",
			Help: "Total number of consumed messages by queue and final outcome.",
		},
		[]string{"queue", "outcome"},
	)
	applyDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmpipe_apply_duration_seconds",
			Help:    "Time spent applying one message to the store.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"queue"},
	)
	inflightMessages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crmpipe_inflight_messages",
			Help: "Messages currently being processed per queue.",
		},
		[]string{"queue"},
	)
	publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmpipe_publish_total",
			Help: "Total number of publish attempts by queue and status.",
		},
		[]string{"queue", "status"},
	)
	brokerReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crmpipe_broker_reconnects_total",
			Help: "Total number of broker reconnect attempts after an unexpected close.",
		},
	)
	pendingRetries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crmpipe_pending_retries",
			Help: "Delayed re-publishes waiting in the delay queue.",
		},
	)
	deadLetterExportedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crmpipe_deadletter_exported_total",
			Help: "Total number of dead letters exported to object storage.",
		},
	)
	deadLetterReplayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crmpipe_deadletter_replayed_total",
			Help: "Total number of dead letters re-published to their origin queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		messagesTotal,
		applyDurationSeconds,
		inflightMessages,
		publishTotal,
		brokerReconnectsTotal,
		pendingRetries,
		deadLetterExportedTotal,
		deadLetterReplayedTotal,
	)
}

func ObserveMessage(queue, outcome string) {
	messagesTotal.WithLabelValues(queue, outcome).Inc()
}

func ObserveApply(queue string, elapsed time.Duration) {
	applyDurationSeconds.WithLabelValues(queue).Observe(elapsed.Seconds())
}

func AddInflight(queue string, delta int) {
	inflightMessages.WithLabelValues(queue).Add(float64(delta))
}

func ObservePublish(queue string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	publishTotal.WithLabelValues(queue, status).Inc()
}

func IncrementBrokerReconnects() {
	brokerReconnectsTotal.Inc()
}

func SetPendingRetries(n int) {
	if n < 0 {
		n = 0
	}
	pendingRetries.Set(float64(n))
}

func AddDeadLettersExported(n int) {
	if n > 0 {
		deadLetterExportedTotal.Add(float64(n))
	}
}

func AddDeadLettersReplayed(n int) {
	if n > 0 {
		deadLetterReplayedTotal.Add(float64(n))
	}
}
