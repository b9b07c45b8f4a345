package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Total number of webhook deliveries received, by decision (count)",
		},
		[]string{"decision"},
	)

	SignatureFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_signature_failures_total",
			Help: "Total number of deliveries rejected at signature verification (count)",
		},
		[]string{"reason"},
	)

	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reconcile_duration_ms",
			Help:    "Duration of a reconciliation transaction in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"outcome"},
	)

	SubscriptionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_transitions_total",
			Help: "Total number of applied subscription state transitions (count)",
		},
		[]string{"from", "to"},
	)

	LedgerDuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_duplicates_total",
			Help: "Total number of redeliveries observed by the idempotency ledger (count)",
		},
		[]string{"prior_outcome"},
	)

	ReplayEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_events_total",
			Help: "Total number of events re-driven by the replay coordinator (count)",
		},
		[]string{"outcome"},
	)

	AuditAppendFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_append_failures_total",
			Help: "Total number of best-effort audit appends that failed (count)",
		},
	)

	StateChangesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_changes_published_total",
			Help: "Total number of state change notifications published to the broker (count)",
		},
		[]string{"status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"topic"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"topic"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"operation", "status"},
	)
)

func RegisterIngestMetrics() {
	prometheus.MustRegister(WebhookDeliveriesTotal)
	prometheus.MustRegister(SignatureFailuresTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(SubscriptionTransitionsTotal)
	prometheus.MustRegister(LedgerDuplicatesTotal)
	prometheus.MustRegister(AuditAppendFailuresTotal)
}

func RegisterReplayMetrics() {
	prometheus.MustRegister(ReplayEventsTotal)
}

func RegisterBrokerMetrics() {
	prometheus.MustRegister(StateChangesPublishedTotal)
	prometheus.MustRegister(KafkaMessagesWrittenTotal)
	prometheus.MustRegister(KafkaWriteDuration)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterManagementMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
	prometheus.MustRegister(DatabaseQueriesTotal)
}

func ObserveReconcileDuration(duration time.Duration, outcome string) {
	ReconcileDuration.WithLabelValues(outcome).Observe(float64(duration.Milliseconds()))
}

func IncDelivery(decision string) {
	WebhookDeliveriesTotal.WithLabelValues(decision).Inc()
}

func IncSignatureFailure(reason string) {
	SignatureFailuresTotal.WithLabelValues(reason).Inc()
}

func IncTransition(from, to string) {
	SubscriptionTransitionsTotal.WithLabelValues(from, to).Inc()
}

func IncReplayEvent(outcome string) {
	ReplayEventsTotal.WithLabelValues(outcome).Inc()
}

func IncKafkaMessagesWritten(topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(topic).Inc()
}

func ObserveKafkaWriteDuration(topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(topic).Observe(float64(duration.Milliseconds()))
}

func IncDatabaseQuery(operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(operation, status).Inc()
}
