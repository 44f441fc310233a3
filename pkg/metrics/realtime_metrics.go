package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Conversation and message lifecycle
var (
	MessagesAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_messages_appended_total",
		Help: "Total number of messages appended to conversations",
	}, []string{"kind", "status"})

	MessageAppendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "comms_message_append_duration_seconds",
		Help:    "Time taken by each step of a message append",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"step"}) // "persist", "summary", "publish"

	ConversationsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_conversations_created_total",
		Help: "Total number of conversations created",
	}, []string{"type"})

	SubscriptionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "comms_subscriptions_active",
		Help: "Current number of open live subscriptions",
	}, []string{"kind"}) // "messages", "conversations", "calls"

	BusPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_bus_publish_total",
		Help: "Total number of change events published",
	}, []string{"topic", "status"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_bus_dropped_total",
		Help: "Total number of change events dropped for slow subscribers",
	}, []string{"topic"})
)

// Delivery tracking
var (
	MessageStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_message_status_transitions_total",
		Help: "Total number of message status transitions applied",
	}, []string{"to"})

	UnreadResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comms_unread_resets_total",
		Help: "Total number of unread counter resets",
	})

	DeliveryJobsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_delivery_jobs_dropped_total",
		Help: "Total number of unread and delivered updates dropped because the queue was full",
	}, []string{"kind"})
)

// Attachments
var (
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_uploads_total",
		Help: "Total number of attachment uploads by outcome",
	}, []string{"category", "outcome"})

	UploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comms_upload_bytes_total",
		Help: "Total number of attachment bytes stored",
	})

	UploadFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_upload_failures_total",
		Help: "Total number of failed uploads by error kind",
	}, []string{"kind"})
)

// Translation
var (
	TranslationRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_translation_requests_total",
		Help: "Total number of translation requests by outcome",
	}, []string{"language", "outcome"})

	TranslationQueueDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comms_translation_queue_dropped_total",
		Help: "Total number of translation jobs dropped because the queue was full",
	})

	TranslationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "comms_translation_duration_seconds",
		Help:    "Latency of the translation service",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
)

// Calls
var (
	CallTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_call_transitions_total",
		Help: "Total number of call state transitions won",
	}, []string{"kind", "to"})

	CallTransitionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_call_transition_conflicts_total",
		Help: "Total number of call transitions lost to a concurrent writer",
	}, []string{"to"})

	CallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "comms_call_duration_seconds",
		Help:    "Duration of answered calls",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"kind"})

	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "comms_calls_active",
		Help: "Current number of local call handles",
	})

	CallMediaFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_call_media_failures_total",
		Help: "Total number of media layer failures",
	}, []string{"stage"}) // "join", "connected"

	CallsReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_calls_reaped_total",
		Help: "Total number of sessions forced terminal by the reaper",
	}, []string{"to"})
)

// Resilience and backing services
var (
	RetryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_retry_attempts_total",
		Help: "Total number of retried operations",
	}, []string{"operation", "error_type"})

	RetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_retry_exhausted_total",
		Help: "Total number of operations that exhausted all retries",
	}, []string{"operation"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "comms_circuit_breaker_state",
		Help: "State of circuit breakers (0=closed, 1=half_open, 2=open)",
	}, []string{"name"})

	CassandraQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cassandra_query_duration_seconds",
		Help:    "Cassandra query latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"operation", "table"})

	CassandraQueryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cassandra_query_total",
		Help: "Total number of Cassandra queries executed",
	}, []string{"operation", "table", "status"})

	RedisAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redis_available",
		Help: "Whether Redis is reachable (1) or the service runs degraded (0)",
	})

	PushNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_push_notifications_total",
		Help: "Total number of push wake-ups sent",
	}, []string{"type", "outcome"})
)

// RecordCassandraQuery records the outcome and latency of one query
func RecordCassandraQuery(operation, table string, seconds float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	CassandraQueryTotal.WithLabelValues(operation, table, status).Inc()
	CassandraQueryDuration.WithLabelValues(operation, table).Observe(seconds)
}

// RecordRedisAvailable flips the availability gauge
func RecordRedisAvailable(available bool) {
	if available {
		RedisAvailable.Set(1)
		return
	}
	RedisAvailable.Set(0)
}
