package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// FetchBuckets for stream drains (snapshot + read + delete + commit)
	FetchBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// PublishBuckets for produce + delivery drain + flush
	PublishBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}

	// ApplyBuckets for single-row sink inserts
	ApplyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
)

// Stream Metrics
var (
	// BatchesFetchedTotal counts FetchChanges calls by result (ok, empty, not_found, error)
	BatchesFetchedTotal CounterVec = noopCounterVec{}

	// ChangesFetchedTotal counts change records drained from the stream
	ChangesFetchedTotal Counter = NoopStat{}

	// FetchDurationSeconds measures FetchChanges latency
	FetchDurationSeconds Histogram = NoopStat{}
)

// Broker Metrics
var (
	// PublishTotal counts PublishBatch calls by result (delivered, partial, error)
	PublishTotal CounterVec = noopCounterVec{}

	// PublishDurationSeconds measures PublishBatch latency
	PublishDurationSeconds Histogram = NoopStat{}

	// DeliveryReceiptsTotal counts delivery callbacks by result (success, failure)
	DeliveryReceiptsTotal CounterVec = noopCounterVec{}

	// UndeliveredMessagesTotal counts messages still undelivered after flush
	UndeliveredMessagesTotal Counter = NoopStat{}

	// ConnectAttemptsTotal counts supervisor connect attempts by result (success, transport, failed)
	ConnectAttemptsTotal CounterVec = noopCounterVec{}

	// ReconnectsTotal counts handle replacements
	ReconnectsTotal Counter = NoopStat{}

	// PollEventsTotal counts poll outcomes by kind (no_message, end_of_partition, error, message)
	PollEventsTotal CounterVec = noopCounterVec{}

	// PartitionPosition tracks the next offset to read per partition
	PartitionPosition GaugeVec = noopGaugeVec{}
)

// Sink Metrics
var (
	// ApplyTotal counts sink writes by result (success, failed)
	ApplyTotal CounterVec = noopCounterVec{}

	// ApplyDurationSeconds measures single message apply latency
	ApplyDurationSeconds Histogram = NoopStat{}

	// OffsetsCommittedTotal counts offset commits by result (success, refused, failed)
	OffsetsCommittedTotal CounterVec = noopCounterVec{}
)

// Orchestrator Metrics
var (
	// StateTransitionsTotal counts loop transitions (loop, from, to)
	StateTransitionsTotal CounterVec = noopCounterVec{}

	// PendingBatches tracks batches waiting to be republished
	PendingBatches Gauge = NoopStat{}

	// ConsecutiveApplyFailures tracks the current apply failure streak
	ConsecutiveApplyFailures Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Stream Metrics
	BatchesFetchedTotal = NewCounterVec(
		"batches_fetched_total",
		"Stream fetches by result",
		[]string{"result"},
	)
	ChangesFetchedTotal = NewCounter(
		"changes_fetched_total",
		"Change records drained from the stream",
	)
	FetchDurationSeconds = NewHistogramWithBuckets(
		"fetch_duration_seconds",
		"Stream fetch latency",
		FetchBuckets,
	)

	// Broker Metrics
	PublishTotal = NewCounterVec(
		"publish_total",
		"Batch publishes by result",
		[]string{"result"},
	)
	PublishDurationSeconds = NewHistogramWithBuckets(
		"publish_duration_seconds",
		"Batch publish latency including flush",
		PublishBuckets,
	)
	DeliveryReceiptsTotal = NewCounterVec(
		"delivery_receipts_total",
		"Delivery callbacks by result",
		[]string{"result"},
	)
	UndeliveredMessagesTotal = NewCounter(
		"undelivered_messages_total",
		"Messages still undelivered after flush",
	)
	ConnectAttemptsTotal = NewCounterVec(
		"connect_attempts_total",
		"Broker connect attempts by result",
		[]string{"result"},
	)
	ReconnectsTotal = NewCounter(
		"reconnects_total",
		"Broker client handle replacements",
	)
	PollEventsTotal = NewCounterVec(
		"poll_events_total",
		"Consumer poll outcomes by kind",
		[]string{"kind"},
	)
	PartitionPosition = NewGaugeVec(
		"partition_position",
		"Next offset to read per partition",
		[]string{"topic", "partition"},
	)

	// Sink Metrics
	ApplyTotal = NewCounterVec(
		"apply_total",
		"Sink writes by result",
		[]string{"result"},
	)
	ApplyDurationSeconds = NewHistogramWithBuckets(
		"apply_duration_seconds",
		"Sink write latency",
		ApplyBuckets,
	)
	OffsetsCommittedTotal = NewCounterVec(
		"offsets_committed_total",
		"Offset commits by result",
		[]string{"result"},
	)

	// Orchestrator Metrics
	StateTransitionsTotal = NewCounterVec(
		"state_transitions_total",
		"Control loop state transitions",
		[]string{"loop", "from", "to"},
	)
	PendingBatches = NewGauge(
		"pending_batches",
		"Batches waiting to be republished",
	)
	ConsecutiveApplyFailures = NewGauge(
		"consecutive_apply_failures",
		"Current run of failed sink writes",
	)
}
