package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// DeliveryBuckets for a single transport delivery (push send, webhook POST, stream publish)
	DeliveryBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// PollBuckets for one change log read
	PollBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// BatchSizeBuckets for records per dispatched batch
	BatchSizeBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}
)

// Poller Metrics
var (
	// PollBatchesTotal counts non-empty batches dispatched per shard
	PollBatchesTotal CounterVec = noopCounterVec{}

	// PollRecordsTotal counts change records dispatched per shard
	PollRecordsTotal CounterVec = noopCounterVec{}

	// PollErrorsTotal counts transient store failures per shard and stage (read, checkpoint)
	PollErrorsTotal CounterVec = noopCounterVec{}

	// PollDurationSeconds measures change log read latency
	PollDurationSeconds HistogramVec = noopHistogramVec{}

	// PollBatchSize measures records per batch
	PollBatchSize HistogramVec = noopHistogramVec{}

	// CheckpointSequence tracks the persisted checkpoint per shard
	CheckpointSequence GaugeVec = noopGaugeVec{}
)

// Router Metrics
var (
	// RouterQueueDepth tracks queued batches per shard and sink
	RouterQueueDepth GaugeVec = noopGaugeVec{}

	// RouterOverflowTotal counts batches a sink could not accept
	RouterOverflowTotal CounterVec = noopCounterVec{}
)

// Subscription Metrics
var (
	// ActiveSubscriptions tracks live subscriptions
	ActiveSubscriptions Gauge = NoopStat{}

	// SubscribeTotal counts subscribe requests by result code
	SubscribeTotal CounterVec = noopCounterVec{}

	// MatchesTotal counts matched events per subscription definition
	MatchesTotal CounterVec = noopCounterVec{}

	// ReplayedEventsTotal counts events served from replay
	ReplayedEventsTotal Counter = NoopStat{}
)

// Fanout Metrics
var (
	// FanoutQueuedEvents tracks events waiting across all subscription queues
	FanoutQueuedEvents Gauge = NoopStat{}

	// FanoutOverflowTotal counts per-subscription overflows by policy
	FanoutOverflowTotal CounterVec = noopCounterVec{}

	// DeliveriesTotal counts deliveries by transport and status (delivered, failed, closed)
	DeliveriesTotal CounterVec = noopCounterVec{}

	// DeliveryDurationSeconds measures delivery latency per transport
	DeliveryDurationSeconds HistogramVec = noopHistogramVec{}
)

// Transport Metrics
var (
	// PushConnections tracks open push connections
	PushConnections Gauge = NoopStat{}

	// WebhookAttemptsTotal counts webhook attempts by endpoint and result
	WebhookAttemptsTotal CounterVec = noopCounterVec{}

	// WebhookFailedDeliveries tracks deliveries parked in the failed state
	WebhookFailedDeliveries GaugeVec = noopGaugeVec{}

	// StreamPublishTotal counts event-stream publishes by sink and result
	StreamPublishTotal CounterVec = noopCounterVec{}
)

// InitMetrics binds the metric variables to Prometheus collectors.
// Must be called after the registry exists.
func InitMetrics() {
	PollBatchesTotal = NewCounterVec("poller", "batches_total",
		"Non-empty batches dispatched", []string{"shard"})
	PollRecordsTotal = NewCounterVec("poller", "records_total",
		"Change records dispatched", []string{"shard"})
	PollErrorsTotal = NewCounterVec("poller", "errors_total",
		"Transient change log failures by stage", []string{"shard", "stage"})
	PollDurationSeconds = NewHistogramVec("poller", "read_duration_seconds",
		"Change log read latency", []string{"shard"}, PollBuckets)
	PollBatchSize = NewHistogramVec("poller", "batch_size",
		"Records per dispatched batch", []string{"shard"}, BatchSizeBuckets)
	CheckpointSequence = NewGaugeVec("poller", "checkpoint_sequence",
		"Last persisted checkpoint", []string{"shard"})

	RouterQueueDepth = NewGaugeVec("router", "queue_depth",
		"Batches queued per sink", []string{"shard", "sink"})
	RouterOverflowTotal = NewCounterVec("router", "overflow_total",
		"Batches rejected by a full sink queue", []string{"shard", "sink"})

	ActiveSubscriptions = NewGauge("subscription", "active",
		"Live subscriptions")
	SubscribeTotal = NewCounterVec("subscription", "subscribe_total",
		"Subscribe requests by result", []string{"result"})
	MatchesTotal = NewCounterVec("subscription", "matches_total",
		"Events matched per subscription definition", []string{"subscription"})
	ReplayedEventsTotal = NewCounter("subscription", "replayed_events_total",
		"Events served from replay")

	FanoutQueuedEvents = NewGauge("fanout", "queued_events",
		"Events waiting in subscription queues")
	FanoutOverflowTotal = NewCounterVec("fanout", "overflow_total",
		"Subscription queue overflows by policy", []string{"policy"})
	DeliveriesTotal = NewCounterVec("fanout", "deliveries_total",
		"Deliveries by transport and status", []string{"transport", "status"})
	DeliveryDurationSeconds = NewHistogramVec("fanout", "delivery_duration_seconds",
		"Delivery latency per transport", []string{"transport"}, DeliveryBuckets)

	PushConnections = NewGauge("push", "connections",
		"Open push connections")
	WebhookAttemptsTotal = NewCounterVec("webhook", "attempts_total",
		"Webhook attempts by endpoint and result", []string{"endpoint", "result"})
	WebhookFailedDeliveries = NewGaugeVec("webhook", "failed_deliveries",
		"Deliveries in the failed state", []string{"endpoint"})
	StreamPublishTotal = NewCounterVec("stream", "publish_total",
		"Event-stream publishes by sink and result", []string{"sink", "result"})
}
