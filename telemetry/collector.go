package telemetry

import (
	"sync"
	"time"
)

// ShardStats is a point-in-time view of one shard
type ShardStats struct {
	Name       string
	Checkpoint uint64
	SinkDepth  map[string]int
}

// StatsProvider is implemented by the pipeline
type StatsProvider interface {
	ShardStats() []ShardStats
	ActiveSubscriptions() int
	QueuedEvents() int
}

// MetricsCollector periodically samples pipeline state into gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	for _, s := range mc.provider.ShardStats() {
		CheckpointSequence.With(s.Name).Set(float64(s.Checkpoint))
		for sink, depth := range s.SinkDepth {
			RouterQueueDepth.With(s.Name, sink).Set(float64(depth))
		}
	}

	ActiveSubscriptions.Set(float64(mc.provider.ActiveSubscriptions()))
	FanoutQueuedEvents.Set(float64(mc.provider.QueuedEvents()))
}
