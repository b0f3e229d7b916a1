package telemetry

import (
	"strconv"
	"sync"
	"time"
)

// StatsProvider interface for control loops that expose point-in-time stats
type StatsProvider interface {
	Topic() string
	PartitionPositions() map[int32]int64
	PendingBatchCount() int
}

// MetricsCollector periodically samples a StatsProvider into gauges
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

	topic := mc.provider.Topic()
	for partition, offset := range mc.provider.PartitionPositions() {
		PartitionPosition.With(topic, strconv.FormatInt(int64(partition), 10)).Set(float64(offset))
	}
	PendingBatches.Set(float64(mc.provider.PendingBatchCount()))
}
