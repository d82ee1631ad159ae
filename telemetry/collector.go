package telemetry

import (
	"sync"
	"time"
)

// PartitionStats is one partition's footprint in the local replica store
type PartitionStats struct {
	Partition string
	Objects   int64
	Links     int64
}

// StatsProvider interface for components that report replica store contents
type StatsProvider interface {
	PartitionStats() ([]PartitionStats, error)
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
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
	mc.stopOnce.Do(func() { close(mc.stopCh) })
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
			// Final sample so the last page of a finished pull is visible
			mc.collect()
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	stats, err := mc.provider.PartitionStats()
	if err != nil {
		return
	}

	for _, s := range stats {
		StoreObjects.With(s.Partition).Set(float64(s.Objects))
		StoreLinks.With(s.Partition).Set(float64(s.Links))
	}
}
