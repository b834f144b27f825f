package metrics

import (
	"time"
)

// QueueStat is the live state of one builder queue.
type QueueStat struct {
	Platform string
	Builder  string
	Depth    int
}

// PoolStats is implemented by the builder pool.
type PoolStats interface {
	QueueStats() []QueueStat
}

// Collector periodically exports builder pool gauges
type Collector struct {
	pool   PoolStats
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(pool PoolStats) *Collector {
	return &Collector{
		pool:   pool,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	stats := c.pool.QueueStats()

	// Reset so builders removed by a reconcile stop being exported.
	QueueDepth.Reset()
	WorkersTotal.Reset()

	workers := make(map[string]int)
	for _, s := range stats {
		QueueDepth.WithLabelValues(s.Platform, s.Builder).Set(float64(s.Depth))
		workers[s.Platform]++
	}
	for platform, count := range workers {
		WorkersTotal.WithLabelValues(platform).Set(float64(count))
	}
}
