package metrics

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Sampler refreshes gauges that are cheaper to read on a schedule than to
// update on every change
type Sampler interface {
	SampleMetrics()
}

// SamplerFunc adapts a function to the Sampler interface
type SamplerFunc func()

// SampleMetrics calls f
func (f SamplerFunc) SampleMetrics() { f() }

// Collector periodically asks each registered sampler to publish its gauges
type Collector struct {
	clock    clock.Clock
	interval time.Duration
	samplers []Sampler

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(clk clock.Clock, interval time.Duration, samplers ...Sampler) *Collector {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		clock:    clk,
		interval: interval,
		samplers: samplers,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := c.clock.Ticker(c.interval)
	go func() {
		defer close(c.doneCh)
		defer ticker.Stop()

		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector and waits for the loop to exit
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
}

func (c *Collector) collect() {
	for _, s := range c.samplers {
		s.SampleMetrics()
	}
}
