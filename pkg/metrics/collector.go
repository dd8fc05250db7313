package metrics

import "time"

// EnvSource is the subset of *engine.Env the collector polls. Declared
// here rather than importing pkg/engine directly — pkg/engine's tx and
// task-dispatch code instruments counters straight into this package,
// so pkg/metrics must not import pkg/engine back, or the two packages
// would import each other. *engine.Env already satisfies this
// interface structurally; no adapter type is needed.
type EnvSource interface {
	DatabaseNames() []string
	DatabaseCounts(name string) (nodeCount, branchCount int, i0Bytes int64, ok bool)
	WALSegmentCount() int
	QuotaUtilization() float64
}

// Collector periodically samples an EnvSource's shape and publishes it
// as gauges, the same poll-and-Set pattern a cluster manager's state
// collector would use.
type Collector struct {
	env    EnvSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector for env.
func NewCollector(env EnvSource) *Collector {
	return &Collector{
		env:    env,
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
	c.collectDatabaseMetrics()
	c.collectWALMetrics()
	c.collectQuotaMetrics()
}

func (c *Collector) collectDatabaseMetrics() {
	for _, name := range c.env.DatabaseNames() {
		nodeCount, branchCount, i0Bytes, ok := c.env.DatabaseCounts(name)
		if !ok {
			continue
		}
		NodesTotal.WithLabelValues(name).Set(float64(nodeCount))
		NodeBranchesTotal.WithLabelValues(name).Set(float64(branchCount))
		I0BytesTotal.WithLabelValues(name).Set(float64(i0Bytes))
	}
}

func (c *Collector) collectWALMetrics() {
	WALSegmentsTotal.Set(float64(c.env.WALSegmentCount()))
}

func (c *Collector) collectQuotaMetrics() {
	QuotaUtilization.Set(c.env.QuotaUtilization())
}
