package metrics

import (
	"context"
	"time"

	"github.com/occusoft/occuplan/pkg/storage"
	"github.com/occusoft/occuplan/pkg/types"
)

// Utilization is the resource reading exported as a gauge, satisfied by the
// backpressure gate.
type Utilization interface {
	Utilization() (float64, bool)
}

// Collector periodically refreshes the chunk, dataset, and memory gauges
// from the state store.
type Collector struct {
	store  storage.Store
	util   Utilization
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector. util may be nil when no
// backpressure gate is configured.
func NewCollector(store storage.Store, util Utilization) *Collector {
	return &Collector{
		store:  store,
		util:   util,
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
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectChunkMetrics(ctx)
	c.collectDatasetMetrics(ctx)
	c.collectMemoryMetrics()
}

func (c *Collector) collectChunkMetrics(ctx context.Context) {
	counts, err := c.store.ChunkStatusCounts(ctx)
	if err != nil {
		return
	}

	// Reset so combinations that dropped to zero do not report stale counts.
	ChunksTotal.Reset()
	for _, sc := range counts {
		ChunksTotal.WithLabelValues(string(sc.SpaceType), string(sc.Status)).Set(float64(sc.Count))
	}
}

func (c *Collector) collectDatasetMetrics(ctx context.Context) {
	statuses := []types.DatasetStatus{
		types.DatasetStatusInitializing,
		types.DatasetStatusRunning,
		types.DatasetStatusCompleted,
		types.DatasetStatusFailed,
	}
	for _, status := range statuses {
		datasets, err := c.store.DatasetsByStatus(ctx, status)
		if err != nil {
			return
		}
		DatasetsTotal.WithLabelValues(string(status)).Set(float64(len(datasets)))
	}
}

func (c *Collector) collectMemoryMetrics() {
	if c.util == nil {
		return
	}
	if pct, ok := c.util.Utilization(); ok {
		MemoryUtilization.Set(pct)
	}
}
