package metrics

import (
	"context"
	"time"

	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"

	"github.com/sandpit-io/sandpit/internal/sandbox/models"
)

// Source provides the queries the collector samples. The sandbox
// repository satisfies it.
type Source interface {
	ListSessionsByStatus(ctx context.Context, statuses ...v1.SessionStatus) ([]*models.Session, error)
	ListNodes(ctx context.Context) ([]*models.RuntimeNode, error)
}

// Collector periodically samples repository state into gauges.
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
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

	c.collectSessionMetrics(ctx)
	c.collectNodeMetrics(ctx)
}

func (c *Collector) collectSessionMetrics(ctx context.Context) {
	sessions, err := c.source.ListSessionsByStatus(ctx,
		v1.SessionStatusCreating, v1.SessionStatusRunning)
	if err != nil {
		return
	}

	counts := map[v1.SessionStatus]int{
		v1.SessionStatusCreating: 0,
		v1.SessionStatusRunning:  0,
	}
	for _, session := range sessions {
		counts[session.Status]++
	}

	for status, count := range counts {
		SessionsActive.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectNodeMetrics(ctx context.Context) {
	nodes, err := c.source.ListNodes(ctx)
	if err != nil {
		return
	}

	nodeCounts := make(map[v1.NodeKind]map[v1.NodeStatus]int)
	for _, node := range nodes {
		if nodeCounts[node.Kind] == nil {
			nodeCounts[node.Kind] = make(map[v1.NodeStatus]int)
		}
		nodeCounts[node.Kind][node.Status]++
	}

	for kind, statuses := range nodeCounts {
		for status, count := range statuses {
			NodesTotal.WithLabelValues(string(kind), string(status)).Set(float64(count))
		}
	}
}
