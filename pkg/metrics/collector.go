package metrics

import (
	"time"

	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/types"
)

// Collector samples fleet and queue gauges from the store.
type Collector struct {
	st     *store.Store
	stopCh chan struct{}
}

// NewCollector creates a metrics collector.
func NewCollector(st *store.Store) *Collector {
	return &Collector{
		st:     st,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting every 15 seconds, with one immediate sample.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectDrones()
	c.collectQueue()
	c.collectSessions()
}

func (c *Collector) collectDrones() {
	drones, err := c.st.ListDrones(true)
	if err != nil {
		return
	}

	counts := make(map[types.DroneKind]map[types.DroneStatus]int)
	cores := 0
	for _, d := range drones {
		if counts[d.Kind] == nil {
			counts[d.Kind] = make(map[types.DroneStatus]int)
		}
		counts[d.Kind][d.Status]++
		if d.Status == types.DroneStatusOnline {
			cores += d.Capabilities.Cores
		}
	}

	DronesTotal.Reset()
	for kind, byStatus := range counts {
		for status, n := range byStatus {
			DronesTotal.WithLabelValues(string(kind), string(status)).Set(float64(n))
		}
	}
	FleetCores.Set(float64(cores))

	grounded := 0
	if records, err := c.st.ListHealth(); err == nil {
		now := time.Now().UTC()
		for _, rec := range records {
			if rec.Grounded(now) {
				grounded++
			}
		}
	}
	DronesGrounded.Set(float64(grounded))
}

func (c *Collector) collectQueue() {
	counts, err := c.st.QueueCounts()
	if err != nil {
		return
	}
	QueueItems.Reset()
	for status, n := range counts {
		QueueItems.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (c *Collector) collectSessions() {
	active, err := c.st.ActiveSession()
	if err != nil {
		return
	}
	if active != nil {
		SessionsActive.Set(1)
	} else {
		SessionsActive.Set(0)
	}
}
