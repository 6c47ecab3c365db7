package metrics

import (
	"context"
	"time"

	"github.com/nclav-io/nclav/pkg/store"
)

// Collector polls the state store on a fixed interval to populate the
// enclave/partition inventory gauges.
type Collector struct {
	store  store.StateStore
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over st.
func NewCollector(st store.StateStore) *Collector {
	return &Collector{
		store:  st,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15s, until Stop is called.
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
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	enclaves, err := c.store.ListEnclaves(ctx)
	if err != nil {
		return
	}

	enclaveCounts := make(map[string]map[string]int)
	partitionCounts := make(map[string]map[string]int)

	for _, enc := range enclaves {
		cloud := string(enc.Desired.Cloud)
		if cloud == "" {
			cloud = "default"
		}
		status := "pending"
		if enc.LastReconciledAt != nil {
			status = "reconciled"
		}
		if enclaveCounts[cloud] == nil {
			enclaveCounts[cloud] = make(map[string]int)
		}
		enclaveCounts[cloud][status]++

		for _, part := range enc.Partitions {
			produces := string(part.Desired.Produces)
			if produces == "" {
				produces = "none"
			}
			partStatus := "pending"
			if len(part.PartitionHandle) > 0 {
				partStatus = "reconciled"
			}
			if partitionCounts[produces] == nil {
				partitionCounts[produces] = make(map[string]int)
			}
			partitionCounts[produces][partStatus]++
		}
	}

	EnclavesTotal.Reset()
	for cloud, statuses := range enclaveCounts {
		for status, count := range statuses {
			EnclavesTotal.WithLabelValues(cloud, status).Set(float64(count))
		}
	}

	PartitionsTotal.Reset()
	for produces, statuses := range partitionCounts {
		for status, count := range statuses {
			PartitionsTotal.WithLabelValues(produces, status).Set(float64(count))
		}
	}
}
