package metrics

import (
	"context"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/rs/zerolog"
)

const probeTimeout = 3 * time.Second

// Sizer reports how many connections a node currently holds
type Sizer interface {
	Len() int
}

// Pinger is a dependency whose reachability feeds a health component
type Pinger interface {
	Ping(ctx context.Context) error
}

// Collector periodically samples the connection registry and probes the
// node's dependencies, publishing the results as gauges and health components.
type Collector struct {
	sizer    Sizer
	probes   map[string]Pinger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   zerolog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(sizer Sizer, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		sizer:    sizer,
		probes:   make(map[string]Pinger),
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("metrics"),
	}
}

// AddProbe registers a dependency to ping under the given component name.
// Must be called before Start.
func (c *Collector) AddProbe(component string, p Pinger) {
	c.probes[component] = p
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.doneCh)
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

// Stop stops the collector and waits for an in-flight collection to finish.
// Stop must only be called after Start.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect() {
	if c.sizer != nil {
		ConnectionsActive.Set(float64(c.sizer.Len()))
	}

	for name, p := range c.probes {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		err := p.Ping(ctx)
		cancel()

		if err != nil {
			c.logger.Warn().Err(err).Str("probe", name).Msg("Health probe failed")
			UpdateComponent(name, false, err.Error())
			continue
		}
		UpdateComponent(name, true, "")
	}
}
