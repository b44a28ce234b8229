// Package sysmetrics periodically logs host-wide CPU and memory usage
// alongside the Resource Monitor's own per-core/per-device view, so an
// operator tailing the daemon's log gets a running picture of host load
// without having to query the wire protocol.
package sysmetrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// DefaultInterval is how often metrics are sampled and logged.
const DefaultInterval = 30 * time.Second

// Collector samples host metrics on a ticker.
type Collector struct {
	logger   *zap.Logger
	interval time.Duration
	stop     chan struct{}
}

// New creates a Collector. A zero interval falls back to DefaultInterval.
func New(interval time.Duration, logger *zap.Logger) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Collector{
		logger:   logger.Named("sysmetrics"),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Run samples and logs metrics until ctx is cancelled or Stop is called.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.sample(ctx)
		}
	}
}

// Stop ends a running Run loop.
func (c *Collector) Stop() {
	close(c.stop)
}

func (c *Collector) sample(ctx context.Context) {
	cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		c.logger.Warn("cpu sample failed", zap.Error(err))
		return
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		c.logger.Warn("memory sample failed", zap.Error(err))
		return
	}

	usage := 0.0
	if len(cpuPercent) > 0 {
		usage = cpuPercent[0]
	}

	c.logger.Info("host metrics",
		zap.Float64("cpu_usage_percent", usage),
		zap.Float64("memory_usage_percent", memInfo.UsedPercent),
		zap.Uint64("memory_used_bytes", memInfo.Used),
		zap.Uint64("memory_total_bytes", memInfo.Total))
}
