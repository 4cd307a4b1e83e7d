package collectors

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"opsdeck/internal/core/domain"
	"opsdeck/internal/core/ports"
)

// SystemCollector samples host metrics and publishes them on the system
// channel. A failed probe logs and skips the field; the record still goes
// out with whatever was sampled.
type SystemCollector struct {
	broadcaster ports.Broadcaster
	interval    time.Duration
	logger      *zap.Logger

	done chan struct{}
	stop sync.Once
	wg   sync.WaitGroup
}

func NewSystemCollector(broadcaster ports.Broadcaster, interval time.Duration, logger *zap.Logger) *SystemCollector {
	return &SystemCollector{
		broadcaster: broadcaster,
		interval:    interval,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

func (c *SystemCollector) Start() {
	c.wg.Add(1)
	go c.run()
}

func (c *SystemCollector) Shutdown() {
	c.stop.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *SystemCollector) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.interval)
			c.broadcaster.Publish(ctx, c.sample(ctx))
			cancel()
		case <-c.done:
			return
		}
	}
}

// sample probes the host. Each probe failure is independent: one broken
// source never blanks the others.
func (c *SystemCollector) sample(ctx context.Context) domain.MetricRecord {
	payload := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		payload["cpu_percent"] = percents[0]
	} else if err != nil {
		c.logger.Warn("cpu probe failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		payload["memory_percent"] = vm.UsedPercent
		payload["memory_used_bytes"] = vm.Used
		payload["memory_total_bytes"] = vm.Total
	} else {
		c.logger.Warn("memory probe failed", zap.Error(err))
	}

	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		payload["disk_percent"] = usage.UsedPercent
		payload["disk_free_bytes"] = usage.Free
	} else {
		c.logger.Warn("disk probe failed", zap.Error(err))
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		payload["load_1"] = avg.Load1
		payload["load_5"] = avg.Load5
		payload["load_15"] = avg.Load15
	} else if err != nil && runtime.GOOS != "windows" {
		c.logger.Warn("load probe failed", zap.Error(err))
	}

	return domain.NewMetricRecord(domain.ChannelSystem, payload, time.Now())
}
