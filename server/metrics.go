package server

import (
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemCollector samples host-level telemetry (CPU, memory, spill
// directory fill) on a fixed interval and publishes it through expvar. The
// per-directory gauge map lets operators see which spill disk is filling
// before the factory starts skipping it.
type SystemCollector struct {
	cpuPercent    *expvar.Float
	memPercent    *expvar.Float
	spillDirUsage *expvar.Map
	spillPaths    []string
	interval      time.Duration
	quit          chan struct{}
	wg            sync.WaitGroup
	logger        *slog.Logger
}

// NewSystemCollector builds a collector watching the given spill
// directories. Metric names carry the given prefix; building a second
// collector under the same prefix resets the published gauges instead of
// panicking.
func NewSystemCollector(spillPaths []string, interval time.Duration, prefix string, logger *slog.Logger) *SystemCollector {
	return &SystemCollector{
		cpuPercent:    reuseFloat(prefix + "system_cpu_usage_percent"),
		memPercent:    reuseFloat(prefix + "system_mem_usage_percent"),
		spillDirUsage: reuseMap(prefix + "system_spill_dir_usage_percent"),
		spillPaths:    spillPaths,
		interval:      interval,
		quit:          make(chan struct{}),
		logger:        logger.With("component", "SystemCollector"),
	}
}

// Start launches the sampling loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("System sampler started.", "interval", sc.interval)
	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		ticker := time.NewTicker(sc.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sc.collect()
			case <-sc.quit:
				return
			}
		}
	}()
}

// Stop ends the sampling loop and waits for it to exit.
func (sc *SystemCollector) Stop() {
	close(sc.quit)
	sc.wg.Wait()
	sc.logger.Info("System sampler stopped.")
}

func (sc *SystemCollector) collect() {
	// cpu.Percent blocks for its measurement window, which therefore has
	// to stay under the tick interval. Zero takes an instantaneous reading
	// against the previous call instead.
	window := sc.interval - time.Second
	if window < 0 {
		window = 0
	}
	if pcts, err := cpu.Percent(window, false); err == nil && len(pcts) > 0 {
		sc.cpuPercent.Set(pcts[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sc.memPercent.Set(vm.UsedPercent)
	}

	for _, path := range sc.spillPaths {
		du, err := disk.Usage(path)
		if err != nil {
			sc.logger.Debug("Skipping spill directory usage sample.", "path", path, "error", err)
			continue
		}
		gauge, ok := sc.spillDirUsage.Get(path).(*expvar.Float)
		if !ok {
			gauge = new(expvar.Float)
			sc.spillDirUsage.Set(path, gauge)
		}
		gauge.Set(du.UsedPercent)
	}
}

// reuseFloat publishes a float gauge, resetting one that already exists
// under the same name. Collectors are rebuilt on reconfiguration and in
// tests; only a name collision with a different expvar type panics.
func reuseFloat(name string) *expvar.Float {
	switch v := expvar.Get(name).(type) {
	case nil:
		return expvar.NewFloat(name)
	case *expvar.Float:
		v.Set(0)
		return v
	default:
		panic(fmt.Sprintf("expvar name %q already taken by a %T", name, v))
	}
}

// reuseMap is reuseFloat for map-valued gauges.
func reuseMap(name string) *expvar.Map {
	switch v := expvar.Get(name).(type) {
	case nil:
		return expvar.NewMap(name)
	case *expvar.Map:
		v.Init()
		return v
	default:
		panic(fmt.Sprintf("expvar name %q already taken by a %T", name, v))
	}
}
