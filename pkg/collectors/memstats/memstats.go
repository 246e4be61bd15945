package memstats

import (
	"context"
	"fmt"

	"github.com/prometheus/procfs"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/config"
)

const (
	// CollectorName is the name of this collector.
	CollectorName = "memstats"
	// DefaultPrefix is the default prefix of every metric name.
	DefaultPrefix = "memory"
)

// Config holds the options of the memstats collector.
type Config struct {
	config.Base `mapstructure:",squash"`
	ProcPath    string `mapstructure:"proc-path" validate:"required"`
	Prefix      string `mapstructure:"prefix" validate:"required"`
}

// Collector reports memory usage from /proc/meminfo, in bytes.
type Collector struct {
	name   string
	fs     procfs.FS
	prefix string
}

// NewCollector creates a memstats collector from its configuration.
func NewCollector(params harvestd.PluginParams) (harvestd.Collector, error) {
	params.Config.SetDefault("proc-path", procfs.DefaultMountPoint)
	params.Config.SetDefault("prefix", DefaultPrefix)
	var cfg Config
	if err := config.Decode(params.Config, &cfg); err != nil {
		return nil, err
	}
	fs, err := procfs.NewFS(cfg.ProcPath)
	if err != nil {
		return nil, fmt.Errorf("procfs at %s: %w", cfg.ProcPath, harvestd.ErrDisabled)
	}
	return &Collector{
		name:   params.Name,
		fs:     fs,
		prefix: cfg.Prefix,
	}, nil
}

func (c *Collector) Name() string {
	return c.name
}

func (c *Collector) Read(ctx context.Context) ([]harvestd.Datapoint, error) {
	mi, err := c.fs.Meminfo()
	if err != nil {
		return nil, err
	}

	fields := []struct {
		name string
		kb   *uint64
	}{
		{"total", mi.MemTotal},
		{"free", mi.MemFree},
		{"available", mi.MemAvailable},
		{"buffers", mi.Buffers},
		{"cached", mi.Cached},
		{"swap_cached", mi.SwapCached},
		{"active", mi.Active},
		{"inactive", mi.Inactive},
		{"dirty", mi.Dirty},
		{"writeback", mi.Writeback},
		{"mapped", mi.Mapped},
		{"shared", mi.Shmem},
		{"swap.total", mi.SwapTotal},
		{"swap.free", mi.SwapFree},
		{"allocation.slab_total", mi.Slab},
		{"allocation.slab_reclaimable", mi.SReclaimable},
		{"allocation.slab_unreclaimable", mi.SUnreclaim},
		{"allocation.page_tables", mi.PageTables},
		{"allocation.kernel_stack", mi.KernelStack},
		{"allocation.vmalloc_used", mi.VmallocUsed},
	}

	dps := make([]harvestd.Datapoint, 0, len(fields)+2)
	for _, f := range fields {
		if f.kb == nil {
			continue
		}
		dps = append(dps, harvestd.NewGauge(c.prefix+"."+f.name, bytes(f.kb)))
	}

	if mi.MemTotal != nil && mi.MemFree != nil && mi.Buffers != nil && mi.Cached != nil {
		used := bytes(mi.MemTotal) - bytes(mi.MemFree) - bytes(mi.Buffers) - bytes(mi.Cached)
		dps = append(dps, harvestd.NewGauge(c.prefix+".used", used))
	}
	if mi.SwapTotal != nil && mi.SwapFree != nil {
		dps = append(dps, harvestd.NewGauge(c.prefix+".swap.used", bytes(mi.SwapTotal)-bytes(mi.SwapFree)))
	}
	return dps, nil
}

func bytes(kb *uint64) float64 {
	return float64(*kb) * 1024
}
