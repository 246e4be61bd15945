package loadavg

import (
	"context"

	"github.com/shirou/gopsutil/v3/load"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/config"
)

const (
	// CollectorName is the name of this collector.
	CollectorName = "loadavg"
	// DefaultPrefix is the default prefix of every metric name.
	DefaultPrefix = "load"
)

// Config holds the options of the loadavg collector.
type Config struct {
	config.Base `mapstructure:",squash"`
	Prefix      string `mapstructure:"prefix" validate:"required"`
	Processes   bool   `mapstructure:"processes"`
}

// Collector reports the system load averages and, optionally, process counts.
type Collector struct {
	name      string
	prefix    string
	processes bool

	avg  func(context.Context) (*load.AvgStat, error)
	misc func(context.Context) (*load.MiscStat, error)
}

// NewCollector creates a loadavg collector from its configuration.
func NewCollector(params harvestd.PluginParams) (harvestd.Collector, error) {
	params.Config.SetDefault("prefix", DefaultPrefix)
	params.Config.SetDefault("processes", true)
	var cfg Config
	if err := config.Decode(params.Config, &cfg); err != nil {
		return nil, err
	}
	return &Collector{
		name:      params.Name,
		prefix:    cfg.Prefix,
		processes: cfg.Processes,
		avg:       load.AvgWithContext,
		misc:      load.MiscWithContext,
	}, nil
}

func (c *Collector) Name() string {
	return c.name
}

func (c *Collector) Read(ctx context.Context) ([]harvestd.Datapoint, error) {
	avg, err := c.avg(ctx)
	if err != nil {
		return nil, err
	}
	dps := []harvestd.Datapoint{
		harvestd.NewGauge(c.prefix+".1min", avg.Load1),
		harvestd.NewGauge(c.prefix+".5min", avg.Load5),
		harvestd.NewGauge(c.prefix+".15min", avg.Load15),
	}
	if !c.processes {
		return dps, nil
	}
	misc, err := c.misc(ctx)
	if err != nil {
		return nil, err
	}
	return append(dps,
		harvestd.NewGauge(c.prefix+".procs_running", float64(misc.ProcsRunning)),
		harvestd.NewGauge(c.prefix+".procs_blocked", float64(misc.ProcsBlocked)),
		harvestd.NewGauge(c.prefix+".procs_total", float64(misc.ProcsTotal)),
	), nil
}
