package cpu

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/config"
)

const (
	// CollectorName is the name of this collector.
	CollectorName = "cpu"
	// DefaultProcPath is the default mount point of procfs.
	DefaultProcPath = procfs.DefaultMountPoint
	// DefaultPrefix is the default prefix of every metric name.
	DefaultPrefix = "processor"
)

// Config holds the options of the cpu collector.
type Config struct {
	config.Base `mapstructure:",squash"`
	ProcPath    string `mapstructure:"proc-path" validate:"required"`
	Prefix      string `mapstructure:"prefix" validate:"required"`
	PerCPU      bool   `mapstructure:"per-cpu"`
}

// Collector reports the kernel's CPU time accounting from /proc/stat.
type Collector struct {
	name   string
	fs     procfs.FS
	prefix string
	perCPU bool
	logger logrus.FieldLogger
}

// NewCollector creates a cpu collector from its configuration.
func NewCollector(params harvestd.PluginParams) (harvestd.Collector, error) {
	params.Config.SetDefault("proc-path", DefaultProcPath)
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
		perCPU: cfg.PerCPU,
		logger: params.Logger,
	}, nil
}

func (c *Collector) Name() string {
	return c.name
}

func (c *Collector) Read(ctx context.Context) ([]harvestd.Datapoint, error) {
	stat, err := c.fs.Stat()
	if err != nil {
		return nil, err
	}
	dps := cpuTimes(c.prefix+".cpu", stat.CPUTotal)
	if c.perCPU {
		ids := make([]int64, 0, len(stat.CPU))
		for id := range stat.CPU {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			dps = append(dps, cpuTimes(fmt.Sprintf("%s.cpu%d", c.prefix, id), stat.CPU[id])...)
		}
	}
	return append(dps,
		harvestd.NewCounter(c.prefix+".context_switches", float64(stat.ContextSwitches)),
		harvestd.NewCounter(c.prefix+".forks", float64(stat.ProcessCreated)),
		harvestd.NewCounter(c.prefix+".interrupts", float64(stat.IRQTotal)),
		harvestd.NewGauge(c.prefix+".procs_running", float64(stat.ProcessesRunning)),
		harvestd.NewGauge(c.prefix+".procs_blocked", float64(stat.ProcessesBlocked)),
	), nil
}

func cpuTimes(prefix string, s procfs.CPUStat) []harvestd.Datapoint {
	return []harvestd.Datapoint{
		harvestd.NewCounter(prefix+".user", s.User),
		harvestd.NewCounter(prefix+".nice", s.Nice),
		harvestd.NewCounter(prefix+".system", s.System),
		harvestd.NewCounter(prefix+".idle", s.Idle),
		harvestd.NewCounter(prefix+".iowait", s.Iowait),
		harvestd.NewCounter(prefix+".irq", s.IRQ),
		harvestd.NewCounter(prefix+".softirq", s.SoftIRQ),
		harvestd.NewCounter(prefix+".steal", s.Steal),
		harvestd.NewCounter(prefix+".guest", s.Guest),
		harvestd.NewCounter(prefix+".guest_nice", s.GuestNice),
	}
}
