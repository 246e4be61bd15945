package collectors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"
	"go.uber.org/multierr"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/collectors/cpu"
	"github.com/atlassian/harvestd/pkg/collectors/cronlog"
	"github.com/atlassian/harvestd/pkg/collectors/loadavg"
	"github.com/atlassian/harvestd/pkg/collectors/memstats"
	"github.com/atlassian/harvestd/pkg/collectors/ping"
	"github.com/atlassian/harvestd/pkg/config"
	"github.com/atlassian/harvestd/pkg/util"
)

const paramRateLimit = "rate-limit"

// All known collectors.
var collectors = map[string]harvestd.CollectorFactory{
	cpu.CollectorName:      cpu.NewCollector,
	cronlog.CollectorName:  cronlog.NewCollector,
	loadavg.CollectorName:  loadavg.NewCollector,
	memstats.CollectorName: memstats.NewCollector,
	ping.CollectorName:     ping.NewCollector,
}

// Names returns the names of all known collector types.
func Names() []string {
	names := make([]string, 0, len(collectors))
	for name := range collectors {
		names = append(names, name)
	}
	return names
}

// GetCollector creates an instance of the collector type named by params.Type, or nil if the type is not
// known. The error return is only used if the type was known but failed to initialize.
func GetCollector(params harvestd.PluginParams) (harvestd.Collector, error) {
	f, found := collectors[params.Type]
	if !found {
		return nil, nil
	}
	return f(params)
}

// InitCollector creates a collector instance, wrapping it in a RateLimited collector when its
// configuration asks for it.
func InitCollector(params harvestd.PluginParams) (harvestd.Collector, error) {
	c, err := GetCollector(params)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("unknown collector type %q", params.Type)
	}

	var rl config.RateLimit
	if err := config.Decode(util.GetSubViper(params.Config, paramRateLimit), &rl); err != nil {
		return nil, multierr.Append(err, harvestd.MaybeClose(c))
	}
	if rl.Configured() {
		c = NewRateLimited(c, &util.RateLimiter{
			MaxInterval:  rl.MaxInterval,
			Sampling:     rl.Sampling,
			InitialDelay: rl.InitialDelay,
		})
	}
	return c, nil
}

// Init creates every enabled collector instance. Instances which fail to initialize, or disable themselves,
// are logged and omitted. The returned Runnables must be started by the caller.
func Init(logger logrus.FieldLogger, layered *config.Layered, globals harvestd.Globals, enable, disable []string) ([]harvestd.Collector, []harvestd.Runnable, error) {
	instances, err := layered.EnabledInstances(harvestd.SectionCollectors, enable, disable)
	if err != nil {
		return nil, nil, err
	}

	var result []harvestd.Collector
	var runnables []harvestd.Runnable
	for _, instance := range instances {
		instanceLogger := logger.WithField("collector", instance.Name)
		c, err := InitCollector(harvestd.PluginParams{
			Name:    instance.Name,
			Type:    instance.Type,
			Config:  instance.Config,
			Logger:  instanceLogger,
			Globals: globals,
		})
		if err != nil {
			if errors.Is(err, harvestd.ErrDisabled) {
				instanceLogger.WithError(err).Warn("Collector disabled itself")
			} else {
				instanceLogger.WithError(err).Warn("Failed to initialise collector")
			}
			continue
		}
		instanceLogger.WithField("type", instance.Type).Info("Initialised collector")
		result = append(result, c)
		runnables = harvestd.MaybeAppendRunnable(runnables, Unwrap(c))
	}
	return result, runnables, nil
}

// RateLimited skips the reads of a collector as decided by a RateLimiter.
type RateLimited struct {
	harvestd.Collector

	mu      sync.Mutex
	limiter *util.RateLimiter
}

// NewRateLimited wraps c so its Read only runs when limiter allows it.
func NewRateLimited(c harvestd.Collector, limiter *util.RateLimiter) *RateLimited {
	return &RateLimited{
		Collector: c,
		limiter:   limiter,
	}
}

// Read returns no datapoints without calling the wrapped collector when the limiter says to skip.
func (rl *RateLimited) Read(ctx context.Context) ([]harvestd.Datapoint, error) {
	rl.mu.Lock()
	proceed := rl.limiter.Check(clock.Now(ctx))
	rl.mu.Unlock()
	if !proceed {
		return nil, nil
	}
	return rl.Collector.Read(ctx)
}

// Unwrap returns the wrapped collector.
func (rl *RateLimited) Unwrap() harvestd.Collector {
	return rl.Collector
}

// Unwrap returns the innermost collector of c.
func Unwrap(c harvestd.Collector) harvestd.Collector {
	for {
		w, ok := c.(interface{ Unwrap() harvestd.Collector })
		if !ok {
			return c
		}
		c = w.Unwrap()
	}
}

// Close forwards to the wrapped collector, if it is an io.Closer.
func (rl *RateLimited) Close() error {
	return harvestd.MaybeClose(rl.Collector)
}
