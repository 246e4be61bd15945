package ping

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/config"
)

const (
	// CollectorName is the name of this collector.
	CollectorName = "ping"
	// DefaultHelper is the name of the helper binary probing the targets.
	DefaultHelper = "harvestd-ping"
	// DefaultPrefix is the default prefix of every metric name.
	DefaultPrefix = "ping"
	// DefaultProbeInterval is the default interval between probes of a target.
	DefaultProbeInterval = 1 * time.Second
	// DefaultProbeTimeout is the default time after which a probe counts as dropped.
	DefaultProbeTimeout = 2 * time.Second
	// DefaultEWMAFactor is the default weight of a new sample in the round trip time average.
	DefaultEWMAFactor = 0.3
	// DefaultMaxRate is the default maximum number of probes per second.
	DefaultMaxRate = 10.0
	// DefaultReadyTimeout is the default time to wait for a new helper to announce itself.
	DefaultReadyTimeout = 10 * time.Second
	// DefaultFlushTimeout is the default time to wait for the helper to answer a flush.
	DefaultFlushTimeout = 5 * time.Second
)

// Config holds the options of the ping collector.
type Config struct {
	config.Base   `mapstructure:",squash"`
	Helper        string            `mapstructure:"helper" validate:"required"`
	Prefix        string            `mapstructure:"prefix" validate:"required"`
	Targets       map[string]string `mapstructure:"targets" validate:"required,min=1,dive,required"`
	ProbeInterval time.Duration     `mapstructure:"probe-interval" validate:"gt=0"`
	ProbeTimeout  time.Duration     `mapstructure:"probe-timeout" validate:"gt=0"`
	EWMAFactor    float64           `mapstructure:"ewma-factor" validate:"gt=0,lte=1"`
	MaxRate       float64           `mapstructure:"max-rate" validate:"gt=0"`
	Privileged    bool              `mapstructure:"privileged"`
	ReadyTimeout  time.Duration     `mapstructure:"ready-timeout" validate:"gt=0"`
	FlushTimeout  time.Duration     `mapstructure:"flush-timeout" validate:"gt=0"`
}

// Collector reports round trip times and drops of ICMP probes run by a helper subprocess.
// The helper needs network privileges the daemon itself should not hold, and it keeps probing between ticks.
type Collector struct {
	name         string
	prefix       string
	path         string
	args         []string
	env          []string
	readyTimeout time.Duration
	flushTimeout time.Duration
	logger       logrus.FieldLogger

	mu     sync.Mutex
	helper *helper
}

// NewCollector creates a ping collector from its configuration.
func NewCollector(params harvestd.PluginParams) (harvestd.Collector, error) {
	params.Config.SetDefault("helper", DefaultHelper)
	params.Config.SetDefault("prefix", DefaultPrefix)
	params.Config.SetDefault("probe-interval", DefaultProbeInterval)
	params.Config.SetDefault("probe-timeout", DefaultProbeTimeout)
	params.Config.SetDefault("ewma-factor", DefaultEWMAFactor)
	params.Config.SetDefault("max-rate", DefaultMaxRate)
	params.Config.SetDefault("ready-timeout", DefaultReadyTimeout)
	params.Config.SetDefault("flush-timeout", DefaultFlushTimeout)
	var cfg Config
	if err := config.Decode(params.Config, &cfg); err != nil {
		return nil, err
	}

	for alias := range cfg.Targets {
		if alias == "" || strings.ContainsAny(alias, "= \t") {
			return nil, fmt.Errorf("invalid ping target alias %q", alias)
		}
	}

	path, err := findHelper(cfg.Helper)
	if err != nil {
		return nil, err
	}

	return &Collector{
		name:         params.Name,
		prefix:       cfg.Prefix,
		path:         path,
		args:         helperArgs(cfg),
		readyTimeout: cfg.ReadyTimeout,
		flushTimeout: cfg.FlushTimeout,
		logger:       params.Logger,
	}, nil
}

// findHelper resolves the helper binary. A bare name is looked up beside the running executable first,
// then in PATH.
func findHelper(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("ping helper %s: %v: %w", name, err, harvestd.ErrDisabled)
		}
		return name, nil
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("ping helper %s not found: %w", name, harvestd.ErrDisabled)
	}
	return path, nil
}

func helperArgs(cfg Config) []string {
	args := []string{
		"--interval=" + cfg.ProbeInterval.String(),
		"--timeout=" + cfg.ProbeTimeout.String(),
		"--ewma=" + strconv.FormatFloat(cfg.EWMAFactor, 'f', -1, 64),
		"--max-rate=" + strconv.FormatFloat(cfg.MaxRate, 'f', -1, 64),
	}
	if cfg.Privileged {
		args = append(args, "--privileged")
	}
	aliases := make([]string, 0, len(cfg.Targets))
	for alias := range cfg.Targets {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	args = append(args, "--")
	for _, alias := range aliases {
		args = append(args, alias+"="+cfg.Targets[alias])
	}
	return args
}

func (c *Collector) Name() string {
	return c.name
}

// Read asks the helper for the current state of every target. If the helper is not running it is
// started, and nothing is reported until the next tick.
func (c *Collector) Read(ctx context.Context) ([]harvestd.Datapoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.helper != nil && !c.helper.alive() {
		c.logger.WithError(c.helper.err).Warn("Ping helper exited, restarting")
		c.helper = nil
	}
	if c.helper == nil {
		h, err := c.spawn(ctx)
		if err != nil {
			return nil, err
		}
		c.helper = h
		return nil, nil
	}

	reports, err := c.helper.flush(ctx, c.flushTimeout)
	if err != nil {
		c.helper.kill()
		c.helper = nil
		return nil, err
	}

	dps := make([]harvestd.Datapoint, 0, 2*len(reports))
	for _, r := range reports {
		if !math.IsNaN(r.RTT) {
			dps = append(dps, harvestd.NewGauge(c.prefix+"."+r.Target+".ping", r.RTT))
		}
		dps = append(dps, harvestd.NewCounter(c.prefix+"."+r.Target+".droprate", float64(r.Drops)))
	}
	return dps, nil
}

func (c *Collector) spawn(ctx context.Context) (*helper, error) {
	h, err := startHelper(c.path, c.args, c.env, c.logger)
	if err != nil {
		return nil, err
	}
	if err := h.waitReady(ctx, c.readyTimeout); err != nil {
		h.kill()
		return nil, err
	}
	c.logger.WithField("pid", h.cmd.Process.Pid).Info("Ping helper started")
	return h, nil
}

// Close stops the helper.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.helper == nil {
		return nil
	}
	c.helper.kill()
	h := c.helper
	c.helper = nil
	select {
	case <-h.done:
	case <-time.After(c.flushTimeout):
		return errors.New("ping helper did not exit")
	}
	return nil
}
