package cronlog

import (
	"context"
	"regexp"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/config"
	"github.com/atlassian/harvestd/pkg/cursor"
	"github.com/atlassian/harvestd/pkg/logtail"
	"github.com/atlassian/harvestd/pkg/util"
)

const (
	// CollectorName is the name of this collector.
	CollectorName = "cronlog"
	// DefaultPath is the default cron log location.
	DefaultPath = "/var/log/cron"
	// DefaultPrefix is the default prefix of every metric name.
	DefaultPrefix = "cron"
	// DefaultMinDumpInterval is the default minimum time between position persists.
	DefaultMinDumpInterval = 5 * time.Minute

	// nameGroup is the optional capture group of an event expression that splits the event count by name.
	nameGroup = "name"
)

// DefaultEvents match the job start and failure lines of cronie and vixie cron.
var DefaultEvents = map[string]interface{}{
	"started": `CMD \((?P<name>[^\s)]+)`,
	"failed":  `(?i)\b(?:error|failed)\b`,
}

var regInvalidNameChars = regexp.MustCompile(`[^a-zA-Z\d_-]+`)

// Config holds the options of the cronlog collector.
type Config struct {
	config.Base     `mapstructure:",squash"`
	Path            string                    `mapstructure:"path" validate:"required"`
	Attr            string                    `mapstructure:"attr"`
	Prefix          string                    `mapstructure:"prefix" validate:"required"`
	Events          map[string]*regexp.Regexp `mapstructure:"events" validate:"required"`
	StartAtEnd      bool                      `mapstructure:"start-at-end"`
	MinDumpInterval time.Duration             `mapstructure:"min-dump-interval" validate:"gte=0"`
}

// Collector counts cron log lines matching each configured event, per tick.
type Collector struct {
	name   string
	prefix string
	events []event
	tailer *logtail.Tailer
	store  cursor.ClosableStore
	logger logrus.FieldLogger
}

type event struct {
	name      string
	re        *regexp.Regexp
	nameIndex int
}

// NewCollector creates a cronlog collector from its configuration.
func NewCollector(params harvestd.PluginParams) (harvestd.Collector, error) {
	params.Config.SetDefault("path", DefaultPath)
	params.Config.SetDefault("attr", logtail.DefaultAttr)
	params.Config.SetDefault("prefix", DefaultPrefix)
	params.Config.SetDefault("min-dump-interval", DefaultMinDumpInterval)
	if !params.Config.IsSet("events") {
		params.Config.Set("events", DefaultEvents)
	}
	var cfg Config
	if err := config.Decode(params.Config, &cfg); err != nil {
		return nil, err
	}

	store, err := cursor.NewStoreFromViper(util.GetSubViper(params.Config, "cursor"))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cfg.Events))
	for name := range cfg.Events {
		names = append(names, name)
	}
	sort.Strings(names)
	events := make([]event, 0, len(names))
	for _, name := range names {
		re := cfg.Events[name]
		events = append(events, event{
			name:      name,
			re:        re,
			nameIndex: re.SubexpIndex(nameGroup),
		})
	}

	return &Collector{
		name:   params.Name,
		prefix: cfg.Prefix,
		events: events,
		tailer: &logtail.Tailer{
			Path:            cfg.Path,
			Attr:            cfg.Attr,
			Store:           store,
			StartAtEnd:      cfg.StartAtEnd,
			MinDumpInterval: cfg.MinDumpInterval,
			Logger:          params.Logger,
		},
		store:  store,
		logger: params.Logger,
	}, nil
}

func (c *Collector) Name() string {
	return c.name
}

func (c *Collector) Read(ctx context.Context) ([]harvestd.Datapoint, error) {
	records, err := c.tailer.ReadRecords(ctx)
	if err != nil {
		return nil, err
	}

	totals := make([]int, len(c.events))
	byName := map[string]int{}
	for _, record := range records {
		for i, ev := range c.events {
			m := ev.re.FindSubmatch(record)
			if m == nil {
				continue
			}
			totals[i]++
			if ev.nameIndex >= 0 && len(m[ev.nameIndex]) > 0 {
				byName[c.prefix+"."+ev.name+"."+sanitize(string(m[ev.nameIndex]))]++
			}
		}
	}

	dps := make([]harvestd.Datapoint, 0, len(c.events)+len(byName))
	for i, ev := range c.events {
		dps = append(dps, harvestd.NewCounter(c.prefix+"."+ev.name, float64(totals[i])))
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dps = append(dps, harvestd.NewCounter(name, float64(byName[name])))
	}
	return dps, nil
}

// Close persists the read position and releases the cursor store.
func (c *Collector) Close() error {
	return harvestd.MaybeClose(c.tailer, c.store)
}

func sanitize(s string) string {
	return regInvalidNameChars.ReplaceAllString(s, "_")
}
