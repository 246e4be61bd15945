package filter

import (
	"errors"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/config"
)

// ProcessorName is the name of this processor.
const ProcessorName = "filter"

// Config holds the options of the filter processor.
type Config struct {
	config.Base `mapstructure:",squash"`
	Drop        []*regexp.Regexp `mapstructure:"drop"`
	Keep        []*regexp.Regexp `mapstructure:"keep"`
}

// Processor drops datapoints by name. A datapoint is dropped when it matches a drop expression and no keep
// expression. Without drop expressions, every datapoint not matching a keep expression is dropped.
type Processor struct {
	name   string
	drop   []*regexp.Regexp
	keep   []*regexp.Regexp
	logger logrus.FieldLogger
}

// NewProcessor creates a filter processor from its configuration.
func NewProcessor(params harvestd.PluginParams) (harvestd.Processor, error) {
	var cfg Config
	if err := config.Decode(params.Config, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Drop) == 0 && len(cfg.Keep) == 0 {
		return nil, errors.New("filter needs at least one drop or keep expression")
	}
	return &Processor{
		name:   params.Name,
		drop:   cfg.Drop,
		keep:   cfg.Keep,
		logger: params.Logger,
	}, nil
}

func (p *Processor) Name() string {
	return p.name
}

func (p *Processor) Process(dp *harvestd.Datapoint, sinks harvestd.SinkSet) (*harvestd.Datapoint, harvestd.SinkSet, error) {
	if matchAny(p.keep, dp.Name) {
		return dp, sinks, nil
	}
	if len(p.drop) == 0 || matchAny(p.drop, dp.Name) {
		return nil, sinks, nil
	}
	return dp, sinks, nil
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
