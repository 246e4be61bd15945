package route

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/config"
)

// ProcessorName is the name of this processor.
const ProcessorName = "route"

// Rule restricts the sinks of the datapoints whose name matches Match. Sinks, when set, is the
// only sinks the datapoint may go to. Exclude removes sinks.
type Rule struct {
	Match   *regexp.Regexp `mapstructure:"match" validate:"required"`
	Sinks   []string       `mapstructure:"sinks"`
	Exclude []string       `mapstructure:"exclude"`
}

// Config holds the options of the route processor.
type Config struct {
	config.Base `mapstructure:",squash"`
	Rules       []Rule `mapstructure:"rules" validate:"required,min=1,dive"`
}

// Processor applies every matching rule, in order, to the sink set of each datapoint.
type Processor struct {
	name  string
	rules []Rule
}

// NewProcessor creates a route processor from its configuration.
func NewProcessor(params harvestd.PluginParams) (harvestd.Processor, error) {
	var cfg Config
	if err := config.Decode(params.Config, &cfg); err != nil {
		return nil, err
	}
	for i, rule := range cfg.Rules {
		if len(rule.Sinks) == 0 && len(rule.Exclude) == 0 {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Match, errNoAction)
		}
	}
	return &Processor{
		name:  params.Name,
		rules: cfg.Rules,
	}, nil
}

var errNoAction = errors.New("rule needs sinks or exclude")

func (p *Processor) Name() string {
	return p.name
}

func (p *Processor) Process(dp *harvestd.Datapoint, sinks harvestd.SinkSet) (*harvestd.Datapoint, harvestd.SinkSet, error) {
	for _, rule := range p.rules {
		if !rule.Match.MatchString(dp.Name) {
			continue
		}
		if len(rule.Sinks) > 0 {
			sinks = sinks.Only(rule.Sinks...)
		}
		if len(rule.Exclude) > 0 {
			sinks = sinks.Without(rule.Exclude...)
		}
	}
	return dp, sinks, nil
}
