package processors

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/config"
	"github.com/atlassian/harvestd/pkg/processors/filter"
	"github.com/atlassian/harvestd/pkg/processors/hostname"
	"github.com/atlassian/harvestd/pkg/processors/route"
)

// All known processors.
var processors = map[string]harvestd.ProcessorFactory{
	filter.ProcessorName:   filter.NewProcessor,
	hostname.ProcessorName: hostname.NewProcessor,
	route.ProcessorName:    route.NewProcessor,
}

// GetProcessor creates an instance of the processor type named by params.Type, or nil if the type is not
// known. The error return is only used if the type was known but failed to initialize.
func GetProcessor(params harvestd.PluginParams) (harvestd.Processor, error) {
	f, found := processors[params.Type]
	if !found {
		return nil, nil
	}
	return f(params)
}

// InitProcessor creates a processor instance.
func InitProcessor(params harvestd.PluginParams) (harvestd.Processor, error) {
	p, err := GetProcessor(params)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("unknown processor type %q", params.Type)
	}
	return p, nil
}

// Init creates the enabled processor instances in chain order. Instances which fail to initialize are
// logged and left out of the chain.
func Init(logger logrus.FieldLogger, layered *config.Layered, globals harvestd.Globals, enable, disable []string) ([]harvestd.Processor, []harvestd.Runnable, error) {
	instances, err := layered.EnabledInstances(harvestd.SectionProcessors, enable, disable)
	if err != nil {
		return nil, nil, err
	}

	var result []harvestd.Processor
	var runnables []harvestd.Runnable
	for _, instance := range instances {
		instanceLogger := logger.WithField("processor", instance.Name)
		p, err := InitProcessor(harvestd.PluginParams{
			Name:    instance.Name,
			Type:    instance.Type,
			Config:  instance.Config,
			Logger:  instanceLogger,
			Globals: globals,
		})
		if err != nil {
			instanceLogger.WithError(err).Warn("Failed to initialise processor")
			continue
		}
		instanceLogger.WithField("type", instance.Type).Info("Initialised processor")
		result = append(result, p)
		runnables = harvestd.MaybeAppendRunnable(runnables, p)
	}
	return result, runnables, nil
}
