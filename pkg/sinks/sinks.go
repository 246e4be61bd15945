package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/config"
	"github.com/atlassian/harvestd/pkg/sinks/carbon"
	"github.com/atlassian/harvestd/pkg/sinks/cloudwatch"
	"github.com/atlassian/harvestd/pkg/sinks/dump"
	"github.com/atlassian/harvestd/pkg/sinks/librato"
	"github.com/atlassian/harvestd/pkg/sinks/redis"
	"github.com/atlassian/harvestd/pkg/transport"
)

// All known sinks.
var sinks = map[string]harvestd.SinkFactory{
	carbon.SinkName:     carbon.NewSink,
	cloudwatch.SinkName: cloudwatch.NewSink,
	dump.SinkName:       dump.NewSink,
	librato.SinkName:    librato.NewSink,
	redis.SinkName:      redis.NewSink,
}

// GetSink creates an instance of the sink type named by params.Type, or nil if the type is not known.
// The error return is only used if the type was known but failed to initialize.
func GetSink(ctx context.Context, params harvestd.PluginParams, pool *transport.TransportPool) (harvestd.Sink, error) {
	f, found := sinks[params.Type]
	if !found {
		return nil, nil
	}
	return f(ctx, params, pool)
}

// InitSink creates a sink instance.
func InitSink(ctx context.Context, params harvestd.PluginParams, pool *transport.TransportPool) (harvestd.Sink, error) {
	s, err := GetSink(ctx, params, pool)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("unknown sink type %q", params.Type)
	}
	return s, nil
}

// Init creates every enabled sink instance. Instances which fail to initialize, including those which
// exhaust their connection retries, are logged and omitted.
func Init(ctx context.Context, logger logrus.FieldLogger, layered *config.Layered, globals harvestd.Globals, pool *transport.TransportPool, enable, disable []string) ([]harvestd.Sink, []harvestd.Runnable, error) {
	instances, err := layered.EnabledInstances(harvestd.SectionSinks, enable, disable)
	if err != nil {
		return nil, nil, err
	}

	var result []harvestd.Sink
	var runnables []harvestd.Runnable
	for _, instance := range instances {
		instanceLogger := logger.WithField("sink", instance.Name)
		s, err := InitSink(ctx, harvestd.PluginParams{
			Name:    instance.Name,
			Type:    instance.Type,
			Config:  instance.Config,
			Logger:  instanceLogger,
			Globals: globals,
		}, pool)
		if err != nil {
			if errors.Is(err, harvestd.ErrDisabled) {
				instanceLogger.WithError(err).Warn("Sink disabled itself")
			} else {
				instanceLogger.WithError(err).Warn("Failed to initialise sink")
			}
			continue
		}
		instanceLogger.WithField("type", instance.Type).Info("Initialised sink")
		result = append(result, s)
		runnables = harvestd.MaybeAppendRunnable(runnables, s)
	}
	return result, runnables, nil
}
