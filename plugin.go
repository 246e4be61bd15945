package harvestd

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/harvestd/pkg/transport"
)

// ErrDisabled is returned (possibly wrapped) by a factory when a plugin decides it can not run on this host.
// It is handled exactly like any other construction failure, the plugin is omitted from the active set.
var ErrDisabled = errors.New("plugin disabled itself")

// Collector produces Datapoints from some metric source.
// If a Collector implements the Runner interface, it's started in a new goroutine at creation.
type Collector interface {
	// Name returns the instance name of the collector.
	Name() string
	// Read is called once per tick. Expected conditions, such as an instrumented file not existing this
	// cycle, must result in no datapoints and a nil error.
	Read(ctx context.Context) ([]Datapoint, error)
}

// Processor transforms or filters a single Datapoint and/or the set of sinks it is destined for.
type Processor interface {
	// Name returns the instance name of the processor.
	Name() string
	// Process returns the (possibly modified) datapoint and the sinks it should be delivered to.
	// A nil datapoint means the datapoint is dropped and no further processors run.
	// Process must not mutate the provided SinkSet, it must return a new one if it wants to change it.
	Process(dp *Datapoint, sinks SinkSet) (*Datapoint, SinkSet, error)
}

// Sink delivers a batch of finalized samples to an external system.
// If a Sink implements the Runner interface, it's started in a new goroutine at creation.
type Sink interface {
	// Name returns the instance name of the sink.
	Name() string
	// Dispatch delivers one tick worth of samples.
	Dispatch(ctx context.Context, samples ...Sample) error
}

// Globals are the cross-cutting settings injected into every plugin.
type Globals struct {
	Interval time.Duration
	Hostname string
	DryRun   bool
}

// PluginParams is everything a factory needs to construct a plugin instance.
type PluginParams struct {
	// Name is the instance name, the key of the instance in the configuration.
	Name string
	// Type is the implementation name, the key of the factory in the registry.
	Type string
	// Config is the resolved configuration of the instance, with the section defaults merged in.
	Config  *viper.Viper
	Logger  logrus.FieldLogger
	Globals Globals
}

// CollectorFactory is a function that returns a Collector.
type CollectorFactory func(params PluginParams) (Collector, error)

// ProcessorFactory is a function that returns a Processor.
type ProcessorFactory func(params PluginParams) (Processor, error)

// SinkFactory is a function that returns a Sink. A factory may block while it connects, ctx bounds
// the attempt.
type SinkFactory func(ctx context.Context, params PluginParams, pool *transport.TransportPool) (Sink, error)
