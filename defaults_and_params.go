package harvestd

import (
	"time"

	"github.com/spf13/pflag"
)

const (
	// DefaultInterval is the default tick interval.
	DefaultInterval = 60 * time.Second
	// DefaultCollectorTimeout is the default per-tick collector deadline, zero waits for every collector.
	DefaultCollectorTimeout = time.Duration(0)
	// DefaultWebAddress is the default address of the status server, empty to disable it.
	DefaultWebAddress = ""
)

const (
	// ParamDestination is the name of parameter with the host:port of the carbon sink.
	ParamDestination = "destination"
	// ParamInterval is the name of parameter with the tick interval.
	ParamInterval = "interval"
	// ParamAlign is the name of parameter which aligns ticks to multiples of the interval.
	ParamAlign = "align"
	// ParamCollectorTimeout is the name of parameter with the per-tick collector deadline.
	ParamCollectorTimeout = "collector-timeout"
	// ParamCollectorsEnable is the name of parameter with collector instances to force on.
	ParamCollectorsEnable = "collectors-enable"
	// ParamCollectorsDisable is the name of parameter with collector instances to force off.
	ParamCollectorsDisable = "collectors-disable"
	// ParamProcessorsEnable is the name of parameter with processor instances to force on.
	ParamProcessorsEnable = "processors-enable"
	// ParamProcessorsDisable is the name of parameter with processor instances to force off.
	ParamProcessorsDisable = "processors-disable"
	// ParamSinksEnable is the name of parameter with sink instances to force on.
	ParamSinksEnable = "sinks-enable"
	// ParamSinksDisable is the name of parameter with sink instances to force off.
	ParamSinksDisable = "sinks-disable"
	// ParamDryRun is the name of parameter which logs samples instead of dispatching them.
	ParamDryRun = "dry-run"
	// ParamHostname is the name of parameter with the hostname injected into plugins.
	ParamHostname = "hostname"
	// ParamWebAddress is the name of parameter with the address of the status server.
	ParamWebAddress = "web-address"
	// ParamOnce is the name of parameter which runs a single tick and exits.
	ParamOnce = "once"
)

// Configuration sections, each holding a map of plugin instances.
const (
	SectionCollectors = "collectors"
	SectionProcessors = "processors"
	SectionSinks      = "sinks"
)

// AddFlags adds flags to the specified FlagSet.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(ParamDestination, "", "Host and port of the carbon sink, overrides sinks.carbon.host and sinks.carbon.port")
	fs.Duration(ParamInterval, DefaultInterval, "How often to collect and dispatch metrics")
	fs.Bool(ParamAlign, false, "Align ticks to multiples of the interval")
	fs.Duration(ParamCollectorTimeout, DefaultCollectorTimeout, "Maximum time to wait for collectors each tick (0 to wait for all)")
	fs.StringSlice(ParamCollectorsEnable, nil, "Collector instances to enable regardless of configuration")
	fs.StringSlice(ParamCollectorsDisable, nil, "Collector instances to disable regardless of configuration")
	fs.StringSlice(ParamProcessorsEnable, nil, "Processor instances to enable regardless of configuration")
	fs.StringSlice(ParamProcessorsDisable, nil, "Processor instances to disable regardless of configuration")
	fs.StringSlice(ParamSinksEnable, nil, "Sink instances to enable regardless of configuration")
	fs.StringSlice(ParamSinksDisable, nil, "Sink instances to disable regardless of configuration")
	fs.Bool(ParamDryRun, false, "Log samples instead of dispatching them")
	fs.String(ParamHostname, "", "Hostname to use in metric names (defaults to the OS hostname)")
	fs.String(ParamWebAddress, DefaultWebAddress, "If set, serve healthcheck, status and metrics on this address")
	fs.Bool(ParamOnce, false, "Run a single tick and exit")
}
