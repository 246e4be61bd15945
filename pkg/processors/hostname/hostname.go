package hostname

import (
	"fmt"
	"os"
	"strings"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/config"
)

// ProcessorName is the name of this processor.
const ProcessorName = "hostname"

// Config holds the options of the hostname processor.
type Config struct {
	config.Base `mapstructure:",squash"`
	Hostname    string `mapstructure:"hostname"`
	ReverseFQDN bool   `mapstructure:"reverse-fqdn"`
}

// Processor prefixes every datapoint name with the host name.
type Processor struct {
	name   string
	prefix string
}

// NewProcessor creates a hostname processor from its configuration. The host name defaults to the
// global hostname, then to the kernel's host name.
func NewProcessor(params harvestd.PluginParams) (harvestd.Processor, error) {
	var cfg Config
	if err := config.Decode(params.Config, &cfg); err != nil {
		return nil, err
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname = params.Globals.Hostname
	}
	if hostname == "" {
		var err error
		if hostname, err = os.Hostname(); err != nil {
			return nil, fmt.Errorf("resolving hostname: %w", err)
		}
	}
	hostname = strings.Trim(hostname, ".")
	if hostname == "" {
		return nil, fmt.Errorf("empty hostname")
	}
	if cfg.ReverseFQDN {
		hostname = reverse(hostname)
	}
	return &Processor{
		name:   params.Name,
		prefix: hostname + ".",
	}, nil
}

// reverse turns web1.example.com into com.example.web1.
func reverse(fqdn string) string {
	parts := strings.Split(fqdn, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

func (p *Processor) Name() string {
	return p.name
}

func (p *Processor) Process(dp *harvestd.Datapoint, sinks harvestd.SinkSet) (*harvestd.Datapoint, harvestd.SinkSet, error) {
	out := *dp
	out.Name = p.prefix + dp.Name
	return &out, sinks, nil
}
