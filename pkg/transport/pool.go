package transport

import (
	"compress/zlib"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/harvestd/pkg/config"
)

const (
	paramTransportClientTimeout = "client-timeout"
	paramTransportCompress      = "compress"
	paramTransportCompressLevel = "compress-level"
	paramTransportCustomHeaders = "custom-headers"
	paramTransportDebugBody     = "debug-body"
	paramTransportType          = "type"
	paramTransportUserAgent     = "user-agent"
)

const (
	transportTypeHttp = "http"
	defaultTransport  = "default"
)

// clientConfig holds the options shared by every transport type.
type clientConfig struct {
	ClientTimeout time.Duration     `mapstructure:"client-timeout" validate:"gte=0"`
	Compress      bool              `mapstructure:"compress"`
	CompressLevel int               `mapstructure:"compress-level" validate:"gte=-2,lte=9"`
	CustomHeaders map[string]string `mapstructure:"custom-headers"`
	DebugBody     bool              `mapstructure:"debug-body"`
	Type          string            `mapstructure:"type" validate:"oneof=http"`
	UserAgent     string            `mapstructure:"user-agent"`
}

// TransportPool creates Clients on demand from the transport section of the configuration. A Client is
// configured by transport.<name>, names without a section get the transport.default configuration.
type TransportPool struct {
	config *viper.Viper
	logger logrus.FieldLogger

	mu      sync.Mutex
	clients map[string]*Client
}

func NewTransportPool(logger logrus.FieldLogger, v *viper.Viper) *TransportPool {
	v.SetDefault("transport."+defaultTransport, map[string]interface{}{})
	return &TransportPool{
		logger:  logger,
		clients: map[string]*Client{},
		config:  v,
	}
}

// Get returns the named Client, creating it on first use. Failures are not cached.
func (tp *TransportPool) Get(name string) (*Client, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if c, ok := tp.clients[name]; ok {
		return c, nil
	}

	c, err := tp.newClient(name)
	if err != nil {
		return nil, err
	}
	tp.clients[name] = c
	return c, nil
}

func (tp *TransportPool) sub(name string) *viper.Viper {
	if sub := tp.config.Sub("transport." + name); sub != nil {
		return sub
	}
	tp.logger.WithField("name", name).Warn("request for non-configured transport, using transport.default")
	if sub := tp.config.Sub("transport." + defaultTransport); sub != nil {
		return sub
	}
	return viper.New()
}

func (tp *TransportPool) newClient(name string) (*Client, error) {
	sub := tp.sub(name)
	sub.SetDefault(paramTransportClientTimeout, 10*time.Second)
	sub.SetDefault(paramTransportCompress, false)
	sub.SetDefault(paramTransportCompressLevel, zlib.BestCompression)
	sub.SetDefault(paramTransportDebugBody, false)
	sub.SetDefault(paramTransportType, transportTypeHttp)
	sub.SetDefault(paramTransportUserAgent, "harvestd")

	var cfg clientConfig
	if err := config.Decode(sub, &cfg); err != nil {
		return nil, fmt.Errorf("transport %s: %w", name, err)
	}

	// Only http exists for now, validation rejects every other type.
	transport, err := tp.newHttpTransport(name, sub)
	if err != nil {
		return nil, fmt.Errorf("transport %s: %w", name, err)
	}

	tp.logger.WithFields(logrus.Fields{
		"name":                      name,
		paramTransportType:          cfg.Type,
		paramTransportClientTimeout: cfg.ClientTimeout,
		paramTransportCompress:      cfg.Compress,
		paramTransportUserAgent:     cfg.UserAgent,
	}).Info("created client")

	return &Client{
		logger:        tp.logger.WithField("transport", name),
		compress:      cfg.Compress,
		compressLevel: cfg.CompressLevel,
		customHeaders: cfg.CustomHeaders,
		debugBody:     cfg.DebugBody,
		userAgent:     cfg.UserAgent,
		Client: &http.Client{
			Transport: transport,
			Timeout:   cfg.ClientTimeout,
		},
	}, nil
}
