package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/net/http2"

	"github.com/atlassian/harvestd/pkg/config"
)

const (
	paramHttpDialerKeepAlive       = "dialer-keep-alive"
	paramHttpDialerTimeout         = "dialer-timeout"
	paramHttpEnableHttp2           = "enable-http2"
	paramHttpIdleConnectionTimeout = "idle-connection-timeout"
	paramHttpMaxIdleConnections    = "max-idle-connections"
	paramHttpNetwork               = "network"
	paramHttpTLSHandshakeTimeout   = "tls-handshake-timeout"
	paramHttpResponseHeaderTimeout = "response-header-timeout"
)

// httpConfig holds the options of an http transport. Zero timeouts mean no timeout, a dialer keep alive of -1
// disables keep alives and zero max-idle-connections means no limit.
type httpConfig struct {
	DialerKeepAlive       time.Duration `mapstructure:"dialer-keep-alive" validate:"gte=-1ns"`
	DialerTimeout         time.Duration `mapstructure:"dialer-timeout" validate:"gte=0"`
	EnableHttp2           bool          `mapstructure:"enable-http2"`
	IdleConnectionTimeout time.Duration `mapstructure:"idle-connection-timeout" validate:"gte=0"`
	MaxIdleConnections    int           `mapstructure:"max-idle-connections" validate:"gte=0"`
	Network               string        `mapstructure:"network" validate:"oneof=tcp tcp4 tcp6"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"tls-handshake-timeout" validate:"gte=0"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response-header-timeout" validate:"gte=0"`
}

func (tp *TransportPool) newHttpTransport(name string, v *viper.Viper) (*http.Transport, error) {
	v.SetDefault(paramHttpDialerKeepAlive, 30*time.Second)
	v.SetDefault(paramHttpDialerTimeout, 5*time.Second)
	v.SetDefault(paramHttpEnableHttp2, false)
	v.SetDefault(paramHttpIdleConnectionTimeout, time.Minute)
	v.SetDefault(paramHttpMaxIdleConnections, 50)
	v.SetDefault(paramHttpNetwork, "tcp")
	v.SetDefault(paramHttpTLSHandshakeTimeout, 3*time.Second)
	v.SetDefault(paramHttpResponseHeaderTimeout, time.Duration(0))

	var cfg httpConfig
	if err := config.Decode(v, &cfg); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialerTimeout,
		KeepAlive: cfg.DialerKeepAlive,
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: func(ctx context.Context, _, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, cfg.Network, address)
		},
		MaxIdleConns:          cfg.MaxIdleConnections,
		IdleConnTimeout:       cfg.IdleConnectionTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}

	if cfg.EnableHttp2 {
		// A custom DialContext disables the automatic HTTP/2 upgrade, it has to be configured explicitly.
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, err
		}
	} else {
		// A non-nil empty map used in TLSNextProto to disable HTTP/2 support in client.
		transport.TLSNextProto = map[string](func(string, *tls.Conn) http.RoundTripper){}
	}

	tp.logger.WithFields(logrus.Fields{
		"name":                         name,
		paramHttpDialerKeepAlive:       cfg.DialerKeepAlive,
		paramHttpDialerTimeout:         cfg.DialerTimeout,
		paramHttpEnableHttp2:           cfg.EnableHttp2,
		paramHttpIdleConnectionTimeout: cfg.IdleConnectionTimeout,
		paramHttpMaxIdleConnections:    cfg.MaxIdleConnections,
		paramHttpNetwork:               cfg.Network,
		paramHttpTLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
	}).Info("created transport")

	return transport, nil
}
