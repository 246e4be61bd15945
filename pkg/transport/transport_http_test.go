package transport

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHttpTransportEnforceRanges(t *testing.T) {
	t.Parallel()
	for _, config := range []struct {
		param string
		value interface{}
		valid bool
	}{
		{paramHttpDialerKeepAlive, -1 * time.Second, false},
		{paramHttpDialerKeepAlive, -1, true},
		{paramHttpDialerKeepAlive, 0 * time.Second, true},
		{paramHttpDialerKeepAlive, "1s", true},
		{paramHttpDialerTimeout, -1 * time.Second, false},
		{paramHttpDialerTimeout, 0 * time.Second, true},
		{paramHttpEnableHttp2, true, true},
		{paramHttpIdleConnectionTimeout, "-1m", false},
		{paramHttpIdleConnectionTimeout, "1m", true},
		{paramHttpMaxIdleConnections, -1, false},
		{paramHttpMaxIdleConnections, 0, true},
		{paramHttpNetwork, "tcp6", true},
		{paramHttpNetwork, "udp", false},
		{paramHttpTLSHandshakeTimeout, -1, false},
		{paramHttpTLSHandshakeTimeout, 1, true},
		{paramHttpResponseHeaderTimeout, "-5s", false},
	} {
		v := viper.New()
		v.Set("transport.test."+config.param, config.value)
		p := NewTransportPool(logrus.New(), v)
		c, err := p.Get("test")
		if config.valid {
			require.NoError(t, err, "param: %s, value: %#v", config.param, config.value)
			require.NotNil(t, c, "param: %s, value: %#v", config.param, config.value)
		} else {
			require.Error(t, err, "param: %s, value: %#v", config.param, config.value)
			require.Nil(t, c, "param: %s, value: %#v", config.param, config.value)
		}
	}
}

func TestHttp2(t *testing.T) {
	t.Parallel()
	v := viper.New()
	v.Set("transport.h2.enable-http2", true)
	v.Set("transport.h1.enable-http2", false)
	p := NewTransportPool(logrus.New(), v)

	h2, err := p.newHttpTransport("h2", v.Sub("transport.h2"))
	require.NoError(t, err)
	assert.Contains(t, h2.TLSNextProto, "h2")

	h1, err := p.newHttpTransport("h1", v.Sub("transport.h1"))
	require.NoError(t, err)
	assert.NotNil(t, h1.TLSNextProto)
	assert.Empty(t, h1.TLSNextProto)
}
