package transport

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, settings map[string]interface{}) *TransportPool {
	v := viper.New()
	for k, val := range settings {
		v.Set(k, val)
	}
	return NewTransportPool(logrus.New(), v)
}

func TestPoolFallsBackToDefault(t *testing.T) {
	t.Parallel()
	p := newPool(t, map[string]interface{}{
		"transport.default.user-agent": "agent-default",
	})
	def, err := p.Get("default")
	require.NoError(t, err)
	assert.Equal(t, "agent-default", def.userAgent)

	unknown, err := p.Get("unknown")
	require.NoError(t, err)
	assert.Equal(t, "agent-default", unknown.userAgent)
	assert.NotSame(t, def, unknown)
}

func TestPoolReusesClients(t *testing.T) {
	t.Parallel()
	p := newPool(t, map[string]interface{}{"transport.librato": map[string]interface{}{}})
	c1, err := p.Get("librato")
	require.NoError(t, err)
	c2, err := p.Get("librato")
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	c3, err := p.Get("default")
	require.NoError(t, err)
	assert.NotSame(t, c1, c3)
}

func TestPoolClientOptions(t *testing.T) {
	t.Parallel()
	p := newPool(t, map[string]interface{}{
		"transport.custom.client-timeout": "3s",
		"transport.custom.compress":       true,
		"transport.custom.compress-level": 1,
		"transport.custom.custom-headers": map[string]interface{}{"x-team": "metrics"},
	})
	c, err := p.Get("custom")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, c.Client.Timeout)
	assert.True(t, c.compress)
	assert.Equal(t, 1, c.compressLevel)
	assert.Equal(t, map[string]string{"x-team": "metrics"}, c.customHeaders)
	assert.Equal(t, "harvestd", c.userAgent)
}

func TestPoolRejectsInvalidOptions(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		param string
		value interface{}
		valid bool
	}{
		{paramTransportClientTimeout, -1 * time.Second, false},
		{paramTransportClientTimeout, 0, true},
		{paramTransportClientTimeout, "1s", true},
		{paramTransportCompressLevel, -3, false},
		{paramTransportCompressLevel, -2, true},
		{paramTransportCompressLevel, 10, false},
		{paramTransportType, "http", true},
		{paramTransportType, "grpc", false},
	} {
		p := newPool(t, map[string]interface{}{"transport.test." + tc.param: tc.value})
		c, err := p.Get("test")
		if tc.valid {
			require.NoError(t, err, "%s=%v", tc.param, tc.value)
			require.NotNil(t, c)
		} else {
			require.Error(t, err, "%s=%v", tc.param, tc.value)
			require.Nil(t, c)
		}
	}
}

func TestPoolDoesNotCacheFailures(t *testing.T) {
	t.Parallel()
	p := newPool(t, map[string]interface{}{"transport.neg.client-timeout": -1 * time.Second})
	_, err := p.Get("neg")
	require.Error(t, err)
	_, err = p.Get("neg")
	require.Error(t, err)
}
