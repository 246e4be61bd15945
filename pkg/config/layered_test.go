package config

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
collectors:
  _default:
    enabled: true
    rate-limit:
      max-interval: 5m
    debug:
      verbose: false
      level: 1
  cpu: {}
  memstats:
    enabled: false
  cron_log:
    type: cronlog
    path: /var/log/cron.log
    debug:
      verbose: true
    rate-limit:
      sampling: 3
processors:
  order: [zzz, aaa]
  aaa:
    type: hostname
  mmm:
    type: filter
  zzz:
    type: route
`

func newTestViper(t *testing.T) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(testConfig)))
	return v
}

func TestInstancesSortedByName(t *testing.T) {
	t.Parallel()
	l := NewLayered(newTestViper(t))
	assert.Equal(t, []string{"cpu", "cron_log", "memstats"}, l.Instances("collectors"))
	assert.Equal(t, []string{"cpu", "cron_log", "memstats", "loadavg"}, l.Instances("collectors", "loadavg", "cpu"))
	assert.Empty(t, l.Instances("sinks"))
}

func TestInstancesExplicitOrder(t *testing.T) {
	t.Parallel()
	l := NewLayered(newTestViper(t))
	assert.Equal(t, []string{"zzz", "aaa", "mmm"}, l.Instances("processors"))
}

func TestResolveMergesDefaults(t *testing.T) {
	t.Parallel()
	l := NewLayered(newTestViper(t))

	cpu, err := l.Resolve("collectors", "cpu")
	require.NoError(t, err)
	assert.True(t, cpu.GetBool("enabled"))
	assert.Equal(t, "cpu", cpu.GetString("type"))
	assert.Equal(t, 5*time.Minute, cpu.GetDuration("rate-limit.max-interval"))
	assert.False(t, cpu.GetBool("debug.verbose"))

	cron, err := l.Resolve("collectors", "cron_log")
	require.NoError(t, err)
	assert.Equal(t, "cronlog", cron.GetString("type"))
	assert.Equal(t, "/var/log/cron.log", cron.GetString("path"))
	assert.True(t, cron.GetBool("debug.verbose"))
	assert.Equal(t, 1, cron.GetInt("debug.level"))
	assert.Equal(t, 5*time.Minute, cron.GetDuration("rate-limit.max-interval"))
	assert.Equal(t, 3, cron.GetInt("rate-limit.sampling"))

	mem, err := l.Resolve("collectors", "memstats")
	require.NoError(t, err)
	assert.False(t, mem.GetBool("enabled"))
}

func TestResolveUnconfiguredInstance(t *testing.T) {
	t.Parallel()
	l := NewLayered(newTestViper(t))
	v, err := l.Resolve("sinks", "dump")
	require.NoError(t, err)
	assert.True(t, v.GetBool("enabled"))
	assert.Equal(t, "dump", v.GetString("type"))
}

func TestResolveDoesNotLeakBetweenInstances(t *testing.T) {
	t.Parallel()
	l := NewLayered(newTestViper(t))
	_, err := l.Resolve("collectors", "cron_log")
	require.NoError(t, err)
	cpu, err := l.Resolve("collectors", "cpu")
	require.NoError(t, err)
	assert.False(t, cpu.GetBool("debug.verbose"))
	assert.Zero(t, cpu.GetInt("rate-limit.sampling"))
}

func TestEnabled(t *testing.T) {
	t.Parallel()
	on := viper.New()
	on.Set("enabled", true)
	off := viper.New()
	off.Set("enabled", false)

	assert.True(t, Enabled("a", on, nil, nil))
	assert.False(t, Enabled("a", off, nil, nil))
	assert.True(t, Enabled("a", off, []string{"a"}, nil))
	assert.False(t, Enabled("a", on, nil, []string{"a"}))
	assert.False(t, Enabled("a", on, []string{"a"}, []string{"A"}))
}

type decodeTarget struct {
	Base      `mapstructure:",squash"`
	RateLimit RateLimit                 `mapstructure:"rate-limit"`
	Path      string                    `mapstructure:"path" validate:"required"`
	Events    map[string]*regexp.Regexp `mapstructure:"events"`
	Targets   []string                  `mapstructure:"targets"`
	Timeout   time.Duration             `mapstructure:"timeout"`
}

func TestDecode(t *testing.T) {
	t.Parallel()
	v := viper.New()
	v.Set("enabled", true)
	v.Set("type", "cronlog")
	v.Set("path", "/tmp/cron")
	v.Set("events", map[string]interface{}{"start": `CMD \((?P<name>\S+)\)`})
	v.Set("targets", "a,b")
	v.Set("timeout", "3s")
	v.Set("rate-limit", map[string]interface{}{"max-interval": "1m"})

	var out decodeTarget
	require.NoError(t, Decode(v, &out))
	assert.True(t, out.Enabled)
	assert.Equal(t, "cronlog", out.Type)
	assert.Equal(t, "/tmp/cron", out.Path)
	require.Contains(t, out.Events, "start")
	assert.True(t, out.Events["start"].MatchString("CMD (backup)"))
	assert.Equal(t, []string{"a", "b"}, out.Targets)
	assert.Equal(t, 3*time.Second, out.Timeout)
	assert.Equal(t, time.Minute, out.RateLimit.MaxInterval)
	assert.True(t, out.RateLimit.Configured())
}

func TestDecodeValidation(t *testing.T) {
	t.Parallel()
	var out decodeTarget
	err := Decode(viper.New(), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Path")
}

func TestDecodeBadRegexp(t *testing.T) {
	t.Parallel()
	v := viper.New()
	v.Set("path", "/tmp/cron")
	v.Set("events", map[string]interface{}{"start": `(`})
	var out decodeTarget
	require.Error(t, Decode(v, &out))
}

func TestEnabledInstances(t *testing.T) {
	t.Parallel()
	l := NewLayered(newTestViper(t))
	instances, err := l.EnabledInstances("collectors", []string{"loadavg"}, []string{"cpu"})
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "cron_log", instances[0].Name)
	assert.Equal(t, "cronlog", instances[0].Type)
	assert.Equal(t, "loadavg", instances[1].Name)
	assert.Equal(t, "loadavg", instances[1].Type)
}
