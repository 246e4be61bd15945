package main

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlassian/harvestd/internal/fixtures"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
	return path
}

func TestConfigFilesMerge(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	base := writeConfig(t, dir, "base.yaml", `
loop:
  interval: 30s
  collector-timeout: 5s
sinks:
  carbon:
    host: graphite.example.com
    port: 2003
`)
	override := writeConfig(t, dir, "override.yaml", `
loop:
  interval: 10s
sinks:
  carbon:
    port: 2004
`)
	v, fs, version, err := setupConfiguration([]string{"--config", base, "--config", override})
	require.NoError(t, err)
	assert.False(t, version)

	opts := loopOptionsFromViper(v, fs)
	assert.Equal(t, 10*time.Second, opts.Interval)
	assert.Equal(t, 5*time.Second, opts.CollectorTimeout)
	assert.Equal(t, "graphite.example.com", v.GetString("sinks.carbon.host"))
	assert.Equal(t, 2004, v.GetInt("sinks.carbon.port"))
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, "harvestd.yaml", `
loop:
  interval: 30s
  align: true
web:
  address: 127.0.0.1:9000
`)
	v, fs, _, err := setupConfiguration([]string{"--config", path, "--interval", "15s", "--dry-run"})
	require.NoError(t, err)

	opts := loopOptionsFromViper(v, fs)
	assert.Equal(t, 15*time.Second, opts.Interval)
	assert.True(t, opts.Align)
	assert.True(t, opts.DryRun)
	assert.Equal(t, "127.0.0.1:9000", webOptionsFromViper(v, fs).Address)
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	v, fs, _, err := setupConfiguration(nil)
	require.NoError(t, err)

	opts := loopOptionsFromViper(v, fs)
	assert.Equal(t, time.Minute, opts.Interval)
	assert.False(t, opts.Align)
	assert.Zero(t, opts.CollectorTimeout)
	assert.Empty(t, webOptionsFromViper(v, fs).Address)
}

func TestDestination(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, "harvestd.yaml", `
sinks:
  carbon:
    host: graphite.example.com
    reconnect-delay: 1s
`)
	v, _, _, err := setupConfiguration([]string{"--config", path, "--destination", "10.0.0.1:2013"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", v.GetString("sinks.carbon.host"))
	assert.Equal(t, 2013, v.GetInt("sinks.carbon.port"))
	assert.Equal(t, time.Second, v.GetDuration("sinks.carbon.reconnect-delay"))
}

func TestDestinationInvalid(t *testing.T) {
	t.Parallel()
	for _, dest := range []string{"nohost", "host:port", "host:70000"} {
		_, _, _, err := setupConfiguration([]string{"--destination", dest})
		assert.Error(t, err, dest)
	}
}

func TestVersionFlag(t *testing.T) {
	t.Parallel()
	_, _, version, err := setupConfiguration([]string{"--version"})
	require.NoError(t, err)
	assert.True(t, version)
}

func TestConstructRequiresCollectors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, "harvestd.yaml", `
collectors:
  loadavg:
    enabled: false
sinks:
  dump: {}
`)
	v, fs, _, err := setupConfiguration([]string{"--config", path})
	require.NoError(t, err)
	d, err := construct(context.Background(), fixtures.NewTestLogger(t), v, fs)
	require.Equal(t, errNoCollectors, err)
	require.NoError(t, d.close())
}

func TestConstructRequiresSinks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, "harvestd.yaml", `
collectors:
  loadavg: {}
sinks:
  dump: {}
`)
	v, fs, _, err := setupConfiguration([]string{"--config", path, "--sinks-disable", "dump"})
	require.NoError(t, err)
	d, err := construct(context.Background(), fixtures.NewTestLogger(t), v, fs)
	require.Equal(t, errNoSinks, err)
	require.NoError(t, d.close())
}

func TestConstructAndTick(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, "harvestd.yaml", `
collectors:
  loadavg: {}
  missing: {type: nosuchcollector}
processors:
  hostname_prefix: {type: hostname, hostname: myhost}
sinks:
  dump: {}
web:
  address: 127.0.0.1:0
`)
	v, fs, _, err := setupConfiguration([]string{"--config", path})
	require.NoError(t, err)
	d, err := construct(context.Background(), fixtures.NewTestLogger(t), v, fs)
	require.NoError(t, err)
	defer d.close()

	require.NotNil(t, d.web)
	require.NotNil(t, d.web.Addr())

	result := d.loop.Tick(context.Background())
	assert.NotZero(t, result.Collected)
	assert.Equal(t, result.Collected, result.Dispatched["dump"])
}
