package cpu

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/internal/fixtures"
)

const procStat = `cpu  100 20 30 400 50 6 7 8 9 10
cpu0 60 10 15 200 25 3 3 4 4 5
cpu1 40 10 15 200 25 3 4 4 5 5
intr 12345 1 2 3
ctxt 6789
btime 1600000000
processes 4242
procs_running 3
procs_blocked 1
softirq 100 1 2 3 4 5 6 7 8 9 10
`

func newTestCollector(t *testing.T, perCPU bool) harvestd.Collector {
	dir := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "stat"), []byte(procStat), 0600))
	v := viper.New()
	v.Set("proc-path", dir)
	v.Set("per-cpu", perCPU)
	c, err := NewCollector(harvestd.PluginParams{
		Name:   "cpu",
		Type:   CollectorName,
		Config: v,
		Logger: fixtures.NewTestLogger(t),
	})
	require.NoError(t, err)
	return c
}

func byName(dps []harvestd.Datapoint) map[string]harvestd.Datapoint {
	m := map[string]harvestd.Datapoint{}
	for _, dp := range dps {
		m[dp.Name] = dp
	}
	return m
}

func TestRead(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t, false)
	assert.Equal(t, "cpu", c.Name())

	dps, err := c.Read(context.Background())
	require.NoError(t, err)
	m := byName(dps)
	require.Len(t, m, 15)

	assert.Equal(t, harvestd.NewCounter("processor.cpu.user", 1), m["processor.cpu.user"])
	assert.InDelta(t, 4.0, m["processor.cpu.idle"].Value, 1e-9)
	assert.InDelta(t, 0.1, m["processor.cpu.guest_nice"].Value, 1e-9)
	assert.Equal(t, harvestd.NewCounter("processor.context_switches", 6789), m["processor.context_switches"])
	assert.Equal(t, harvestd.NewCounter("processor.forks", 4242), m["processor.forks"])
	assert.Equal(t, harvestd.NewCounter("processor.interrupts", 12345), m["processor.interrupts"])
	assert.Equal(t, harvestd.NewGauge("processor.procs_running", 3), m["processor.procs_running"])
	assert.Equal(t, harvestd.NewGauge("processor.procs_blocked", 1), m["processor.procs_blocked"])
}

func TestReadPerCPU(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t, true)
	dps, err := c.Read(context.Background())
	require.NoError(t, err)
	m := byName(dps)
	require.Len(t, m, 35)
	assert.InDelta(t, 0.6, m["processor.cpu0.user"].Value, 1e-9)
	assert.InDelta(t, 0.4, m["processor.cpu1.user"].Value, 1e-9)
}

func TestMissingProcfsDisables(t *testing.T) {
	t.Parallel()
	v := viper.New()
	v.Set("proc-path", filepath.Join(t.TempDir(), "missing"))
	_, err := NewCollector(harvestd.PluginParams{Name: "cpu", Config: v, Logger: fixtures.NewTestLogger(t)})
	require.ErrorIs(t, err, harvestd.ErrDisabled)
}
