package harvestd

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestAddFlags(t *testing.T) {
	require.NotPanics(t, func() {
		fs := &pflag.FlagSet{}
		AddFlags(fs)
	})
}

func TestAddFlagsDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--interval=10s", "--sinks-disable=carbon,librato"}))

	interval, err := fs.GetDuration(ParamInterval)
	require.NoError(t, err)
	require.Equal(t, "10s", interval.String())

	disabled, err := fs.GetStringSlice(ParamSinksDisable)
	require.NoError(t, err)
	require.Equal(t, []string{"carbon", "librato"}, disabled)
}
