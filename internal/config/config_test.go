package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"microbpf/internal/helper"
)

func TestLoadUsesDefaultsWithNoFlagsOrEnv(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	require.NoError(t, fs.Parse(nil))

	cfg := Load(v)
	require.Equal(t, Defaults().SlotCount, cfg.SlotCount)
	require.Equal(t, helper.PreFlight, cfg.DefaultHelperAccessVerification)
}

func TestLoadPrefersFlagOverDefault(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	require.NoError(t, fs.Parse([]string{"--worker-count=8", "--no-verify"}))

	cfg := Load(v)
	require.Equal(t, 8, cfg.WorkerCount)
	require.Equal(t, helper.NoVerification, cfg.DefaultHelperAccessVerification)
}

func TestLoadPrefersEnvOverDefault(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	require.NoError(t, fs.Parse(nil))
	t.Setenv("MIBPF_SLOT_COUNT", "5")

	cfg := Load(v)
	require.Equal(t, 5, cfg.SlotCount)
}
