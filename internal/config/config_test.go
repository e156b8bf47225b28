package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "myproject")
	require.NoError(t, err)
	require.Equal(t, "myproject", cfg.ProjectName)
	require.Equal(t, "postgres:17", cfg.Image)
	require.Equal(t, 55432, cfg.PortRangeStart)
	require.NotEmpty(t, cfg.DataRoot)
	require.NotEmpty(t, cfg.StateDBPath)
}

func TestLoadRejectsInvalidPortRange(t *testing.T) {
	v := viper.New()
	v.Set("port_range_start", 0)
	_, err := Load(v, "myproject")
	require.Error(t, err)
}
