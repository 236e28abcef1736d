package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesFlagDefaultsFromEnv(t *testing.T) {
	t.Setenv("KVREDIS_PORT", "7000")
	cfg, err := Load(nil, nil)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("KVREDIS_PORT", "7000")
	cfg, err := Load([]string{"--port", "9000"}, nil)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Port)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := &Config{Port: 0, MaxConnections: 1, LogLevel: "info", LogFormat: "json"}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := &Config{Port: 6379, MaxConnections: 1, LogLevel: "verbose", LogFormat: "json"}
	require.Error(t, cfg.Validate())
}

func TestSnapshotPathEmptyUnlessBothSet(t *testing.T) {
	cfg := &Config{}
	require.Equal(t, "", cfg.SnapshotPath())

	cfg.Dir = "/data"
	require.Equal(t, "", cfg.SnapshotPath())

	cfg.DBFilename = "dump.rdb"
	require.Equal(t, "/data/dump.rdb", cfg.SnapshotPath())
}

func TestUnknownFlagsAreIgnored(t *testing.T) {
	cfg, err := Load([]string{"--bogus-flag", "x"}, nil)
	require.NoError(t, err)
	require.Equal(t, 6379, cfg.Port)
}
